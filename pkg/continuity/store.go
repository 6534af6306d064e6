// Package continuity provides the durable-store contract, a thin read/write
// accessor over sessions, turns, and provider responses, and the per-session
// concierge continuity state machine.
package continuity

import (
	"context"

	"conclave/pkg/proto"
)

// Store is the durable store contract. Implementations provide at most
// read-your-writes consistency per key; no cross-key transactions are
// assumed. Missing records are reported by wrapping proto.ErrNotFound.
type Store interface {
	GetSession(ctx context.Context, id string) (*proto.Session, error)
	PutSession(ctx context.Context, session *proto.Session) error
	GetTurn(ctx context.Context, id string) (*proto.Turn, error)
	PutTurn(ctx context.Context, turn *proto.Turn) error
	PutResponse(ctx context.Context, response *proto.ProviderResponse) error
	GetResponsesByTurnID(ctx context.Context, turnID string) ([]*proto.ProviderResponse, error)
	GetTurnsBySessionID(ctx context.Context, sessionID string) ([]*proto.Turn, error)
}
