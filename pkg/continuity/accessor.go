package continuity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/pkg/logx"
	"conclave/pkg/proto"
)

// Accessor is a thin façade over the durable store. It owns the per-session
// write lock for ConciergeState: all concierge updates go through
// UpdateConcierge as a whole-record read-modify-write.
type Accessor struct {
	store  Store
	logger *logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // sessionID -> write lock
}

func NewAccessor(store Store) *Accessor {
	return &Accessor{
		store:  store,
		logger: logx.NewLogger("continuity"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (a *Accessor) Store() Store { return a.store }

func (a *Accessor) Session(ctx context.Context, id string) (*proto.Session, error) {
	session, err := a.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return session, nil
}

func (a *Accessor) Turn(ctx context.Context, id string) (*proto.Turn, error) {
	turn, err := a.store.GetTurn(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", id, err)
	}
	return turn, nil
}

// LastTurn loads the session's most recent turn. Returns proto.ErrNotFound
// (wrapped) when the session has no last turn or it cannot be loaded.
func (a *Accessor) LastTurn(ctx context.Context, session *proto.Session) (*proto.Turn, error) {
	if session.LastTurnID == "" {
		return nil, fmt.Errorf("session %s has no last turn: %w", session.ID, proto.ErrNotFound)
	}
	return a.Turn(ctx, session.LastTurnID)
}

func (a *Accessor) Responses(ctx context.Context, turnID string) ([]*proto.ProviderResponse, error) {
	responses, err := a.store.GetResponsesByTurnID(ctx, turnID)
	if err != nil {
		return nil, fmt.Errorf("load responses for turn %s: %w", turnID, err)
	}
	return responses, nil
}

func (a *Accessor) SessionTurns(ctx context.Context, sessionID string) ([]*proto.Turn, error) {
	turns, err := a.store.GetTurnsBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns for session %s: %w", sessionID, err)
	}
	return turns, nil
}

func (a *Accessor) SaveTurn(ctx context.Context, turn *proto.Turn) error {
	turn.UpdatedAt = time.Now().UTC()
	return a.store.PutTurn(ctx, turn)
}

func (a *Accessor) SaveSession(ctx context.Context, session *proto.Session) error {
	session.UpdatedAt = time.Now().UTC()
	return a.store.PutSession(ctx, session)
}

func (a *Accessor) SaveResponse(ctx context.Context, response *proto.ProviderResponse) error {
	response.UpdatedAt = time.Now().UTC()
	return a.store.PutResponse(ctx, response)
}

// UpdateConcierge performs an atomic read-modify-write of the whole
// ConciergeState record under the session's write lock. mutate receives the
// current record and edits it in place.
func (a *Accessor) UpdateConcierge(ctx context.Context, sessionID string, mutate func(*proto.ConciergeState)) error {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s for concierge update: %w", sessionID, err)
	}
	mutate(&session.Concierge)
	session.UpdatedAt = time.Now().UTC()
	if err := a.store.PutSession(ctx, session); err != nil {
		return fmt.Errorf("write concierge state for session %s: %w", sessionID, err)
	}
	return nil
}

func (a *Accessor) sessionLock(sessionID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[sessionID] = lock
	}
	return lock
}

// statusRank orders response statuses for tie-breaking only: recency always
// wins, rank decides exact timestamp ties.
func statusRank(status proto.ResponseStatus) int {
	switch status {
	case proto.StatusCompleted:
		return 3
	case proto.StatusStreaming:
		return 2
	case proto.StatusPending:
		return 1
	default:
		return 0
	}
}

// recency returns the effective timestamp of a response: UpdatedAt, falling
// back to CreatedAt when the response was never touched after creation.
func recency(r *proto.ProviderResponse) time.Time {
	if r.UpdatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// newer reports whether candidate should replace current as the latest
// response. Greater recency wins; status rank breaks exact ties.
func newer(candidate, current *proto.ProviderResponse) bool {
	if current == nil {
		return true
	}
	ct, xt := recency(candidate), recency(current)
	if !ct.Equal(xt) {
		return ct.After(xt)
	}
	return statusRank(candidate.Status) > statusRank(current.Status)
}

// Latest selects the most recent response for a (provider, type) pair, or
// nil if the provider produced none.
func Latest(responses []*proto.ProviderResponse, providerID string, typ proto.ResponseType) *proto.ProviderResponse {
	var best *proto.ProviderResponse
	for _, r := range responses {
		if r.ProviderID != providerID || r.Type != typ {
			continue
		}
		if newer(r, best) {
			best = r
		}
	}
	return best
}

// LatestByProvider folds a response list into one latest response per
// provider for the given type.
func LatestByProvider(responses []*proto.ProviderResponse, typ proto.ResponseType) map[string]*proto.ProviderResponse {
	out := make(map[string]*proto.ProviderResponse)
	for _, r := range responses {
		if r.Type != typ {
			continue
		}
		if newer(r, out[r.ProviderID]) {
			out[r.ProviderID] = r
		}
	}
	return out
}

// NormalizeContexts flattens per-provider continuation metadata. A stored
// entry may be flat or nested under a "meta" key; both are accepted and the
// nested shape is flattened, with top-level keys taking precedence.
func NormalizeContexts(raw map[string]map[string]any) map[string]map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(raw))
	for key, entry := range raw {
		if entry == nil {
			continue
		}
		flat := make(map[string]any, len(entry))
		if nested, ok := entry["meta"].(map[string]any); ok {
			for k, v := range nested {
				flat[k] = v
			}
		}
		for k, v := range entry {
			if k == "meta" {
				continue
			}
			flat[k] = v
		}
		out[key] = flat
	}
	return out
}

// ContextFor resolves one provider's continuation context from normalized
// metadata. Role-scoped state ("<provider>:batch") takes precedence over
// legacy flat state. A nil result means the provider joins fresh.
func ContextFor(contexts map[string]map[string]any, providerID string, role proto.ResponseType) map[string]any {
	if scoped, ok := contexts[providerID+":"+string(role)]; ok {
		return scoped
	}
	if flat, ok := contexts[providerID]; ok {
		return flat
	}
	return nil
}
