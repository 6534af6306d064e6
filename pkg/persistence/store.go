package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"conclave/pkg/proto"
)

// GetSession loads a session by id. Wraps proto.ErrNotFound when absent.
func (d *DB) GetSession(ctx context.Context, id string) (*proto.Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, last_turn_id, last_structural_turn_id, concierge, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var session proto.Session
	var concierge string
	err := row.Scan(&session.ID, &session.LastTurnID, &session.LastStructuralTurnID,
		&concierge, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, proto.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(concierge), &session.Concierge); err != nil {
		return nil, fmt.Errorf("failed to decode concierge state for session %s: %w", id, err)
	}
	return &session, nil
}

// PutSession inserts or updates a session record.
func (d *DB) PutSession(ctx context.Context, session *proto.Session) error {
	concierge, err := json.Marshal(session.Concierge)
	if err != nil {
		return fmt.Errorf("failed to encode concierge state: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, last_turn_id, last_structural_turn_id, concierge, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_turn_id = excluded.last_turn_id,
			last_structural_turn_id = excluded.last_structural_turn_id,
			concierge = excluded.concierge,
			updated_at = excluded.updated_at`,
		session.ID, session.LastTurnID, session.LastStructuralTurnID,
		string(concierge), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", session.ID, err)
	}
	return nil
}

// GetTurn loads a turn by id. Wraps proto.ErrNotFound when absent.
func (d *DB) GetTurn(ctx context.Context, id string) (*proto.Turn, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, session_id, kind, user_turn_id, text, pipeline_status,
		       provider_contexts, artifact, analysis, created_at, updated_at
		FROM turns WHERE id = ?`, id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %s: %w", id, proto.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load turn %s: %w", id, err)
	}
	return turn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*proto.Turn, error) {
	var turn proto.Turn
	var contexts string
	var artifactBlob, analysisBlob sql.NullString
	err := row.Scan(&turn.ID, &turn.SessionID, &turn.Kind, &turn.UserTurnID, &turn.Text,
		&turn.PipelineStatus, &contexts, &artifactBlob, &analysisBlob,
		&turn.CreatedAt, &turn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if contexts != "" && contexts != "{}" {
		if err := json.Unmarshal([]byte(contexts), &turn.ProviderContexts); err != nil {
			return nil, fmt.Errorf("failed to decode provider contexts: %w", err)
		}
	}
	if artifactBlob.Valid && artifactBlob.String != "" {
		turn.Artifact = &proto.DecisionArtifact{}
		if err := json.Unmarshal([]byte(artifactBlob.String), turn.Artifact); err != nil {
			return nil, fmt.Errorf("failed to decode artifact: %w", err)
		}
	}
	if analysisBlob.Valid && analysisBlob.String != "" {
		turn.Analysis = &proto.StructuralAnalysis{}
		if err := json.Unmarshal([]byte(analysisBlob.String), turn.Analysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
	}
	return &turn, nil
}

// PutTurn inserts or updates a turn record.
func (d *DB) PutTurn(ctx context.Context, turn *proto.Turn) error {
	contexts, err := json.Marshal(turn.ProviderContexts)
	if err != nil {
		return fmt.Errorf("failed to encode provider contexts: %w", err)
	}
	var artifactBlob, analysisBlob any
	if turn.Artifact != nil {
		b, err := json.Marshal(turn.Artifact)
		if err != nil {
			return fmt.Errorf("failed to encode artifact: %w", err)
		}
		artifactBlob = string(b)
	}
	if turn.Analysis != nil {
		b, err := json.Marshal(turn.Analysis)
		if err != nil {
			return fmt.Errorf("failed to encode analysis: %w", err)
		}
		analysisBlob = string(b)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, kind, user_turn_id, text, pipeline_status,
			provider_contexts, artifact, analysis, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			pipeline_status = excluded.pipeline_status,
			provider_contexts = excluded.provider_contexts,
			artifact = excluded.artifact,
			analysis = excluded.analysis,
			updated_at = excluded.updated_at`,
		turn.ID, turn.SessionID, turn.Kind, turn.UserTurnID, turn.Text, turn.PipelineStatus,
		string(contexts), artifactBlob, analysisBlob, turn.CreatedAt, turn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert turn %s: %w", turn.ID, err)
	}
	return nil
}

// PutResponse inserts or updates a provider response. The frozen prompt text
// in meta is fingerprinted so a later recompute can verify it replayed the
// same inputs.
func (d *DB) PutResponse(ctx context.Context, response *proto.ProviderResponse) error {
	meta, err := json.Marshal(response.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode response meta: %w", err)
	}

	fingerprint := ""
	if response.Meta != nil {
		if promptText, ok := response.Meta[proto.MetaPromptText].(string); ok && promptText != "" {
			sum := blake2b.Sum256([]byte(promptText))
			fingerprint = fmt.Sprintf("%x", sum[:16])
		}
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO responses (id, turn_id, provider_id, type, response_index, status,
			text, meta, prompt_fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			text = excluded.text,
			meta = excluded.meta,
			prompt_fingerprint = excluded.prompt_fingerprint,
			updated_at = excluded.updated_at`,
		response.ID, response.TurnID, response.ProviderID, response.Type,
		response.ResponseIndex, response.Status, response.Text, string(meta),
		fingerprint, response.CreatedAt, response.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert response %s: %w", response.ID, err)
	}
	return nil
}

// GetResponsesByTurnID returns all responses for a turn ordered by
// response index.
func (d *DB) GetResponsesByTurnID(ctx context.Context, turnID string) ([]*proto.ProviderResponse, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, turn_id, provider_id, type, response_index, status, text, meta, created_at, updated_at
		FROM responses WHERE turn_id = ? ORDER BY response_index`, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses for turn %s: %w", turnID, err)
	}
	defer func() { _ = rows.Close() }()

	var responses []*proto.ProviderResponse
	for rows.Next() {
		var r proto.ProviderResponse
		var meta string
		if err := rows.Scan(&r.ID, &r.TurnID, &r.ProviderID, &r.Type, &r.ResponseIndex,
			&r.Status, &r.Text, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		if meta != "" && meta != "{}" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode response meta: %w", err)
			}
		}
		responses = append(responses, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate responses: %w", err)
	}
	return responses, nil
}

// GetTurnsBySessionID returns all turns for a session in creation order.
func (d *DB) GetTurnsBySessionID(ctx context.Context, sessionID string) ([]*proto.Turn, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, kind, user_turn_id, text, pipeline_status,
		       provider_contexts, artifact, analysis, created_at, updated_at
		FROM turns WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*proto.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}
