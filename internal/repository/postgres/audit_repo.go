package postgres

/*
Файл audit_repo.go реализует audit.Ledger поверх PostgreSQL.
Каждое событие одна атомарная вставка. ts проставляет сервер БД (clock_timestamp),
id (BIGSERIAL) разруливает равные ts. UPDATE/DELETE по audit_events не выполняются.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

var _ audit.Ledger = (*AuditRepo)(nil)

func persistenceErr(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w: %w", op, domain.ErrPersistence, err)
}

func (r *AuditRepo) StartSession(ctx context.Context, s audit.SessionStart) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO sessions (session_id, user_id, username, last_state, trust_level, mode)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.pool.Exec(ctx, query, id, s.UserID, s.Username, s.State, s.TrustLevel, s.Mode); err != nil {
		return "", persistenceErr("failed to start session", err)
	}
	return id, nil
}

// UpdateState одним UPDATE, без read-modify-write
func (r *AuditRepo) UpdateState(ctx context.Context, id, state string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("postgres: session %q: %w", id, domain.ErrUnknownEntity)
	}
	ct, err := r.pool.Exec(ctx, `UPDATE sessions SET last_state = $1 WHERE session_id = $2`, state, id)
	if err != nil {
		return persistenceErr("failed to update session state", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: session %s: %w", id, domain.ErrUnknownEntity)
	}
	return nil
}

func (r *AuditRepo) LogEvent(ctx context.Context, rec audit.EventRecord) (domain.AuditEvent, error) {
	if rec.SessionID == "" {
		return domain.AuditEvent{}, fmt.Errorf("postgres: event without session_id: %w", domain.ErrValidation)
	}
	payload, err := audit.EncodePayload(rec.Payload)
	if err != nil {
		return domain.AuditEvent{}, persistenceErr("failed to encode payload", err)
	}
	written, err := audit.DecodePayload(payload)
	if err != nil {
		return domain.AuditEvent{}, persistenceErr("failed to encode payload", err)
	}

	query := `
		INSERT INTO audit_events (session_id, user_id, username, event_type, action, state, decision, policy, source, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, ts`

	ev := domain.AuditEvent{
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Username:  rec.Username,
		EventType: rec.EventType,
		Action:    rec.Action,
		State:     rec.State,
		Decision:  rec.Decision,
		Policy:    rec.Policy,
		Source:    rec.Source,
		Payload:   written,
	}
	err = r.pool.QueryRow(ctx, query,
		rec.SessionID, rec.UserID, rec.Username, string(rec.EventType), rec.Action,
		rec.State, string(rec.Decision), rec.Policy, rec.Source, payload,
	).Scan(&ev.Seq, &ev.TS)
	if err != nil {
		return domain.AuditEvent{}, persistenceErr("failed to insert audit event", err)
	}
	ev.TS = ev.TS.UTC()
	return ev, nil
}

func (r *AuditRepo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return domain.Session{}, fmt.Errorf("postgres: session %q: %w", id, domain.ErrUnknownEntity)
	}
	query := `
		SELECT session_id, user_id, username, started_at, last_state, trust_level, mode
		FROM sessions WHERE session_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("postgres: session %s: %w", id, domain.ErrUnknownEntity)
		}
		return domain.Session{}, persistenceErr("failed to get session", err)
	}
	return s, nil
}

func (r *AuditRepo) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	limit, offset = audit.NormalizeLimit(limit, offset)
	query := `
		SELECT session_id, user_id, username, started_at, last_state, trust_level, mode
		FROM sessions
		ORDER BY started_at DESC, session_id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, persistenceErr("failed to list sessions", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, persistenceErr("failed to scan session", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("rows iteration error", err)
	}
	return out, nil
}

func (r *AuditRepo) SessionTimeline(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	if _, err := r.GetSession(ctx, id); err != nil {
		return nil, err
	}

	query := `
		SELECT id, ts, session_id, user_id, username, event_type, action, state, decision, policy, source, payload
		FROM audit_events
		WHERE session_id = $1
		ORDER BY ts ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, persistenceErr("failed to query timeline", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var (
			ev        domain.AuditEvent
			eventType string
			decision  string
			payload   []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.TS, &ev.SessionID, &ev.UserID, &ev.Username, &eventType,
			&ev.Action, &ev.State, &decision, &ev.Policy, &ev.Source, &payload); err != nil {
			return nil, persistenceErr("failed to scan audit event", err)
		}
		ev.EventType = domain.EventType(eventType)
		ev.Decision = domain.Decision(decision)
		ev.TS = ev.TS.UTC()
		if ev.Payload, err = audit.DecodePayload(payload); err != nil {
			return nil, persistenceErr("failed to decode payload", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("rows iteration error", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.SessionID, &s.UserID, &s.Username, &s.StartedAt, &s.LastState, &s.TrustLevel, &s.Mode)
	s.StartedAt = s.StartedAt.UTC()
	return s, err
}
