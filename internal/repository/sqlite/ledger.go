// Package sqlite встроенный ledger для одиночной инсталляции без PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	_ "modernc.org/sqlite" // драйвер "sqlite", без CGO
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	last_state  TEXT NOT NULL DEFAULT '',
	trust_level INTEGER NOT NULL DEFAULT 0,
	mode        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	decision   TEXT NOT NULL DEFAULT '',
	policy     TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL DEFAULT 'null'
);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events (session_id, ts, id);
`

// Ledger audit.Ledger поверх SQLite в режиме WAL.
// Время хранится в наносекундах unix, чтобы сортировка в SQL совпадала с хронологией.
type Ledger struct {
	db *sql.DB
}

var _ audit.Ledger = (*Ledger)(nil)

// Open открывает (или создает) файл базы и применяет схему
func Open(ctx context.Context, path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// один писатель: SQLite все равно сериализует запись
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("sqlite: %s: %w: %w", op, domain.ErrPersistence, err)
}

func (l *Ledger) StartSession(ctx context.Context, s audit.SessionStart) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, username, started_at, last_state, trust_level, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, s.UserID, s.Username, time.Now().UTC().UnixNano(), s.State, s.TrustLevel, s.Mode)
	if err != nil {
		return "", persistenceErr("failed to start session", err)
	}
	return id, nil
}

func (l *Ledger) UpdateState(ctx context.Context, id, state string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE sessions SET last_state = ? WHERE session_id = ?`, state, id)
	if err != nil {
		return persistenceErr("failed to update session state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: session %s: %w", id, domain.ErrUnknownEntity)
	}
	return nil
}

func (l *Ledger) LogEvent(ctx context.Context, rec audit.EventRecord) (domain.AuditEvent, error) {
	if rec.SessionID == "" {
		return domain.AuditEvent{}, fmt.Errorf("sqlite: event without session_id: %w", domain.ErrValidation)
	}
	payload, err := audit.EncodePayload(rec.Payload)
	if err != nil {
		return domain.AuditEvent{}, persistenceErr("failed to encode payload", err)
	}
	written, err := audit.DecodePayload(payload)
	if err != nil {
		return domain.AuditEvent{}, persistenceErr("failed to encode payload", err)
	}

	ts := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (ts, session_id, user_id, username, event_type, action, state, decision, policy, source, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixNano(), rec.SessionID, rec.UserID, rec.Username, string(rec.EventType), rec.Action,
		rec.State, string(rec.Decision), rec.Policy, rec.Source, string(payload))
	if err != nil {
		return domain.AuditEvent{}, persistenceErr("failed to insert audit event", err)
	}
	seq, _ := res.LastInsertId()

	return domain.AuditEvent{
		Seq:       seq,
		TS:        time.Unix(0, ts.UnixNano()).UTC(),
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
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s       domain.Session
		started int64
	)
	if err := row.Scan(&s.SessionID, &s.UserID, &s.Username, &started, &s.LastState, &s.TrustLevel, &s.Mode); err != nil {
		return s, err
	}
	s.StartedAt = time.Unix(0, started).UTC()
	return s, nil
}

func (l *Ledger) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, username, started_at, last_state, trust_level, mode
		FROM sessions WHERE session_id = ?`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("sqlite: session %s: %w", id, domain.ErrUnknownEntity)
		}
		return domain.Session{}, persistenceErr("failed to get session", err)
	}
	return s, nil
}

func (l *Ledger) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	limit, offset = audit.NormalizeLimit(limit, offset)
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, user_id, username, started_at, last_state, trust_level, mode
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, persistenceErr("failed to list sessions", err)
	}
	defer rows.Close()

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

func (l *Ledger) SessionTimeline(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	if _, err := l.GetSession(ctx, id); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ts, session_id, user_id, username, event_type, action, state, decision, policy, source, payload
		FROM audit_events
		WHERE session_id = ?
		ORDER BY ts ASC, id ASC`, id)
	if err != nil {
		return nil, persistenceErr("failed to query timeline", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var (
			ev        domain.AuditEvent
			ts        int64
			eventType string
			decision  string
			payload   string
		)
		if err := rows.Scan(&ev.Seq, &ts, &ev.SessionID, &ev.UserID, &ev.Username, &eventType,
			&ev.Action, &ev.State, &decision, &ev.Policy, &ev.Source, &payload); err != nil {
			return nil, persistenceErr("failed to scan audit event", err)
		}
		ev.TS = time.Unix(0, ts).UTC()
		ev.EventType = domain.EventType(eventType)
		ev.Decision = domain.Decision(decision)

		p, err := audit.DecodePayload([]byte(payload))
		if err != nil {
			return nil, persistenceErr("failed to decode payload", err)
		}
		ev.Payload = p
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("rows iteration error", err)
	}
	return out, nil
}
