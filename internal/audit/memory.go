package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

type sessionEntry struct {
	mu      sync.Mutex // last_state
	session domain.Session
}

// MemoryLedger ledger в оперативной памяти: append-only арена событий плюс
// индекс по сессиям. Годится для тестов и одиночного стенда без БД.
type MemoryLedger struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionEntry
	order     []string // id сессий в порядке создания
	events    []domain.AuditEvent
	payloads  [][]byte         // payload хранится сериализованным: снаружи его не изменить
	bySession map[string][]int // индексы в events
	seq       int64
	lastTS    time.Time

	now func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		sessions:  make(map[string]*sessionEntry),
		bySession: make(map[string][]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) StartSession(_ context.Context, s SessionStart) (string, error) {
	id := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[id] = &sessionEntry{session: domain.Session{
		SessionID:  id,
		UserID:     s.UserID,
		Username:   s.Username,
		StartedAt:  l.now(),
		LastState:  s.State,
		TrustLevel: s.TrustLevel,
		Mode:       s.Mode,
	}}
	l.order = append(l.order, id)
	return id, nil
}

func (l *MemoryLedger) entry(id string) (*sessionEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.sessions[id]
	if !ok {
		return nil, fmt.Errorf("audit: session %q: %w", id, domain.ErrUnknownEntity)
	}
	return e, nil
}

func (l *MemoryLedger) UpdateState(_ context.Context, id, state string) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.session.LastState = state
	e.mu.Unlock()
	return nil
}

func (l *MemoryLedger) LogEvent(_ context.Context, rec EventRecord) (domain.AuditEvent, error) {
	if rec.SessionID == "" {
		return domain.AuditEvent{}, fmt.Errorf("audit: event without session_id: %w", domain.ErrValidation)
	}
	ev := rec.toEvent()
	ev.Payload = nil
	raw, err := EncodePayload(rec.Payload)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// TS не убывает даже при скачке часов назад
	ts := l.now()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	l.lastTS = ts
	l.seq++

	ev.TS = ts
	ev.Seq = l.seq
	l.events = append(l.events, ev)
	l.payloads = append(l.payloads, raw)
	l.bySession[ev.SessionID] = append(l.bySession[ev.SessionID], len(l.events)-1)

	if err := l.decodeInto(&ev, raw); err != nil {
		return domain.AuditEvent{}, err
	}
	return ev, nil
}

func (l *MemoryLedger) GetSession(_ context.Context, id string) (domain.Session, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

func (l *MemoryLedger) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	limit, offset = NormalizeLimit(limit, offset)

	l.mu.RLock()
	ids := make([]string, 0, limit)
	for i := len(l.order) - 1 - offset; i >= 0 && len(ids) < limit; i-- {
		ids = append(ids, l.order[i])
	}
	l.mu.RUnlock()

	out := make([]domain.Session, 0, len(ids))
	for _, id := range ids {
		s, err := l.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *MemoryLedger) SessionTimeline(_ context.Context, id string) ([]domain.AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.sessions[id]; !ok {
		return nil, fmt.Errorf("audit: session %q: %w", id, domain.ErrUnknownEntity)
	}
	idx := l.bySession[id]
	out := make([]domain.AuditEvent, 0, len(idx))
	for _, i := range idx {
		ev := l.events[i]
		if err := l.decodeInto(&ev, l.payloads[i]); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// decodeInto каждому читателю свой экземпляр payload
func (l *MemoryLedger) decodeInto(ev *domain.AuditEvent, raw []byte) error {
	p, err := DecodePayload(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	ev.Payload = p
	return nil
}
