package audit

import (
	"context"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

// Источники событий (колонка source)
const (
	SourceGateway    = "UAG"
	SourceMiddleware = "MIDDLEWARE"
	SourceUICallback = "UI-CALLBACK"
	SourceConsole    = "CONSOLE"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// SessionStart параметры новой сессии
type SessionStart struct {
	UserID     string
	Username   string
	TrustLevel int
	Mode       string
	State      string // начальное состояние FSM, может быть пустым
}

// EventRecord то, что пишет вызывающий. TS и Seq проставляет ledger.
type EventRecord struct {
	SessionID string
	UserID    string
	Username  string
	EventType domain.EventType
	Action    string
	State     string
	Decision  domain.Decision
	Policy    string
	Source    string
	Payload   map[string]any
}

// Reader читающая сторона ledger (Console API, WHY, CLI)
type Reader interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	// ListSessions новые первыми
	ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error)
	// SessionTimeline события сессии по возрастанию (TS, Seq); неизвестная сессия -> ErrUnknownEntity
	SessionTimeline(ctx context.Context, id string) ([]domain.AuditEvent, error)
}

// Ledger единственное долговременное состояние системы.
// События только добавляются: интерфейс не дает ни менять, ни удалять их.
type Ledger interface {
	Reader
	StartSession(ctx context.Context, s SessionStart) (string, error)
	// UpdateState меняет только last_state
	UpdateState(ctx context.Context, id, state string) error
	// LogEvent атомарная запись одного события, ошибка оборачивает domain.ErrPersistence
	LogEvent(ctx context.Context, rec EventRecord) (domain.AuditEvent, error)
}

// NormalizeLimit приводит пагинацию к допустимому диапазону
func NormalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (rec EventRecord) toEvent() domain.AuditEvent {
	return domain.AuditEvent{
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Username:  rec.Username,
		EventType: rec.EventType,
		Action:    rec.Action,
		State:     rec.State,
		Decision:  rec.Decision,
		Policy:    rec.Policy,
		Source:    rec.Source,
		Payload:   rec.Payload,
	}
}
