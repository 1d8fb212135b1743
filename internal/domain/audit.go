package domain

import "time"

// EventType тип записи в ledger
type EventType string

const (
	EventUI      EventType = "UI_EVENT"
	EventPolicy  EventType = "POLICY"
	EventAgent   EventType = "AGENT"
	EventExplain EventType = "EXPLAIN"
	EventFSM     EventType = "FSM"
)

// Session ограниченный контекст аудита одного взаимодействия.
// Меняется только LastState, запись никогда не удаляется.
type Session struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	StartedAt  time.Time `json:"started_at"`
	LastState  string    `json:"last_state"`
	TrustLevel int       `json:"trust_level"`
	Mode       string    `json:"mode"`
}

// AuditEvent неизменяемая строка ledger.
// TS проставляет сервер в момент записи, Seq разруливает равные TS.
type AuditEvent struct {
	Seq       int64          `json:"-"`
	TS        time.Time      `json:"ts"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	EventType EventType      `json:"event_type"`
	Action    string         `json:"action"`
	State     string         `json:"state"`
	Decision  Decision       `json:"decision"`
	Policy    string         `json:"policy"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// SessionExplanation ответ WHY API
type SessionExplanation struct {
	SessionID         string   `json:"session_id"`
	TotalEvents       int      `json:"total_events"`
	AllowCount        int      `json:"allow_count"`
	DenyCount         int      `json:"deny_count"`
	PoliciesTriggered []string `json:"policies_triggered"`
	Explanation       string   `json:"explanation"`
}
