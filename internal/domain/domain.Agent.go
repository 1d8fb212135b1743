package domain

type AgentStatus string

const (
	StatusActive  AgentStatus = "active"  // Полный доступ
	StatusBlocked AgentStatus = "blocked" // Kill-switch (блокировка)
	StatusSandbox AgentStatus = "sandbox" // Безопасный режим (Live-данные не меняются)
)

// AgentState состояние агента в control plane, как его видит шлюз
type AgentState struct {
	ID        string      `json:"id"`
	Status    AgentStatus `json:"status"`
	Blocked   bool        `json:"blocked"`
	IsSandbox bool        `json:"is_sandbox"` // Флаг режима песочницы
}

// StateOf сводит флаги в статус: блокировка важнее песочницы
func StateOf(id string, blocked, sandbox bool) AgentState {
	st := AgentState{ID: id, Status: StatusActive, Blocked: blocked, IsSandbox: sandbox}
	switch {
	case blocked:
		st.Status = StatusBlocked
	case sandbox:
		st.Status = StatusSandbox
	}
	return st
}
