package domain

// EnvAgent помечает agent-to-agent запрос: target = агент, action = capability
const EnvAgent = "agent"

// RequestContext окружение, в котором совершается действие
type RequestContext struct {
	Env        string         `json:"env"`
	Mode       string         `json:"mode"`
	TrustLevel int            `json:"trust_level"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Request входящий запрос к UAG
type Request struct {
	CallerID  string         `json:"caller_id"`
	Target    string         `json:"target"`
	Action    string         `json:"action"`
	SessionID string         `json:"session_id,omitempty"`
	Context   RequestContext `json:"context"`
}

// IsInterAgent определяет, нужен ли этап CAPABILITY_CHECKED
func (r Request) IsInterAgent() bool {
	return r.Context.Env == EnvAgent
}

// Stage этап конечного автомата обработки запроса в шлюзе
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageSchemaValidated   Stage = "SCHEMA_VALIDATED"
	StageRBACChecked       Stage = "RBAC_CHECKED"
	StagePolicyEvaluated   Stage = "POLICY_EVALUATED"
	StageCapabilityChecked Stage = "CAPABILITY_CHECKED"
	StageExecuted          Stage = "EXECUTED"
	StageAudited           Stage = "AUDITED"
	StageResponded         Stage = "RESPONDED"
)

// Причины отказа на уровне шлюза
const (
	ReasonSchemaInvalid   = "schema_invalid"
	ReasonRBACViolation   = "rbac_violation"
	ReasonAgentBlocked    = "agent_blocked"
	ReasonExecutionFailed = "execution_failed"
	ReasonDuplicateClick  = "duplicate_click"
	ReasonUnknownSession  = "unknown_session"
)

// Response терминальный ответ шлюза. DENY здесь обычное значение, не ошибка.
type Response struct {
	Decision    Decision       `json:"decision"`
	// Stage этап, на котором принято решение
	Stage       Stage          `json:"stage"`
	Reason      string         `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
	RuleID      string         `json:"rule_id,omitempty"`
	Policy      string         `json:"policy,omitempty"`
	SessionID   string         `json:"session_id"`
	TraceID     string         `json:"trace_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func (r *Response) Allowed() bool {
	return r != nil && r.Decision != DecisionDeny
}
