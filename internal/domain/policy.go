package domain

// Decision определяет итог проверки политики
type Decision string

const (
	DecisionAllow Decision = "ALLOW" // Разрешить
	DecisionDeny  Decision = "DENY"  // Заблокировать
	DecisionInfo  Decision = "INFO"  // Пропустить, но зафиксировать в аудите
)

// Valid проверяет, что значение входит в допустимый набор решений
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionInfo:
		return true
	}
	return false
}

const (
	// Wildcard означает "любой scope" или "любой action"
	Wildcard = "*"

	// DefaultRuleID ставится, когда ни одно правило не сработало
	DefaultRuleID = "DEFAULT"
)

// CompareOp оператор сравнения trust_level из блока when
type CompareOp int

const (
	OpEQ CompareOp = iota
	OpLTE
	OpGTE
	OpLT
	OpGT
)

// Comparator уже разобранное выражение вида "<=2".
// Разбирается один раз при загрузке правил, в горячем пути только сравнение.
type Comparator struct {
	Op CompareOp
	N  int
}

func (c Comparator) Match(v int) bool {
	switch c.Op {
	case OpLTE:
		return v <= c.N
	case OpGTE:
		return v >= c.N
	case OpLT:
		return v < c.N
	case OpGT:
		return v > c.N
	default:
		return v == c.N
	}
}

// When условие применимости правила. Пустые поля не проверяются.
type When struct {
	Mode       string
	TrustLevel *Comparator
}

// PolicyRule декларативное правило: условие -> решение
type PolicyRule struct {
	ID           string   `json:"id"`
	Policy       string   `json:"policy"`        // DEMO | PROD | PAYMENT | "*"
	Priority     int      `json:"priority"`      // чем выше, тем раньше
	ActionPrefix string   `json:"action_prefix"` // "purchase." или "*"
	Decision     Decision `json:"decision"`

	ReasonCode  string `json:"reason_code"`
	ReasonHuman string `json:"reason_human"`
	HowToFix    string `json:"how_to_fix,omitempty"`
	Description string `json:"description,omitempty"`

	When *When `json:"-"`
}

// DecisionPayload структурированная часть решения
type DecisionPayload struct {
	ReasonCode  string `json:"reason_code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Description string `json:"description,omitempty"`
}

// PolicyDecision результат Evaluate
type PolicyDecision struct {
	Decision Decision        `json:"decision"`
	RuleID   string          `json:"rule_id"`
	Policy   string          `json:"policy"`
	Message  string          `json:"message"`
	Payload  DecisionPayload `json:"payload"`
}

// IsDeny удобный хелпер для гейтвея
func (d PolicyDecision) IsDeny() bool {
	return d.Decision == DecisionDeny
}

// DecisionFromRule собирает решение по сработавшему правилу
func DecisionFromRule(r PolicyRule) PolicyDecision {
	return PolicyDecision{
		Decision: r.Decision,
		RuleID:   r.ID,
		Policy:   r.Policy,
		Message:  r.ReasonHuman,
		Payload: DecisionPayload{
			ReasonCode:  r.ReasonCode,
			Remediation: r.HowToFix,
			Description: r.Description,
		},
	}
}
