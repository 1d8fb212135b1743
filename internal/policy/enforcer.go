package policy

import "github.com/xela07ax/spaceai-control-plane/internal/domain"

// Input контекст одной проверки. Состояние и payload в решение не входят,
// но прокидываются, чтобы правило было объяснимо в аудите.
type Input struct {
	SessionID  string
	UserID     string
	Username   string
	Action     string
	State      string
	Mode       string
	TrustLevel int
	Payload    map[string]any
}

// Enforcer чистая функция принятия решения. Реализуется Engine.
type Enforcer interface {
	Evaluate(in Input) domain.PolicyDecision
}
