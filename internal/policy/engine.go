package policy

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"go.uber.org/zap"
)

// Engine детерминированный движок политик.
// Правила живут в RAM в виде неизменяемого снимка. Горячий путь (Evaluate) читает снимок
// без блокировок, Swap подменяет его целиком при перезагрузке.
type Engine struct {
	rules           atomic.Pointer[[]domain.PolicyRule]
	defaultDecision domain.Decision
	logger          *zap.Logger
}

type Option func(*Engine)

// WithDefaultDecision задает решение на случай, когда ни одно правило не сработало.
// По умолчанию ALLOW (fail-open), для закрытых контуров стоит ставить DENY.
func WithDefaultDecision(d domain.Decision) Option {
	return func(e *Engine) {
		if d.Valid() {
			e.defaultDecision = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.Named("policy")
	}
}

func NewEngine(rules []domain.PolicyRule, opts ...Option) *Engine {
	e := &Engine{
		defaultDecision: domain.DecisionAllow,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Swap(rules)
	return e
}

// Swap сортирует правила (приоритет по убыванию, при равенстве порядок объявления)
// и атомарно публикует новый снимок.
func (e *Engine) Swap(rules []domain.PolicyRule) {
	sorted := make([]domain.PolicyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	e.rules.Store(&sorted)
	e.logger.Info("policy rules loaded", zap.Int("count", len(sorted)))
}

// Rules возвращает копию текущего снимка в порядке вычисления
func (e *Engine) Rules() []domain.PolicyRule {
	snapshot := *e.rules.Load()
	out := make([]domain.PolicyRule, len(snapshot))
	copy(out, snapshot)
	return out
}

// Evaluate возвращает решение первого полностью совпавшего правила или дефолт
func (e *Engine) Evaluate(in Input) domain.PolicyDecision {
	for _, rule := range *e.rules.Load() {
		if !whenMatches(rule.When, in) {
			continue
		}
		if !structuralMatch(rule, in.Action, in.Mode) {
			continue
		}
		return domain.DecisionFromRule(rule)
	}
	return e.defaultResult()
}

func (e *Engine) defaultResult() domain.PolicyDecision {
	if e.defaultDecision == domain.DecisionDeny {
		return domain.PolicyDecision{
			Decision: domain.DecisionDeny,
			RuleID:   domain.DefaultRuleID,
			Policy:   domain.DefaultRuleID,
			Message:  "denied by default: no policy rule matched",
			Payload: domain.DecisionPayload{
				ReasonCode:  "DEFAULT_DENY",
				Remediation: "add an explicit ALLOW rule for this action",
			},
		}
	}
	return domain.PolicyDecision{
		Decision: e.defaultDecision,
		RuleID:   domain.DefaultRuleID,
		Policy:   domain.DefaultRuleID,
		Message:  "allowed by default",
	}
}

func whenMatches(w *domain.When, in Input) bool {
	if w == nil {
		return true
	}
	if w.Mode != "" && w.Mode != in.Mode {
		return false
	}
	if w.TrustLevel != nil && !w.TrustLevel.Match(in.TrustLevel) {
		return false
	}
	return true
}

func structuralMatch(r domain.PolicyRule, action, mode string) bool {
	// 1. scope политики
	if r.Policy != domain.Wildcard && r.Policy != mode {
		return false
	}
	// 2. wildcard по action
	if r.ActionPrefix == domain.Wildcard {
		return true
	}
	// 3. строгий префикс
	return strings.HasPrefix(action, r.ActionPrefix)
}
