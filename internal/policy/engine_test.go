package policy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
)

const demoRules = `
rules:
  - id: RULE-DEMO-01
    policy: DEMO
    priority: 60
    action_prefix: "purchase."
    decision: DENY
    reason_code: DEMO_EXECUTION_BLOCKED
    reason_human: Financial operations are disabled in DEMO mode
    how_to_fix: Activate a PRO license
  - id: RULE-PROD-INFO
    policy: PROD
    priority: 10
    decision: INFO
    reason_human: production action recorded
  - id: RULE-LOW-TRUST
    policy: "*"
    priority: 80
    action_prefix: "transfer."
    decision: DENY
    reason_human: Trust level too low for transfers
    when:
      trust_level: "<=2"
`

func mustEngine(t *testing.T, src string, opts ...Option) *Engine {
	t.Helper()
	rules, err := LoadRules([]byte(src))
	require.NoError(t, err)
	return NewEngine(rules, opts...)
}

func TestEngine_DemoPurchaseDenied(t *testing.T) {
	e := mustEngine(t, demoRules)

	d := e.Evaluate(Input{Action: "purchase.confirm", Mode: "DEMO"})

	assert.Equal(t, domain.DecisionDeny, d.Decision)
	assert.Equal(t, "RULE-DEMO-01", d.RuleID)
	assert.Equal(t, "DEMO", d.Policy)
	assert.Equal(t, "Financial operations are disabled in DEMO mode", d.Message)
	assert.Equal(t, "DEMO_EXECUTION_BLOCKED", d.Payload.ReasonCode)
	assert.Equal(t, "Activate a PRO license", d.Payload.Remediation)
}

func TestEngine_DefaultAllow(t *testing.T) {
	e := mustEngine(t, demoRules)

	d := e.Evaluate(Input{Action: "browse.catalog", Mode: "DEMO"})

	assert.Equal(t, domain.DecisionAllow, d.Decision)
	assert.Equal(t, domain.DefaultRuleID, d.RuleID)
	assert.Equal(t, domain.DefaultRuleID, d.Policy)
}

func TestEngine_DefaultDenyOption(t *testing.T) {
	e := NewEngine(nil, WithDefaultDecision(domain.DecisionDeny))

	d := e.Evaluate(Input{Action: "anything", Mode: "PROD"})

	assert.True(t, d.IsDeny())
	assert.Equal(t, domain.DefaultRuleID, d.RuleID)
	assert.NotEmpty(t, d.Payload.Remediation)
}

func TestEngine_InvalidDefaultIgnored(t *testing.T) {
	e := NewEngine(nil, WithDefaultDecision(domain.Decision("MAYBE")))
	assert.Equal(t, domain.DecisionAllow, e.Evaluate(Input{Action: "x"}).Decision)
}

func TestEngine_ScopeMismatch(t *testing.T) {
	e := mustEngine(t, demoRules)

	d := e.Evaluate(Input{Action: "purchase.confirm", Mode: "PROD", TrustLevel: 5})

	// DEMO-правило не применяется в PROD, срабатывает INFO на весь PROD
	assert.Equal(t, domain.DecisionInfo, d.Decision)
	assert.Equal(t, "RULE-PROD-INFO", d.RuleID)
	assert.Equal(t, "RULE-PROD-INFO", d.Payload.ReasonCode)
}

func TestEngine_PrefixIsStrict(t *testing.T) {
	e := mustEngine(t, demoRules)

	// "purchase" без точки не подпадает под префикс "purchase."
	d := e.Evaluate(Input{Action: "purchase", Mode: "DEMO"})
	assert.Equal(t, domain.DecisionAllow, d.Decision)

	d = e.Evaluate(Input{Action: "xpurchase.confirm", Mode: "DEMO"})
	assert.Equal(t, domain.DecisionAllow, d.Decision)
}

func TestEngine_WhenTrustLevel(t *testing.T) {
	e := mustEngine(t, demoRules)

	low := e.Evaluate(Input{Action: "transfer.send", Mode: "PROD", TrustLevel: 2})
	assert.Equal(t, "RULE-LOW-TRUST", low.RuleID)
	assert.True(t, low.IsDeny())

	high := e.Evaluate(Input{Action: "transfer.send", Mode: "PROD", TrustLevel: 3})
	assert.Equal(t, "RULE-PROD-INFO", high.RuleID)
}

func TestEngine_WhenMode(t *testing.T) {
	src := `
rules:
  - id: ONLY-PAYMENT
    policy: "*"
    decision: DENY
    when:
      mode: PAYMENT
`
	e := mustEngine(t, src)

	assert.True(t, e.Evaluate(Input{Action: "a", Mode: "PAYMENT"}).IsDeny())
	assert.False(t, e.Evaluate(Input{Action: "a", Mode: "DEMO"}).IsDeny())
}

func TestEngine_PriorityTieKeepsDeclarationOrder(t *testing.T) {
	src := `
rules:
  - id: FIRST
    policy: "*"
    priority: 50
    decision: INFO
  - id: SECOND
    policy: "*"
    priority: 50
    decision: DENY
  - id: HIGHER
    policy: "*"
    priority: 40
    decision: DENY
`
	e := mustEngine(t, src)

	d := e.Evaluate(Input{Action: "x", Mode: "DEMO"})
	assert.Equal(t, "FIRST", d.RuleID)

	ids := make([]string, 0, 3)
	for _, r := range e.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"FIRST", "SECOND", "HIGHER"}, ids)
}

func TestEngine_HigherPriorityWins(t *testing.T) {
	src := `
rules:
  - id: LOW
    policy: "*"
    priority: 1
    decision: DENY
  - id: HIGH
    policy: "*"
    priority: 999
    decision: ALLOW
`
	e := mustEngine(t, src)
	assert.Equal(t, "HIGH", e.Evaluate(Input{Action: "x"}).RuleID)
}

func TestEngine_Deterministic(t *testing.T) {
	e := mustEngine(t, demoRules)
	in := Input{Action: "purchase.confirm", Mode: "DEMO", TrustLevel: 1}

	first := e.Evaluate(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, e.Evaluate(in))
	}
}

func TestEngine_RulesReturnsCopy(t *testing.T) {
	e := mustEngine(t, demoRules)

	rules := e.Rules()
	rules[0].Decision = domain.DecisionAllow

	assert.NotEqual(t, domain.DecisionAllow, e.Rules()[0].Decision)
}

func TestEngine_ConcurrentSwapAndEvaluate(t *testing.T) {
	e := mustEngine(t, demoRules)
	alt, err := LoadRules([]byte(`
rules:
  - id: ALT
    policy: "*"
    decision: DENY
`))
	require.NoError(t, err)
	orig := e.Rules()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d := e.Evaluate(Input{Action: fmt.Sprintf("purchase.%d", j), Mode: "DEMO"})
				// любой снимок дает DENY: либо RULE-DEMO-01, либо ALT
				assert.True(t, d.IsDeny())
			}
		}(i)
	}
	for j := 0; j < 50; j++ {
		if j%2 == 0 {
			e.Swap(alt)
		} else {
			e.Swap(orig)
		}
	}
	wg.Wait()
}
