package policy

/*
Файл loader.go разбирает декларативный источник правил (YAML).
Формат:

	rules:
	  - id: RULE-DEMO-01
	    policy: DEMO
	    priority: 60
	    action_prefix: "purchase."
	    decision: DENY
	    reason_code: DEMO_EXECUTION_BLOCKED
	    reason_human: Financial operations are disabled in DEMO mode
	    how_to_fix: Activate a PRO license
	    when:
	      trust_level: "<=2"

Любая ошибка разбора возвращается как domain.ErrConfig: процесс не должен
стартовать с нечитаемой политикой.
*/

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"gopkg.in/yaml.v3"
)

const defaultPriority = 100

type ruleDocument struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	ID           string   `yaml:"id"`
	Policy       string   `yaml:"policy"`
	Priority     *int     `yaml:"priority"`
	ActionPrefix string   `yaml:"action_prefix"`
	Decision     string   `yaml:"decision"`
	ReasonCode   string   `yaml:"reason_code"`
	ReasonHuman  string   `yaml:"reason_human"`
	Message      string   `yaml:"message"` // алиас reason_human из ранних версий DSL
	HowToFix     string   `yaml:"how_to_fix"`
	Description  string   `yaml:"description"`
	When         *rawWhen `yaml:"when"`
}

type rawWhen struct {
	Mode       string `yaml:"mode"`
	TrustLevel any    `yaml:"trust_level"` // 2 или "<=2"
}

// LoadFile читает и разбирает файл правил
func LoadFile(path string) ([]domain.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read rules %q: %v: %w", path, err, domain.ErrConfig)
	}
	return LoadRules(data)
}

// LoadRules разбирает YAML и применяет дефолты (priority=100, action_prefix="*", reason_code=id).
// Порядок объявления сохраняется, сортировку по приоритету делает Engine.
func LoadRules(data []byte) ([]domain.PolicyRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc ruleDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("policy: empty rule source: %w", domain.ErrConfig)
		}
		return nil, fmt.Errorf("policy: parse rules: %v: %w", err, domain.ErrConfig)
	}

	rules := make([]domain.PolicyRule, 0, len(doc.Rules))
	seen := make(map[string]struct{}, len(doc.Rules))

	for i, raw := range doc.Rules {
		rule, err := raw.toRule()
		if err != nil {
			return nil, fmt.Errorf("policy: rule #%d: %v: %w", i, err, domain.ErrConfig)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("policy: duplicate rule id %q: %w", rule.ID, domain.ErrConfig)
		}
		seen[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}

	return rules, nil
}

func (raw rawRule) toRule() (domain.PolicyRule, error) {
	if raw.ID == "" {
		return domain.PolicyRule{}, errors.New("id is required")
	}
	if raw.Policy == "" {
		return domain.PolicyRule{}, fmt.Errorf("rule %s: policy is required", raw.ID)
	}

	decision := domain.Decision(strings.ToUpper(strings.TrimSpace(raw.Decision)))
	if !decision.Valid() {
		return domain.PolicyRule{}, fmt.Errorf("rule %s: invalid decision %q", raw.ID, raw.Decision)
	}

	rule := domain.PolicyRule{
		ID:           raw.ID,
		Policy:       raw.Policy,
		Priority:     defaultPriority,
		ActionPrefix: raw.ActionPrefix,
		Decision:     decision,
		ReasonCode:   raw.ReasonCode,
		ReasonHuman:  raw.ReasonHuman,
		HowToFix:     raw.HowToFix,
		Description:  raw.Description,
	}
	if raw.Priority != nil {
		rule.Priority = *raw.Priority
	}
	if rule.ActionPrefix == "" {
		rule.ActionPrefix = domain.Wildcard
	}
	if rule.ReasonCode == "" {
		rule.ReasonCode = raw.ID
	}
	if rule.ReasonHuman == "" {
		rule.ReasonHuman = raw.Message
	}

	if raw.When != nil {
		when := &domain.When{Mode: raw.When.Mode}
		if raw.When.TrustLevel != nil {
			cmp, err := ParseComparator(fmt.Sprint(raw.When.TrustLevel))
			if err != nil {
				return domain.PolicyRule{}, fmt.Errorf("rule %s: %w", raw.ID, err)
			}
			when.TrustLevel = &cmp
		}
		rule.When = when
	}

	return rule, nil
}

// ParseComparator разбирает "<=2", ">=1", "<3", ">0", "==2" или просто "2"
func ParseComparator(expr string) (domain.Comparator, error) {
	expr = strings.TrimSpace(expr)
	orig := expr

	ops := []struct {
		prefix string
		op     domain.CompareOp
	}{
		// двухсимвольные операторы проверяем раньше односимвольных
		{"<=", domain.OpLTE},
		{">=", domain.OpGTE},
		{"==", domain.OpEQ},
		{"<", domain.OpLT},
		{">", domain.OpGT},
	}

	op := domain.OpEQ
	for _, o := range ops {
		if strings.HasPrefix(expr, o.prefix) {
			op = o.op
			expr = strings.TrimSpace(expr[len(o.prefix):])
			break
		}
	}

	n, err := strconv.Atoi(expr)
	if err != nil {
		return domain.Comparator{}, fmt.Errorf("invalid trust_level expression %q", orig)
	}
	return domain.Comparator{Op: op, N: n}, nil
}
