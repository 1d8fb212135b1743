package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/capability"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"github.com/xela07ax/spaceai-control-plane/internal/policy"
	"go.uber.org/zap"
)

const testRules = `
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
    action_prefix: "profile."
    decision: INFO
    reason_human: production profile access recorded
`

// fakeExecutor считает вызовы; ответ или ошибка задаются в тесте
type fakeExecutor struct {
	calls atomic.Int32
	out   []byte
	err   error
	block bool
}

func (e *fakeExecutor) Call(ctx context.Context, _ string, _ []byte) ([]byte, error) {
	e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return e.out, e.err
}

// brokenLedger ledger, который не может писать
type brokenLedger struct {
	*audit.MemoryLedger
}

func (b brokenLedger) LogEvent(context.Context, audit.EventRecord) (domain.AuditEvent, error) {
	return domain.AuditEvent{}, errors.New("disk full")
}

type fixture struct {
	gw       *Gateway
	ledger   audit.Ledger
	exec     *fakeExecutor
	provider *capability.StaticProvider
	ks       *KillSwitchManager
	sandbox  *SandboxManager
	metrics  *Metrics
}

func newFixture(t *testing.T, ledger audit.Ledger) *fixture {
	t.Helper()
	if ledger == nil {
		ledger = audit.NewMemoryLedger()
	}

	rules, err := policy.LoadRules([]byte(testRules))
	require.NoError(t, err)

	provider := capability.NewStaticProvider()
	provider.Set("agent_b", "get_public_profile", map[string]any{
		"name":        "Agent B",
		"internal_id": "secret_123",
	})
	reg := capability.NewRegistry(provider)
	require.NoError(t, reg.RegisterAgent("agent_b"))
	require.NoError(t, reg.RegisterCapability("agent_b", domain.CapabilityContract{
		Name:           "get_public_profile",
		AllowedCallers: []string{"agent_a"},
		ExposedFields:  []string{"name"},
	}))

	f := &fixture{
		ledger:   ledger,
		exec:     &fakeExecutor{out: []byte(`{"status":"created"}`)},
		provider: provider,
		ks:       NewKillSwitchManager(nil, zap.NewNop()),
		sandbox:  NewSandboxManager(nil, nil, zap.NewNop()),
		metrics:  NewMetrics(nil),
	}
	f.gw, err = NewGateway(Deps{
		Policy: policy.NewEngine(rules),
		RBAC: NewRBAC(map[string][]string{
			"buyer":  {"purchase.create", "profile.view"},
			"agent":  {"get_public_profile"},
			"nobody": {},
		}, map[string]string{"agent_a": "agent", "agent_c": "agent", "intruder": "nobody"}, "buyer"),
		Capabilities: reg,
		Executor:     f.exec,
		Ledger:       ledger,
		KillSwitch:   f.ks,
		Sandbox:      f.sandbox,
		Metrics:      f.metrics,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return f
}

func purchase(mode string) domain.Request {
	return domain.Request{
		CallerID: "user-1",
		Target:   "shop",
		Action:   "purchase.create",
		Context:  domain.RequestContext{Env: "web", Mode: mode, TrustLevel: 3, Payload: map[string]any{"amount": 10}},
	}
}

func timeline(t *testing.T, l audit.Ledger, id string) []domain.AuditEvent {
	t.Helper()
	events, err := l.SessionTimeline(context.Background(), id)
	require.NoError(t, err)
	return events
}

func TestGateway_AllowExecutesAndAuditsOnce(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.gw.Process(context.Background(), purchase("PROD"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, domain.StageExecuted, resp.Stage)
	assert.Equal(t, "created", resp.Data["status"])
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, int32(1), f.exec.calls.Load())

	events := timeline(t, f.ledger, resp.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPolicy, events[0].EventType)
	assert.Equal(t, domain.DecisionAllow, events[0].Decision)
	assert.Equal(t, audit.SourceGateway, events[0].Source)
	assert.Equal(t, "LIVE", events[0].Payload["execution_mode"])

	s, err := f.ledger.GetSession(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "PROD", s.Mode)
	assert.Equal(t, 3, s.TrustLevel)
}

func TestGateway_ReusesGivenSession(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ledger.StartSession(context.Background(), audit.SessionStart{UserID: "user-1"})
	require.NoError(t, err)

	req := purchase("PROD")
	req.SessionID = id
	for i := 0; i < 2; i++ {
		resp, err := f.gw.Process(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, id, resp.SessionID)
	}
	assert.Len(t, timeline(t, f.ledger, id), 2)
}

func TestGateway_DemoPurchaseDenied(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.gw.Process(context.Background(), purchase("DEMO"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionDeny, resp.Decision)
	assert.Equal(t, domain.StagePolicyEvaluated, resp.Stage)
	assert.Equal(t, "DEMO_EXECUTION_BLOCKED", resp.Reason)
	assert.Equal(t, "Financial operations are disabled in DEMO mode", resp.Message)
	assert.Equal(t, "Activate a PRO license", resp.Remediation)
	assert.Equal(t, "RULE-DEMO-01", resp.RuleID)
	assert.Zero(t, f.exec.calls.Load())

	events := timeline(t, f.ledger, resp.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.DecisionDeny, events[0].Decision)
	assert.Equal(t, "DEMO", events[0].Policy)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("POLICY_EVALUATED", "DENY")))
}

func TestGateway_InfoContinuesAsAllow(t *testing.T) {
	f := newFixture(t, nil)
	req := purchase("PROD")
	req.Action = "profile.view"

	resp, err := f.gw.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, "RULE-PROD-INFO", resp.RuleID)
	assert.Equal(t, int32(1), f.exec.calls.Load())
	events := timeline(t, f.ledger, resp.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, "INFO", events[0].Payload["policy_decision"])
}

func TestGateway_SchemaInvalid(t *testing.T) {
	f := newFixture(t, nil)

	cases := map[string]func(*domain.Request){
		"trust level above range": func(r *domain.Request) { r.Context.TrustLevel = 9 },
		"negative trust level":    func(r *domain.Request) { r.Context.TrustLevel = -1 },
		"missing action":          func(r *domain.Request) { r.Action = "" },
		"missing mode":            func(r *domain.Request) { r.Context.Mode = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := purchase("PROD")
			mutate(&req)
			resp, err := f.gw.Process(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, domain.DecisionDeny, resp.Decision)
			assert.Equal(t, domain.ReasonSchemaInvalid, resp.Reason)
			assert.Equal(t, domain.StageSchemaValidated, resp.Stage)
			assert.Len(t, timeline(t, f.ledger, resp.SessionID), 1)
		})
	}
	assert.Zero(t, f.exec.calls.Load())
}

func TestGateway_RBACViolation(t *testing.T) {
	f := newFixture(t, nil)
	req := purchase("PROD")
	req.CallerID = "intruder"

	resp, err := f.gw.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRBACViolation, resp.Reason)
	assert.Equal(t, domain.StageRBACChecked, resp.Stage)
	assert.Zero(t, f.exec.calls.Load())
}

func TestGateway_KillSwitch(t *testing.T) {
	f := newFixture(t, nil)
	f.ks.Mark("user-1", true)

	resp, err := f.gw.Process(context.Background(), purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonAgentBlocked, resp.Reason)
	assert.Equal(t, PolicyKillSwitch, resp.Policy)
	assert.Zero(t, f.exec.calls.Load())

	f.ks.Mark("user-1", false)
	resp, err = f.gw.Process(context.Background(), purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, resp.Decision)
}

func TestGateway_TokenSubjectMustMatchCaller(t *testing.T) {
	f := newFixture(t, nil)
	ctx := auth.WithClaims(context.Background(), &domain.CustomClaims{UserID: "someone-else"})

	resp, err := f.gw.Process(ctx, purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRBACViolation, resp.Reason)

	ctx = auth.WithClaims(context.Background(), &domain.CustomClaims{UserID: "user-1"})
	resp, err = f.gw.Process(ctx, purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, resp.Decision)
}

func agentCall(caller string) domain.Request {
	return domain.Request{
		CallerID: caller,
		Target:   "agent_b",
		Action:   "get_public_profile",
		Context:  domain.RequestContext{Env: domain.EnvAgent, Mode: "PROD", TrustLevel: 4},
	}
}

func TestGateway_InterAgentProjection(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.gw.Process(context.Background(), agentCall("agent_a"))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, map[string]any{"name": "Agent B"}, resp.Data)
	assert.NotContains(t, resp.Data, "internal_id")
	assert.Zero(t, f.exec.calls.Load())

	events := timeline(t, f.ledger, resp.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAgent, events[0].EventType)
}

func TestGateway_InterAgentAccessDenied(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.gw.Process(context.Background(), agentCall("agent_c"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, resp.Decision)
	assert.Equal(t, domain.StageCapabilityChecked, resp.Stage)
	assert.Equal(t, domain.ReasonAccessDenied, resp.Reason)

	events := timeline(t, f.ledger, resp.SessionID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAgent, events[0].EventType)
	assert.Equal(t, domain.DecisionDeny, events[0].Decision)
}

func TestGateway_SandboxSkipsExecutor(t *testing.T) {
	f := newFixture(t, nil)
	f.sandbox.Mark("user-1", true)

	resp, err := f.gw.Process(context.Background(), purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, resp.Decision)
	assert.Equal(t, "simulated_success", resp.Data["status"])
	assert.Zero(t, f.exec.calls.Load())
	events := timeline(t, f.ledger, resp.SessionID)
	assert.Equal(t, "SANDBOX", events[0].Payload["execution_mode"])
}

func TestGateway_ExecutionFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.err = errors.New("connector down")

	resp, err := f.gw.Process(context.Background(), purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, resp.Decision)
	assert.Equal(t, domain.ReasonExecutionFailed, resp.Reason)
	assert.Len(t, timeline(t, f.ledger, resp.SessionID), 1)
}

func TestGateway_CanceledBeforeAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := f.gw.Process(ctx, purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, resp.Decision)
	assert.Equal(t, domain.ReasonCanceled, resp.Reason)
	assert.Zero(t, f.exec.calls.Load())

	// Аудит пишется несмотря на отмененный контекст
	assert.Len(t, timeline(t, f.ledger, resp.SessionID), 1)
}

func TestGateway_CanceledDuringExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp, err := f.gw.Process(ctx, purchase("PROD"))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCanceled, resp.Reason)
	assert.Len(t, timeline(t, f.ledger, resp.SessionID), 1)
}

func TestGateway_AuditFailureIsPersistenceError(t *testing.T) {
	f := newFixture(t, brokenLedger{audit.NewMemoryLedger()})

	resp, err := f.gw.Process(context.Background(), purchase("DEMO"))
	assert.Nil(t, resp)
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditFailures.WithLabelValues(SeverityCritical)))

	_, err = f.gw.Process(context.Background(), purchase("PROD"))
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditFailures.WithLabelValues(SeverityDegraded)))
}

func TestGateway_RequiresDeps(t *testing.T) {
	_, err := NewGateway(Deps{})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestGateway_UIDuplicateClick(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ledger.StartSession(context.Background(), audit.SessionStart{UserID: "42"})
	require.NoError(t, err)

	ev := UIEvent{SessionID: id, UserID: "42", Username: "neo", Action: "buy", State: "Checkout:confirm"}

	first, err := f.gw.RecordUIEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionInfo, first.Decision)

	second, err := f.gw.RecordUIEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, second.Decision)
	assert.Equal(t, domain.ReasonDuplicateClick, second.Reason)

	// Другое состояние FSM блокировкой не считается
	ev.State = "Checkout:pay"
	third, err := f.gw.RecordUIEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionInfo, third.Decision)

	events := timeline(t, f.ledger, id)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventUI, events[0].EventType)
	assert.Equal(t, audit.SourceUICallback, events[0].Source)
	assert.Equal(t, domain.EventPolicy, events[1].EventType)
	assert.Equal(t, PolicyUILock, events[1].Policy)
	assert.Equal(t, audit.SourceMiddleware, events[1].Source)
	assert.Equal(t, "duplicate_click", events[1].Payload["reason"])
	assert.Positive(t, events[1].Payload["cooldown_left"])
}

func TestGateway_UIEventWithoutSessionIsNotAudited(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.gw.RecordUIEvent(context.Background(), UIEvent{UserID: "42", Action: "buy"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionInfo, resp.Decision)

	sessions, err := f.ledger.ListSessions(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGateway_Transition(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ledger.StartSession(context.Background(), audit.SessionStart{UserID: "42", State: "Start"})
	require.NoError(t, err)

	require.NoError(t, f.gw.Transition(context.Background(), id, "42", "neo", "Checkout:confirm"))

	s, err := f.ledger.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Checkout:confirm", s.LastState)
	events := timeline(t, f.ledger, id)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFSM, events[0].EventType)

	err = f.gw.Transition(context.Background(), "00000000-0000-0000-0000-000000000000", "42", "neo", "x")
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)
}

func TestGateway_UnknownSessionStartsFreshOne(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("well-formed but unknown", func(t *testing.T) {
		req := purchase("PROD")
		req.SessionID = "6f1c2b9e-0000-4000-8000-000000000001"

		resp, err := f.gw.Process(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionDeny, resp.Decision)
		assert.Equal(t, domain.ReasonUnknownSession, resp.Reason)
		assert.NotEqual(t, req.SessionID, resp.SessionID)
		assert.Zero(t, f.exec.calls.Load())

		events := timeline(t, f.ledger, resp.SessionID)
		require.Len(t, events, 1)
		assert.Equal(t, req.SessionID, events[0].Payload["requested_session_id"])

		_, err = f.ledger.SessionTimeline(context.Background(), req.SessionID)
		assert.ErrorIs(t, err, domain.ErrUnknownEntity)
	})

	t.Run("not a uuid", func(t *testing.T) {
		req := purchase("PROD")
		req.SessionID = "made-up-session"

		resp, err := f.gw.Process(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonSchemaInvalid, resp.Reason)
		require.NotEmpty(t, resp.SessionID)
		assert.NotEqual(t, req.SessionID, resp.SessionID)

		events := timeline(t, f.ledger, resp.SessionID)
		require.Len(t, events, 1)
		assert.Equal(t, "made-up-session", events[0].Payload["requested_session_id"])
	})

	t.Run("ui event", func(t *testing.T) {
		_, err := f.gw.RecordUIEvent(context.Background(), UIEvent{SessionID: "made-up-session", UserID: "42", Action: "buy"})
		assert.ErrorIs(t, err, domain.ErrUnknownEntity)
	})
}

func TestGateway_ProcessJSONChecksRawDocument(t *testing.T) {
	f := newFixture(t, nil)

	denied := map[string]string{
		"no trust level":   `{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD"}}`,
		"trust level text": `{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD","trust_level":"3"}}`,
		"trust level frac": `{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD","trust_level":2.5}}`,
		"trust level 3.0":  `{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD","trust_level":3.0}}`,
	}
	for name, raw := range denied {
		t.Run(name, func(t *testing.T) {
			resp, err := f.gw.ProcessJSON(context.Background(), []byte(raw))
			require.NoError(t, err)
			assert.Equal(t, domain.DecisionDeny, resp.Decision)
			assert.Equal(t, domain.ReasonSchemaInvalid, resp.Reason)

			events := timeline(t, f.ledger, resp.SessionID)
			require.Len(t, events, 1)
			assert.Equal(t, "user-1", events[0].UserID)
			assert.Equal(t, "purchase.create", events[0].Action)
			assert.Equal(t, domain.DecisionDeny, events[0].Decision)
		})
	}
	assert.Zero(t, f.exec.calls.Load())

	_, err := f.gw.ProcessJSON(context.Background(), []byte(`{`))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.gw.ProcessJSON(context.Background(), []byte(`[1,2]`))
	assert.ErrorIs(t, err, domain.ErrValidation)

	sessions, err := f.ledger.ListSessions(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, len(denied))

	resp, err := f.gw.ProcessJSON(context.Background(),
		[]byte(`{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD","trust_level":3}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, resp.Decision)
}
