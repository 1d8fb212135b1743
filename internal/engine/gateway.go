package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/connectors"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"github.com/xela07ax/spaceai-control-plane/internal/policy"
	"go.uber.org/zap"
)

// Имена "политик" для отказов, принятых до PolicyEngine. Попадают в поле policy события.
const (
	PolicySchema     = "SCHEMA"
	PolicyRBAC       = "RBAC"
	PolicyKillSwitch = "KILL_SWITCH"
	PolicyCapability = "CAPABILITY"
	PolicyUILock     = "UI_LOCK"
	PolicyGateway    = "UAG"
)

const (
	modeLive    = "LIVE"
	modeSandbox = "SANDBOX"

	// DefaultAuditTimeout сколько ждем ledger после отмены запроса
	DefaultAuditTimeout = 3 * time.Second
)

// CapabilityInvoker agent-to-agent вызов через контракт (capability.Registry)
type CapabilityInvoker interface {
	AuthorizeAndInvoke(ctx context.Context, caller, target, name string) domain.CapabilityResult
}

// Deps обязательные зависимости шлюза. KillSwitch, Sandbox и Locker опциональны.
type Deps struct {
	Policy       policy.Enforcer
	RBAC         *RBAC
	Capabilities CapabilityInvoker
	Executor     Executor
	Ledger       audit.Ledger
	KillSwitch   *KillSwitchManager
	Sandbox      *SandboxManager
	Locker       Locker
	Metrics      *Metrics
	Logger       *zap.Logger
}

type Option func(*Gateway)

func WithAuditTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.auditTimeout = d
		}
	}
}

func WithUILockTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.uiLockTTL = d
		}
	}
}

// Gateway единая точка входа (UAG): validate -> RBAC -> policy -> capability | execute -> audit -> respond.
// Каждый терминальный исход пишется в ledger ровно один раз и до ответа.
type Gateway struct {
	validator    *RequestValidator
	rbac         *RBAC
	pdp          policy.Enforcer
	capabilities CapabilityInvoker
	executor     Executor
	ledger       audit.Ledger
	killSwitch   *KillSwitchManager
	sandbox      *SandboxManager
	locker       Locker
	metrics      *Metrics
	logger       *zap.Logger

	auditTimeout time.Duration
	uiLockTTL    time.Duration
}

func NewGateway(d Deps, opts ...Option) (*Gateway, error) {
	if d.Policy == nil || d.RBAC == nil || d.Capabilities == nil || d.Executor == nil || d.Ledger == nil {
		return nil, fmt.Errorf("engine: gateway requires policy, rbac, capabilities, executor and ledger: %w", domain.ErrConfig)
	}
	validator, err := NewRequestValidator()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		validator:    validator,
		rbac:         d.RBAC,
		pdp:          d.Policy,
		capabilities: d.Capabilities,
		executor:     d.Executor,
		ledger:       d.Ledger,
		killSwitch:   d.KillSwitch,
		sandbox:      d.Sandbox,
		locker:       d.Locker,
		metrics:      d.Metrics,
		logger:       d.Logger,
		auditTimeout: DefaultAuditTimeout,
		uiLockTTL:    DefaultUILockTTL,
	}
	if g.locker == nil {
		g.locker = NewMemoryLocker()
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.logger = g.logger.Named("uag")
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// outcome накапливает результат прохода по этапам до записи в аудит
type outcome struct {
	resp           domain.Response
	policyDecision domain.Decision
	execMode       string
	// requestedSession session_id из запроса, если такой сессии нет и событие ушло в новую
	requestedSession string
}

func (o *outcome) deny(stage domain.Stage, policyName, reason, message, remediation string) {
	o.resp.Decision = domain.DecisionDeny
	o.resp.Stage = stage
	o.resp.Policy = policyName
	o.resp.Reason = reason
	o.resp.Message = message
	o.resp.Remediation = remediation
}

// Process проводит запрос через все этапы. Отказ возвращается значением;
// ошибка только если не удалось записать исход в ledger (domain.ErrPersistence).
func (g *Gateway) Process(ctx context.Context, req domain.Request) (*domain.Response, error) {
	return g.run(ctx, req, func(out *outcome) { g.evaluate(ctx, req, out) })
}

const schemaFix = "fix the request to match the uag.v1.request schema"

// ProcessJSON вход для транспортов: схема проверяется по сырому телу, до разбора в domain.Request,
// иначе типы и обязательные поля теряются при декодировании.
// Документ, не прошедший схему, аудируется как schema_invalid от имени того caller_id,
// что удалось из него достать. Ошибка ErrValidation только если тело вообще не JSON-объект.
func (g *Gateway) ProcessJSON(ctx context.Context, raw []byte) (*domain.Response, error) {
	schemaErr := g.validator.ValidateJSON(raw)
	if schemaErr == nil {
		// integer в схеме допускает 3.0, а int в структуре нет
		var req domain.Request
		err := json.Unmarshal(raw, &req)
		if err == nil {
			return g.Process(ctx, req)
		}
		schemaErr = fmt.Errorf("engine: decode request: %w: %w", domain.ErrValidation, err)
	}

	req, ok := partialRequest(raw)
	if !ok {
		return nil, schemaErr
	}
	return g.run(ctx, req, func(out *outcome) {
		g.vetSession(ctx, req, out)
		out.deny(domain.StageSchemaValidated, PolicySchema, domain.ReasonSchemaInvalid, schemaErr.Error(), schemaFix)
	})
}

// partialRequest достает из невалидного документа то, что годится для атрибуции в аудите
func partialRequest(raw []byte) (domain.Request, bool) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return domain.Request{}, false
	}
	str := func(m map[string]any, key string) string {
		s, _ := m[key].(string)
		return s
	}

	req := domain.Request{
		CallerID:  str(doc, "caller_id"),
		Target:    str(doc, "target"),
		Action:    str(doc, "action"),
		SessionID: str(doc, "session_id"),
	}
	if c, ok := doc["context"].(map[string]any); ok {
		req.Context.Env = str(c, "env")
		req.Context.Mode = str(c, "mode")
		if n, ok := c["trust_level"].(float64); ok && n == math.Trunc(n) && n >= 0 && n <= math.MaxInt32 {
			req.Context.TrustLevel = int(n)
		}
		if p, ok := c["payload"].(map[string]any); ok {
			req.Context.Payload = p
		}
	}
	return req, true
}

// vetSession проверяет переданный session_id. Неизвестная сессия (или не UUID) не получает
// событий: исход пишется в новую сессию, а исходный id попадает в payload.
// Ошибка чтения ledger сессию не отбрасывает: запись в аудит сама вернет ErrPersistence.
func (g *Gateway) vetSession(ctx context.Context, req domain.Request, out *outcome) bool {
	if req.SessionID == "" {
		return true
	}
	if _, err := uuid.Parse(req.SessionID); err == nil {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
		defer cancel()
		_, err = g.ledger.GetSession(lookupCtx, req.SessionID)
		if err == nil {
			return true
		}
		if !errors.Is(err, domain.ErrUnknownEntity) {
			g.logger.Warn("session lookup failed", zap.String("session_id", req.SessionID), zap.Error(err))
			return true
		}
	}
	out.requestedSession = req.SessionID
	out.resp.SessionID = ""
	return false
}

func (g *Gateway) run(ctx context.Context, req domain.Request, eval func(out *outcome)) (*domain.Response, error) {
	start := time.Now()

	out := &outcome{
		resp: domain.Response{
			Stage:     domain.StageReceived,
			SessionID: req.SessionID,
			TraceID:   TraceIDFromContext(ctx),
		},
		execMode: modeLive,
	}

	eval(out)

	resp, err := g.audit(ctx, req, out)

	g.metrics.Decisions.WithLabelValues(string(out.resp.Stage), string(out.resp.Decision)).Inc()
	g.metrics.RequestDuration.WithLabelValues(string(out.resp.Decision)).Observe(time.Since(start).Seconds())
	return resp, err
}

func (g *Gateway) evaluate(ctx context.Context, req domain.Request, out *outcome) {
	// 1. Схема
	if err := g.validator.Validate(req); err != nil {
		g.vetSession(ctx, req, out)
		out.deny(domain.StageSchemaValidated, PolicySchema, domain.ReasonSchemaInvalid, err.Error(), schemaFix)
		return
	}
	if !g.vetSession(ctx, req, out) {
		out.deny(domain.StageSchemaValidated, PolicyGateway, domain.ReasonUnknownSession,
			fmt.Sprintf("session %s does not exist", req.SessionID), "omit session_id to start a new session")
		return
	}
	if g.canceled(ctx, domain.StageSchemaValidated, out) {
		return
	}

	// 2. Kill-Switch (самый дешевый, in-memory), затем роль вызывающего
	if g.killSwitch != nil && g.killSwitch.IsBlocked(req.CallerID) {
		out.deny(domain.StageRBACChecked, PolicyKillSwitch, domain.ReasonAgentBlocked,
			fmt.Sprintf("agent %s is blocked by kill-switch", req.CallerID), "ask an operator to unblock the agent")
		return
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok && auth.Subject(claims) != req.CallerID {
		out.deny(domain.StageRBACChecked, PolicyRBAC, domain.ReasonRBACViolation,
			"caller_id does not match token subject", "use a token issued for this caller")
		return
	}
	if !g.rbac.Allows(req.CallerID, req.Action) {
		out.deny(domain.StageRBACChecked, PolicyRBAC, domain.ReasonRBACViolation,
			fmt.Sprintf("role %q does not grant %s", g.rbac.RoleOf(req.CallerID), req.Action), "bind the caller to a role that includes this intent")
		return
	}
	if g.canceled(ctx, domain.StageRBACChecked, out) {
		return
	}

	// 3. Policy Enforcement (PDP)
	decision := g.pdp.Evaluate(policy.Input{
		SessionID:  req.SessionID,
		UserID:     req.CallerID,
		Username:   req.CallerID,
		Action:     req.Action,
		State:      stateOf(req),
		Mode:       req.Context.Mode,
		TrustLevel: req.Context.TrustLevel,
		Payload:    req.Context.Payload,
	})
	out.policyDecision = decision.Decision
	out.resp.RuleID = decision.RuleID
	out.resp.Policy = decision.Policy
	if decision.IsDeny() {
		out.deny(domain.StagePolicyEvaluated, decision.Policy, decision.Payload.ReasonCode, decision.Message, decision.Payload.Remediation)
		return
	}
	out.resp.Message = decision.Message
	if g.canceled(ctx, domain.StagePolicyEvaluated, out) {
		return
	}

	// 4a. Agent-to-agent: только через контракт
	if req.IsInterAgent() {
		res := g.capabilities.AuthorizeAndInvoke(ctx, req.CallerID, req.Target, req.Action)
		if !res.OK() {
			out.deny(domain.StageCapabilityChecked, PolicyCapability, res.Reason,
				fmt.Sprintf("capability %s.%s denied: %s", req.Target, req.Action, res.Reason), "")
			return
		}
		out.resp.Decision = domain.DecisionAllow
		out.resp.Stage = domain.StageExecuted
		out.resp.Data = res.Data
		return
	}

	// 4b. Выбор режима: Sandbox vs Live
	payload, err := json.Marshal(req.Context.Payload)
	if err != nil {
		out.deny(domain.StageExecuted, PolicyGateway, domain.ReasonExecutionFailed, "payload is not serializable", "")
		return
	}

	var raw []byte
	if g.sandbox != nil && g.sandbox.IsSandbox(req.CallerID) {
		out.execMode = modeSandbox
		raw = simulatedResponse()
	} else {
		// Вызов через ReliabilityWrapper (Retries/CB/Timeouts)
		raw, err = g.executor.Call(ctx, req.Action, payload)
		if err != nil {
			if ctx.Err() != nil {
				out.deny(domain.StageExecuted, PolicyGateway, domain.ReasonCanceled, "request canceled during execution", "")
				return
			}
			g.logger.Warn("execution failed", zap.String("caller_id", req.CallerID), zap.String("action", req.Action), zap.Error(err))
			fix := "retry later"
			if connectors.IsClientError(err) {
				fix = "check the request payload for this action"
			}
			out.deny(domain.StageExecuted, PolicyGateway, domain.ReasonExecutionFailed, err.Error(), fix)
			return
		}
	}

	out.resp.Decision = domain.DecisionAllow
	out.resp.Stage = domain.StageExecuted
	out.resp.Data = decodeResult(raw)
}

// canceled отмена до завершения авторизации: исполнение не вызывается, исход все равно пишется
func (g *Gateway) canceled(ctx context.Context, stage domain.Stage, out *outcome) bool {
	if ctx.Err() == nil {
		return false
	}
	out.deny(stage, PolicyGateway, domain.ReasonCanceled, "request canceled before authorization completed", "")
	return true
}

// audit пишет ровно одно событие на запрос. ctx вызывающего может быть уже отменен,
// поэтому пишем в отвязанном контексте с ограниченным таймаутом.
func (g *Gateway) audit(ctx context.Context, req domain.Request, out *outcome) (*domain.Response, error) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
	defer cancel()

	fail := func(err error) (*domain.Response, error) {
		if !errors.Is(err, domain.ErrPersistence) {
			err = fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		fields := []zap.Field{
			zap.String("caller_id", req.CallerID),
			zap.String("action", req.Action),
			zap.String("stage", string(out.resp.Stage)),
			zap.String("reason", out.resp.Reason),
			zap.String("trace_id", out.resp.TraceID),
			zap.Error(err),
		}
		if out.resp.Decision == domain.DecisionDeny {
			g.metrics.AuditFailures.WithLabelValues(SeverityCritical).Inc()
			g.logger.Error("unaudited_denial", fields...)
		} else {
			g.metrics.AuditFailures.WithLabelValues(SeverityDegraded).Inc()
			g.logger.Error("unaudited_action", fields...)
		}
		return nil, fmt.Errorf("engine: audit: %w", err)
	}

	if out.resp.SessionID == "" {
		id, err := g.ledger.StartSession(auditCtx, audit.SessionStart{
			UserID:     req.CallerID,
			Username:   req.CallerID,
			TrustLevel: req.Context.TrustLevel,
			Mode:       req.Context.Mode,
		})
		if err != nil {
			return fail(err)
		}
		out.resp.SessionID = id
	}

	eventType := domain.EventPolicy
	if req.IsInterAgent() {
		eventType = domain.EventAgent
	}

	_, err := g.ledger.LogEvent(auditCtx, audit.EventRecord{
		SessionID: out.resp.SessionID,
		UserID:    req.CallerID,
		Username:  req.CallerID,
		EventType: eventType,
		Action:    req.Action,
		State:     stateOf(req),
		Decision:  out.resp.Decision,
		Policy:    out.resp.Policy,
		Source:    audit.SourceGateway,
		Payload:   auditPayload(req, out),
	})
	if err != nil {
		return fail(err)
	}

	resp := out.resp
	return &resp, nil
}

func auditPayload(req domain.Request, out *outcome) map[string]any {
	p := map[string]any{
		"stage":          string(out.resp.Stage),
		"caller_id":      req.CallerID,
		"target":         req.Target,
		"env":            req.Context.Env,
		"mode":           req.Context.Mode,
		"trust_level":    req.Context.TrustLevel,
		"execution_mode": out.execMode,
	}
	if out.resp.Reason != "" {
		p["reason"] = out.resp.Reason
	}
	if out.resp.RuleID != "" {
		p["rule_id"] = out.resp.RuleID
	}
	if out.policyDecision != "" {
		p["policy_decision"] = string(out.policyDecision)
	}
	if out.resp.TraceID != "" {
		p["trace_id"] = out.resp.TraceID
	}
	if out.requestedSession != "" {
		p["requested_session_id"] = out.requestedSession
	}
	if len(req.Context.Payload) > 0 {
		p["request"] = req.Context.Payload
	}
	return p
}

// stateOf состояние FSM клиента, если оно передано в payload
func stateOf(req domain.Request) string {
	if s, ok := req.Context.Payload["state"].(string); ok {
		return s
	}
	return ""
}

func simulatedResponse() []byte {
	// Имитируем "успешный" ответ от системы
	return []byte(`{"status":"simulated_success","details":"Action captured in sandbox mode, no real impact made."}`)
}

// decodeResult ответ коннектора в map; не-JSON ответ кладется как есть
func decodeResult(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}

// UIEvent нажатие кнопки в клиентском UI
type UIEvent struct {
	SessionID string
	UserID    string
	Username  string
	Action    string
	State     string
	Payload   map[string]any
}

// RecordUIEvent защищает от повторных кликов и пишет UI-событие в ledger.
// Повтор того же (user, action, state) в пределах TTL -> DENY с причиной duplicate_click.
// Без сессии событие не пишется и не блокируется.
func (g *Gateway) RecordUIEvent(ctx context.Context, ev UIEvent) (*domain.Response, error) {
	if ev.SessionID == "" {
		return &domain.Response{Decision: domain.DecisionInfo, Stage: domain.StageReceived}, nil
	}
	if !g.vetSession(ctx, domain.Request{SessionID: ev.SessionID}, &outcome{}) {
		return nil, fmt.Errorf("engine: ui event: session %s: %w", ev.SessionID, domain.ErrUnknownEntity)
	}

	resp := &domain.Response{
		SessionID: ev.SessionID,
		TraceID:   TraceIDFromContext(ctx),
	}

	acquired, left, err := g.locker.Acquire(ctx, infra.UILockKey(ev.UserID, ev.Action, ev.State), g.uiLockTTL)
	if err != nil {
		// Redis недоступен: клик пропускаем без блокировки
		g.logger.Warn("ui lock unavailable", zap.String("user_id", ev.UserID), zap.Error(err))
		acquired = true
	}

	rec := audit.EventRecord{
		SessionID: ev.SessionID,
		UserID:    ev.UserID,
		Username:  ev.Username,
		Action:    ev.Action,
		State:     ev.State,
	}
	if acquired {
		rec.EventType = domain.EventUI
		rec.Decision = domain.DecisionInfo
		rec.Policy = PolicyGateway
		rec.Source = audit.SourceUICallback
		rec.Payload = ev.Payload
		resp.Decision = domain.DecisionInfo
		resp.Stage = domain.StageReceived
		resp.Policy = PolicyGateway
	} else {
		cooldown := math.Round(left.Seconds()*10) / 10
		rec.EventType = domain.EventPolicy
		rec.Decision = domain.DecisionDeny
		rec.Policy = PolicyUILock
		rec.Source = audit.SourceMiddleware
		rec.Payload = map[string]any{
			"reason":        domain.ReasonDuplicateClick,
			"cooldown_left": cooldown,
		}
		resp.Decision = domain.DecisionDeny
		resp.Stage = domain.StagePolicyEvaluated
		resp.Policy = PolicyUILock
		resp.Reason = domain.ReasonDuplicateClick
		resp.Message = "action is already in progress"
		resp.Remediation = fmt.Sprintf("wait %.1fs before retrying", cooldown)
		g.logger.Warn("UI_LOCK_BLOCKED",
			zap.String("user_id", ev.UserID), zap.String("action", ev.Action), zap.String("state", ev.State))
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
	defer cancel()
	if _, err := g.ledger.LogEvent(auditCtx, rec); err != nil {
		severity := SeverityDegraded
		if resp.Decision == domain.DecisionDeny {
			severity = SeverityCritical
		}
		g.metrics.AuditFailures.WithLabelValues(severity).Inc()
		g.logger.Error("ui event not audited", zap.String("session_id", ev.SessionID), zap.Error(err))
		return nil, fmt.Errorf("engine: ui audit: %w", err)
	}
	return resp, nil
}

// Transition переход FSM клиента: last_state сессии + одно событие FSM
func (g *Gateway) Transition(ctx context.Context, sessionID, userID, username, state string) error {
	if !g.vetSession(ctx, domain.Request{SessionID: sessionID}, &outcome{}) {
		return fmt.Errorf("engine: transition: session %s: %w", sessionID, domain.ErrUnknownEntity)
	}
	if err := g.ledger.UpdateState(ctx, sessionID, state); err != nil {
		return fmt.Errorf("engine: transition: %w", err)
	}
	_, err := g.ledger.LogEvent(ctx, audit.EventRecord{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		EventType: domain.EventFSM,
		Action:    "transition",
		State:     state,
		Decision:  domain.DecisionInfo,
		Policy:    PolicyGateway,
		Source:    audit.SourceGateway,
	})
	if err != nil {
		return fmt.Errorf("engine: transition: %w", err)
	}
	return nil
}
