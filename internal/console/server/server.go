package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-control-plane/internal/console/handler"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"go.uber.org/zap"
)

// Скоупы операторов консоли
const (
	ScopeAuditRead     = "audit.read"
	ScopeAuditWrite    = "audit.write"
	ScopeAgentsWrite   = "agents.write"
	ScopePoliciesRead  = "policies.read"
	ScopePoliciesWrite = "policies.write"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler   *handler.AuthHandler   // /auth/token
	agentHandler  *handler.AgentHandler  // /v1/agents
	policyHandler *handler.PolicyHandler // /v1/policies
	auditHandler  *handler.AuditHandler  // /v1/sessions
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	policyH *handler.PolicyHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		authHandler:   authH,
		agentHandler:  agentH,
		policyHandler: policyH,
		auditHandler:  auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Read API ledger
		r.Route("/v1/sessions", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeAuditRead)).Get("/", s.auditHandler.ListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopeAuditRead)).Get("/", s.auditHandler.GetSession)
				r.With(auth.RequireScope(ScopeAuditRead)).Get("/timeline", s.auditHandler.Timeline)
				r.With(auth.RequireScope(ScopeAuditRead)).Get("/why", s.auditHandler.Why)
				r.With(auth.RequireScope(ScopeAuditWrite)).Post("/why", s.auditHandler.RecordWhy)
			})
		})

		// Управление Агентами (Status, Kill-Switch)
		r.Route("/v1/agents", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeAuditRead)).Get("/", s.agentHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopeAuditRead)).Get("/", s.agentHandler.Get)
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(ScopeAgentsWrite))
					r.Post("/block", s.agentHandler.Block)        // Мгновенная блокировка (Kill-switch)
					r.Post("/unblock", s.agentHandler.Unblock)    // Разблокировка
					r.Post("/sandbox", s.agentHandler.SetSandbox) // Перевод в режим песочницы
				})
			})
		})

		// Правила PolicyEngine
		r.Route("/v1/policies", func(r chi.Router) {
			r.With(auth.RequireScope(ScopePoliciesRead)).Get("/", s.policyHandler.List)
			r.With(auth.RequireScope(ScopePoliciesWrite)).Post("/reload", s.policyHandler.Reload)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
