package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-control-plane/internal/console/service"
	"go.uber.org/zap"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger}
}

// List агенты с активными флагами (blocked, sandbox)
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListFlagged(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("failed to fetch agent", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch agent")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *AgentHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "block", h.service.BlockAgent)
}

func (h *AgentHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "unblock", h.service.UnblockAgent)
}

// SetSandbox ?enabled=false выключает песочницу, по умолчанию включает
func (h *AgentHandler) SetSandbox(w http.ResponseWriter, r *http.Request) {
	enabled := r.URL.Query().Get("enabled") != "false"
	agentID := chi.URLParam(r, "id")
	if err := h.service.SetSandboxMode(r.Context(), agentID, enabled); err != nil {
		h.logger.Error("failed to toggle sandbox", zap.String("agent_id", agentID), zap.Error(err))
		writeError(w, statusOf(err), "failed to toggle sandbox")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) toggle(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	agentID := chi.URLParam(r, "id")

	// Ждем и Set, и сигнал, чтобы оператор видел итог
	if err := fn(r.Context(), agentID); err != nil {
		h.logger.Error("agent action failed", zap.String("agent_id", agentID), zap.String("action", action), zap.Error(err))
		writeError(w, statusOf(err), "failed to "+action+" agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
