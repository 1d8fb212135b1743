package handler

import (
	"net/http"

	"github.com/xela07ax/spaceai-control-plane/internal/console/service"
	"go.uber.org/zap"
)

type PolicyHandler struct {
	service *service.PolicyService
	logger  *zap.Logger
}

func NewPolicyHandler(s *service.PolicyService, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{service: s, logger: logger}
}

// List возвращает все правила в порядке вычисления
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.GetAll(r.Context())
	if err != nil {
		h.logger.Error("failed to load policies", zap.Error(err))
		writeError(w, statusOf(err), "failed to load policies")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// Reload проверяет файл правил и рассылает сигнал шлюзам
func (h *PolicyHandler) Reload(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Reload(r.Context())
	if err != nil {
		h.logger.Error("policy reload rejected", zap.Error(err))
		writeJSON(w, statusOf(err), map[string]string{"error": "policy reload rejected", "details": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reload signaled", "rules": n})
}
