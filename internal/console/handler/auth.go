package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-control-plane/internal/console/service"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"go.uber.org/zap"
)

type AuthHandler struct {
	service *service.AuthService
	logger  *zap.Logger
}

func NewAuthHandler(s *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidCredentials) {
			h.logger.Error("token issuing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		// не уточняем, что именно неверно (логин или пароль) для защиты от перебора
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
