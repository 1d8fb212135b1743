package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-control-plane/internal/console/service"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"go.uber.org/zap"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger}
}

// ListSessions GET /v1/sessions?limit=&offset=
func (h *AuditHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *AuditHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Timeline GET /v1/sessions/{id}/timeline, 404 для неизвестной сессии
func (h *AuditHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Why GET /v1/sessions/{id}/why
func (h *AuditHandler) Why(w http.ResponseWriter, r *http.Request) {
	exp, err := h.service.Why(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "why", err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// RecordWhy POST /v1/sessions/{id}/why: то же объяснение, плюс EXPLAIN событие от имени оператора
func (h *AuditHandler) RecordWhy(w http.ResponseWriter, r *http.Request) {
	requestedBy := ""
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		requestedBy = auth.Subject(c)
	}
	exp, err := h.service.RecordWhy(r.Context(), chi.URLParam(r, "id"), requestedBy)
	if err != nil {
		h.fail(w, "record why", err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (h *AuditHandler) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status == http.StatusNotFound {
		writeError(w, status, "session not found")
		return
	}
	h.logger.Error("audit read failed", zap.String("op", op), zap.Error(err))
	writeError(w, status, "failed to read audit ledger")
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
