package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const traceIDKey ctxKey = iota

// TracingMiddleware присваивает Trace-ID: берем из заголовка или генерируем
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// HTTPHandler транспорт шлюза поверх Gateway
type HTTPHandler struct {
	gw        *Gateway
	validator auth.TokenValidator
	logger    *zap.Logger
}

// NewHTTPHandler validator == nil: токен не требуется (auth.enabled=false)
func NewHTTPHandler(gw *Gateway, validator auth.TokenValidator, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{gw: gw, validator: validator, logger: logger.Named("uag-http")}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if h.validator != nil {
			r.Use(auth.NewMiddleware(h.validator, h.logger))
		}
		r.Post("/v1/process", h.process)
		r.Post("/v1/ui-events", h.uiEvent)
		r.Post("/v1/sessions/{id}/transition", h.transition)
	})
	return r
}

func (h *HTTPHandler) process(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	resp, err := h.gw.ProcessJSON(r.Context(), raw)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
		h.writeFailure(w, err)
		return
	}

	status := http.StatusOK
	if resp.Decision == domain.DecisionDeny {
		status = http.StatusForbidden
	}
	writeJSON(w, status, resp)
}

type uiEventRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Action    string         `json:"action"`
	State     string         `json:"state"`
	Payload   map[string]any `json:"payload"`
}

func (h *HTTPHandler) uiEvent(w http.ResponseWriter, r *http.Request) {
	var in uiEventRequest
	if err := decodeBody(r, &in); err != nil || in.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed ui event"})
		return
	}

	resp, err := h.gw.RecordUIEvent(r.Context(), UIEvent(in))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if resp.Decision == domain.DecisionDeny {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

type transitionRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	State    string `json:"state"`
}

func (h *HTTPHandler) transition(w http.ResponseWriter, r *http.Request) {
	var in transitionRequest
	if err := decodeBody(r, &in); err != nil || in.State == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state is required"})
		return
	}
	if err := h.gw.Transition(r.Context(), chi.URLParam(r, "id"), in.UserID, in.Username, in.State); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownEntity):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		// tip: Не отдаем детали внутренних ошибок наружу
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit ledger unavailable"})
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
