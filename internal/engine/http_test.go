package engine

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"go.uber.org/zap"
)

func post(t *testing.T, h http.Handler, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_Process(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHTTPHandler(f.gw, nil, zap.NewNop()).Routes()

	t.Run("allow", func(t *testing.T) {
		rec := post(t, h, "/v1/process", purchase("PROD"), "X-Trace-ID", "trace-1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "trace-1", rec.Header().Get("X-Trace-ID"))

		var resp domain.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, domain.DecisionAllow, resp.Decision)
		assert.Equal(t, "trace-1", resp.TraceID)

		events := timeline(t, f.ledger, resp.SessionID)
		assert.Equal(t, "trace-1", events[0].Payload["trace_id"])
	})

	t.Run("deny is 403 with remediation", func(t *testing.T) {
		rec := post(t, h, "/v1/process", purchase("DEMO"))
		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "DENY", body["decision"])
		assert.Equal(t, "DEMO_EXECUTION_BLOCKED", body["reason"])
		assert.Equal(t, "Financial operations are disabled in DEMO mode", body["message"])
		assert.Equal(t, "Activate a PRO license", body["remediation"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/process", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("schema failures are audited denials", func(t *testing.T) {
		bodies := []string{
			`{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD"}}`,
			`{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD","trust_level":"3"}}`,
			`{"caller_id":"user-1","target":"shop","action":"purchase.create","context":{"env":"web","mode":"PROD","trust_level":2.5}}`,
		}
		for _, body := range bodies {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/process", bytes.NewBufferString(body)))
			require.Equal(t, http.StatusForbidden, rec.Code, body)

			var resp domain.Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, domain.ReasonSchemaInvalid, resp.Reason)
			assert.Len(t, timeline(t, f.ledger, resp.SessionID), 1)
		}
	})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHTTP_PersistenceFailureIs500(t *testing.T) {
	f := newFixture(t, brokenLedger{audit.NewMemoryLedger()})
	h := NewHTTPHandler(f.gw, nil, zap.NewNop()).Routes()

	rec := post(t, h, "/v1/process", purchase("DEMO"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestHTTP_AuthBindsCallerToSubject(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok, err := auth.NewSigner(key, time.Hour).Issue(domain.User{ID: "user-1"})
	require.NoError(t, err)

	f := newFixture(t, nil)
	h := NewHTTPHandler(f.gw, auth.NewBaseValidator(&key.PublicKey), zap.NewNop()).Routes()

	rec := post(t, h, "/v1/process", purchase("PROD"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, "/v1/process", purchase("PROD"), "Authorization", "Bearer "+tok.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	spoofed := purchase("PROD")
	spoofed.CallerID = "user-2"
	rec = post(t, h, "/v1/process", spoofed, "Authorization", "Bearer "+tok.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ReasonRBACViolation)
}

func TestHTTP_UIEventsAndTransition(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHTTPHandler(f.gw, nil, zap.NewNop()).Routes()
	id, err := f.ledger.StartSession(t.Context(), audit.SessionStart{UserID: "42"})
	require.NoError(t, err)

	ev := map[string]any{"session_id": id, "user_id": "42", "action": "buy", "state": "Checkout"}
	assert.Equal(t, http.StatusOK, post(t, h, "/v1/ui-events", ev).Code)
	assert.Equal(t, http.StatusConflict, post(t, h, "/v1/ui-events", ev).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/v1/ui-events", map[string]any{"session_id": id}).Code)

	rec := post(t, h, "/v1/sessions/"+id+"/transition", map[string]any{"user_id": "42", "state": "Paid"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = post(t, h, "/v1/sessions/00000000-0000-0000-0000-000000000000/transition", map[string]any{"state": "Paid"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
