// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/traylinx/hookbridge/internal/bridge"
	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/hooks"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Cache.SweepIntervalMs = -1
	cfg.Performance.CleanupIntervalMs = -1
	svc, err := bridge.New(context.Background(), bridge.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return NewServer(svc, cfg.Server)
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleHook_PreToolUse(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/hooks/preToolUse",
		`{"sessionId":"s1","operation":"read file","payload":{"tool":"Read","args":{"file_path":"a.go"}}}`,
		CorrelationHeader, "corr-42")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "corr-42", w.Header().Get(CorrelationHeader))
	body := w.Body.Bytes()
	assert.True(t, gjson.GetBytes(body, "success").Bool())
	assert.Equal(t, "corr-42", gjson.GetBytes(body, "correlationId").String())
	assert.Equal(t, "superclaude-code", gjson.GetBytes(body, "data.route.server").String())
	assert.Equal(t, "preToolUse", gjson.GetBytes(body, "hook").String())
}

func TestHandleHook_FailureStatuses(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantKind hooks.ErrorKind
	}{
		{
			name:     "unknown hook",
			path:     "/v1/hooks/midToolUse",
			body:     `{"sessionId":"s1","operation":"x"}`,
			wantCode: http.StatusNotFound,
			wantKind: hooks.KindUnregistered,
		},
		{
			name:     "missing session",
			path:     "/v1/hooks/preToolUse",
			body:     `{"operation":"x"}`,
			wantCode: http.StatusBadRequest,
			wantKind: hooks.KindValidation,
		},
		{
			name:     "prompt required",
			path:     "/v1/hooks/prePrompt",
			body:     `{"sessionId":"s1","operation":"x","payload":{}}`,
			wantCode: http.StatusBadRequest,
			wantKind: hooks.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			body := w.Body.Bytes()
			assert.False(t, gjson.GetBytes(body, "success").Bool())
			assert.Equal(t, string(tt.wantKind), gjson.GetBytes(body, "errorKind").String())
			assert.NotEmpty(t, gjson.GetBytes(body, "guidance.message").String())
		})
	}
}

func TestHandleHook_RejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/hooks/stop", `{"sessionId":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, gjson.Get(w.Body.String(), "error").String(), "JSON object")

	w = do(t, s, http.MethodPost, "/v1/hooks/stop", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHookChain(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/hooks/chain",
		`{"hooks":["stop","prePrompt"],"context":{"sessionId":"s1","operation":"ask","payload":{"prompt":"explain"}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	assert.Equal(t, "prePrompt", gjson.Get(body, "plan.optimizedChain.0").String())
	assert.Equal(t, int64(2), gjson.Get(body, "results.#").Int())
	assert.Equal(t, "stop", gjson.Get(body, "results.1.hook").String())

	w = do(t, s, http.MethodPost, "/v1/hooks/chain", `{"hooks":["bogus"],"context":{"sessionId":"s1","operation":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleOptimize(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/hooks/optimize", `{"hooks":["stop","preToolUse","prePrompt"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `["prePrompt","preToolUse","stop"]`, gjson.Get(w.Body.String(), "optimizedChain").Raw)
}

func TestHandlePersonas(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/personas/analyze", `{"content":"architecture scalability system design"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "architect", gjson.Get(w.Body.String(), "scores.0.persona").String())

	w = do(t, s, http.MethodPost, "/v1/personas/activate", `{"content":"anything","flags":["--persona-security"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "security", gjson.Get(w.Body.String(), "decision.persona").String())

	w = do(t, s, http.MethodPost, "/v1/personas/activate", `{"content":"x","flags":["--persona-wizard"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCollaboration(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/collab/coordinate",
		`{"personas":["backend","security"],"task":{"operation":"harden the authentication flow"},"mode":"hierarchical"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "security", gjson.Get(w.Body.String(), "results.0.persona").String())

	w = do(t, s, http.MethodPost, "/v1/collab/coordinate", `{"personas":["backend"],"mode":"swarm"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/v1/collab/coordinate", `{"personas":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/v1/collab/coordinate", `{"personas":["wizard"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/collab/chain",
		`{"steps":[{"persona":"analyzer","operation":"find the cause"},{"persona":"refactorer","operation":"clean up"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", gjson.Get(w.Body.String(), "status").String())

	w = do(t, s, http.MethodPost, "/v1/collab/share", `{"from":"devops","to":"scribe","expertise":{"content":"x"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/v1/collab/share",
		`{"from":"backend","to":"frontend","expertise":{"content":"the endpoint payload is large"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "the API call response data is large", gjson.Get(w.Body.String(), "content").String())
}

func TestHandleOperations(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "correlationId").String())

	do(t, s, http.MethodPost, "/v1/hooks/preToolUse", `{"sessionId":"s1","operation":"x","payload":{"tool":"Read"}}`)

	w = do(t, s, http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), `breakers.#(operation=="hook.preToolUse")`).Exists())

	w = do(t, s, http.MethodPost, "/v1/breakers/hook.preToolUse/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", gjson.Get(w.Body.String(), "state").String())

	w = do(t, s, http.MethodGet, "/v1/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "caches.hook-results").Exists())

	w = do(t, s, http.MethodPost, "/v1/cache/invalidate", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, gjson.Get(w.Body.String(), "invalidated").Int(), int64(1))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(&hooks.Result{Success: true}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&hooks.Result{ErrorKind: hooks.KindCircuitOpen}))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(&hooks.Result{ErrorKind: hooks.KindTimeout}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&hooks.Result{ErrorKind: hooks.KindHandler}))
}
