package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxbridge/muxbridge/internal/common/config"
	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/events/bus"
	"github.com/muxbridge/muxbridge/internal/session/engine"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Sessions: config.SessionsConfig{
			Root:         t.TempDir(),
			WakeTimeout:  1,
			IdleTimeout:  10,
			ReapInterval: 60,
		},
		Claude: config.ClaudeConfig{
			Binary:       "claude",
			DefaultModel: "sonnet",
			VaultRoot:    t.TempDir(),
		},
		Noise: config.NoiseConfig{MatchMode: "any"},
	}

	eng, err := engine.New(cfg, bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	router := gin.New()
	NewHandler(eng, log).RegisterRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"active_sessions":0`)
}

func TestListAgents_EmptyRoot(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/agents", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestCreateAgent_MissingProjectPath(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/agents", `{"model":"sonnet"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAgent_MalformedBody(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/agents", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAgent_Unknown(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/agents/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "session not found")
}

func TestInterruptAgent_Unknown(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodDelete, "/api/agents/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDestroySession_Unknown(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/test/destroy-session/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
