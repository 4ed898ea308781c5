package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/types"
)

// echoStage is a single-stage pipeline for adapter tests: it answers
// with the message kind, or fails when the payload mentions "boom".
type echoStage struct{}

func (s *echoStage) Metadata() plugin.Descriptor {
	return plugin.Descriptor{Name: "responder", Version: "0.0.1", Priority: plugin.PriorityLow}
}
func (s *echoStage) Initialize(deps *plugin.Deps) error { return nil }

func (s *echoStage) ProcessRequest(ctx *types.RequestContext) error {
	var msg types.Message
	if err := json.Unmarshal(ctx.RawPayload, &msg); err != nil {
		ctx.Fail(http.StatusBadRequest, types.KindMalformedMessage, "bad envelope")
		return nil
	}
	if bytes.Contains(msg.Payload, []byte("boom")) {
		ctx.Fail(http.StatusTeapot, types.KindProcessingError, "boom requested")
		return nil
	}
	ctx.Response = map[string]any{"kind": msg.Kind}
	return nil
}

func (s *echoStage) ProcessResponse(ctx *types.RequestContext) error { return nil }
func (s *echoStage) Shutdown(ctx context.Context) error              { return nil }
func (s *echoStage) Enabled() bool                                   { return true }

func newAdapterDeps(t *testing.T) *Deps {
	t.Helper()
	cfg := config.Default()
	cfg.Session.Enabled = false
	cfg.Transports.REST.ListenAddr = "127.0.0.1:0"
	cfg.Transports.WebSocket.ListenAddr = "127.0.0.1:0"
	cfg.Transports.IPC.FallbackAddr = "127.0.0.1:0"

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(&echoStage{}))
	require.NoError(t, registry.Initialize(&plugin.Deps{Config: cfg, Logger: zerolog.Nop()}))

	sessions := session.NewManager(session.NewIdentityManager(testMasterKey, time.Hour, 1<<20), time.Minute)
	t.Cleanup(sessions.Stop)

	return &Deps{
		Config:   cfg,
		Logger:   zerolog.Nop(),
		Pipeline: registry,
		Sessions: sessions,
		Tokens:   security.NewTokenManager(testMasterKey, "aico-gateway", time.Hour),
		Version:  "test",
	}
}

func restHandler(t *testing.T, deps *Deps) http.Handler {
	t.Helper()
	a := NewRESTAdapter()
	require.NoError(t, a.Initialize(deps))
	return a.server.Handler
}

func TestRESTHealth(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "aico-gateway", body["service"])
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "uptime_seconds")
}

func TestRESTDetailedHealth(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "goroutines")
	assert.Contains(t, body, "sessions")
}

func TestRESTGatewayStatus(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/gateway/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []any{"responder"}, body["pipeline"])
}

func TestRESTUnknownPath(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), types.KindNoHandler)
}

func TestRESTPipelineEndpoint(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", bytes.NewReader([]byte(`{"text":"hi"}`)))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"echo.send"}`, rec.Body.String())
}

func TestRESTPipelineError(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/echo", bytes.NewReader([]byte(`{"boom":true}`)))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Body.String(), types.KindProcessingError)
}

func TestRESTMetricsEndpoint(t *testing.T) {
	handler := restHandler(t, newAdapterDeps(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aico_gateway")
}

func TestManagerStartStop(t *testing.T) {
	deps := newAdapterDeps(t)
	m := NewManager(deps)

	rest := NewRESTAdapter()
	m.Register(rest)

	ctx := context.Background()
	require.NoError(t, m.StartAll(ctx))

	health := m.HealthCheck()
	require.Contains(t, health, "request-reply")
	assert.True(t, health["request-reply"].Healthy)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	m.StopAll(stopCtx)
}
