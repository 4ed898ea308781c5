package plugins

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/types"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	cfg    *config.Config
	broker *bus.Broker
	tokens *security.TokenManager
	deps   *plugin.Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	broker := bus.NewBroker(nil)
	t.Cleanup(broker.Stop)

	tokens := security.NewTokenManager(testMasterKey, "aico-gateway", time.Hour)
	sessions := session.NewManager(session.NewIdentityManager(testMasterKey, time.Hour, 1<<20), time.Minute)
	t.Cleanup(sessions.Stop)

	return &testEnv{
		cfg:    cfg,
		broker: broker,
		tokens: tokens,
		deps: &plugin.Deps{
			Config: cfg,
			Logger: zerolog.Nop(),
			Services: map[string]any{
				ServiceBroker:   broker,
				ServiceSessions: sessions,
				ServiceTokens:   tokens,
			},
		},
	}
}

func messageContext(kind string, metadata map[string]string) *types.RequestContext {
	ctx := types.NewRequestContext(types.ProtocolBidirectional, nil, types.ClientInfo{
		RemoteAddr: "127.0.0.1:50000",
		UserAgent:  "test-client",
		Attributes: map[string]string{},
	})
	ctx.Message = &types.Message{Kind: kind, ID: "m-1", Metadata: metadata, Timestamp: time.Now()}
	ctx.MessageType = kind
	return ctx
}

func TestSecurityMissingCredential(t *testing.T) {
	env := newTestEnv(t)
	p := NewSecurityPlugin()
	require.NoError(t, p.Initialize(env.deps))

	ctx := messageContext("echo.send", nil)
	require.NoError(t, p.ProcessRequest(ctx))
	require.True(t, ctx.Failed())
	assert.Equal(t, http.StatusUnauthorized, ctx.Error.StatusCode)
	assert.Equal(t, types.KindMissingCredential, ctx.Error.Kind)
}

func TestSecurityPublicKindsPass(t *testing.T) {
	env := newTestEnv(t)
	p := NewSecurityPlugin()
	require.NoError(t, p.Initialize(env.deps))

	for _, kind := range []string{"ping", "health", "handshake"} {
		ctx := messageContext(kind, nil)
		require.NoError(t, p.ProcessRequest(ctx))
		assert.False(t, ctx.Failed(), "kind %s needs no credential", kind)
	}
}

func TestSecurityValidToken(t *testing.T) {
	env := newTestEnv(t)
	p := NewSecurityPlugin()
	require.NoError(t, p.Initialize(env.deps))

	token, err := env.tokens.Issue("user-1", []string{"user"})
	require.NoError(t, err)

	ctx := messageContext("echo.send", map[string]string{"auth_token": token})
	require.NoError(t, p.ProcessRequest(ctx))
	require.False(t, ctx.Failed())
	require.NotNil(t, ctx.Principal)
	assert.Equal(t, "user-1", ctx.Principal.UserUUID)
}

func TestSecurityBearerHeader(t *testing.T) {
	env := newTestEnv(t)
	p := NewSecurityPlugin()
	require.NoError(t, p.Initialize(env.deps))

	token, err := env.tokens.Issue("user-2", []string{"user"})
	require.NoError(t, err)

	ctx := messageContext("echo.send", nil)
	ctx.Client.Attributes["authorization"] = "Bearer " + token
	require.NoError(t, p.ProcessRequest(ctx))
	assert.False(t, ctx.Failed())
}

func TestSecurityExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	p := NewSecurityPlugin()
	require.NoError(t, p.Initialize(env.deps))

	expired := security.NewTokenManager(testMasterKey, "aico-gateway", -time.Minute)
	token, err := expired.Issue("user-1", nil)
	require.NoError(t, err)

	ctx := messageContext("echo.send", map[string]string{"auth_token": token})
	require.NoError(t, p.ProcessRequest(ctx))
	require.True(t, ctx.Failed())
	assert.Equal(t, types.KindExpiredToken, ctx.Error.Kind)
}

func TestSecurityRoleAuthorization(t *testing.T) {
	env := newTestEnv(t)
	p := NewSecurityPlugin()
	require.NoError(t, p.Initialize(env.deps))

	userToken, err := env.tokens.Issue("user-1", []string{"user"})
	require.NoError(t, err)
	adminToken, err := env.tokens.Issue("admin-1", []string{"admin"})
	require.NoError(t, err)

	ctx := messageContext("admin.users.list", map[string]string{"auth_token": userToken})
	require.NoError(t, p.ProcessRequest(ctx))
	require.True(t, ctx.Failed())
	assert.Equal(t, http.StatusForbidden, ctx.Error.StatusCode)
	assert.Equal(t, types.KindNotPermitted, ctx.Error.Kind)

	ctx = messageContext("admin.users.list", map[string]string{"auth_token": adminToken})
	require.NoError(t, p.ProcessRequest(ctx))
	assert.False(t, ctx.Failed())
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Plugins["rate_limiting"] = config.PluginConfig{
		Enabled:  true,
		Settings: map[string]any{"requests_per_second": 1, "burst": 2},
	}
	p := NewRateLimitingPlugin()
	require.NoError(t, p.Initialize(env.deps))

	// burst of 2 passes, the third is rejected
	for i := 0; i < 2; i++ {
		ctx := messageContext("echo.send", nil)
		require.NoError(t, p.ProcessRequest(ctx))
		assert.False(t, ctx.Failed(), "request %d within burst", i)
	}
	ctx := messageContext("echo.send", nil)
	require.NoError(t, p.ProcessRequest(ctx))
	require.True(t, ctx.Failed())
	assert.Equal(t, http.StatusTooManyRequests, ctx.Error.StatusCode)
	assert.Equal(t, types.KindRateLimited, ctx.Error.Kind)
}

func TestRateLimitingIsolatesClients(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Plugins["rate_limiting"] = config.PluginConfig{
		Enabled:  true,
		Settings: map[string]any{"requests_per_second": 1, "burst": 1},
	}
	p := NewRateLimitingPlugin()
	require.NoError(t, p.Initialize(env.deps))

	first := messageContext("echo.send", nil)
	require.NoError(t, p.ProcessRequest(first))
	require.False(t, first.Failed())

	// Different remote address gets its own bucket.
	other := messageContext("echo.send", nil)
	other.Client.RemoteAddr = "10.0.0.9:1234"
	require.NoError(t, p.ProcessRequest(other))
	assert.False(t, other.Failed())
}

func TestValidationParsesEnvelope(t *testing.T) {
	env := newTestEnv(t)
	p := NewValidationPlugin()
	require.NoError(t, p.Initialize(env.deps))

	payload, _ := json.Marshal(map[string]any{"kind": "echo.send", "payload": map[string]any{"text": "hi"}})
	ctx := types.NewRequestContext(types.ProtocolRequestReply, payload, types.ClientInfo{})
	require.NoError(t, p.ProcessRequest(ctx))

	require.False(t, ctx.Failed())
	require.NotNil(t, ctx.Message)
	assert.Equal(t, "echo.send", ctx.MessageType)
	assert.NotEmpty(t, ctx.Message.ID, "missing id is filled in")
	assert.False(t, ctx.Message.Timestamp.IsZero())
}

func TestValidationRejections(t *testing.T) {
	env := newTestEnv(t)
	p := NewValidationPlugin()
	require.NoError(t, p.Initialize(env.deps))

	tests := []struct {
		name    string
		payload []byte
		kind    string
	}{
		{"empty payload", nil, types.KindMalformedMessage},
		{"not json", []byte("{nope"), types.KindMalformedMessage},
		{"missing kind", []byte(`{"payload":{}}`), types.KindSchemaViolation},
		{"bad kind characters", []byte(`{"kind":"Echo Send!"}`), types.KindUnknownMessage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := types.NewRequestContext(types.ProtocolRequestReply, tc.payload, types.ClientInfo{})
			require.NoError(t, p.ProcessRequest(ctx))
			require.True(t, ctx.Failed())
			assert.Equal(t, tc.kind, ctx.Error.Kind)
		})
	}
}

func TestRoutingDeliversReply(t *testing.T) {
	env := newTestEnv(t)
	p := NewRoutingPlugin()
	require.NoError(t, p.Initialize(env.deps))

	// Echo responder: answer every request on its correlated reply topic.
	_, err := env.broker.Subscribe("gateway.requests.*", func(env2 *bus.Envelope) {
		reply, _ := json.Marshal(map[string]any{"echoed": true})
		_, _ = env.broker.Publish(replyTopicPrefix+env2.CorrelationID, reply,
			bus.WithCorrelationID(env2.CorrelationID))
	})
	require.NoError(t, err)

	ctx := messageContext("echo.send", nil)
	require.NoError(t, p.ProcessRequest(ctx))

	require.False(t, ctx.Failed())
	require.NotNil(t, ctx.Response)
	assert.Contains(t, string(ctx.Response.(json.RawMessage)), "echoed")
}

func TestRoutingTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Bus.ReplyTimeout = 50 * time.Millisecond
	p := NewRoutingPlugin()
	require.NoError(t, p.Initialize(env.deps))

	ctx := messageContext("echo.send", nil)
	require.NoError(t, p.ProcessRequest(ctx))

	require.True(t, ctx.Failed())
	assert.Equal(t, http.StatusGatewayTimeout, ctx.Error.StatusCode)
	assert.Equal(t, types.KindRoutingTimeout, ctx.Error.Kind)
}

func TestRoutingSkipsWhenResponseSet(t *testing.T) {
	env := newTestEnv(t)
	p := NewRoutingPlugin()
	require.NoError(t, p.Initialize(env.deps))

	ctx := messageContext("echo.send", nil)
	ctx.Response = map[string]any{"already": "answered"}
	require.NoError(t, p.ProcessRequest(ctx))
	assert.False(t, ctx.Failed())
}

func TestEncryptionPluginRejectsGarbageHandshake(t *testing.T) {
	env := newTestEnv(t)
	p := NewEncryptionPlugin()
	require.NoError(t, p.Initialize(env.deps))

	ctx := messageContext("handshake", nil)
	ctx.Message.Payload = json.RawMessage(`{"public_key":"not-a-key"}`)
	require.NoError(t, p.ProcessRequest(ctx))

	require.True(t, ctx.Failed())
	assert.Equal(t, types.KindEncryptionError, ctx.Error.Kind)
}

func TestEncryptionPluginIgnoresOtherKinds(t *testing.T) {
	env := newTestEnv(t)
	p := NewEncryptionPlugin()
	require.NoError(t, p.Initialize(env.deps))

	ctx := messageContext("echo.send", nil)
	require.NoError(t, p.ProcessRequest(ctx))
	assert.False(t, ctx.Failed())
	assert.False(t, ctx.SkipFurtherProcessing)
}

func TestLogShipperPublishesSummary(t *testing.T) {
	env := newTestEnv(t)
	p := NewLogShipperPlugin()
	require.NoError(t, p.Initialize(env.deps))

	received := make(chan *bus.Envelope, 1)
	_, err := env.broker.Subscribe("logs.request", func(e *bus.Envelope) {
		received <- e
	})
	require.NoError(t, err)

	ctx := messageContext("echo.send", nil)
	ctx.Error = &types.ErrorInfo{StatusCode: 429, Kind: types.KindRateLimited}
	require.NoError(t, p.ProcessResponse(ctx))

	select {
	case env2 := <-received:
		var summary requestSummary
		require.NoError(t, json.Unmarshal(env2.Payload, &summary))
		assert.Equal(t, "error", summary.Outcome)
		assert.Equal(t, types.KindRateLimited, summary.ErrorKind)
	case <-time.After(time.Second):
		t.Fatal("no summary published")
	}
}
