package transport

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebSocket(t *testing.T, deps *Deps) (*WebSocketAdapter, string) {
	t.Helper()
	a := NewWebSocketAdapter()
	require.NoError(t, a.Initialize(deps))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a, "ws://" + a.listener.Addr().String() + deps.Config.Transports.WebSocket.Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketWelcome(t *testing.T) {
	deps := newAdapterDeps(t)
	_, url := startWebSocket(t, deps)
	conn := dial(t, url)

	welcome := readFrame(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	assert.NotEmpty(t, welcome["client_id"])
	assert.Equal(t, deps.Config.Server.Name, welcome["server"])
}

func TestWebSocketHeartbeat(t *testing.T) {
	_, url := startWebSocket(t, newAdapterDeps(t))
	conn := dial(t, url)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "heartbeat_ack", ack["type"])
}

func TestWebSocketAuth(t *testing.T) {
	deps := newAdapterDeps(t)
	_, url := startWebSocket(t, deps)
	conn := dial(t, url)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": "garbage"}))
	failed := readFrame(t, conn)
	assert.Equal(t, "auth_failed", failed["type"])

	token, err := deps.Tokens.Issue("user-ws", []string{"user"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": token}))
	ok := readFrame(t, conn)
	assert.Equal(t, "auth_ok", ok["type"])
	assert.NotEmpty(t, ok["session_id"])
	assert.Equal(t, "user-ws", ok["user_uuid"])
}

func TestWebSocketTypedFrame(t *testing.T) {
	_, url := startWebSocket(t, newAdapterDeps(t))
	conn := dial(t, url)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "echo.send", "id": "f-1", "payload": map[string]any{"text": "hi"}}))
	resp := readFrame(t, conn)
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "f-1", resp["id"])
	payload := resp["payload"].(map[string]any)
	assert.Equal(t, "echo.send", payload["kind"])
}

func TestWebSocketMalformedFrame(t *testing.T) {
	_, url := startWebSocket(t, newAdapterDeps(t))
	conn := dial(t, url)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])

	// Connection stays usable after a malformed frame.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "heartbeat_ack", ack["type"])
}

func TestWebSocketConnectionLimit(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.WebSocket.MaxConnections = 1
	_, url := startWebSocket(t, deps)

	first := dial(t, url)
	readFrame(t, first) // welcome holds the only slot

	second := dial(t, url)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestWebSocketHeartbeatTimeout(t *testing.T) {
	deps := newAdapterDeps(t)
	deps.Config.Transports.WebSocket.HeartbeatInterval = 30 * time.Millisecond
	a, url := startWebSocket(t, deps)

	conn := dial(t, url)
	readFrame(t, conn) // welcome

	// Never send a heartbeat; the sweeper must close us.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.conns) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketFrameRequiresType(t *testing.T) {
	_, url := startWebSocket(t, newAdapterDeps(t))
	conn := dial(t, url)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"payload": "no type"}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
}
