package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/metrics"
	"github.com/aico-ai/gateway/pkg/types"
)

// wsConnection is the per-client state of one websocket session.
type wsConnection struct {
	id     string
	conn   *websocket.Conn
	client types.ClientInfo

	mu            sync.Mutex // guards writes and auth state
	principal     *types.Principal
	sessionID     string
	lastHeartbeat time.Time
}

func (c *wsConnection) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConnection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *wsConnection) heartbeatAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

// WebSocketAdapter hosts long-lived bidirectional sessions. One reader
// goroutine per connection gives per-connection FIFO; different
// connections proceed concurrently.
type WebSocketAdapter struct {
	deps     *Deps
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[string]*wsConnection

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWebSocketAdapter creates the bidirectional session adapter.
func NewWebSocketAdapter() *WebSocketAdapter {
	return &WebSocketAdapter{
		conns:  make(map[string]*wsConnection),
		stopCh: make(chan struct{}),
	}
}

func (a *WebSocketAdapter) Name() string { return "bidirectional" }

func (a *WebSocketAdapter) Initialize(deps *Deps) error {
	a.deps = deps
	a.logger = deps.Logger.With().Str("transport", a.Name()).Logger()
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Local gateway; origin enforcement belongs to the session layer.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(deps.Config.Transports.WebSocket.Path, a.handleUpgrade)
	a.server = &http.Server{
		Addr:              deps.Config.Transports.WebSocket.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *WebSocketAdapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", a.server.Addr, err)
	}
	a.listener = ln

	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("websocket server terminated")
		}
	}()

	a.wg.Add(1)
	go a.heartbeatSweep()

	a.logger.Info().Str("addr", a.server.Addr).Msg("websocket adapter listening")
	return nil
}

func (a *WebSocketAdapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })

	a.mu.Lock()
	for _, c := range a.conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	a.mu.Unlock()

	err := a.server.Shutdown(ctx)
	a.wg.Wait()
	return err
}

func (a *WebSocketAdapter) HandleRequest(payload []byte, client types.ClientInfo) (any, error) {
	resp, errInfo := runPipeline(a.deps.Pipeline, types.ProtocolBidirectional, payload, client)
	if errInfo != nil {
		return nil, fmt.Errorf("%s: %s", errInfo.Kind, errInfo.Detail)
	}
	return resp, nil
}

func (a *WebSocketAdapter) HealthCheck() Health {
	if a.listener == nil {
		return Health{Healthy: false, Detail: "not listening"}
	}
	a.mu.Lock()
	open := len(a.conns)
	a.mu.Unlock()
	return Health{Healthy: true, Detail: fmt.Sprintf("%d open connections", open)}
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	over := len(a.conns) >= a.deps.Config.Transports.WebSocket.MaxConnections
	a.mu.Unlock()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if over {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	c := &wsConnection{
		id:   uuid.New().String(),
		conn: conn,
		client: types.ClientInfo{
			RemoteAddr:    r.RemoteAddr,
			UserAgent:     r.UserAgent(),
			TransportName: a.Name(),
			Attributes:    map[string]string{},
		},
		lastHeartbeat: time.Now(),
	}

	a.mu.Lock()
	a.conns[c.id] = c
	a.mu.Unlock()
	metrics.ActiveConnections.WithLabelValues(a.Name()).Inc()

	if err := c.send(map[string]any{
		"type":      "welcome",
		"client_id": c.id,
		"server":    a.deps.Config.Server.Name,
		"version":   a.deps.Version,
	}); err != nil {
		a.dropConnection(c)
		return
	}

	a.wg.Add(1)
	go a.readLoop(c)
}

func (a *WebSocketAdapter) dropConnection(c *wsConnection) {
	a.mu.Lock()
	if _, ok := a.conns[c.id]; ok {
		delete(a.conns, c.id)
		metrics.ActiveConnections.WithLabelValues(a.Name()).Dec()
	}
	a.mu.Unlock()
	_ = c.conn.Close()
}

// readLoop processes frames from one connection in arrival order.
func (a *WebSocketAdapter) readLoop(c *wsConnection) {
	defer a.wg.Done()
	defer a.dropConnection(c)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &probe); err != nil || probe.Type == "" {
			_ = c.send(map[string]any{
				"type":  "error",
				"error": types.ErrorInfo{StatusCode: 400, Kind: types.KindMalformedMessage, Detail: "frame must be JSON with a type field"},
			})
			continue
		}

		switch probe.Type {
		case "heartbeat":
			c.touchHeartbeat()
			_ = c.send(map[string]any{"type": "heartbeat_ack", "timestamp": time.Now().UTC()})
		case "auth":
			a.handleAuth(c, frame)
		default:
			a.handleFrame(c, probe.Type, frame)
		}
	}
}

func (a *WebSocketAdapter) handleAuth(c *wsConnection, frame []byte) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(frame, &req); err != nil || req.Token == "" {
		_ = c.send(map[string]any{
			"type":  "auth_failed",
			"error": types.ErrorInfo{StatusCode: 401, Kind: types.KindMissingCredential, Detail: "auth frame requires a token"},
		})
		return
	}

	principal, err := a.deps.Tokens.Verify(req.Token)
	if err != nil {
		_ = c.send(map[string]any{
			"type":  "auth_failed",
			"error": types.ErrorInfo{StatusCode: 401, Kind: types.KindInvalidCredential, Detail: "credential rejected"},
		})
		return
	}

	c.mu.Lock()
	c.principal = principal
	c.sessionID = uuid.New().String()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.client.Attributes["authorization"] = "Bearer " + req.Token
	_ = c.send(map[string]any{"type": "auth_ok", "session_id": sessionID, "user_uuid": principal.UserUUID})
}

// handleFrame pushes a typed frame through the pipeline and writes the
// outcome back on the same connection.
func (a *WebSocketAdapter) handleFrame(c *wsConnection, frameType string, frame []byte) {
	var inner struct {
		Payload  json.RawMessage   `json:"payload"`
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	_ = json.Unmarshal(frame, &inner)

	msg := types.Message{
		Kind:      frameType,
		ID:        inner.ID,
		Payload:   inner.Payload,
		Metadata:  inner.Metadata,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(&msg)
	if err != nil {
		return
	}

	resp, errInfo := runPipeline(a.deps.Pipeline, types.ProtocolBidirectional, raw, c.client)
	if errInfo != nil {
		metrics.RequestsTotal.WithLabelValues(a.Name(), "error").Inc()
		_ = c.send(map[string]any{"type": "error", "id": msg.ID, "error": errInfo})
		return
	}
	metrics.RequestsTotal.WithLabelValues(a.Name(), "ok").Inc()
	_ = c.send(map[string]any{"type": "response", "id": msg.ID, "payload": resp})
}

// heartbeatSweep closes connections that have gone quiet for more than
// three heartbeat intervals.
func (a *WebSocketAdapter) heartbeatSweep() {
	defer a.wg.Done()
	interval := a.deps.Config.Transports.WebSocket.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			cutoff := 3 * interval
			a.mu.Lock()
			stale := make([]*wsConnection, 0)
			for _, c := range a.conns {
				if c.heartbeatAge() > cutoff {
					stale = append(stale, c)
				}
			}
			a.mu.Unlock()

			for _, c := range stale {
				a.logger.Info().Str("connection", c.id).Msg("closing connection: heartbeat timeout")
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "heartbeat timeout"),
					time.Now().Add(time.Second))
				a.dropConnection(c)
			}
		}
	}
}
