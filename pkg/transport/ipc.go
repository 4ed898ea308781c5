package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/metrics"
	"github.com/aico-ai/gateway/pkg/types"
)

// maxIPCFrame bounds one newline-delimited request line.
const maxIPCFrame = 4 << 20

// IPCAdapter exposes a strict request/reply loop for same-host clients.
// The primary listener is platform-selected (unix domain socket where
// available); loopback TCP is the fallback.
type IPCAdapter struct {
	deps       *Deps
	listener   net.Listener
	socketPath string // non-empty when listening on a unix socket
	logger     zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewIPCAdapter creates the local IPC adapter.
func NewIPCAdapter() *IPCAdapter {
	return &IPCAdapter{
		stopCh: make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
}

func (a *IPCAdapter) Name() string { return "ipc" }

func (a *IPCAdapter) Initialize(deps *Deps) error {
	a.deps = deps
	a.logger = deps.Logger.With().Str("transport", a.Name()).Logger()
	return nil
}

func (a *IPCAdapter) Start(ctx context.Context) error {
	ln, socketPath, err := a.listenPrimary()
	if err != nil {
		a.logger.Warn().Err(err).Msg("primary IPC listener unavailable, falling back to loopback TCP")
		ln, err = net.Listen("tcp", a.deps.Config.Transports.IPC.FallbackAddr)
		if err != nil {
			return fmt.Errorf("failed to bind IPC fallback %s: %w", a.deps.Config.Transports.IPC.FallbackAddr, err)
		}
		socketPath = ""
	}
	a.listener = ln
	a.socketPath = socketPath

	a.wg.Add(1)
	go a.acceptLoop()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("ipc adapter listening")
	return nil
}

func (a *IPCAdapter) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.listener != nil {
		_ = a.listener.Close()
	}

	// Idle clients block serveConn in a read; close their connections or
	// the wait below never returns.
	a.connMu.Lock()
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.connMu.Unlock()

	a.wg.Wait()
	if a.socketPath != "" {
		_ = os.Remove(a.socketPath)
	}
	return nil
}

func (a *IPCAdapter) HandleRequest(payload []byte, client types.ClientInfo) (any, error) {
	resp, errInfo := runPipeline(a.deps.Pipeline, types.ProtocolIPC, payload, client)
	if errInfo != nil {
		return nil, fmt.Errorf("%s: %s", errInfo.Kind, errInfo.Detail)
	}
	return resp, nil
}

func (a *IPCAdapter) HealthCheck() Health {
	if a.listener == nil {
		return Health{Healthy: false, Detail: "not listening"}
	}
	return Health{Healthy: true, Detail: "listening on " + a.listener.Addr().String()}
}

func (a *IPCAdapter) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
				a.logger.Error().Err(err).Msg("ipc accept failed")
				return
			}
		}
		a.connMu.Lock()
		a.conns[conn] = struct{}{}
		a.connMu.Unlock()

		a.wg.Add(1)
		go a.serveConn(conn)
	}
}

// ipcResponse is the reply envelope for one request line.
type ipcResponse struct {
	Success bool             `json:"success"`
	Data    any              `json:"data,omitempty"`
	Error   *types.ErrorInfo `json:"error,omitempty"`
}

// serveConn runs the strict REP loop for one connection: read a line,
// answer it, repeat. Malformed lines get an error reply but keep the
// connection open.
func (a *IPCAdapter) serveConn(conn net.Conn) {
	defer a.wg.Done()
	defer func() {
		a.connMu.Lock()
		delete(a.conns, conn)
		a.connMu.Unlock()
		_ = conn.Close()
	}()

	metrics.ActiveConnections.WithLabelValues(a.Name()).Inc()
	defer metrics.ActiveConnections.WithLabelValues(a.Name()).Dec()

	client := types.ClientInfo{
		RemoteAddr:    conn.RemoteAddr().String(),
		UserAgent:     "ipc",
		TransportName: a.Name(),
		Attributes:    map[string]string{},
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxIPCFrame)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var reply ipcResponse
		if !json.Valid(line) {
			reply = ipcResponse{Success: false, Error: &types.ErrorInfo{
				StatusCode: 400, Kind: types.KindMalformedMessage, Detail: "request is not valid JSON",
			}}
		} else {
			resp, errInfo := runPipeline(a.deps.Pipeline, types.ProtocolIPC, line, client)
			if errInfo != nil {
				metrics.RequestsTotal.WithLabelValues(a.Name(), "error").Inc()
				reply = ipcResponse{Success: false, Error: errInfo}
			} else {
				metrics.RequestsTotal.WithLabelValues(a.Name(), "ok").Inc()
				reply = ipcResponse{Success: true, Data: resp}
			}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			data = []byte(`{"success":false,"error":{"status_code":500,"kind":"internal_error"}}`)
		}
		data = append(data, '\n')
		if _, err := writer.Write(data); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}
