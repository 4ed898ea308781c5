package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/metrics"
	"github.com/aico-ai/gateway/pkg/types"
)

// RESTAdapter hosts the request-reply HTTP surface. The router carries
// no chi middleware: the session encryption layer wraps the whole router
// and must be the first code to touch request bytes.
type RESTAdapter struct {
	deps       *Deps
	middleware *SessionMiddleware
	server     *http.Server
	listener   net.Listener
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewRESTAdapter creates the request-reply adapter.
func NewRESTAdapter() *RESTAdapter {
	return &RESTAdapter{}
}

func (a *RESTAdapter) Name() string { return "request-reply" }

func (a *RESTAdapter) Initialize(deps *Deps) error {
	a.deps = deps
	a.logger = deps.Logger.With().Str("transport", a.Name()).Logger()
	a.middleware = NewSessionMiddleware(deps.Config.Session, deps.Sessions, a.logger)

	r := chi.NewRouter()
	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/health/detailed", a.handleDetailedHealth)
	r.Get("/api/v1/gateway/status", a.handleGatewayStatus)
	r.Handle("/metrics", metrics.Handler())

	// Domain routers: thin kind-mappers into the pipeline.
	r.Post("/api/v1/echo", a.pipelineEndpoint("echo.send"))
	r.Post("/api/v1/users/query", a.pipelineEndpoint("users.query"))
	r.Post("/api/v1/admin/command", a.pipelineEndpoint("admin.command"))
	r.Post("/api/v1/logs/query", a.pipelineEndpoint("logs.query"))
	r.Post("/api/v1/conversation/message", a.pipelineEndpoint("conversation.message"))

	if deps.SchedulerRoutes != nil {
		r.Mount("/api/v1/scheduler", deps.SchedulerRoutes)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSONError(w, http.StatusNotFound, types.KindNoHandler, "no handler for "+req.URL.Path)
	})

	a.server = &http.Server{
		Addr:              deps.Config.Transports.REST.ListenAddr,
		Handler:           a.middleware.Wrap(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *RESTAdapter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", a.server.Addr, err)
	}
	a.listener = ln
	a.startedAt = time.Now()

	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("http server terminated")
		}
	}()

	a.logger.Info().Str("addr", a.server.Addr).Msg("request-reply adapter listening")
	return nil
}

func (a *RESTAdapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// HandleRequest pushes a raw payload through the pipeline; used by tests
// and by surfaces that bypass HTTP framing.
func (a *RESTAdapter) HandleRequest(payload []byte, client types.ClientInfo) (any, error) {
	resp, errInfo := runPipeline(a.deps.Pipeline, types.ProtocolRequestReply, payload, client)
	if errInfo != nil {
		return nil, fmt.Errorf("%s: %s", errInfo.Kind, errInfo.Detail)
	}
	return resp, nil
}

func (a *RESTAdapter) HealthCheck() Health {
	if a.listener == nil {
		return Health{Healthy: false, Detail: "not listening"}
	}
	return Health{Healthy: true, Detail: "listening on " + a.listener.Addr().String()}
}

// pipelineEndpoint adapts one HTTP route onto a message kind and runs
// the pipeline on the (already decrypted) body.
func (a *RESTAdapter) pipelineEndpoint(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, types.KindDecodeFailure, "failed to read body")
			return
		}

		msg := types.Message{Kind: kind, Payload: body, Timestamp: time.Now().UTC()}
		raw, err := json.Marshal(&msg)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, types.KindInternalError, "failed to encode message")
			return
		}

		client := types.ClientInfo{
			RemoteAddr:    r.RemoteAddr,
			UserAgent:     r.UserAgent(),
			TransportName: a.Name(),
			Attributes:    map[string]string{"authorization": r.Header.Get("Authorization")},
		}

		resp, errInfo := runPipeline(a.deps.Pipeline, types.ProtocolRequestReply, raw, client)
		if errInfo != nil {
			metrics.RequestsTotal.WithLabelValues(a.Name(), "error").Inc()
			writeJSON(w, errInfo.StatusCode, map[string]any{"error": errInfo})
			return
		}
		metrics.RequestsTotal.WithLabelValues(a.Name(), "ok").Inc()
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *RESTAdapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        a.deps.Config.Server.Name,
		"version":        a.deps.Version,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
	})
}

func (a *RESTAdapter) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  mem.HeapAlloc / (1 << 20),
		"sessions":       a.deps.Sessions.Count(),
		"version":        a.deps.Version,
	})
}

func (a *RESTAdapter) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"server":  a.deps.Config.Server.Name,
		"version": a.deps.Version,
	}
	if a.deps.HealthFn != nil {
		status["services"] = a.deps.HealthFn()
	}
	if order, err := a.deps.Pipeline.ExecutionOrder(); err == nil {
		status["pipeline"] = order
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]any{
		"error": types.ErrorInfo{StatusCode: status, Kind: kind, Detail: detail},
	})
}
