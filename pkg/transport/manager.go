// Package transport holds the protocol adapters and the session
// encryption middleware. Adapters translate wire framing into pipeline
// request contexts; they never interpret message semantics themselves.
package transport

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/container"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/storage"
	"github.com/aico-ai/gateway/pkg/types"
)

// Deps is the dependency bundle injected into every adapter.
type Deps struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Pipeline *plugin.Registry
	Sessions *session.Manager
	Tokens   *security.TokenManager
	Store    storage.Store
	Broker   *bus.Broker

	// SchedulerRoutes is mounted under /api/v1/scheduler by the
	// request-reply adapter.
	SchedulerRoutes chi.Router

	// HealthFn aggregates container health for the status surfaces.
	HealthFn func() container.Health

	Version string
}

// Health is an adapter's self-reported liveness.
type Health struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Adapter is the protocol adapter contract.
type Adapter interface {
	Name() string
	Initialize(deps *Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleRequest(payload []byte, client types.ClientInfo) (any, error)
	HealthCheck() Health
}

// Manager owns the adapter set: initialization order, startup, shutdown
// and health aggregation. Listener goroutines belong to the adapters;
// the manager only drives their lifecycle.
type Manager struct {
	deps     *Deps
	adapters []Adapter
	started  []Adapter
	logger   zerolog.Logger
}

// NewManager creates an adapter manager around a shared dependency bundle.
func NewManager(deps *Deps) *Manager {
	return &Manager{deps: deps, logger: deps.Logger}
}

// Register adds an adapter. Registration order is start order.
func (m *Manager) Register(a Adapter) {
	m.adapters = append(m.adapters, a)
}

// StartAll initializes and starts every adapter. The first failure stops
// the already-started ones and aborts.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, a := range m.adapters {
		if err := a.Initialize(m.deps); err != nil {
			m.StopAll(ctx)
			return fmt.Errorf("adapter %s initialization failed: %w", a.Name(), err)
		}
		if err := a.Start(ctx); err != nil {
			m.StopAll(ctx)
			return fmt.Errorf("adapter %s start failed: %w", a.Name(), err)
		}
		m.started = append(m.started, a)
		m.logger.Info().Str("adapter", a.Name()).Msg("adapter started")
	}
	return nil
}

// StopAll stops started adapters in reverse order; failures are logged
// and swallowed.
func (m *Manager) StopAll(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		a := m.started[i]
		if err := a.Stop(ctx); err != nil {
			m.logger.Error().Str("adapter", a.Name()).Err(err).Msg("adapter stop failed")
		}
	}
	m.started = nil
}

// HealthCheck reports per-adapter health keyed by adapter name.
func (m *Manager) HealthCheck() map[string]Health {
	out := make(map[string]Health, len(m.adapters))
	for _, a := range m.adapters {
		out[a.Name()] = a.HealthCheck()
	}
	return out
}

// runPipeline pushes one decoded request through the plugin pipeline and
// maps the context outcome onto a response value. Shared by all adapters.
func runPipeline(registry *plugin.Registry, protocol types.Protocol, payload []byte, client types.ClientInfo) (any, *types.ErrorInfo) {
	ctx := types.NewRequestContext(protocol, payload, client)
	registry.Handle(ctx)
	if ctx.Error != nil {
		return nil, ctx.Error
	}
	return ctx.Response, nil
}
