package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/aico-ai/gateway/pkg/log"
	"github.com/aico-ai/gateway/pkg/metrics"
	"github.com/aico-ai/gateway/pkg/types"
)

// Registry errors.
var (
	ErrPluginRegistered  = errors.New("plugin already registered")
	ErrMissingDependency = errors.New("plugin dependency not enabled")
	ErrDependencyCycle   = errors.New("plugin dependency cycle")
)

// shutdownTimeout caps each plugin's Shutdown call so one hung plugin
// cannot stall gateway stop.
const shutdownTimeout = 5 * time.Second

// Registry holds plugin instances, computes their execution order, and runs
// the request pipeline.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin instance. Disabled plugins are accepted but
// excluded from the execution order.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Metadata().Name
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("%w: %s", ErrPluginRegistered, name)
	}
	r.plugins[name] = p
	r.order = nil
	return nil
}

// Get returns a registered plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Initialize initializes every registered plugin, then freezes the
// execution order. Plugins decide their enablement from config during
// their own Initialize, so ordering has to come after. A dependency on a
// missing or disabled plugin fails startup naming the offender.
func (r *Registry) Initialize(deps *Deps) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		p, _ := r.Get(name)
		if err := p.Initialize(deps); err != nil {
			return fmt.Errorf("failed to initialize plugin %s: %w", name, err)
		}
		logger := log.WithPlugin(name)
		logger.Debug().Msg("plugin initialized")
	}

	r.mu.Lock()
	r.order = nil
	r.mu.Unlock()

	_, err := r.ExecutionOrder()
	return err
}

// ExecutionOrder returns the stable list of enabled plugin names:
// topological sort over dependencies, tie-broken by priority band then
// name. The result is cached until registration changes.
func (r *Registry) ExecutionOrder() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order != nil {
		return r.order, nil
	}

	enabled := make(map[string]Plugin)
	for name, p := range r.plugins {
		if p.Enabled() {
			enabled[name] = p
		}
	}

	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := enabled[names[i]].Metadata(), enabled[names[j]].Metadata()
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Name < b.Name
	})

	var order []string
	state := make(map[string]int)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w: via %s", ErrDependencyCycle, name)
		}
		p, ok := enabled[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingDependency, name)
		}
		state[name] = 1
		deps := append([]string(nil), p.Metadata().Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = 2
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	r.order = order
	return order, nil
}

// Handle runs the pipeline on one request context: enabled plugins in
// execution order, stopping when a plugin records an error or marks the
// context terminal, then a reverse response pass over every plugin that
// already ran.
func (r *Registry) Handle(ctx *types.RequestContext) *types.RequestContext {
	order, err := r.ExecutionOrder()
	if err != nil {
		ctx.Fail(500, types.KindInternalError, err.Error())
		return ctx
	}

	// Decode the envelope before the first stage: infrastructure and
	// security plugins branch on the message kind. Malformed payloads are
	// left for the validation stage to reject.
	if ctx.Message == nil && len(ctx.RawPayload) > 0 {
		var msg types.Message
		if json.Unmarshal(ctx.RawPayload, &msg) == nil && msg.Kind != "" {
			ctx.Message = &msg
		}
	}

	var ran []string
	for _, name := range order {
		p, _ := r.Get(name)
		ran = append(ran, name)

		if err := r.runStage(name, p, ctx); err != nil {
			logger := log.WithPlugin(name)
			logger.Error().Err(err).Msg("plugin failed")
			if !ctx.Failed() {
				ctx.Fail(500, types.KindProcessingError, err.Error())
			}
		}
		if ctx.Failed() || ctx.SkipFurtherProcessing {
			break
		}
	}

	// Reverse pass. No reordering: plugins see responses in the inverse
	// of the order they saw the request.
	for i := len(ran) - 1; i >= 0; i-- {
		p, _ := r.Get(ran[i])
		if err := r.runResponseStage(ran[i], p, ctx); err != nil {
			logger := log.WithPlugin(ran[i])
			logger.Error().Err(err).Msg("response stage failed")
		}
	}

	// The pipeline owes the adapter exactly one of response or error.
	if !ctx.Failed() && ctx.Response == nil {
		ctx.Fail(404, types.KindNoHandler, "no handler produced a response")
	}

	return ctx
}

// runStage executes one forward stage with panic containment.
func (r *Registry) runStage(name string, p Plugin, ctx *types.RequestContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := log.WithPlugin(name)
			logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("plugin panicked")
			err = fmt.Errorf("plugin %s panicked: %v", name, rec)
		}
	}()

	start := time.Now()
	err = p.ProcessRequest(ctx)
	metrics.PipelineStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

func (r *Registry) runResponseStage(name string, p Plugin, ctx *types.RequestContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s panicked in response stage: %v", name, rec)
		}
	}()
	return p.ProcessResponse(ctx)
}

// Shutdown stops every plugin with an individual time cap. Timeouts are
// logged and the plugin is left behind.
func (r *Registry) Shutdown(ctx context.Context) {
	order, err := r.ExecutionOrder()
	if err != nil {
		r.mu.RLock()
		order = order[:0]
		for name := range r.plugins {
			order = append(order, name)
		}
		r.mu.RUnlock()
	}

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		p, ok := r.Get(name)
		if !ok {
			continue
		}

		done := make(chan error, 1)
		go func() {
			sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			done <- p.Shutdown(sctx)
		}()

		logger := log.WithPlugin(name)
		select {
		case err := <-done:
			if err != nil {
				logger.Error().Err(err).Msg("plugin shutdown failed")
			}
		case <-time.After(shutdownTimeout):
			logger.Warn().Msg("plugin shutdown timed out")
		}
	}
}
