// Package container wires gateway services together: registration with
// declared dependencies, topological start order, reverse-order shutdown.
package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aico-ai/gateway/pkg/log"
)

// Registration and resolution errors.
var (
	ErrAlreadyRegistered  = errors.New("service already registered")
	ErrNotFound           = errors.New("service not found")
	ErrCircularDependency = errors.New("circular dependency detected")
)

// ServiceState tracks a service through its lifecycle.
type ServiceState string

const (
	StateRegistered   ServiceState = "registered"
	StateInitializing ServiceState = "initializing"
	StateInitialized  ServiceState = "initialized"
	StateStarting     ServiceState = "starting"
	StateRunning      ServiceState = "running"
	StateStopping     ServiceState = "stopping"
	StateStopped      ServiceState = "stopped"
	StateError        ServiceState = "error"
)

// Lifecycle is the optional contract a constructed service may implement.
// Services that do not implement it are merely constructed.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthReporter is implemented by services that report their own health.
type HealthReporter interface {
	Healthy() bool
}

// Factory constructs a service instance. The container is passed so
// factories can resolve their dependencies.
type Factory func(c *Container) (any, error)

type registration struct {
	name         string
	factory      Factory
	dependencies []string
	priority     int
	autoStart    bool

	instance  any
	state     ServiceState
	resolving bool
}

// ServiceHealth is one service's entry in the aggregate health report.
type ServiceHealth struct {
	Name    string       `json:"name"`
	State   ServiceState `json:"state"`
	Healthy bool         `json:"healthy"`
}

// Health is the aggregate container health report.
type Health struct {
	Container string          `json:"container"`
	Services  []ServiceHealth `json:"services"`
	Summary   HealthSummary   `json:"summary"`
}

// HealthSummary counts healthy and unhealthy services.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// Container registers service factories, resolves dependencies, and drives
// startup and shutdown in topological order.
type Container struct {
	mu       sync.Mutex
	services map[string]*registration
	started  []string
}

// New creates an empty container.
func New() *Container {
	return &Container{services: make(map[string]*registration)}
}

// Register adds a service factory. Dependencies must be registered (in any
// order) before StartAll. Priority breaks ordering ties between services
// with no dependency relationship.
func (c *Container) Register(name string, factory Factory, dependencies []string, priority int, autoStart bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	c.services[name] = &registration{
		name:         name,
		factory:      factory,
		dependencies: dependencies,
		priority:     priority,
		autoStart:    autoStart,
		state:        StateRegistered,
	}
	return nil
}

// Get returns the named service instance, constructing it (and its
// dependency chain) on first use.
func (c *Container) Get(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(name)
}

// resolve constructs a service under the container lock. The resolving flag
// marks registrations on the current construction path so cycles surface as
// ErrCircularDependency instead of deadlock.
func (c *Container) resolve(name string) (any, error) {
	reg, ok := c.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if reg.instance != nil {
		return reg.instance, nil
	}
	if reg.resolving {
		return nil, fmt.Errorf("%w: via %s", ErrCircularDependency, name)
	}

	reg.resolving = true
	defer func() { reg.resolving = false }()

	for _, dep := range reg.dependencies {
		if _, err := c.resolve(dep); err != nil {
			return nil, fmt.Errorf("dependency %s of %s: %w", dep, name, err)
		}
	}

	instance, err := reg.factory(c)
	if err != nil {
		reg.state = StateError
		return nil, fmt.Errorf("failed to construct %s: %w", name, err)
	}

	reg.instance = instance
	return instance, nil
}

// StartOrder computes the topological startup order over dependencies,
// tie-broken by priority then name so the order is stable across restarts.
func (c *Container) StartOrder() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startOrderLocked()
}

func (c *Container) startOrderLocked() ([]string, error) {
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := c.services[names[i]], c.services[names[j]]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.name < b.name
	})

	var order []string
	visited := make(map[string]int) // 0 unseen, 1 in progress, 2 done

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w: via %s", ErrCircularDependency, name)
		}
		reg, ok := c.services[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		visited[name] = 1
		for _, dep := range reg.dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StartAll constructs and starts every auto-start service in dependency
// order. A failure aborts the remaining startup and stops what already ran.
func (c *Container) StartAll(ctx context.Context) error {
	c.mu.Lock()
	order, err := c.startOrderLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	logger := log.WithComponent("container")

	for _, name := range order {
		c.mu.Lock()
		reg := c.services[name]
		autoStart := reg.autoStart
		c.mu.Unlock()
		if !autoStart {
			continue
		}

		instance, err := c.Get(name)
		if err != nil {
			c.StopAll(ctx)
			return err
		}

		lc, ok := instance.(Lifecycle)
		if !ok {
			// No lifecycle contract: construction is all there is.
			c.markStarted(name, StateRunning)
			continue
		}

		c.setState(name, StateInitializing)
		if err := lc.Initialize(ctx); err != nil {
			c.setState(name, StateError)
			c.StopAll(ctx)
			return fmt.Errorf("failed to initialize %s: %w", name, err)
		}
		c.setState(name, StateInitialized)

		c.setState(name, StateStarting)
		if err := lc.Start(ctx); err != nil {
			c.setState(name, StateError)
			c.StopAll(ctx)
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		c.markStarted(name, StateRunning)
		logger.Info().Str("service", name).Msg("service started")
	}

	return nil
}

// StopAll stops started services in reverse order. Stop failures are logged
// and swallowed so one misbehaving service cannot block shutdown.
func (c *Container) StopAll(ctx context.Context) {
	c.mu.Lock()
	started := make([]string, len(c.started))
	copy(started, c.started)
	c.started = nil
	c.mu.Unlock()

	logger := log.WithComponent("container")

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		c.mu.Lock()
		reg := c.services[name]
		instance := reg.instance
		state := reg.state
		c.mu.Unlock()

		if state != StateRunning && state != StateError {
			continue
		}

		lc, ok := instance.(Lifecycle)
		if !ok {
			c.setState(name, StateStopped)
			continue
		}

		c.setState(name, StateStopping)
		if err := lc.Stop(ctx); err != nil {
			logger.Error().Err(err).Str("service", name).Msg("service stop failed")
		}
		c.setState(name, StateStopped)
	}
}

// HealthCheck aggregates per-service health.
func (c *Container) HealthCheck() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)

	health := Health{Container: "aico-gateway"}
	for _, name := range names {
		reg := c.services[name]
		healthy := reg.state == StateRunning
		if hr, ok := reg.instance.(HealthReporter); ok && healthy {
			healthy = hr.Healthy()
		}
		health.Services = append(health.Services, ServiceHealth{
			Name:    name,
			State:   reg.state,
			Healthy: healthy,
		})
		health.Summary.Total++
		if healthy {
			health.Summary.Healthy++
		} else {
			health.Summary.Unhealthy++
		}
	}
	return health
}

// State returns the lifecycle state of a service.
func (c *Container) State(name string) (ServiceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.services[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return reg.state, nil
}

func (c *Container) setState(name string, state ServiceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.services[name]; ok {
		reg.state = state
	}
}

func (c *Container) markStarted(name string, state ServiceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.services[name]; ok {
		reg.state = state
	}
	c.started = append(c.started, name)
}
