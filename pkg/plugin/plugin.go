package plugin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/types"
)

// Priority bands control coarse pipeline ordering. Infrastructure plugins
// (encryption, bus) run first, routing runs last.
type Priority int

const (
	PriorityInfrastructure Priority = 0
	PrioritySecurity       Priority = 20
	PriorityHigh           Priority = 40
	PriorityMedium         Priority = 60
	PriorityLow            Priority = 80
)

func (p Priority) String() string {
	switch p {
	case PriorityInfrastructure:
		return "infrastructure"
	case PrioritySecurity:
		return "security"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Descriptor is the immutable plugin metadata registered at startup.
type Descriptor struct {
	Name         string
	Version      string
	Description  string
	Priority     Priority
	Dependencies []string
}

// Deps is the shared service bundle handed to plugins at initialization.
// Plugins never reach back into the gateway core.
type Deps struct {
	Config *config.Config
	Logger zerolog.Logger

	// Concrete collaborators are registered by the wiring code under
	// well-known names; plugins pull what they need.
	Services map[string]any
}

// Service returns a named collaborator from the bundle, or nil.
func (d *Deps) Service(name string) any {
	if d.Services == nil {
		return nil
	}
	return d.Services[name]
}

// Plugin is the single interceptor contract. Implementations must be
// re-entrant: contexts from different connections are processed
// concurrently.
type Plugin interface {
	Metadata() Descriptor
	Initialize(deps *Deps) error
	ProcessRequest(ctx *types.RequestContext) error
	ProcessResponse(ctx *types.RequestContext) error
	Shutdown(ctx context.Context) error
	Enabled() bool
}
