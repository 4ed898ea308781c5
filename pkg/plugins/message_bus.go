// Package plugins holds the concrete pipeline stages. Each plugin is a
// self-contained interceptor; the wiring code registers the enabled set
// and the registry orders them by dependency and priority band.
package plugins

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/types"
)

// Well-known service names in the plugin dependency bundle.
const (
	ServiceBroker   = "broker"
	ServiceSessions = "sessions"
	ServiceTokens   = "tokens"
	ServiceStore    = "store"
)

// MessageBusPlugin hosts the embedded broker inside the pipeline. It does
// not touch requests; it exists so that later stages can declare a
// dependency on a running bus.
type MessageBusPlugin struct {
	broker  *bus.Broker
	logger  zerolog.Logger
	enabled bool
}

func NewMessageBusPlugin() *MessageBusPlugin {
	return &MessageBusPlugin{}
}

func (p *MessageBusPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "message_bus",
		Version:     "1.0.0",
		Description: "Hosts the embedded publish/subscribe broker",
		Priority:    plugin.PriorityInfrastructure,
	}
}

func (p *MessageBusPlugin) Initialize(deps *plugin.Deps) error {
	broker, ok := deps.Service(ServiceBroker).(*bus.Broker)
	if !ok {
		return errMissingService(ServiceBroker)
	}
	p.broker = broker
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("message_bus")
	return nil
}

func (p *MessageBusPlugin) ProcessRequest(ctx *types.RequestContext) error  { return nil }
func (p *MessageBusPlugin) ProcessResponse(ctx *types.RequestContext) error { return nil }

func (p *MessageBusPlugin) Shutdown(ctx context.Context) error {
	// Broker lifecycle belongs to the service container; nothing to stop.
	return nil
}

func (p *MessageBusPlugin) Enabled() bool { return p.enabled }
