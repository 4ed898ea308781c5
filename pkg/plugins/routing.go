package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/types"
)

const (
	requestTopicPrefix = "gateway.requests."
	replyTopicPrefix   = "gateway.replies."
)

// RoutingPlugin is the terminal pipeline stage: it publishes the
// validated message onto the bus and waits for the correlated reply.
// A circuit breaker shields the bus from a stampede when downstream
// consumers stop answering.
type RoutingPlugin struct {
	broker       *bus.Broker
	breaker      *gobreaker.CircuitBreaker
	replyTimeout time.Duration
	logger       zerolog.Logger
	enabled      bool
}

func NewRoutingPlugin() *RoutingPlugin {
	return &RoutingPlugin{}
}

func (p *RoutingPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "routing",
		Version:      "1.0.0",
		Description:  "Publishes validated messages and awaits correlated replies",
		Priority:     plugin.PriorityLow,
		Dependencies: []string{"security", "rate_limiting", "validation", "message_bus"},
	}
}

func (p *RoutingPlugin) Initialize(deps *plugin.Deps) error {
	broker, ok := deps.Service(ServiceBroker).(*bus.Broker)
	if !ok {
		return errMissingService(ServiceBroker)
	}
	p.broker = broker
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("routing")

	p.replyTimeout = deps.Config.Bus.ReplyTimeout
	if p.replyTimeout <= 0 {
		p.replyTimeout = 10 * time.Second
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus-routing",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			deps.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("routing circuit breaker state change")
		},
	})
	return nil
}

func (p *RoutingPlugin) ProcessRequest(ctx *types.RequestContext) error {
	if ctx.Response != nil || ctx.Message == nil {
		return nil
	}
	msg := ctx.Message

	payload, err := json.Marshal(msg)
	if err != nil {
		ctx.Fail(http.StatusInternalServerError, types.KindProcessingError, "failed to encode message")
		return nil
	}

	reply, err := p.breaker.Execute(func() (any, error) {
		reqCtx, cancel := context.WithTimeout(context.Background(), p.replyTimeout)
		defer cancel()
		return p.broker.Request(reqCtx,
			requestTopicPrefix+msg.Kind,
			replyTopicPrefix+msg.ID,
			payload,
			bus.WithCorrelationID(msg.ID),
			bus.WithMessageType(msg.Kind),
			bus.WithSource("gateway"),
		)
	})

	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		ctx.Fail(http.StatusServiceUnavailable, types.KindBusUnavailable, "message bus temporarily unavailable")
	case err == context.DeadlineExceeded:
		ctx.Fail(http.StatusGatewayTimeout, types.KindRoutingTimeout, "no reply for message "+msg.Kind)
	case err != nil:
		p.logger.Error().Str("kind", msg.Kind).Err(err).Msg("routing failed")
		ctx.Fail(http.StatusBadGateway, types.KindBusUnavailable, err.Error())
	default:
		env := reply.(*bus.Envelope)
		ctx.Response = json.RawMessage(env.Payload)
	}
	return nil
}

func (p *RoutingPlugin) ProcessResponse(ctx *types.RequestContext) error { return nil }

func (p *RoutingPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *RoutingPlugin) Enabled() bool { return p.enabled }
