package plugins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/types"
)

const requestLogTopic = "logs.request"

// LogShipperPlugin mirrors a summary of every completed request onto the
// bus. Persistence is a bus subscriber's concern; the pipeline only
// publishes.
type LogShipperPlugin struct {
	client  *bus.ModuleClient
	logger  zerolog.Logger
	enabled bool
}

func NewLogShipperPlugin() *LogShipperPlugin {
	return &LogShipperPlugin{}
}

func (p *LogShipperPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "log_shipper",
		Version:      "1.0.0",
		Description:  "Ships request summaries to the logs topic",
		Priority:     plugin.PriorityLow,
		Dependencies: []string{"message_bus"},
	}
}

func (p *LogShipperPlugin) Initialize(deps *plugin.Deps) error {
	broker, ok := deps.Service(ServiceBroker).(*bus.Broker)
	if !ok {
		return errMissingService(ServiceBroker)
	}
	p.client = broker.RegisterModule("log_shipper", []string{"logs.**"})
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("log_shipper")
	return nil
}

func (p *LogShipperPlugin) ProcessRequest(ctx *types.RequestContext) error { return nil }

// requestSummary is the shipped record; it never contains payload bytes.
type requestSummary struct {
	Protocol    string    `json:"protocol"`
	MessageType string    `json:"message_type,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	UserUUID    string    `json:"user_uuid,omitempty"`
	Outcome     string    `json:"outcome"`
	StatusCode  int       `json:"status_code,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	ReceivedAt  time.Time `json:"received_at"`
}

func (p *LogShipperPlugin) ProcessResponse(ctx *types.RequestContext) error {
	summary := requestSummary{
		Protocol:    string(ctx.Protocol),
		MessageType: ctx.MessageType,
		RemoteAddr:  ctx.Client.RemoteAddr,
		Outcome:     "ok",
		DurationMS:  time.Since(ctx.ReceivedAt).Milliseconds(),
		ReceivedAt:  ctx.ReceivedAt,
	}
	if ctx.Principal != nil {
		summary.UserUUID = ctx.Principal.UserUUID
	}
	if ctx.Error != nil {
		summary.Outcome = "error"
		summary.StatusCode = ctx.Error.StatusCode
		summary.ErrorKind = ctx.Error.Kind
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return nil
	}
	if _, err := p.client.Publish(requestLogTopic, payload, bus.WithMessageType("request_summary")); err != nil {
		p.logger.Debug().Err(err).Msg("failed to ship request summary")
	}
	return nil
}

func (p *LogShipperPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *LogShipperPlugin) Enabled() bool { return p.enabled }
