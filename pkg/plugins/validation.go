package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/types"
)

// kindPattern constrains message kinds to lowercase dotted identifiers.
var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

const defaultMaxMessageSize = 1 << 20

// ValidationPlugin parses the raw payload into the message envelope and
// enforces its structural rules. Stages after it can rely on ctx.Message
// being set and well-formed.
type ValidationPlugin struct {
	maxSize int
	logger  zerolog.Logger
	enabled bool
}

func NewValidationPlugin() *ValidationPlugin {
	return &ValidationPlugin{maxSize: defaultMaxMessageSize}
}

func (p *ValidationPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "validation",
		Version:      "1.0.0",
		Description:  "Message envelope parsing and structural validation",
		Priority:     plugin.PriorityMedium,
		Dependencies: []string{"rate_limiting"},
	}
}

func (p *ValidationPlugin) Initialize(deps *plugin.Deps) error {
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("validation")
	if pc, ok := deps.Config.Plugins["validation"]; ok {
		if v, ok := pc.Settings["max_message_size"].(int); ok && v > 0 {
			p.maxSize = v
		}
	}
	return nil
}

func (p *ValidationPlugin) ProcessRequest(ctx *types.RequestContext) error {
	if len(ctx.RawPayload) > p.maxSize {
		ctx.Fail(http.StatusRequestEntityTooLarge, types.KindPayloadTooLarge, "message exceeds maximum size")
		return nil
	}
	if ctx.Message == nil {
		if len(ctx.RawPayload) == 0 {
			ctx.Fail(http.StatusBadRequest, types.KindMalformedMessage, "empty payload")
			return nil
		}

		var msg types.Message
		if err := json.Unmarshal(ctx.RawPayload, &msg); err != nil {
			ctx.Fail(http.StatusBadRequest, types.KindMalformedMessage, "payload is not a valid message envelope")
			return nil
		}
		ctx.Message = &msg
	}

	msg := ctx.Message
	if msg.Kind == "" {
		ctx.Fail(http.StatusBadRequest, types.KindSchemaViolation, "message kind is required")
		return nil
	}
	if !kindPattern.MatchString(msg.Kind) {
		ctx.Fail(http.StatusBadRequest, types.KindUnknownMessage, "unrecognized message kind: "+msg.Kind)
		return nil
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	ctx.MessageType = msg.Kind
	return nil
}

func (p *ValidationPlugin) ProcessResponse(ctx *types.RequestContext) error { return nil }

func (p *ValidationPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *ValidationPlugin) Enabled() bool { return p.enabled }
