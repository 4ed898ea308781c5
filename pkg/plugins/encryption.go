package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/types"
)

func errMissingService(name string) error {
	return fmt.Errorf("required service not in dependency bundle: %s", name)
}

// EncryptionPlugin answers in-band handshake messages for the transports
// that have no dedicated handshake endpoint (websocket, IPC). The HTTP
// transport middleware performs the byte-level work itself; both share
// the session manager this plugin fronts.
type EncryptionPlugin struct {
	sessions *session.Manager
	logger   zerolog.Logger
	enabled  bool
}

func NewEncryptionPlugin() *EncryptionPlugin {
	return &EncryptionPlugin{}
}

func (p *EncryptionPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "encryption",
		Version:     "1.0.0",
		Description: "Session handshake handling for non-HTTP transports",
		Priority:    plugin.PriorityInfrastructure,
	}
}

func (p *EncryptionPlugin) Initialize(deps *plugin.Deps) error {
	sessions, ok := deps.Service(ServiceSessions).(*session.Manager)
	if !ok {
		return errMissingService(ServiceSessions)
	}
	p.sessions = sessions
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("encryption")
	return nil
}

func (p *EncryptionPlugin) ProcessRequest(ctx *types.RequestContext) error {
	if ctx.Message == nil || ctx.Message.Kind != "handshake" {
		return nil
	}

	var req session.HandshakeRequest
	if err := json.Unmarshal(ctx.Message.Payload, &req); err != nil {
		ctx.Fail(http.StatusBadRequest, types.KindMalformedMessage, "handshake payload is not valid JSON")
		return nil
	}

	derived := session.DeriveClientID(ctx.Client.RemoteAddr, ctx.Client.UserAgent)
	clientID, resp, err := p.sessions.Establish(&req, derived)
	if err != nil {
		p.logger.Warn().Str("client", derived).Err(err).Msg("handshake rejected")
		ctx.Fail(http.StatusBadRequest, types.KindEncryptionError, err.Error())
		return nil
	}

	ctx.Response = map[string]any{
		"status":             "session_established",
		"client_id":          clientID,
		"handshake_response": resp,
	}
	ctx.SkipFurtherProcessing = true
	return nil
}

func (p *EncryptionPlugin) ProcessResponse(ctx *types.RequestContext) error { return nil }

func (p *EncryptionPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *EncryptionPlugin) Enabled() bool { return p.enabled }
