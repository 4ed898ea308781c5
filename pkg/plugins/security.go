package plugins

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/types"
)

// publicKinds need no credential: liveness probes and the handshake
// itself (which establishes the channel credentials ride on).
var publicKinds = map[string]bool{
	"ping":      true,
	"health":    true,
	"handshake": true,
}

// SecurityPlugin authenticates the request (bearer JWT) and authorizes
// the message kind against the principal's roles.
type SecurityPlugin struct {
	tokens  *security.TokenManager
	logger  zerolog.Logger
	enabled bool

	// kind prefix -> required role
	roleRules map[string]string
}

func NewSecurityPlugin() *SecurityPlugin {
	return &SecurityPlugin{
		roleRules: map[string]string{
			"admin.":     "admin",
			"scheduler.": "admin",
		},
	}
}

func (p *SecurityPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "security",
		Version:      "1.0.0",
		Description:  "JWT authentication and role-based authorization",
		Priority:     plugin.PrioritySecurity,
		Dependencies: []string{"encryption"},
	}
}

func (p *SecurityPlugin) Initialize(deps *plugin.Deps) error {
	tokens, ok := deps.Service(ServiceTokens).(*security.TokenManager)
	if !ok {
		return errMissingService(ServiceTokens)
	}
	p.tokens = tokens
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("security")
	return nil
}

func (p *SecurityPlugin) ProcessRequest(ctx *types.RequestContext) error {
	if ctx.Message != nil && publicKinds[ctx.Message.Kind] {
		return nil
	}

	token := bearerToken(ctx)
	if token == "" {
		ctx.Fail(http.StatusUnauthorized, types.KindMissingCredential, "no credential presented")
		return nil
	}

	principal, err := p.tokens.Verify(token)
	if err != nil {
		kind := types.KindInvalidCredential
		if errors.Is(err, security.ErrTokenExpired) {
			kind = types.KindExpiredToken
		}
		p.logger.Debug().Str("remote", ctx.Client.RemoteAddr).Err(err).Msg("authentication failed")
		ctx.Fail(http.StatusUnauthorized, kind, "credential rejected")
		return nil
	}
	ctx.Principal = principal

	if ctx.Message != nil {
		if role, restricted := p.requiredRole(ctx.Message.Kind); restricted && !principal.HasRole(role) {
			ctx.Fail(http.StatusForbidden, types.KindNotPermitted,
				"not permitted for message type "+ctx.Message.Kind)
		}
	}
	return nil
}

func (p *SecurityPlugin) requiredRole(kind string) (string, bool) {
	for prefix, role := range p.roleRules {
		if strings.HasPrefix(kind, prefix) {
			return role, true
		}
	}
	return "", false
}

// bearerToken looks for the credential in the message metadata first,
// then in the transport attributes (Authorization header or equivalent).
func bearerToken(ctx *types.RequestContext) string {
	if ctx.Message != nil {
		if t := ctx.Message.Metadata["auth_token"]; t != "" {
			return t
		}
	}
	raw := ctx.Client.Attributes["authorization"]
	if raw == "" {
		return ""
	}
	return strings.TrimPrefix(raw, "Bearer ")
}

func (p *SecurityPlugin) ProcessResponse(ctx *types.RequestContext) error { return nil }

func (p *SecurityPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *SecurityPlugin) Enabled() bool { return p.enabled }
