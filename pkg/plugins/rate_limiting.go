package plugins

import (
	"context"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aico-ai/gateway/pkg/plugin"
	"github.com/aico-ai/gateway/pkg/types"
)

const limiterCacheSize = 4096

// RateLimitingPlugin enforces a per-client token bucket. Buckets are kept
// in a bounded LRU so that churning clients cannot grow memory without
// limit; an evicted bucket simply refills on the client's next request.
type RateLimitingPlugin struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
	logger   zerolog.Logger
	enabled  bool
}

func NewRateLimitingPlugin() *RateLimitingPlugin {
	return &RateLimitingPlugin{}
}

func (p *RateLimitingPlugin) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "rate_limiting",
		Version:      "1.0.0",
		Description:  "Per-client request rate limiting",
		Priority:     plugin.PriorityHigh,
		Dependencies: []string{"security"},
	}
}

func (p *RateLimitingPlugin) Initialize(deps *plugin.Deps) error {
	cache, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return err
	}
	p.limiters = cache
	p.logger = deps.Logger
	p.enabled = deps.Config.PluginEnabled("rate_limiting")

	p.rps = 10
	p.burst = 20
	if pc, ok := deps.Config.Plugins["rate_limiting"]; ok {
		if v, ok := pc.Settings["requests_per_second"].(int); ok && v > 0 {
			p.rps = rate.Limit(v)
		}
		if v, ok := pc.Settings["requests_per_second"].(float64); ok && v > 0 {
			p.rps = rate.Limit(v)
		}
		if v, ok := pc.Settings["burst"].(int); ok && v > 0 {
			p.burst = v
		}
	}
	return nil
}

func (p *RateLimitingPlugin) ProcessRequest(ctx *types.RequestContext) error {
	key := clientKey(ctx)
	limiter, ok := p.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(p.rps, p.burst)
		p.limiters.Add(key, limiter)
	}

	if !limiter.Allow() {
		p.logger.Warn().Str("client", key).Msg("rate limit exceeded")
		ctx.Fail(http.StatusTooManyRequests, types.KindRateLimited, "request quota exceeded")
	}
	return nil
}

// clientKey prefers the authenticated identity; unauthenticated traffic
// shares a bucket per remote address.
func clientKey(ctx *types.RequestContext) string {
	if ctx.Principal != nil {
		return "user:" + ctx.Principal.UserUUID
	}
	return "addr:" + ctx.Client.RemoteAddr
}

func (p *RateLimitingPlugin) ProcessResponse(ctx *types.RequestContext) error { return nil }

func (p *RateLimitingPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *RateLimitingPlugin) Enabled() bool { return p.enabled }
