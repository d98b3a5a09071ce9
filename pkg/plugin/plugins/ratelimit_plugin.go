package plugins

import (
	"context"

	"companiongw/pkg/plugin"
	"companiongw/pkg/ratelimit"
)

// RateLimit rejects requests once a principal or remote address exceeds
// its configured quota. It is a HIGH-band plugin, running after security
// has attached a Principal (spec §4.2).
type RateLimit struct {
	plugin.BasePlugin
	enabled bool
	limiter ratelimit.Limiter
}

// NewRateLimitClass returns a plugin.Class building a RateLimit plugin
// backed by the shared ratelimit.Limiter implementation (memory or redis,
// per config).
func NewRateLimitClass(cfg *ratelimit.Config) plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		enabled := true
		if v, ok := raw["enabled"].(bool); ok {
			enabled = v
		}
		if !enabled {
			return &RateLimit{enabled: false}, nil
		}

		limiter, err := ratelimit.New(cfg)
		if err != nil {
			return nil, err
		}
		return &RateLimit{enabled: true, limiter: limiter}, nil
	}
}

func (p *RateLimit) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "rate_limiting",
		Version:      "1.0.0",
		Description:  "rejects requests once a caller exceeds its quota",
		Priority:     plugin.PriorityHigh,
		Dependencies: []string{"security"},
		Enabled:      p.enabled,
	}
}

func (p *RateLimit) IsEnabled() bool { return p.enabled }

func (p *RateLimit) Initialize(context.Context, *plugin.SharedServices) error { return nil }

func (p *RateLimit) ProcessRequest(rc *plugin.RequestContext) error {
	key := rc.ClientInfo.RemoteAddr
	if rc.Principal != nil && rc.Principal.UserID != "" {
		key = rc.Principal.UserID
	}

	allowed, err := p.limiter.Allow(rc.Ctx, key)
	if err != nil {
		// Fail open: a limiter outage should not take down the gateway.
		return nil
	}
	if !allowed {
		rc.Fail(429, "quota_exceeded", "rate limit exceeded")
	}
	return nil
}
