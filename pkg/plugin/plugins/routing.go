package plugins

import (
	"context"
	"time"

	"companiongw/pkg/config"
	"companiongw/pkg/plugin"
)

// Routing is the LOW-band terminal pipeline stage: it publishes the
// validated message to the event bus and, for request-reply and IPC
// protocols, fills rc.Response directly (the bidirectional adapter relies
// on its own reply-topic correlation, outside this plugin's scope). It
// depends on every other pipeline stage per spec scenario S6.
type Routing struct {
	plugin.BasePlugin
	enabled bool
	bus     plugin.BusPublisher
	retry   config.RetryConfig
}

// NewRoutingClass returns a plugin.Class building a Routing plugin.
func NewRoutingClass(retry config.RetryConfig) plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		enabled := true
		if v, ok := raw["enabled"].(bool); ok {
			enabled = v
		}
		return &Routing{enabled: enabled, retry: retry}, nil
	}
}

func (p *Routing) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "routing",
		Version:      "1.0.0",
		Description:  "publishes the validated message onto the event bus",
		Priority:     plugin.PriorityLow,
		Dependencies: []string{"security", "rate_limiting", "validation", "message_bus"},
		Enabled:      p.enabled,
	}
}

func (p *Routing) IsEnabled() bool { return p.enabled }

func (p *Routing) Initialize(_ context.Context, deps *plugin.SharedServices) error {
	p.bus = deps.Bus
	return nil
}

func (p *Routing) ProcessRequest(rc *plugin.RequestContext) error {
	if p.bus == nil {
		rc.Fail(503, "bus_not_connected", "event bus is not available")
		return nil
	}

	topic := "gateway.request." + rc.MessageType
	correlationID := rc.ClientInfo.Attributes["request_id"]

	var lastErr error
	backoff := p.retry.InitialBackoff
	attempts := p.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := p.bus.Publish(rc.Ctx, topic, rc.RawPayload, correlationID); err != nil {
			lastErr = err
			if backoff <= 0 {
				backoff = 50 * time.Millisecond
			}
			select {
			case <-rc.Ctx.Done():
				rc.Fail(503, "downstream_timeout", "context cancelled while publishing")
				return nil
			case <-time.After(backoff):
			}
			if p.retry.BackoffMultiplier > 1 {
				backoff = time.Duration(float64(backoff) * p.retry.BackoffMultiplier)
			}
			if p.retry.MaxBackoff > 0 && backoff > p.retry.MaxBackoff {
				backoff = p.retry.MaxBackoff
			}
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		rc.Fail(503, "bus_not_connected", "failed to publish after retries: "+lastErr.Error())
		return nil
	}

	rc.Response = map[string]any{"status": "accepted", "topic": topic}
	return nil
}
