package plugins

import (
	"context"

	"companiongw/pkg/plugin"
)

// BusHost is the INFRASTRUCTURE-band plugin that makes the embedded
// publish/subscribe broker (pkg/bus) available to the rest of the pipeline
// through SharedServices.Bus. It does no per-request work itself; it exists
// so the broker participates in the same dependency graph as the other
// infrastructure plugins (spec §4.8: "loaded as an infrastructure plugin").
type BusHost struct {
	plugin.BasePlugin
	enabled bool
	bus     plugin.BusPublisher
}

// NewBusHostClass returns a plugin.Class building a BusHost plugin.
func NewBusHostClass() plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		enabled := true
		if v, ok := raw["enabled"].(bool); ok {
			enabled = v
		}
		return &BusHost{enabled: enabled}, nil
	}
}

func (p *BusHost) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "message_bus",
		Version:     "1.0.0",
		Description: "hosts the embedded publish/subscribe broker",
		Priority:    plugin.PriorityInfrastructure,
		Enabled:     p.enabled,
	}
}

func (p *BusHost) IsEnabled() bool { return p.enabled }

func (p *BusHost) Initialize(_ context.Context, deps *plugin.SharedServices) error {
	p.bus = deps.Bus
	return nil
}

func (p *BusHost) ProcessRequest(*plugin.RequestContext) error { return nil }

// Bus returns the broker client the routing plugin publishes to.
func (p *BusHost) Bus() plugin.BusPublisher { return p.bus }
