package plugins

import (
	"context"
	"encoding/json"

	"companiongw/pkg/audit"
	"companiongw/pkg/plugin"
)

// LogShipper records an audit entry for every completed request in its
// ProcessResponse stage. It never short-circuits the forward pass; audit
// entries are emitted on the reverse pass after the response or error is
// already settled (spec §4.2: "optional reverse pass").
type LogShipper struct {
	plugin.BasePlugin
	enabled bool
	logger  audit.Logger
}

// NewLogShipperClass returns a plugin.Class building a LogShipper plugin.
func NewLogShipperClass(logger audit.Logger) plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		enabled := true
		if v, ok := raw["enabled"].(bool); ok {
			enabled = v
		}
		return &LogShipper{enabled: enabled, logger: logger}, nil
	}
}

func (p *LogShipper) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "log_shipper",
		Version:     "1.0.0",
		Description: "records an audit entry for every completed request",
		Priority:    plugin.PriorityLow,
		Enabled:     p.enabled,
	}
}

func (p *LogShipper) IsEnabled() bool { return p.enabled }

func (p *LogShipper) Initialize(context.Context, *plugin.SharedServices) error { return nil }

func (p *LogShipper) ProcessRequest(*plugin.RequestContext) error { return nil }

func (p *LogShipper) ProcessResponse(rc *plugin.RequestContext) error {
	if p.logger == nil {
		return nil
	}

	builder := audit.NewEntry().
		Service("gateway").
		Method(rc.MessageType).
		Action(audit.ActionDispatch).
		Client(rc.ClientInfo.RemoteAddr, rc.ClientInfo.UserAgent).
		Duration(rc.Elapsed())

	if rc.Principal != nil {
		builder = builder.User(rc.Principal.UserID, "")
	}

	if rc.Err != nil {
		detail, _ := json.Marshal(rc.Err)
		builder = builder.Outcome(audit.OutcomeFailure).Error(rc.Err.Kind, string(detail))
	} else {
		builder = builder.Outcome(audit.OutcomeSuccess)
	}

	return p.logger.Log(rc.Ctx, builder.Build())
}
