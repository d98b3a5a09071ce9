package plugins

import (
	"context"

	"github.com/go-playground/validator/v10"

	"companiongw/pkg/plugin"
)

// Validation rejects messages of an unrecognized type and runs struct-tag
// validation on decoded payloads. It is a MEDIUM-band plugin, running
// after authentication and rate limiting (spec §4.2, §7 "Validation:
// malformed message, unknown message type, schema violation").
type Validation struct {
	plugin.BasePlugin
	enabled bool
	v       *validator.Validate
	known   map[string]bool
}

// NewValidationClass returns a plugin.Class building a Validation plugin.
// knownMessageTypes is the static dispatch table of message kinds the
// routing plugin can handle (spec §9: "tagged union ... static dispatch
// table keyed by kind").
func NewValidationClass(knownMessageTypes []string) plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		enabled := true
		if v, ok := raw["enabled"].(bool); ok {
			enabled = v
		}
		known := make(map[string]bool, len(knownMessageTypes))
		for _, t := range knownMessageTypes {
			known[t] = true
		}
		return &Validation{enabled: enabled, v: validator.New(), known: known}, nil
	}
}

func (p *Validation) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         "validation",
		Version:      "1.0.0",
		Description:  "rejects unknown message types and schema violations",
		Priority:     plugin.PriorityMedium,
		Dependencies: []string{"security"},
		Enabled:      p.enabled,
	}
}

func (p *Validation) IsEnabled() bool { return p.enabled }

func (p *Validation) Initialize(context.Context, *plugin.SharedServices) error { return nil }

func (p *Validation) ProcessRequest(rc *plugin.RequestContext) error {
	if rc.MessageType == "" {
		rc.Fail(400, "malformed_message", "message has no type field")
		return nil
	}
	if len(p.known) > 0 && !p.known[rc.MessageType] {
		rc.Fail(400, "unknown_message_type", "unrecognized message type: "+rc.MessageType)
		return nil
	}
	if rc.Decoded == nil {
		return nil
	}
	if err := p.v.Struct(rc.Decoded); err != nil {
		rc.Fail(400, "schema_violation", err.Error())
	}
	return nil
}
