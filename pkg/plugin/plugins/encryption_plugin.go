package plugins

import (
	"context"

	"companiongw/pkg/plugin"
)

// Encryption is the INFRASTRUCTURE-band companion to the session-encrypted
// transport middleware (pkg/session). The middleware itself operates below
// the pipeline at the byte-stream layer (spec §4.7); this plugin only
// records, on the shared context, whether the request arrived over an
// established encrypted session so that later plugins (notably routing) can
// make that distinction without reaching back into the middleware.
type Encryption struct {
	plugin.BasePlugin
	enabled bool
	session plugin.SessionResolver
}

// NewEncryptionClass returns a plugin.Class building an Encryption plugin.
func NewEncryptionClass() plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		enabled := true
		if v, ok := raw["enabled"].(bool); ok {
			enabled = v
		}
		return &Encryption{enabled: enabled}, nil
	}
}

func (p *Encryption) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "encryption",
		Version:     "1.0.0",
		Description: "records session-encryption state for later stages",
		Priority:    plugin.PriorityInfrastructure,
		Enabled:     p.enabled,
	}
}

func (p *Encryption) IsEnabled() bool { return p.enabled }

func (p *Encryption) Initialize(_ context.Context, deps *plugin.SharedServices) error {
	p.session = deps.Session
	return nil
}

func (p *Encryption) ProcessRequest(rc *plugin.RequestContext) error {
	if p.session == nil {
		return nil
	}
	clientID := rc.ClientInfo.Attributes["client_id"]
	if clientID == "" {
		return nil
	}
	if p.session.HasValidSession(clientID) {
		rc.ClientInfo.Attributes["encrypted_session"] = "true"
	}
	return nil
}
