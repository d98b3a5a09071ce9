// Package plugins holds the concrete infrastructure, security, and
// routing plugins wired into the gateway's default pipeline.
package plugins

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"companiongw/pkg/plugin"
)

// SecurityConfig configures the authentication plugin.
type SecurityConfig struct {
	Enabled   bool
	JWTSecret string
	// PublicMessageTypes never require a principal (mirrors
	// request-reply's public_paths for non-HTTP protocols).
	PublicMessageTypes []string
}

// Security authenticates inbound requests from a bearer token and attaches
// a Principal to the context. It is the first SECURITY-band plugin every
// other protected stage depends on (spec §4.2, scenario S6).
type Security struct {
	plugin.BasePlugin
	cfg    SecurityConfig
	public map[string]bool
}

// NewSecurityClass returns a plugin.Class that builds a Security plugin
// from a loosely-typed configuration map (as loaded by the plugin
// registry).
func NewSecurityClass() plugin.Class {
	return func(raw map[string]any) (plugin.Plugin, error) {
		cfg := SecurityConfig{Enabled: true}
		if v, ok := raw["enabled"].(bool); ok {
			cfg.Enabled = v
		}
		if v, ok := raw["jwt_secret"].(string); ok {
			cfg.JWTSecret = v
		}
		if v, ok := raw["public_message_types"].([]string); ok {
			cfg.PublicMessageTypes = v
		}
		return NewSecurity(cfg), nil
	}
}

// NewSecurity constructs a Security plugin directly.
func NewSecurity(cfg SecurityConfig) *Security {
	public := make(map[string]bool, len(cfg.PublicMessageTypes))
	for _, t := range cfg.PublicMessageTypes {
		public[t] = true
	}
	return &Security{cfg: cfg, public: public}
}

func (s *Security) Metadata() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "security",
		Version:     "1.0.0",
		Description: "authenticates requests and attaches a Principal",
		Priority:    plugin.PrioritySecurity,
		Enabled:     s.cfg.Enabled,
	}
}

func (s *Security) IsEnabled() bool { return s.cfg.Enabled }

func (s *Security) Initialize(context.Context, *plugin.SharedServices) error { return nil }

func (s *Security) ProcessRequest(rc *plugin.RequestContext) error {
	if s.public[rc.MessageType] {
		return nil
	}

	token, ok := rc.ClientInfo.Attributes["authorization"]
	if !ok || token == "" {
		rc.Fail(401, "unauthenticated", "missing credential")
		return nil
	}
	token = strings.TrimPrefix(token, "Bearer ")

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		rc.Fail(401, "invalid_credential", "token validation failed")
		return nil
	}

	userID, _ := claims["sub"].(string)
	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	rc.Principal = &plugin.Principal{
		UserID:     userID,
		Roles:      roles,
		AuthMethod: "jwt",
	}
	return nil
}
