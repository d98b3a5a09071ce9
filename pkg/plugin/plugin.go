// Package plugin implements the gateway's interceptor chain: a registry of
// re-entrant plugins ordered by dependency then priority band, run over a
// shared RequestContext on every inbound message. See spec §4.2.
package plugin

import (
	"context"
	"log/slog"
	"time"

	"companiongw/pkg/config"
	"companiongw/pkg/database"
)

// Priority is a coarse execution band. Lower values run first.
type Priority int

const (
	PriorityInfrastructure Priority = 0
	PrioritySecurity       Priority = 20
	PriorityHigh           Priority = 40
	PriorityMedium         Priority = 60
	PriorityLow            Priority = 80
)

func (p Priority) String() string {
	switch p {
	case PriorityInfrastructure:
		return "INFRASTRUCTURE"
	case PrioritySecurity:
		return "SECURITY"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Protocol discriminates the transport a RequestContext originated from.
type Protocol string

const (
	ProtocolRequestReply  Protocol = "request-reply"
	ProtocolBidirectional Protocol = "bidirectional"
	ProtocolIPC           Protocol = "ipc"
)

// ClientInfo carries transport-level metadata about the caller.
type ClientInfo struct {
	RemoteAddr    string
	UserAgent     string
	Attributes    map[string]string
	TransportName string
}

// Principal is the authenticated identity attached to a context by the
// security plugin.
type Principal struct {
	UserID     string
	Roles      []string
	AuthMethod string
}

// Error is the structured failure a plugin attaches to a context to
// short-circuit the pipeline (spec §3, §7).
type Error struct {
	StatusCode int    `json:"status_code"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

func (e *Error) Error() string { return e.Kind + ": " + e.Detail }

// RequestContext is the mutable, single-owner object threaded through the
// pipeline for one inbound request. Exactly one of Response or Err is set
// at pipeline exit (spec §3 invariant).
type RequestContext struct {
	Ctx context.Context

	Protocol    Protocol
	RawPayload  []byte
	Decoded     any
	ClientInfo  ClientInfo
	Principal   *Principal
	MessageType string

	Response             any
	Err                  *Error
	SkipFurtherProcessing bool

	startedAt time.Time
}

// NewRequestContext creates a context for one inbound request.
func NewRequestContext(ctx context.Context, protocol Protocol, raw []byte, info ClientInfo) *RequestContext {
	return &RequestContext{
		Ctx:        ctx,
		Protocol:   protocol,
		RawPayload: raw,
		ClientInfo: info,
		startedAt:  time.Now(),
	}
}

// Elapsed returns the time since the context was created.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.startedAt)
}

// Fail attaches a terminal error to the context, short-circuiting the
// remaining pipeline stages.
func (rc *RequestContext) Fail(statusCode int, kind, detail string) {
	rc.Err = &Error{StatusCode: statusCode, Kind: kind, Detail: detail}
}

// Descriptor is the immutable metadata a plugin registers at startup.
type Descriptor struct {
	Name         string
	Version      string
	Description  string
	Priority     Priority
	Dependencies []string
	Enabled      bool
}

// Plugin is the single interceptor contract every pipeline stage
// implements (spec §9: "single trait/interface").
type Plugin interface {
	Metadata() Descriptor
	Initialize(ctx context.Context, deps *SharedServices) error
	ProcessRequest(ctx *RequestContext) error
	ProcessResponse(ctx *RequestContext) error
	Shutdown(ctx context.Context) error
	IsEnabled() bool
}

// BasePlugin provides no-op ProcessResponse/Shutdown so concrete plugins
// only need to implement the stages they care about.
type BasePlugin struct{}

func (BasePlugin) ProcessResponse(*RequestContext) error { return nil }
func (BasePlugin) Shutdown(context.Context) error        { return nil }

// BusPublisher is the narrow slice of the event-bus client (pkg/bus) that
// plugins need; defined here rather than imported to keep pkg/plugin a
// dependency leaf (spec §9: "plugins never reach back into the gateway
// core").
type BusPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, correlationID string) error
}

// SessionResolver is the narrow slice of the transport middleware
// (pkg/session) the encryption plugin needs to confirm a channel already
// exists before later stages run.
type SessionResolver interface {
	HasValidSession(clientID string) bool
}

// SharedServices is the single handle passed to every plugin at
// initialization (spec §9: "resolve by passing a single SharedServices
// handle"). Plugins must not reach back into the container or other
// plugins directly.
type SharedServices struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      database.DB
	Bus     BusPublisher
	Session SessionResolver
}
