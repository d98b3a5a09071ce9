// Package adapter defines the protocol adapter contract and the manager
// that owns adapter lifecycles (spec §4.3).
package adapter

import (
	"context"
	"log/slog"

	"companiongw/pkg/audit"
	"companiongw/pkg/config"
	"companiongw/pkg/database"
	"companiongw/pkg/plugin"
	"companiongw/pkg/ratelimit"
)

// Dependencies is the bundle injected into every adapter at Initialize
// (spec §4.3: "injects deps bundle {config, logger, gateway, key_manager,
// auth_manager, authz_manager, router, rate_limiter, validator, db,
// log_shipper}"). The gateway pipeline itself stands in for
// auth/authz/routing, since those concerns are plugins in this design
// rather than standalone managers (spec §9: "plugin interface
// unification").
type Dependencies struct {
	Config      *config.Config
	Logger      *slog.Logger
	Gateway     *plugin.Pipeline
	RateLimiter ratelimit.Limiter
	DB          database.DB
	AuditLogger audit.Logger
}

// Descriptor identifies an adapter to the manager (spec §3
// "ProtocolAdapterDescriptor").
type Descriptor struct {
	ProtocolName string
	Enabled      bool
}

// Adapter is the contract every protocol adapter implements (spec §4.3).
type Adapter interface {
	ProtocolName() string
	Initialize(ctx context.Context, deps *Dependencies) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleRequest(ctx context.Context, payload []byte, info plugin.ClientInfo) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// Factory builds an Adapter instance from a Descriptor.
type Factory func(desc Descriptor) (Adapter, error)

// Manager registers adapter factories and drives their lifecycle
// alongside the rest of the gateway's service container.
type Manager struct {
	deps      *Dependencies
	factories map[string]Factory
	instances map[string]Adapter
	logger    *slog.Logger
}

// NewManager creates an adapter manager. deps is injected into every
// adapter started through this manager.
func NewManager(deps *Dependencies) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:      deps,
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
		logger:    logger,
	}
}

// Register associates a protocol name with a Factory.
func (m *Manager) Register(protocolName string, factory Factory) {
	m.factories[protocolName] = factory
}

// StartAll constructs and starts every registered, enabled adapter. If any
// adapter fails to start, every adapter started so far in this call is
// stopped before the error is returned (mirrors spec §4.1's
// start_all/stop_all rollback discipline for the service container).
func (m *Manager) StartAll(ctx context.Context, descriptors []Descriptor) error {
	started := make([]Adapter, 0, len(descriptors))

	for _, desc := range descriptors {
		if !desc.Enabled {
			continue
		}
		factory, ok := m.factories[desc.ProtocolName]
		if !ok {
			m.stopAll(ctx, started)
			return adapterError(desc.ProtocolName, "no factory registered")
		}

		inst, err := factory(desc)
		if err != nil {
			m.stopAll(ctx, started)
			return err
		}
		if err := inst.Initialize(ctx, m.deps); err != nil {
			m.stopAll(ctx, started)
			return err
		}
		if err := inst.Start(ctx); err != nil {
			m.stopAll(ctx, started)
			return err
		}

		m.instances[desc.ProtocolName] = inst
		started = append(started, inst)
		m.logger.Info("adapter started", "protocol", desc.ProtocolName)
	}

	return nil
}

// StopAll stops every running adapter. It never returns an error; failures
// are logged (spec §4.1: "stop_all never raises").
func (m *Manager) StopAll(ctx context.Context) {
	instances := make([]Adapter, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.stopAll(ctx, instances)
	m.instances = make(map[string]Adapter)
}

func (m *Manager) stopAll(ctx context.Context, instances []Adapter) {
	for i := len(instances) - 1; i >= 0; i-- {
		inst := instances[i]
		if err := inst.Stop(ctx); err != nil {
			m.logger.Error("adapter stop failed", "protocol", inst.ProtocolName(), "error", err)
		}
	}
}

// Get returns a running adapter by protocol name.
func (m *Manager) Get(protocolName string) (Adapter, bool) {
	inst, ok := m.instances[protocolName]
	return inst, ok
}

// HealthCheck aggregates health across every running adapter.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	report := make(map[string]error, len(m.instances))
	for name, inst := range m.instances {
		report[name] = inst.HealthCheck(ctx)
	}
	return report
}

type lifecycleError struct {
	protocol string
	detail   string
}

func (e *lifecycleError) Error() string {
	return "adapter " + e.protocol + ": " + e.detail
}

func adapterError(protocol, detail string) error {
	return &lifecycleError{protocol: protocol, detail: detail}
}
