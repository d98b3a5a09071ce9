package main

import (
	"context"
	"net/http"
	"sync"

	"companiongw/pkg/adapter"
	"companiongw/pkg/audit"
	"companiongw/pkg/bus"
	"companiongw/pkg/container"
	"companiongw/pkg/database"
	"companiongw/pkg/plugin"
	"companiongw/pkg/ratelimit"
	"companiongw/pkg/scheduler"
	"companiongw/pkg/session"
)

// databaseService wraps the Postgres connection pool so the container owns
// its shutdown alongside every other subsystem (spec §4.1).
type databaseService struct {
	*funcService
	db database.DB
}

// coreService bundles the cross-cutting singletons (audit, rate limiting,
// session transport, the message bus) that plugins and adapters both
// depend on but which have no start/stop of their own.
type coreService struct {
	*funcService
	auditLogger    audit.Logger
	limiter        ratelimit.Limiter
	channels       *session.ChannelMap
	sessionManager *session.Manager
	sessionMW      *session.Middleware
	messageBus     *bus.Broker
}

// pluginsService owns the plugin registry and the pipeline built from it.
// pipeline is populated by Initialize, once every plugin has been initialized.
type pluginsService struct {
	*funcService
	registry *plugin.Registry
	pipeline *plugin.Pipeline
}

// adaptersService owns the protocol adapter manager.
type adaptersService struct {
	*funcService
	manager  *adapter.Manager
	pipeline *plugin.Pipeline
}

// schedulerService bundles the cron engine and its admin API.
type schedulerService struct {
	*funcService
	store *scheduler.Store
	sched *scheduler.Scheduler
	api   *scheduler.API
}

// adminServerService owns the plain HTTP listener the scheduler admin
// surface and health/metrics endpoints are mounted on.
type adminServerService struct {
	*funcService
	srv *http.Server
}

// funcService adapts a pair of start/stop closures to container.Lifecycle,
// so subsystems that already know how to start and stop themselves (the
// adapter manager, the scheduler, the admin HTTP server) can be driven
// through the service container without each needing its own Lifecycle
// implementation (spec §4.1).
type funcService struct {
	mu    sync.Mutex
	state container.State
	init  func(ctx context.Context) error
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func newFuncService(start, stop func(ctx context.Context) error) *funcService {
	return &funcService{state: container.StateRegistered, start: start, stop: stop}
}

// withInit attaches a ctx-bound initialization step that runs before Start,
// for subsystems whose setup (like plugin.Initialize) needs a context.
func (s *funcService) withInit(init func(ctx context.Context) error) *funcService {
	s.init = init
	return s
}

func (s *funcService) Initialize(ctx context.Context) error {
	if s.init != nil {
		if err := s.init(ctx); err != nil {
			return err
		}
	}
	s.setState(container.StateInitialized)
	return nil
}

func (s *funcService) Start(ctx context.Context) error {
	if s.start != nil {
		if err := s.start(ctx); err != nil {
			return err
		}
	}
	s.setState(container.StateRunning)
	return nil
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop != nil {
		if err := s.stop(ctx); err != nil {
			return err
		}
	}
	s.setState(container.StateStopped)
	return nil
}

func (s *funcService) State() container.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *funcService) setState(state container.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
