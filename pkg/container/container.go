// Package container implements the gateway's service container: a registry
// of named factories with declared dependencies, resolved into a
// topological start/stop order and driven through an explicit lifecycle
// state machine. See spec §4.1.
package container

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"companiongw/pkg/apperror"
	"companiongw/pkg/logger"
)

// State is a service's position in its lifecycle state machine.
type State string

const (
	StateRegistered   State = "REGISTERED"
	StateInitializing State = "INITIALIZING"
	StateInitialized  State = "INITIALIZED"
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

// Lifecycle is the optional contract a registered instance may implement.
// Instances that do not implement it are merely constructed by the
// container and stay in StateRegistered.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
}

// HealthChecker is an optional contract for reporting service health
// beyond a bare lifecycle state.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory constructs a service instance. It is invoked lazily, once, the
// first time Get resolves that name.
type Factory func(c *Container) (any, error)

type entry struct {
	name         string
	factory      Factory
	dependencies []string
	autoStart    bool

	mu       sync.Mutex
	instance any
	building bool
	state    State
}

// Container holds registered service factories and their resolved
// instances.
type Container struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // registration order
	started  []string // names successfully started, in start order
}

// New creates an empty container.
func New() *Container {
	return &Container{
		entries: make(map[string]*entry),
	}
}

// Register adds a named service factory. It fails with an
// apperror.CodeInvalidArgument error if the name is already taken.
func (c *Container) Register(name string, factory Factory, dependencies []string, autoStart bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[name]; exists {
		return apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("service %q already registered", name))
	}

	c.entries[name] = &entry{
		name:         name,
		factory:      factory,
		dependencies: dependencies,
		autoStart:    autoStart,
		state:        StateRegistered,
	}
	c.order = append(c.order, name)
	return nil
}

// Get returns the named service instance, constructing it (and its
// dependencies) lazily and exactly once. A dependency cycle discovered
// during construction is reported as an apperror.CodeInvalidArgument error
// ("circular dependency detected").
func (c *Container) Get(name string) (any, error) {
	return c.get(name, nil)
}

func (c *Container) get(name string, building map[string]bool) (any, error) {
	c.mu.RLock()
	e, exists := c.entries[name]
	c.mu.RUnlock()
	if !exists {
		return nil, apperror.New(apperror.CodeNotFound, fmt.Sprintf("service %q is not registered", name))
	}

	e.mu.Lock()
	if e.instance != nil {
		inst := e.instance
		e.mu.Unlock()
		return inst, nil
	}
	if e.building {
		e.mu.Unlock()
		return nil, apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("circular dependency detected at %q", name))
	}
	e.building = true
	e.mu.Unlock()

	if building == nil {
		building = make(map[string]bool)
	}
	if building[name] {
		return nil, apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("circular dependency detected at %q", name))
	}
	building[name] = true

	for _, dep := range e.dependencies {
		if _, err := c.get(dep, building); err != nil {
			e.mu.Lock()
			e.building = false
			e.mu.Unlock()
			return nil, fmt.Errorf("resolving dependency %q of %q: %w", dep, name, err)
		}
	}

	inst, err := e.factory(c)

	e.mu.Lock()
	e.building = false
	if err != nil {
		e.state = StateError
		e.mu.Unlock()
		return nil, fmt.Errorf("constructing service %q: %w", name, err)
	}
	e.instance = inst
	e.mu.Unlock()

	return inst, nil
}

// Names returns every registered service name in registration order.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// topoSort returns registered service names ordered so that every
// dependency precedes its dependents, tie-broken by name
// for determinism (spec testable property 1).
func (c *Container) topoSort() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := make(map[string]int) // 0=unvisited 1=visiting 2=done
	var order []string

	names := make([]string, len(c.order))
	copy(names, c.order)
	sort.Strings(names)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("circular dependency involving %q", name))
		}
		e, exists := c.entries[name]
		if !exists {
			return apperror.New(apperror.CodeNotFound, fmt.Sprintf("dependency %q is not registered", name))
		}
		visited[name] = 1
		deps := make([]string, len(e.dependencies))
		copy(deps, e.dependencies)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StartAll topologically sorts every registered service, then constructs
// and starts each auto-start service in dependency order. Non-auto-start
// services remain lazily constructed via Get. A failure aborts the
// remaining startup and triggers StopAll of what already ran.
func (c *Container) StartAll(ctx context.Context) error {
	order, err := c.topoSort()
	if err != nil {
		return err
	}

	for _, name := range order {
		c.mu.RLock()
		e := c.entries[name]
		c.mu.RUnlock()
		if !e.autoStart {
			continue
		}

		if err := c.startOne(ctx, name); err != nil {
			logger.Error("service failed to start, aborting startup", "service", name, "error", err)
			c.stopStarted(ctx)
			return fmt.Errorf("starting service %q: %w", name, err)
		}
		c.started = append(c.started, name)
	}
	return nil
}

func (c *Container) startOne(ctx context.Context, name string) error {
	inst, err := c.get(name, nil)
	if err != nil {
		return err
	}

	lc, ok := inst.(Lifecycle)
	if !ok {
		return nil
	}

	c.mu.RLock()
	e := c.entries[name]
	c.mu.RUnlock()

	e.mu.Lock()
	e.state = StateInitializing
	e.mu.Unlock()
	if err := lc.Initialize(ctx); err != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		return fmt.Errorf("initializing %q: %w", name, err)
	}
	e.mu.Lock()
	e.state = StateInitialized
	e.mu.Unlock()

	e.mu.Lock()
	e.state = StateStarting
	e.mu.Unlock()
	if err := lc.Start(ctx); err != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		return fmt.Errorf("starting %q: %w", name, err)
	}
	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	logger.Info("service started", "service", name)
	return nil
}

// StopAll stops every started service in reverse start order. Individual
// Stop failures are logged and swallowed so that one misbehaving service
// cannot block shutdown of the rest; StopAll itself never returns an error.
func (c *Container) StopAll(ctx context.Context) {
	c.stopStarted(ctx)
}

func (c *Container) stopStarted(ctx context.Context) {
	for i := len(c.started) - 1; i >= 0; i-- {
		name := c.started[i]
		c.mu.RLock()
		e := c.entries[name]
		c.mu.RUnlock()

		e.mu.Lock()
		inst := e.instance
		state := e.state
		e.mu.Unlock()

		lc, ok := inst.(Lifecycle)
		if !ok {
			continue
		}
		if state != StateRunning && state != StateError {
			continue
		}

		e.mu.Lock()
		e.state = StateStopping
		e.mu.Unlock()

		if err := lc.Stop(ctx); err != nil {
			logger.Error("service stop failed, continuing shutdown", "service", name, "error", err)
			e.mu.Lock()
			e.state = StateError
			e.mu.Unlock()
			continue
		}

		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
		logger.Info("service stopped", "service", name)
	}
	c.started = nil
}

// ServiceHealth is one service's entry in a HealthReport.
type ServiceHealth struct {
	Name    string `json:"name"`
	State   State  `json:"state"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthReport aggregates per-service health.
type HealthReport struct {
	Services []ServiceHealth `json:"services"`
	Summary  struct {
		Total     int `json:"total"`
		Healthy   int `json:"healthy"`
		Unhealthy int `json:"unhealthy"`
	} `json:"summary"`
}

// HealthCheck aggregates per-service health into a single report. Services
// implementing HealthChecker are probed with a bounded per-service timeout;
// services that only implement Lifecycle are considered healthy iff their
// state is RUNNING; services exposing neither contract are always healthy.
func (c *Container) HealthCheck(ctx context.Context) HealthReport {
	var report HealthReport

	c.mu.RLock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	c.mu.RUnlock()

	for _, name := range names {
		c.mu.RLock()
		e := c.entries[name]
		c.mu.RUnlock()

		e.mu.Lock()
		inst := e.instance
		state := e.state
		e.mu.Unlock()

		sh := ServiceHealth{Name: name, State: state, Healthy: true}

		if hc, ok := inst.(HealthChecker); ok {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := hc.HealthCheck(checkCtx)
			cancel()
			if err != nil {
				sh.Healthy = false
				sh.Error = err.Error()
			}
		} else if _, ok := inst.(Lifecycle); ok {
			sh.Healthy = state == StateRunning
		}

		report.Services = append(report.Services, sh)
		report.Summary.Total++
		if sh.Healthy {
			report.Summary.Healthy++
		} else {
			report.Summary.Unhealthy++
		}
	}

	return report
}
