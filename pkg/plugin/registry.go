package plugin

import (
	"fmt"
	"sort"

	"companiongw/pkg/apperror"
)

// Class is a plugin constructor, registered once per concrete plugin type
// and instantiated per configuration.
type Class func(config map[string]any) (Plugin, error)

// Registry holds registered plugin classes and their configured instances.
type Registry struct {
	classes   map[string]Class
	instances map[string]Plugin
	order     []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		classes:   make(map[string]Class),
		instances: make(map[string]Plugin),
	}
}

// RegisterClass validates and stores a plugin class under name. It is an
// error to register the same name twice.
func (r *Registry) RegisterClass(name string, class Class) error {
	if _, exists := r.classes[name]; exists {
		return apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("plugin class %q already registered", name))
	}
	if class == nil {
		return apperror.New(apperror.CodeNilInput, fmt.Sprintf("plugin class %q is nil", name))
	}
	r.classes[name] = class
	return nil
}

// LoadPlugin instantiates the named class with the given configuration. It
// returns (nil, nil) if the resulting instance reports IsEnabled() == false.
func (r *Registry) LoadPlugin(name string, cfg map[string]any) (Plugin, error) {
	class, exists := r.classes[name]
	if !exists {
		return nil, apperror.New(apperror.CodeNotFound, fmt.Sprintf("plugin class %q is not registered", name))
	}

	inst, err := class(cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiating plugin %q: %w", name, err)
	}
	if !inst.IsEnabled() {
		return nil, nil
	}

	r.instances[name] = inst
	r.order = append(r.order, name)
	return inst, nil
}

// Instances returns every loaded (enabled) plugin instance, keyed by name.
func (r *Registry) Instances() map[string]Plugin {
	out := make(map[string]Plugin, len(r.instances))
	for k, v := range r.instances {
		out[k] = v
	}
	return out
}

// ExecutionOrder returns enabled plugin names ordered by a topological sort
// over declared dependencies, tie-broken first by priority band then by
// name (spec §4.2, testable property 1). It fails naming the first missing
// dependency (spec scenario S6).
func (r *Registry) ExecutionOrder() ([]string, error) {
	visited := make(map[string]int) // 0 unvisited, 1 visiting, 2 done

	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("circular plugin dependency at %q", name))
		}
		inst := r.instances[name]
		visited[name] = 1

		deps := inst.Metadata().Dependencies
		for _, dep := range deps {
			if _, exists := r.instances[dep]; !exists {
				return apperror.New(apperror.CodeInvalidArgument, fmt.Sprintf("dependency-missing: %q requires %q which is not enabled", name, dep))
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return stableTopoWithPriority(r.instances), nil
}

// stableTopoWithPriority runs Kahn's algorithm, picking among every
// currently-ready plugin (no unsatisfied dependency) by priority band then
// by name at each step. This is what keeps the final order matching the
// documented priority bands instead of an arbitrary valid topological
// order (spec §4.2, testable property 1). Dependencies have already been
// validated by ExecutionOrder before this runs.
func stableTopoWithPriority(instances map[string]Plugin) []string {
	indegree := make(map[string]int)
	dependents := make(map[string][]string)

	for name, inst := range instances {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range inst.Metadata().Dependencies {
			if _, exists := instances[dep]; !exists {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(instances))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	rank := func(names []string) {
		sort.Slice(names, func(i, j int) bool {
			pi := instances[names[i]].Metadata().Priority
			pj := instances[names[j]].Metadata().Priority
			if pi != pj {
				return pi < pj
			}
			return names[i] < names[j]
		})
	}
	rank(ready)

	var order []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		var newlyReady []string
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				newlyReady = append(newlyReady, dependent)
			}
		}
		rank(newlyReady)
		ready = append(ready, newlyReady...)
		rank(ready)
	}

	return order
}
