package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"companiongw/pkg/apperror"
)

// Registry holds the known TaskClass implementations, indexed by
// TaskID. Dispatch is a plain map lookup rather than reflection-based
// discovery (spec §9: "static dispatch table by kind").
type Registry struct {
	mu      sync.RWMutex
	classes map[string]TaskClass
}

// NewRegistry creates an empty task class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]TaskClass)}
}

// Register adds a task class. Re-registering the same TaskID replaces the
// previous entry, which lets user-task-directory discovery override a
// built-in of the same name.
func (r *Registry) Register(class TaskClass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class.TaskID()] = class
}

// Get looks up a task class by ID.
func (r *Registry) Get(taskID string) (TaskClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.classes[taskID]
	if !ok {
		return nil, apperror.NewWithField(apperror.CodeUnknownTaskType, "no task class registered for this task_id", "task_class")
	}
	return class, nil
}

// Names returns every registered task class ID.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	return names
}

// LoadUserTaskDirectory scans dir for *.task.json manifests describing
// externally configured task classes and registers a GenericTask wrapper
// for each one found (spec §4.9: "task registry (built-in + configured +
// user-task directory)"). Go has no dynamic module loading equivalent to
// the original's directory-of-Python-modules convention, so a user task
// here is data describing how to invoke an already-registered executor
// rather than arbitrary code.
func (r *Registry) LoadUserTaskDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".task.json") {
			continue
		}
		manifest, err := parseTaskManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		r.Register(manifest)
	}
	return nil
}
