package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// taskManifest is the on-disk shape of a *.task.json file in the
// user-task directory.
type taskManifest struct {
	TaskID        string         `json:"task_id"`
	Message       string         `json:"message"`
	DefaultConfig map[string]any `json:"default_config"`
}

// GenericTask is a manifest-described task class: it returns success with
// its configured message as the result message. It exists so operators can drop a
// declarative *.task.json file into the user-task directory without
// shipping Go code, at the cost of not supporting arbitrary behavior
// (spec §4.9 "user task directory").
type GenericTask struct {
	id      string
	message string
	config  map[string]any
}

func (t *GenericTask) TaskID() string { return t.id }

func (t *GenericTask) DefaultConfig() map[string]any { return t.config }

func (t *GenericTask) Execute(ec ExecutionContext) TaskResult {
	start := time.Now()
	return TaskResult{
		Success:  true,
		Message:  t.message,
		Data:     map[string]any{"task_id": t.id, "triggered_by": ec.TriggeredBy},
		Duration: time.Since(start),
	}
}

func parseTaskManifest(path string) (*GenericTask, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task manifest %s: %w", path, err)
	}

	var m taskManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing task manifest %s: %w", path, err)
	}
	if err := ValidateTaskID(m.TaskID); err != nil {
		return nil, fmt.Errorf("task manifest %s: %w", path, err)
	}

	return &GenericTask{id: m.TaskID, message: m.Message, config: m.DefaultConfig}, nil
}
