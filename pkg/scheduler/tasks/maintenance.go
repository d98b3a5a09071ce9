package tasks

import (
	"time"

	"companiongw/pkg/scheduler"
)

// LogCleanup removes task_executions rows older than the configured
// retention window, grounded on the original scheduler's
// cleanup_old_executions maintenance routine.
type LogCleanup struct {
	store         Store
	retentionDays int
}

// NewLogCleanup constructs the built-in log_cleanup task.
func NewLogCleanup(store Store, retentionDays int) *LogCleanup {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &LogCleanup{store: store, retentionDays: retentionDays}
}

func (t *LogCleanup) TaskID() string { return "LogCleanup" }

func (t *LogCleanup) DefaultConfig() map[string]any {
	return map[string]any{"retention_days": t.retentionDays}
}

func (t *LogCleanup) Execute(ec scheduler.ExecutionContext) scheduler.TaskResult {
	start := time.Now()

	retentionDays := t.retentionDays
	if v, ok := ec.Config["retention_days"].(float64); ok && v > 0 {
		retentionDays = int(v)
	}

	deleted, err := t.store.DeleteExecutionsOlderThan(retentionDays)
	if err != nil {
		return scheduler.TaskResult{Success: false, Err: err, Duration: time.Since(start)}
	}

	return scheduler.TaskResult{
		Success:  true,
		Message:  "cleaned up old task executions",
		Data:     map[string]any{"deleted": deleted, "retention_days": retentionDays},
		Duration: time.Since(start),
	}
}
