package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"companiongw/pkg/apperror"
)

// executorStore is the subset of Store the executor needs to acquire
// locks and record execution outcomes.
type executorStore interface {
	AcquireLock(ctx context.Context, taskID, executionID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, taskID, executionID string) error
	RecordExecutionStart(ctx context.Context, taskID, executionID string) (*TaskExecution, error)
	RecordExecutionFinish(ctx context.Context, executionID string, status ExecutionStatus, result map[string]any, errMsg string, finishedAt time.Time, duration time.Duration) error
}

// Executor runs a single task to completion under a timeout, holding the
// distributed lock for the duration of the run (spec §4.9: "executor with
// timeouts").
type Executor struct {
	store      executorStore
	registry   *Registry
	lockTTL    time.Duration
	taskTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewExecutor constructs an Executor. lockTTL should comfortably exceed
// taskTimeout so a slow task does not lose its own lock mid-run.
func NewExecutor(store executorStore, registry *Registry, lockTTL, taskTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       store,
		registry:    registry,
		lockTTL:     lockTTL,
		taskTimeout: taskTimeout,
		logger:      logger,
		running:     make(map[string]struct{}),
	}
}

// IsRunning reports whether taskID currently has an in-flight execution
// tracked by this process.
func (e *Executor) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// RunningCount returns the number of tasks this process believes are
// currently executing.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Run checks the in-memory running set, acquires the task's lock, records
// the execution-start row, executes it against the registered TaskClass
// under taskTimeout, records the outcome, and releases the lock. It returns
// apperror.CodeLockHeld if another execution already holds the task, either
// in this process (testable property 7: mutual exclusion) or via the
// database lock held by another process.
func (e *Executor) Run(ctx context.Context, task ScheduledTask, triggeredBy string) (*TaskExecution, error) {
	class, err := e.registry.Get(task.TaskClass)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, running := e.running[task.TaskID]; running {
		e.mu.Unlock()
		return nil, apperror.NewWithField(apperror.CodeLockHeld, "task is already running", "task_id")
	}
	e.running[task.TaskID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, task.TaskID)
		e.mu.Unlock()
	}()

	executionID := uuid.NewString()
	acquired, err := e.store.AcquireLock(ctx, task.TaskID, executionID, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for %s: %w", task.TaskID, err)
	}
	if !acquired {
		return nil, apperror.NewWithField(apperror.CodeLockHeld, "task is already running", "task_id")
	}
	defer func() {
		if relErr := e.store.ReleaseLock(context.Background(), task.TaskID, executionID); relErr != nil {
			e.logger.Error("releasing task lock failed", "task_id", task.TaskID, "error", relErr)
		}
	}()

	execution, err := e.store.RecordExecutionStart(ctx, task.TaskID, executionID)
	if err != nil {
		return nil, fmt.Errorf("recording execution start: %w", err)
	}

	result := e.executeWithTimeout(ctx, class, task, triggeredBy)

	status := StatusCompleted
	errMsg := ""
	if result.Skipped {
		status = StatusSkipped
	} else if !result.Success {
		status = StatusFailed
		if result.Err != nil {
			errMsg = result.Err.Error()
		} else {
			errMsg = result.Message
		}
	}

	finishedAt := time.Now()
	if err := e.store.RecordExecutionFinish(ctx, execution.ExecutionID, status, result.Data, errMsg, finishedAt, result.Duration); err != nil {
		e.logger.Error("recording execution finish failed", "task_id", task.TaskID, "execution_id", execution.ExecutionID, "error", err)
	}

	execution.Status = status
	execution.FinishedAt = &finishedAt
	execution.Duration = result.Duration
	execution.ErrorMsg = errMsg
	execution.Result = result.Data

	return execution, nil
}

func (e *Executor) executeWithTimeout(ctx context.Context, class TaskClass, task ScheduledTask, triggeredBy string) TaskResult {
	timeout := e.taskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := task.Config
	if cfg == nil {
		cfg = class.DefaultConfig()
	}

	resultCh := make(chan TaskResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- TaskResult{Success: false, Err: fmt.Errorf("task panicked: %v", r), Duration: time.Since(start)}
			}
		}()
		resultCh <- class.Execute(ExecutionContext{Ctx: runCtx, TaskID: task.TaskID, Config: cfg, TriggeredBy: triggeredBy})
	}()

	select {
	case result := <-resultCh:
		return result
	case <-runCtx.Done():
		return TaskResult{
			Success:  false,
			Err:      apperror.New(apperror.CodeTaskTimeout, "task exceeded its execution timeout"),
			Duration: time.Since(start),
		}
	}
}
