package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// taskStore is the subset of Store the tick loop needs beyond what the
// Executor already uses.
type taskStore interface {
	executorStore
	ListTasks(ctx context.Context, enabledOnly bool) ([]ScheduledTask, error)
	GetTask(ctx context.Context, taskID string) (*ScheduledTask, error)
}

// Scheduler drives the tick loop: once per TickInterval it finds due
// tasks by cron schedule, finds manually-triggered tasks by scanning the
// trigger directory for dropped files, and hands each to the Executor
// on its own goroutine (spec §4.9 "cron engine" and §6 "manual-trigger
// file-drop protocol").
type Scheduler struct {
	store      taskStore
	parser     *Parser
	executor   *Executor
	logger     *slog.Logger
	triggerDir string
	tick       time.Duration

	lastRun   map[string]time.Time
	lastRunMu sync.Mutex

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Scheduler. tick is the polling interval for both cron
// due-checks and trigger-directory scans.
func New(store taskStore, parser *Parser, executor *Executor, triggerDir string, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		store:      store,
		parser:     parser,
		executor:   executor,
		logger:     logger,
		triggerDir: triggerDir,
		tick:       tick,
		lastRun:    make(map[string]time.Time),
		done:       make(chan struct{}),
	}
}

// Start launches the tick loop goroutine. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(loopCtx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDueTasks(ctx, now)
			s.runTriggeredTasks(ctx)
		}
	}
}

// Stop cancels the tick loop and waits, up to shutdownTimeout, for
// in-flight executions to finish (spec §5 cancellation discipline).
func (s *Scheduler) Stop(shutdownTimeout time.Duration) {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()

	select {
	case <-waitCh:
	case <-timer.C:
		s.logger.Warn("scheduler shutdown timed out waiting for in-flight executions")
	}
}

func (s *Scheduler) runDueTasks(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListTasks(ctx, true)
	if err != nil {
		s.logger.Error("listing scheduled tasks failed", "error", err)
		return
	}

	for _, task := range tasks {
		due, err := s.parser.Matches(task.Schedule, now)
		if err != nil {
			s.logger.Error("invalid cron schedule", "task_id", task.TaskID, "schedule", task.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		if !s.claimMinute(task.TaskID, now) {
			continue
		}
		if s.executor.IsRunning(task.TaskID) {
			s.logger.Warn("skipping tick, previous execution still running", "task_id", task.TaskID)
			continue
		}
		s.dispatch(ctx, task, "scheduler")
	}
}

// claimMinute prevents the same task from being dispatched twice within
// one wall-clock minute, which matters when a tick lands a little late
// and the next tick's now also still matches the cron field set.
func (s *Scheduler) claimMinute(taskID string, now time.Time) bool {
	minute := now.Truncate(time.Minute)
	s.lastRunMu.Lock()
	defer s.lastRunMu.Unlock()
	if last, ok := s.lastRun[taskID]; ok && !last.Before(minute) {
		return false
	}
	s.lastRun[taskID] = minute
	return true
}

// runTriggeredTasks implements the manual-trigger file-drop protocol
// (spec §6): a *.trigger file named after a task_id is deleted as soon as
// it is found, before the task is looked up, and the task then runs
// immediately regardless of whether it is enabled.
func (s *Scheduler) runTriggeredTasks(ctx context.Context) {
	if s.triggerDir == "" {
		return
	}
	entries, err := os.ReadDir(s.triggerDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("scanning trigger directory failed", "dir", s.triggerDir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".trigger") {
			continue
		}
		taskID := strings.TrimSuffix(entry.Name(), ".trigger")
		path := filepath.Join(s.triggerDir, entry.Name())

		if err := os.Remove(path); err != nil {
			s.logger.Error("removing trigger file failed", "path", path, "error", err)
			continue
		}

		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			s.logger.Error("manual trigger references unknown task", "task_id", taskID, "error", err)
			continue
		}
		if s.executor.IsRunning(task.TaskID) {
			s.logger.Warn("manual trigger ignored, task already running", "task_id", task.TaskID)
			continue
		}
		s.dispatch(ctx, *task, "manual")
	}
}

// ExecuteNow runs a task immediately through the same lock/registry path as
// a cron-driven run, bypassing the tick loop. It is the execute_task
// direct-invocation entry point the admin API's trigger operation uses, and
// blocks until the task finishes or its lock cannot be acquired.
func (s *Scheduler) ExecuteNow(ctx context.Context, taskID string) (*TaskExecution, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.executor.Run(ctx, *task, "manual")
}

func (s *Scheduler) dispatch(ctx context.Context, task ScheduledTask, triggeredBy string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.executor.Run(ctx, task, triggeredBy); err != nil {
			s.logger.Error("task execution failed to start", "task_id", task.TaskID, "error", err)
		}
	}()
}
