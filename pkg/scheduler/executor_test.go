package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutorStore struct {
	mu         sync.Mutex
	locks      map[string]string
	executions map[string]*TaskExecution
	nextID     int
}

func newFakeExecutorStore() *fakeExecutorStore {
	return &fakeExecutorStore{
		locks:      make(map[string]string),
		executions: make(map[string]*TaskExecution),
	}
}

func (s *fakeExecutorStore) AcquireLock(_ context.Context, taskID, executionID string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[taskID]; held {
		return false, nil
	}
	s.locks[taskID] = executionID
	return true, nil
}

func (s *fakeExecutorStore) ReleaseLock(_ context.Context, taskID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[taskID] == executionID {
		delete(s.locks, taskID)
	}
	return nil
}

func (s *fakeExecutorStore) RecordExecutionStart(_ context.Context, taskID, executionID string) (*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	exec := &TaskExecution{
		ExecutionID: executionID,
		TaskID:      taskID,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
	}
	s.executions[exec.ExecutionID] = exec
	return exec, nil
}

func (s *fakeExecutorStore) RecordExecutionFinish(_ context.Context, executionID string, status ExecutionStatus, result map[string]any, errMsg string, finishedAt time.Time, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil
	}
	exec.Status = status
	exec.Result = result
	exec.ErrorMsg = errMsg
	exec.FinishedAt = &finishedAt
	exec.Duration = duration
	return nil
}

type fakeTaskClass struct {
	id       string
	execute  func(ExecutionContext) TaskResult
}

func (c *fakeTaskClass) TaskID() string                     { return c.id }
func (c *fakeTaskClass) DefaultConfig() map[string]any       { return nil }
func (c *fakeTaskClass) Execute(ec ExecutionContext) TaskResult { return c.execute(ec) }

func TestExecutor_Run_Success(t *testing.T) {
	store := newFakeExecutorStore()
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "noop", execute: func(ec ExecutionContext) TaskResult {
		return TaskResult{Success: true, Message: "done"}
	}})

	exec := NewExecutor(store, registry, time.Minute, time.Second, nil)
	task := ScheduledTask{TaskID: "t1", TaskClass: "noop"}

	result, err := exec.Run(context.Background(), task, "manual")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.False(t, exec.IsRunning("t1"))
}

func TestExecutor_Run_LockHeldReturnsError(t *testing.T) {
	store := newFakeExecutorStore()
	store.locks["t1"] = "some-other-execution"

	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "noop", execute: func(ec ExecutionContext) TaskResult {
		return TaskResult{Success: true}
	}})

	exec := NewExecutor(store, registry, time.Minute, time.Second, nil)
	task := ScheduledTask{TaskID: "t1", TaskClass: "noop"}

	_, err := exec.Run(context.Background(), task, "scheduler")
	require.Error(t, err)
}

func TestExecutor_Run_TimeoutProducesFailure(t *testing.T) {
	store := newFakeExecutorStore()
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "slow", execute: func(ec ExecutionContext) TaskResult {
		<-ec.Ctx.Done()
		return TaskResult{Success: false}
	}})

	exec := NewExecutor(store, registry, time.Minute, 10*time.Millisecond, nil)
	task := ScheduledTask{TaskID: "t2", TaskClass: "slow"}

	result, err := exec.Run(context.Background(), task, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMsg, "timeout")
}

func TestExecutor_Run_UnknownTaskClass(t *testing.T) {
	store := newFakeExecutorStore()
	registry := NewRegistry()
	exec := NewExecutor(store, registry, time.Minute, time.Second, nil)

	_, err := exec.Run(context.Background(), ScheduledTask{TaskID: "t3", TaskClass: "missing"}, "scheduler")
	require.Error(t, err)
}

func TestExecutor_Run_ConcurrentCallsRejectSecondViaInMemoryGuard(t *testing.T) {
	store := newFakeExecutorStore()
	registry := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register(&fakeTaskClass{id: "slow", execute: func(ec ExecutionContext) TaskResult {
		close(started)
		<-release
		return TaskResult{Success: true}
	}})

	exec := NewExecutor(store, registry, time.Minute, time.Minute, nil)
	task := ScheduledTask{TaskID: "t5", TaskClass: "slow"}

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.Run(context.Background(), task, "scheduler")
		errCh <- err
	}()

	<-started
	_, err := exec.Run(context.Background(), task, "manual")
	require.Error(t, err)

	close(release)
	require.NoError(t, <-errCh)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.executions, 1, "the loser must never write a running execution row")
}

func TestExecutor_Run_PanicIsRecoveredAsFailure(t *testing.T) {
	store := newFakeExecutorStore()
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "panicky", execute: func(ec ExecutionContext) TaskResult {
		panic("boom")
	}})

	exec := NewExecutor(store, registry, time.Minute, time.Second, nil)
	result, err := exec.Run(context.Background(), ScheduledTask{TaskID: "t4", TaskClass: "panicky"}, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMsg, "panicked")
}
