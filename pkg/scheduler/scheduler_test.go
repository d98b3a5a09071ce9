package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTaskStore struct {
	*fakeExecutorStore
	tasks map[string]ScheduledTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		fakeExecutorStore: newFakeExecutorStore(),
		tasks:             make(map[string]ScheduledTask),
	}
}

func (s *fakeTaskStore) ListTasks(_ context.Context, enabledOnly bool) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for _, t := range s.tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeTaskStore) GetTask(_ context.Context, taskID string) (*ScheduledTask, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &t, nil
}

func TestScheduler_RunDueTasks_DispatchesMatchingSchedule(t *testing.T) {
	store := newFakeTaskStore()
	store.tasks["every_minute"] = ScheduledTask{TaskID: "every_minute", TaskClass: "counter", Schedule: "* * * * *", Enabled: true}

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "counter", execute: func(ec ExecutionContext) TaskResult {
		calls.Add(1)
		return TaskResult{Success: true}
	}})

	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	sched := New(store, NewParser(10), executor, "", time.Hour, nil)

	sched.runDueTasks(context.Background(), time.Now())

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_RunDueTasks_SkipsDisabled(t *testing.T) {
	store := newFakeTaskStore()
	store.tasks["disabled_task"] = ScheduledTask{TaskID: "disabled_task", TaskClass: "counter", Schedule: "* * * * *", Enabled: false}

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "counter", execute: func(ec ExecutionContext) TaskResult {
		calls.Add(1)
		return TaskResult{Success: true}
	}})

	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	sched := New(store, NewParser(10), executor, "", time.Hour, nil)

	sched.runDueTasks(context.Background(), time.Now())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestScheduler_RunTriggeredTasks_RunsDisabledTaskAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	store := newFakeTaskStore()
	store.tasks["disabled_task"] = ScheduledTask{TaskID: "disabled_task", TaskClass: "counter", Schedule: "0 0 1 1 *", Enabled: false}

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "counter", execute: func(ec ExecutionContext) TaskResult {
		calls.Add(1)
		return TaskResult{Success: true}
	}})

	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	sched := New(store, NewParser(10), executor, dir, time.Hour, nil)

	triggerPath := filepath.Join(dir, "disabled_task.trigger")
	require.NoError(t, os.WriteFile(triggerPath, []byte{}, 0o644))

	sched.runTriggeredTasks(context.Background())

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, err := os.Stat(triggerPath)
	assert.True(t, os.IsNotExist(err))
}

func TestScheduler_ClaimMinute_PreventsDoubleDispatchWithinSameMinute(t *testing.T) {
	store := newFakeTaskStore()
	sched := New(store, NewParser(10), nil, "", time.Hour, nil)

	now := time.Now()
	assert.True(t, sched.claimMinute("t1", now))
	assert.False(t, sched.claimMinute("t1", now.Add(time.Second)))
	assert.True(t, sched.claimMinute("t1", now.Add(time.Minute)))
}

func TestScheduler_StopWaitsForInFlightExecutions(t *testing.T) {
	store := newFakeTaskStore()
	store.tasks["slow"] = ScheduledTask{TaskID: "slow", TaskClass: "slow", Schedule: "* * * * *", Enabled: true}

	started := make(chan struct{})
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "slow", execute: func(ec ExecutionContext) TaskResult {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return TaskResult{Success: true}
	}})

	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	sched := New(store, NewParser(10), executor, "", time.Hour, nil)

	sched.Start(context.Background())
	sched.runDueTasks(context.Background(), time.Now())
	<-started

	sched.Stop(time.Second)
	assert.Equal(t, 0, executor.RunningCount())
}
