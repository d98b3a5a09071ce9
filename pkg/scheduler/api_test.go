package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiongw/pkg/cache"
)

type apiFakeStore struct {
	*fakeTaskStore
	history []TaskExecution
}

func newAPIFakeStore() *apiFakeStore {
	return &apiFakeStore{fakeTaskStore: newFakeTaskStore()}
}

func (s *apiFakeStore) CreateTask(_ context.Context, task ScheduledTask) error {
	s.tasks[task.TaskID] = task
	return nil
}

func (s *apiFakeStore) UpdateTask(_ context.Context, task ScheduledTask) error {
	s.tasks[task.TaskID] = task
	return nil
}

func (s *apiFakeStore) SetEnabled(_ context.Context, taskID string, enabled bool) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return os.ErrNotExist
	}
	t.Enabled = enabled
	s.tasks[taskID] = t
	return nil
}

func (s *apiFakeStore) DeleteTask(_ context.Context, taskID string) error {
	delete(s.tasks, taskID)
	return nil
}

func (s *apiFakeStore) History(_ context.Context, taskID string, limit int) ([]TaskExecution, error) {
	return s.history, nil
}

func newTestAPI(t *testing.T) (*API, *apiFakeStore, *Scheduler) {
	store := newAPIFakeStore()
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "Noop", execute: func(ec ExecutionContext) TaskResult {
		return TaskResult{Success: true}
	}})
	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	parser := NewParser(10)
	sched := New(store, parser, executor, "", time.Hour, nil)
	api := NewAPI(store, registry, parser, executor, sched, nil)
	return api, store, sched
}

func TestAPI_CreateTask_Success(t *testing.T) {
	api, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.Mount(mux)

	body, _ := json.Marshal(createTaskRequest{
		TaskID: "nightly", TaskClass: "Noop", Schedule: "0 3 * * *", Enabled: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/scheduler/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAPI_CreateTask_UnknownTaskClassRejected(t *testing.T) {
	api, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.Mount(mux)

	body, _ := json.Marshal(createTaskRequest{
		TaskID: "nightly", TaskClass: "DoesNotExist", Schedule: "0 3 * * *",
	})
	req := httptest.NewRequest(http.MethodPost, "/scheduler/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAPI_CreateTask_InvalidScheduleRejected(t *testing.T) {
	api, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.Mount(mux)

	body, _ := json.Marshal(createTaskRequest{
		TaskID: "nightly", TaskClass: "Noop", Schedule: "not a cron",
	})
	req := httptest.NewRequest(http.MethodPost, "/scheduler/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetTask_NotFound(t *testing.T) {
	api, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.Mount(mux)

	req := httptest.NewRequest(http.MethodGet, "/scheduler/tasks/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_EnableDisable(t *testing.T) {
	api, store, _ := newTestAPI(t)
	store.tasks["t1"] = ScheduledTask{TaskID: "t1", TaskClass: "noop", Schedule: "* * * * *", Enabled: false}

	mux := http.NewServeMux()
	api.Mount(mux)

	req := httptest.NewRequest(http.MethodPost, "/scheduler/tasks/t1/enable", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.tasks["t1"].Enabled)
}

func TestAPI_Trigger_ExecutesTaskAndReturns202(t *testing.T) {
	store := newAPIFakeStore()
	store.tasks["t1"] = ScheduledTask{TaskID: "t1", TaskClass: "counted", Schedule: "* * * * *", Enabled: false}

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "counted", execute: func(ec ExecutionContext) TaskResult {
		calls.Add(1)
		return TaskResult{Success: true}
	}})

	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	parser := NewParser(10)
	sched := New(store, parser, executor, "", time.Hour, nil)
	api := NewAPI(store, registry, parser, executor, sched, nil)

	mux := http.NewServeMux()
	api.Mount(mux)

	req := httptest.NewRequest(http.MethodPost, "/scheduler/tasks/t1/trigger", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPI_ListTasks_CachesAndInvalidatesOnMutation(t *testing.T) {
	store := newAPIFakeStore()
	registry := NewRegistry()
	registry.Register(&fakeTaskClass{id: "noop", execute: func(ec ExecutionContext) TaskResult {
		return TaskResult{Success: true}
	}})
	executor := NewExecutor(store, registry, time.Minute, time.Second, nil)
	parser := NewParser(10)
	sched := New(store, parser, executor, "", time.Hour, nil)
	taskCache := cache.NewMemoryCache(cache.DefaultOptions())
	defer taskCache.Close()
	api := NewAPI(store, registry, parser, executor, sched, taskCache)

	mux := http.NewServeMux()
	api.Mount(mux)

	listTasks := func() []map[string]any {
		req := httptest.NewRequest(http.MethodGet, "/scheduler/tasks", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Tasks []map[string]any `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Tasks
	}

	assert.Empty(t, listTasks())

	store.tasks["t1"] = ScheduledTask{TaskID: "t1", TaskClass: "noop", Schedule: "* * * * *", Enabled: false}
	// A store mutation that bypasses the API (as this direct map write does)
	// should still be masked by the cached list until something invalidates it.
	assert.Empty(t, listTasks())

	req := httptest.NewRequest(http.MethodPost, "/scheduler/tasks/t1/enable", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Len(t, listTasks(), 1)
}

func TestAPI_History_RejectsOutOfRangeLimit(t *testing.T) {
	api, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	api.Mount(mux)

	req := httptest.NewRequest(http.MethodGet, "/scheduler/tasks/t1/history?limit=5000", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
