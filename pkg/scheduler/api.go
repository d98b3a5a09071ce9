package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"companiongw/pkg/apperror"
	"companiongw/pkg/cache"
)

// apiStore is the subset of Store the admin API reads and writes.
type apiStore interface {
	CreateTask(ctx context.Context, task ScheduledTask) error
	GetTask(ctx context.Context, taskID string) (*ScheduledTask, error)
	ListTasks(ctx context.Context, enabledOnly bool) ([]ScheduledTask, error)
	UpdateTask(ctx context.Context, task ScheduledTask) error
	SetEnabled(ctx context.Context, taskID string, enabled bool) error
	DeleteTask(ctx context.Context, taskID string) error
	History(ctx context.Context, taskID string, limit int) ([]TaskExecution, error)
}

// API serves the scheduler admin surface described in spec §6. It is
// mounted on a plain, unencrypted listener (see pkg/httputil.CORS's doc
// comment): the session transport middleware stays the outermost layer
// on the request-reply adapter only, so this surface never wraps it.
type API struct {
	store     apiStore
	registry  *Registry
	parser    *Parser
	executor  *Executor
	sched     *Scheduler
	cache     cache.Cache
	cacheTTL  time.Duration
	v         *validator.Validate
	startedAt time.Time
}

// NewAPI constructs the scheduler admin API. cache may be nil, in which
// case every read goes straight to store; when set it read-through caches
// the list/status endpoints the way the request-reply adapter's handlers
// cache their own hot GETs.
func NewAPI(store apiStore, registry *Registry, parser *Parser, executor *Executor, sched *Scheduler, taskCache cache.Cache) *API {
	return &API{
		store:     store,
		registry:  registry,
		parser:    parser,
		executor:  executor,
		sched:     sched,
		cache:     taskCache,
		cacheTTL:  5 * time.Second,
		v:         validator.New(),
		startedAt: time.Now(),
	}
}

// Close releases the API's read-through cache, if one was configured.
func (a *API) Close() error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Close()
}

// invalidateTaskCache drops every cached list view after a mutation. The
// admin surface is a low-traffic operator tool, so a blunt full clear beats
// tracking per-key dependents.
func (a *API) invalidateTaskCache(ctx context.Context) {
	if a.cache == nil {
		return
	}
	_, _ = a.cache.DeleteByPattern(ctx, "scheduler:*")
}

// Mount registers every scheduler admin endpoint on mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /scheduler/status", a.handleStatus)
	mux.HandleFunc("GET /scheduler/tasks", a.handleListTasks)
	mux.HandleFunc("POST /scheduler/tasks", a.handleCreateTask)
	mux.HandleFunc("GET /scheduler/tasks/{task_id}", a.handleGetTask)
	mux.HandleFunc("PUT /scheduler/tasks/{task_id}", a.handleUpdateTask)
	mux.HandleFunc("DELETE /scheduler/tasks/{task_id}", a.handleDeleteTask)
	mux.HandleFunc("POST /scheduler/tasks/{task_id}/enable", a.handleEnable)
	mux.HandleFunc("POST /scheduler/tasks/{task_id}/disable", a.handleDisable)
	mux.HandleFunc("POST /scheduler/tasks/{task_id}/trigger", a.handleTrigger)
	mux.HandleFunc("GET /scheduler/tasks/{task_id}/status", a.handleTaskStatus)
	mux.HandleFunc("GET /scheduler/tasks/{task_id}/history", a.handleHistory)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.ListTasks(r.Context(), false)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running_tasks":   a.executor.RunningCount(),
		"registered_tasks": len(a.registry.Names()),
		"total_tasks":     len(tasks),
		"uptime_seconds":  time.Since(a.startedAt).Seconds(),
	})
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled_only") == "true"
	cacheKey := "scheduler:tasks:list:" + strconv.FormatBool(enabledOnly)

	if a.cache != nil {
		if cached, err := a.cache.Get(r.Context(), cacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	tasks, err := a.store.ListTasks(r.Context(), enabledOnly)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	body, err := json.Marshal(map[string]any{"tasks": tasks})
	if err != nil {
		writeAPIError(w, apperror.Wrap(err, apperror.CodeInternal, "encoding task list"))
		return
	}
	if a.cache != nil {
		_ = a.cache.Set(r.Context(), cacheKey, body, a.cacheTTL)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type createTaskRequest struct {
	TaskID    string         `json:"task_id" validate:"required"`
	TaskClass string         `json:"task_class" validate:"required"`
	Schedule  string         `json:"schedule" validate:"required"`
	Config    map[string]any `json:"config"`
	Enabled   bool           `json:"enabled"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apperror.New(apperror.CodeInvalidArgument, "malformed request body"))
		return
	}
	if err := a.v.Struct(req); err != nil {
		writeAPIError(w, apperror.NewWithField(apperror.CodeInvalidArgument, err.Error(), "body"))
		return
	}
	if err := ValidateTaskID(req.TaskID); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := ValidateTaskClass(req.TaskClass); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := ValidateSchedule(req.Schedule, a.parser); err != nil {
		writeAPIError(w, err)
		return
	}
	if _, err := a.registry.Get(req.TaskClass); err != nil {
		writeAPIError(w, err)
		return
	}

	task := ScheduledTask{
		TaskID:    req.TaskID,
		TaskClass: req.TaskClass,
		Schedule:  req.Schedule,
		Config:    req.Config,
		Enabled:   req.Enabled,
	}
	if err := a.store.CreateTask(r.Context(), task); err != nil {
		writeAPIError(w, err)
		return
	}
	a.invalidateTaskCache(r.Context())
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.store.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Schedule string         `json:"schedule" validate:"required"`
	Config   map[string]any `json:"config"`
	Enabled  bool           `json:"enabled"`
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apperror.New(apperror.CodeInvalidArgument, "malformed request body"))
		return
	}
	if err := a.v.Struct(req); err != nil {
		writeAPIError(w, apperror.NewWithField(apperror.CodeInvalidArgument, err.Error(), "body"))
		return
	}
	if err := ValidateSchedule(req.Schedule, a.parser); err != nil {
		writeAPIError(w, err)
		return
	}

	existing, err := a.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	existing.Schedule = req.Schedule
	existing.Config = req.Config
	existing.Enabled = req.Enabled

	if err := a.store.UpdateTask(r.Context(), *existing); err != nil {
		writeAPIError(w, err)
		return
	}
	a.invalidateTaskCache(r.Context())
	writeJSON(w, http.StatusOK, existing)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteTask(r.Context(), r.PathValue("task_id")); err != nil {
		writeAPIError(w, err)
		return
	}
	a.invalidateTaskCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnable(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, true)
}

func (a *API) handleDisable(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, false)
}

func (a *API) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	taskID := r.PathValue("task_id")
	if err := a.store.SetEnabled(r.Context(), taskID, enabled); err != nil {
		writeAPIError(w, err)
		return
	}
	a.invalidateTaskCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "enabled": enabled})
}

// handleTrigger is the execute_task direct-invocation entry point over
// HTTP: it runs the task through Scheduler.ExecuteNow on its own goroutine
// and returns 202 immediately, rather than waiting for the run to finish.
func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if _, err := a.store.GetTask(r.Context(), taskID); err != nil {
		writeAPIError(w, err)
		return
	}
	go func() {
		// errors (lock already held, unknown task class) surface to the
		// caller through handleTaskStatus/handleHistory, not this 202.
		_, _ = a.sched.ExecuteNow(context.Background(), taskID)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "queued": true})
}

func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, err := a.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.TaskID,
		"enabled": task.Enabled,
		"running": a.executor.IsRunning(taskID),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeAPIError(w, apperror.NewWithField(apperror.CodeInvalidArgument, "limit must be between 1 and 1000", "limit"))
			return
		}
		limit = n
	}
	history, err := a.store.History(r.Context(), taskID, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "executions": history})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperror.Error)
	if !ok {
		appErr = apperror.Wrap(err, apperror.CodeInternal, "scheduler request failed")
	}
	writeJSON(w, appErr.HTTPStatus(), map[string]any{
		"error": map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
			"field":   appErr.Field,
		},
	})
}
