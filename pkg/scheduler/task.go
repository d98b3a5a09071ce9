package scheduler

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"companiongw/pkg/apperror"
)

// ExecutionStatus is the lifecycle state of one TaskExecution (spec §3).
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
)

// ScheduledTask is a configured, cron-driven unit of work (spec §3).
type ScheduledTask struct {
	TaskID    string
	TaskClass string
	Schedule  string
	Config    map[string]any
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskExecution records one run of a ScheduledTask (spec §3).
type TaskExecution struct {
	ExecutionID string
	TaskID      string
	Status      ExecutionStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
	Duration    time.Duration
	Result      map[string]any
	ErrorMsg    string
}

// TaskLock is a single-writer mutual-exclusion row for one task_id (spec §3).
type TaskLock struct {
	TaskID      string
	ExecutionID string
	ExpiresAt   time.Time
}

// TaskResult is what a TaskClass.Execute call returns (spec §4.9).
type TaskResult struct {
	Success  bool
	Message  string
	Data     map[string]any
	Err      error
	Duration time.Duration
	Skipped  bool
}

// ExecutionContext is passed to a TaskClass's Execute method.
type ExecutionContext struct {
	Ctx       context.Context
	TaskID    string
	Config    map[string]any
	TriggeredBy string // "scheduler" or "manual"
}

// TaskClass is one kind of schedulable work (spec §4.9: "task class has
// task_id/default_config/execute(context) -> TaskResult"). Concrete task
// types are registered by TaskID, not by Go type, so dispatch happens
// through a static table rather than reflection (spec §9).
type TaskClass interface {
	TaskID() string
	DefaultConfig() map[string]any
	Execute(ec ExecutionContext) TaskResult
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
var taskClassPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)

// reservedConfigKeys are config keys a task's configuration may not set,
// since they collide with ScheduledTask's own columns (spec §6).
var reservedConfigKeys = map[string]struct{}{
	"task_id":    {},
	"task_class": {},
	"schedule":   {},
	"enabled":    {},
	"created_at": {},
	"updated_at": {},
}

// ValidateTaskID enforces spec §6: 1-100 chars, [A-Za-z0-9._-].
func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return apperror.NewWithField(apperror.CodeInvalidArgument,
			"task_id must be 1-100 characters from [A-Za-z0-9._-]", "task_id")
	}
	return nil
}

// ValidateTaskClass enforces spec §6: non-empty, alphanumeric plus
// underscore, starting with an uppercase letter.
func ValidateTaskClass(class string) error {
	if !taskClassPattern.MatchString(class) {
		return apperror.NewWithField(apperror.CodeInvalidArgument,
			"task_class must start with an uppercase letter and contain only letters, digits, and underscores", "task_class")
	}
	return nil
}

// ValidateSchedule enforces the 5-field shape; full semantic validation is
// delegated to Parser.Validate.
func ValidateSchedule(schedule string, parser *Parser) error {
	if !parser.Validate(schedule) {
		return apperror.NewWithField(apperror.CodeInvalidCron, "schedule is not a valid 5-field cron expression", "schedule")
	}
	return nil
}

// ValidateConfig rejects any reserved key and confirms the payload is a
// JSON object (spec §6).
func ValidateConfig(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, apperror.NewWithField(apperror.CodeInvalidArgument, "config must be a JSON object", "config")
	}

	for key := range cfg {
		if _, reserved := reservedConfigKeys[key]; reserved {
			return nil, apperror.NewWithField(apperror.CodeInvalidArgument,
				"config must not set reserved key \""+key+"\"", "config")
		}
	}

	return cfg, nil
}
