// Package tasks holds the built-in TaskClass implementations shipped with
// the gateway, as distinct from operator-supplied or manifest-described
// task classes (spec §4.9: "task registry (built-in + configured +
// user-task directory)").
package tasks

import "companiongw/pkg/scheduler"

// Store is the subset of the scheduler's task store a built-in task needs
// to do its own maintenance work.
type Store interface {
	DeleteExecutionsOlderThan(retentionDays int) (int64, error)
}

var _ scheduler.TaskClass = (*LogCleanup)(nil)
