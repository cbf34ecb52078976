package status

import "context"

// Status is the lifecycle state of a task as held by the system of record.
type Status string

const (
	Initializing Status = "initializing"
	Idle         Status = "idle"
	InProgress   Status = "in_progress"
	Success      Status = "success"
	Error        Status = "error"
)

// Writable reports whether the worker is allowed to write s.
// The worker only ever moves a task into in_progress, success or error.
func (s Status) Writable() bool {
	switch s {
	case InProgress, Success, Error:
		return true
	}
	return false
}

// Terminal reports whether s ends a task's lifecycle.
func (s Status) Terminal() bool {
	return s == Success || s == Error
}

// Recorder writes task status to the system of record.
type Recorder interface {
	SetStatus(ctx context.Context, taskID string, status Status) error
}
