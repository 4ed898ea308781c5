package types

import (
	"encoding/json"
	"time"
)

// TaskStatus classifies one task execution.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// ScheduledTask is the persistent definition of a cron-scheduled task.
type ScheduledTask struct {
	TaskID    string          `json:"task_id"`
	TaskClass string          `json:"task_class"`
	Schedule  string          `json:"schedule"`
	Config    json.RawMessage `json:"config,omitempty"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReservedConfigKeys may not appear inside a task's config object; they
// collide with the task record's own columns.
var ReservedConfigKeys = map[string]bool{
	"task_id":    true,
	"task_class": true,
	"schedule":   true,
	"enabled":    true,
	"created_at": true,
	"updated_at": true,
}

// TaskExecution is one run of a scheduled task, append-mostly history.
type TaskExecution struct {
	ExecutionID  string          `json:"execution_id"`
	TaskID       string          `json:"task_id"`
	Status       TaskStatus      `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationSecs float64         `json:"duration_seconds"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// TaskLock is the persistent single-execution guard for one task.
type TaskLock struct {
	TaskID      string    `json:"task_id"`
	ExecutionID string    `json:"execution_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its TTL.
func (l *TaskLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
