package storage

import (
	"time"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/types"
)

// Store is the persistence contract for the scheduler and the event
// subscribers. Implemented by the encrypted bbolt store.
type Store interface {
	// Scheduled tasks
	UpsertTask(task *types.ScheduledTask) error
	GetTask(taskID string) (*types.ScheduledTask, error)
	ListTasks(enabledOnly bool) ([]*types.ScheduledTask, error)
	DeleteTask(taskID string) error
	SetTaskEnabled(taskID string, enabled bool) error

	// Executions
	RecordExecutionStart(exec *types.TaskExecution) error
	RecordExecutionEnd(exec *types.TaskExecution) error
	GetExecution(executionID string) (*types.TaskExecution, error)
	ListExecutions(taskID string, limit int) ([]*types.TaskExecution, error)
	CleanupOldExecutions(olderThan time.Duration) (int, error)

	// Locks
	AcquireLock(taskID, executionID string, ttl time.Duration) (bool, error)
	ReleaseLock(taskID, executionID string) error

	// Events and logs (bus subscribers)
	AppendEvent(env *bus.Envelope) error
	AppendLog(entry *LogEntry) error
	CleanupOldLogs(olderThan time.Duration) (int, error)

	// Startup verification and teardown
	VerifyBuckets() error
	Close() error
}

// LogEntry is one persisted log record shipped over the bus.
type LogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}
