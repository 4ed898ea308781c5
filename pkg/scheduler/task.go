package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/storage"
)

// ErrClassNotFound is returned when a persisted task references a class
// that was never registered.
var ErrClassNotFound = errors.New("task class not registered")

// TaskContext is handed to a task for one execution.
type TaskContext struct {
	TaskID      string
	ExecutionID string
	Config      json.RawMessage
	Store       storage.Store
	Logger      zerolog.Logger
}

// ConfigValue unmarshals the task config into out; an absent config is
// not an error.
func (tc *TaskContext) ConfigValue(out any) error {
	if len(tc.Config) == 0 {
		return nil
	}
	return json.Unmarshal(tc.Config, out)
}

// TaskResult is what a task reports back to the executor.
type TaskResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// Task is one runnable unit of scheduled work. Run must honor ctx
// cancellation; the executor enforces the task timeout through it.
type Task interface {
	Run(ctx context.Context, tc *TaskContext) (*TaskResult, error)
}

// CleanupTask is an optional extension; Cleanup runs after every
// execution regardless of outcome.
type CleanupTask interface {
	Task
	Cleanup(tc *TaskContext)
}

// Factory builds a fresh task instance per execution.
type Factory func() Task

// ClassRegistry maps persistent task_class names to factories.
type ClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]Factory
}

// NewClassRegistry returns an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{classes: make(map[string]Factory)}
}

// Register binds a class name to a factory. Re-registering a name is a
// programming error and fails.
func (r *ClassRegistry) Register(class string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[class]; ok {
		return fmt.Errorf("task class already registered: %s", class)
	}
	r.classes[class] = factory
	return nil
}

// Resolve builds a new instance of the named class.
func (r *ClassRegistry) Resolve(class string) (Task, error) {
	r.mu.RLock()
	factory, ok := r.classes[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, class)
	}
	return factory(), nil
}

// Classes returns the registered class names, sorted.
func (r *ClassRegistry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
