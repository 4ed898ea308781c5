package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// retentionConfig is the shared config shape of the cleanup tasks.
type retentionConfig struct {
	RetentionDays int `json:"retention_days"`
}

func (c *retentionConfig) duration(fallbackDays int) time.Duration {
	days := c.RetentionDays
	if days <= 0 {
		days = fallbackDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// LogCleanupTask prunes persisted log records past their retention.
type LogCleanupTask struct{}

func (t *LogCleanupTask) Run(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	var cfg retentionConfig
	if err := tc.ConfigValue(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	removed, err := tc.Store.CleanupOldLogs(cfg.duration(30))
	if err != nil {
		return nil, err
	}
	return &TaskResult{
		Success: true,
		Message: fmt.Sprintf("removed %d log records", removed),
		Data:    map[string]any{"removed": removed},
	}, nil
}

// ExecutionCleanupTask prunes finished execution history rows.
type ExecutionCleanupTask struct{}

func (t *ExecutionCleanupTask) Run(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	var cfg retentionConfig
	if err := tc.ConfigValue(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	removed, err := tc.Store.CleanupOldExecutions(cfg.duration(30))
	if err != nil {
		return nil, err
	}
	return &TaskResult{
		Success: true,
		Message: fmt.Sprintf("removed %d execution records", removed),
		Data:    map[string]any{"removed": removed},
	}, nil
}

// HealthFunc reports the per-service health of the running gateway.
type HealthFunc func() map[string]string

// HealthCheckTask snapshots service health and runtime stats into the
// execution result.
type HealthCheckTask struct {
	health HealthFunc
}

func (t *HealthCheckTask) Run(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	data := map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  mem.HeapAlloc / (1 << 20),
		"num_gc":         mem.NumGC,
		"checked_at_utc": time.Now().UTC().Format(time.RFC3339),
	}

	healthy := true
	if t.health != nil {
		services := t.health()
		data["services"] = services
		for _, status := range services {
			if status != "healthy" {
				healthy = false
			}
		}
	}

	msg := "all services healthy"
	if !healthy {
		msg = "one or more services degraded"
	}
	return &TaskResult{Success: healthy, Message: msg, Data: data}, nil
}

// RegisterBuiltins wires the maintenance task classes into the registry.
// healthFn may be nil; the health check then reports runtime stats only.
func RegisterBuiltins(registry *ClassRegistry, healthFn HealthFunc) error {
	entries := map[string]Factory{
		"LogCleanupTask":       func() Task { return &LogCleanupTask{} },
		"ExecutionCleanupTask": func() Task { return &ExecutionCleanupTask{} },
		"HealthCheckTask":      func() Task { return &HealthCheckTask{health: healthFn} },
	}
	for class, factory := range entries {
		if err := registry.Register(class, factory); err != nil {
			return err
		}
	}
	return nil
}
