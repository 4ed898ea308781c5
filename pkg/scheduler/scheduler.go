// Package scheduler runs cron-scheduled background tasks with persistent
// execution history and a per-task lock that survives restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/config"
	"github.com/aico-ai/gateway/pkg/log"
	"github.com/aico-ai/gateway/pkg/metrics"
	"github.com/aico-ai/gateway/pkg/storage"
	"github.com/aico-ai/gateway/pkg/types"
)

// Scheduler drives cron-scheduled background work. One tick loop computes
// the due set, merges filesystem triggers, and launches detached
// executions guarded by an in-memory running map and a persistent lock.
type Scheduler struct {
	cfg        config.SchedulerConfig
	triggerDir string
	store      storage.Store
	registry   *ClassRegistry
	busClient  *bus.ModuleClient
	logger     zerolog.Logger

	mu      sync.Mutex
	nextRun map[string]time.Time
	running map[string]string // task_id -> execution_id
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler. The bus client may be nil; execution events are
// then not published.
func New(cfg config.SchedulerConfig, triggerDir string, store storage.Store, registry *ClassRegistry, busClient *bus.ModuleClient) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		triggerDir: triggerDir,
		store:      store,
		registry:   registry,
		busClient:  busClient,
		logger:     log.WithComponent("scheduler"),
		nextRun:    make(map[string]time.Time),
		running:    make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// Start verifies the store, seeds built-in task rows, builds the next-run
// table and launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.store.VerifyBuckets(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.triggerDir, 0755); err != nil {
		return fmt.Errorf("failed to create trigger directory: %w", err)
	}
	if err := s.seedBuiltinTasks(); err != nil {
		return err
	}

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return fmt.Errorf("failed to load scheduled tasks: %w", err)
	}
	now := time.Now()
	s.mu.Lock()
	for _, task := range tasks {
		if next, ok, err := NextRun(task.Schedule, now); err != nil {
			s.logger.Warn().Str("task_id", task.TaskID).Err(err).Msg("task has invalid schedule, skipping")
		} else if ok {
			s.nextRun[task.TaskID] = next
		}
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info().
		Int("tasks", len(tasks)).
		Dur("tick_interval", s.cfg.TickInterval).
		Msg("scheduler started")
	return nil
}

// Stop cancels the tick loop and waits for in-flight executions.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown timeout with executions still in flight")
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick computes the due set, merges manual triggers, and launches each
// runnable task detached.
func (s *Scheduler) tick(now time.Time) {
	due := make(map[string]bool) // task_id -> manual
	s.mu.Lock()
	for taskID, at := range s.nextRun {
		if !at.After(now) {
			due[taskID] = false
		}
	}
	s.mu.Unlock()

	for _, taskID := range s.scanTriggers() {
		due[taskID] = true
	}

	for taskID, manual := range due {
		task, err := s.store.GetTask(taskID)
		if err != nil {
			var nf *storage.NotFoundError
			if errors.As(err, &nf) {
				s.logger.Warn().Str("task_id", taskID).Msg("due task no longer exists")
				s.mu.Lock()
				delete(s.nextRun, taskID)
				s.mu.Unlock()
			} else {
				s.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to load due task")
			}
			continue
		}

		if !task.Enabled && !manual {
			s.mu.Lock()
			delete(s.nextRun, taskID)
			s.mu.Unlock()
			continue
		}

		s.wg.Add(1)
		go func(t *types.ScheduledTask) {
			defer s.wg.Done()
			s.execute(t)
		}(task)

		if !manual {
			s.mu.Lock()
			if next, ok, err := NextRun(task.Schedule, now); err == nil && ok {
				s.nextRun[taskID] = next
			} else {
				delete(s.nextRun, taskID)
			}
			s.mu.Unlock()
		}
	}
}

// scanTriggers collects and deletes *.trigger files; the file stem names
// the task to run.
func (s *Scheduler) scanTriggers() []string {
	entries, err := os.ReadDir(s.triggerDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Msg("failed to scan trigger directory")
		}
		return nil
	}

	var taskIDs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".trigger") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".trigger")
		if err := os.Remove(filepath.Join(s.triggerDir, name)); err != nil {
			s.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to delete trigger file")
		}
		taskIDs = append(taskIDs, taskID)
		s.logger.Info().Str("task_id", taskID).Msg("manual trigger queued")
	}
	return taskIDs
}

// Trigger launches a task immediately regardless of its enabled flag.
// Used by the admin API; file triggers go through the tick loop.
func (s *Scheduler) Trigger(taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(task)
	}()
	return nil
}

// execute runs one task to completion: concurrency guards, persistent
// lock, history rows, timeout, lock release.
func (s *Scheduler) execute(task *types.ScheduledTask) {
	executionID := uuid.New().String()
	logger := s.logger.With().Str("task_id", task.TaskID).Str("execution_id", executionID).Logger()

	s.mu.Lock()
	if other, ok := s.running[task.TaskID]; ok {
		s.mu.Unlock()
		logger.Info().Str("blocking_execution", other).Msg("task already running in this process, skipped")
		metrics.TaskExecutionsTotal.WithLabelValues(string(types.TaskStatusSkipped)).Inc()
		return
	}
	s.running[task.TaskID] = executionID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.TaskID)
		s.mu.Unlock()
	}()

	acquired, err := s.store.AcquireLock(task.TaskID, executionID, s.cfg.LockTTL)
	if err != nil {
		logger.Error().Err(err).Msg("lock acquisition failed")
		metrics.TaskExecutionsTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
		return
	}
	if !acquired {
		logger.Info().Msg("task locked by another execution, skipped")
		metrics.TaskExecutionsTotal.WithLabelValues(string(types.TaskStatusSkipped)).Inc()
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(task.TaskID, executionID); err != nil {
			logger.Error().Err(err).Msg("failed to release task lock")
		}
	}()

	exec := &types.TaskExecution{
		ExecutionID: executionID,
		TaskID:      task.TaskID,
		Status:      types.TaskStatusRunning,
		StartedAt:   time.Now(),
	}
	if err := s.store.RecordExecutionStart(exec); err != nil {
		logger.Error().Err(err).Msg("failed to record execution start")
		return
	}

	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	result, runErr := s.runTask(task, exec, logger)

	completed := time.Now()
	exec.CompletedAt = &completed
	exec.DurationSecs = completed.Sub(exec.StartedAt).Seconds()

	switch {
	case runErr != nil:
		exec.Status = types.TaskStatusFailed
		exec.ErrorMessage = runErr.Error()
	case result != nil && result.Skipped:
		exec.Status = types.TaskStatusSkipped
		exec.ErrorMessage = result.Message
	case result != nil && !result.Success:
		exec.Status = types.TaskStatusFailed
		exec.ErrorMessage = result.Message
	default:
		exec.Status = types.TaskStatusCompleted
	}
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			exec.Result = data
		}
	}

	if err := s.store.RecordExecutionEnd(exec); err != nil {
		logger.Error().Err(err).Msg("failed to record execution end")
	}
	metrics.TaskExecutionsTotal.WithLabelValues(string(exec.Status)).Inc()
	s.publishExecutionEvent(exec)

	event := logger.Info()
	if exec.Status == types.TaskStatusFailed {
		event = logger.Error()
	}
	event.
		Str("status", string(exec.Status)).
		Float64("duration_seconds", exec.DurationSecs).
		Msg("task execution finished")
}

// runTask resolves the class, runs it with the configured timeout, and
// converts panics and timeouts into errors.
func (s *Scheduler) runTask(task *types.ScheduledTask, exec *types.TaskExecution, logger zerolog.Logger) (*TaskResult, error) {
	instance, err := s.registry.Resolve(task.TaskClass)
	if err != nil {
		return nil, err
	}

	tc := &TaskContext{
		TaskID:      task.TaskID,
		ExecutionID: exec.ExecutionID,
		Config:      task.Config,
		Store:       s.store,
		Logger:      logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	type outcome struct {
		result *TaskResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		result, err := instance.Run(ctx, tc)
		resultCh <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-resultCh:
	case <-ctx.Done():
		out = outcome{err: errors.New("task execution timed out")}
	}

	if ct, ok := instance.(CleanupTask); ok {
		ct.Cleanup(tc)
	}
	return out.result, out.err
}

func (s *Scheduler) publishExecutionEvent(exec *types.TaskExecution) {
	if s.busClient == nil {
		return
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return
	}
	if _, err := s.busClient.Publish("scheduler.execution", payload, bus.WithMessageType("task_execution")); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish execution event")
	}
}

// seedBuiltinTasks inserts the default maintenance task rows when absent.
// Existing rows (including operator edits) are left alone.
func (s *Scheduler) seedBuiltinTasks() error {
	defaults := []*types.ScheduledTask{
		{
			TaskID:    "maintenance.log_cleanup",
			TaskClass: "LogCleanupTask",
			Schedule:  "0 3 * * *",
			Config:    json.RawMessage(fmt.Sprintf(`{"retention_days":%d}`, s.cfg.RetentionDays)),
			Enabled:   true,
		},
		{
			TaskID:    "maintenance.execution_cleanup",
			TaskClass: "ExecutionCleanupTask",
			Schedule:  "30 3 * * *",
			Config:    json.RawMessage(fmt.Sprintf(`{"retention_days":%d}`, s.cfg.RetentionDays)),
			Enabled:   true,
		},
		{
			TaskID:    "maintenance.health_check",
			TaskClass: "HealthCheckTask",
			Schedule:  "*/30 * * * *",
			Enabled:   true,
		},
	}

	for _, task := range defaults {
		if _, err := s.store.GetTask(task.TaskID); err == nil {
			continue
		} else {
			var nf *storage.NotFoundError
			if !errors.As(err, &nf) {
				return err
			}
		}
		if err := s.store.UpsertTask(task); err != nil {
			return fmt.Errorf("failed to seed task %s: %w", task.TaskID, err)
		}
		s.logger.Debug().Str("task_id", task.TaskID).Msg("seeded built-in task")
	}
	return nil
}

// IsRunning reports whether the task has an execution in flight in this
// process.
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// NextRunTime returns the scheduled next run for a task, if any.
func (s *Scheduler) NextRunTime(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.nextRun[taskID]
	return at, ok
}

// RefreshTask recomputes a task's next-run entry after a create or
// update; disabled or deleted tasks drop out of the table.
func (s *Scheduler) RefreshTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.GetTask(taskID)
	if err != nil || !task.Enabled {
		delete(s.nextRun, taskID)
		return
	}
	if next, ok, err := NextRun(task.Schedule, time.Now()); err == nil && ok {
		s.nextRun[taskID] = next
	} else {
		delete(s.nextRun, taskID)
	}
}

// Status is the admin API snapshot of the scheduler.
type Status struct {
	Running      bool                 `json:"running"`
	TaskCount    int                  `json:"task_count"`
	InFlight     int                  `json:"in_flight"`
	TickInterval string               `json:"tick_interval"`
	NextRuns     map[string]time.Time `json:"next_runs"`
}

// Snapshot returns the current scheduler status.
func (s *Scheduler) Snapshot() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]time.Time, len(s.nextRun))
	for id, at := range s.nextRun {
		next[id] = at
	}
	return &Status{
		Running:      s.started,
		TaskCount:    len(s.nextRun),
		InFlight:     len(s.running),
		TickInterval: s.cfg.TickInterval.String(),
		NextRuns:     next,
	}
}
