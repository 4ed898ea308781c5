package storage

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	box, err := security.NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	store, err := NewBoltStore(t.TempDir(), box)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestVerifyBuckets(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.VerifyBuckets())
}

func TestTaskUpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	task := &types.ScheduledTask{
		TaskID:    "maintenance.log_cleanup",
		TaskClass: "LogCleanupTask",
		Schedule:  "0 3 * * *",
		Config:    json.RawMessage(`{"retention_days":30}`),
		Enabled:   true,
	}
	require.NoError(t, store.UpsertTask(task))
	assert.False(t, task.CreatedAt.IsZero())

	got, err := store.GetTask("maintenance.log_cleanup")
	require.NoError(t, err)
	assert.Equal(t, "LogCleanupTask", got.TaskClass)
	assert.Equal(t, "0 3 * * *", got.Schedule)

	// Upsert preserves created_at and bumps updated_at.
	created := got.CreatedAt
	time.Sleep(5 * time.Millisecond)
	task.Schedule = "30 3 * * *"
	require.NoError(t, store.UpsertTask(task))

	got, err = store.GetTask("maintenance.log_cleanup")
	require.NoError(t, err)
	assert.Equal(t, "30 3 * * *", got.Schedule)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask("nope")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListTasksEnabledOnly(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertTask(&types.ScheduledTask{TaskID: "a.on", TaskClass: "A", Schedule: "* * * * *", Enabled: true}))
	require.NoError(t, store.UpsertTask(&types.ScheduledTask{TaskID: "b.off", TaskClass: "B", Schedule: "* * * * *", Enabled: false}))

	all, err := store.ListTasks(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := store.ListTasks(true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a.on", enabled[0].TaskID)
}

func TestSetTaskEnabled(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertTask(&types.ScheduledTask{TaskID: "a", TaskClass: "A", Schedule: "* * * * *", Enabled: true}))

	require.NoError(t, store.SetTaskEnabled("a", false))
	got, err := store.GetTask("a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDeleteTaskBlockedByRunningExecution(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertTask(&types.ScheduledTask{TaskID: "a", TaskClass: "A", Schedule: "* * * * *", Enabled: true}))

	ok, err := store.AcquireLock("a", "exec-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = store.DeleteTask("a")
	assert.Error(t, err, "delete must be refused while an execution holds the lock")

	require.NoError(t, store.ReleaseLock("a", "exec-1"))
	assert.NoError(t, store.DeleteTask("a"))
}

func TestExecutionHistory(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		exec := &types.TaskExecution{
			ExecutionID: uuid.New().String(),
			TaskID:      "a",
			Status:      types.TaskStatusCompleted,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.RecordExecutionStart(exec))
	}

	history, err := store.ListExecutions("a", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Newest first.
	assert.True(t, history[0].StartedAt.After(history[1].StartedAt))
	assert.True(t, history[1].StartedAt.After(history[2].StartedAt))
}

func TestExecutionLookupByID(t *testing.T) {
	store := newTestStore(t)

	exec := &types.TaskExecution{
		ExecutionID: "exec-42",
		TaskID:      "a",
		Status:      types.TaskStatusRunning,
		StartedAt:   time.Now(),
	}
	require.NoError(t, store.RecordExecutionStart(exec))

	done := time.Now()
	exec.Status = types.TaskStatusCompleted
	exec.CompletedAt = &done
	exec.DurationSecs = 1.5
	require.NoError(t, store.RecordExecutionEnd(exec))

	got, err := store.GetExecution("exec-42")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, 1.5, got.DurationSecs)
}

func TestCleanupOldExecutions(t *testing.T) {
	store := newTestStore(t)

	old := &types.TaskExecution{
		ExecutionID: "old", TaskID: "a",
		Status: types.TaskStatusCompleted, StartedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &types.TaskExecution{
		ExecutionID: "recent", TaskID: "a",
		Status: types.TaskStatusCompleted, StartedAt: time.Now(),
	}
	stillRunning := &types.TaskExecution{
		ExecutionID: "running", TaskID: "a",
		Status: types.TaskStatusRunning, StartedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, store.RecordExecutionStart(old))
	require.NoError(t, store.RecordExecutionStart(recent))
	require.NoError(t, store.RecordExecutionStart(stillRunning))

	removed, err := store.CleanupOldExecutions(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	history, err := store.ListExecutions("a", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2, "recent and still-running survive")

	// The id index is pruned together with the history row.
	_, err = store.GetExecution("old")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
	_, err = store.GetExecution("recent")
	assert.NoError(t, err)
}

func TestExecutionHistoryTaskNamedID(t *testing.T) {
	store := newTestStore(t)

	// A task id equal to the index bucket's old in-bucket prefix must not
	// pick up foreign rows in its history scan.
	exec := &types.TaskExecution{
		ExecutionID: "exec-77",
		TaskID:      "id",
		Status:      types.TaskStatusCompleted,
		StartedAt:   time.Now(),
	}
	require.NoError(t, store.RecordExecutionStart(exec))

	other := &types.TaskExecution{
		ExecutionID: "exec-78",
		TaskID:      "other.task",
		Status:      types.TaskStatusCompleted,
		StartedAt:   time.Now(),
	}
	require.NoError(t, store.RecordExecutionStart(other))

	history, err := store.ListExecutions("id", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "exec-77", history[0].ExecutionID)

	got, err := store.GetExecution("exec-77")
	require.NoError(t, err)
	assert.Equal(t, "id", got.TaskID)
}

func TestLockProtocol(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.AcquireLock("a", "exec-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquire while held fails.
	ok, err = store.AcquireLock("a", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Release with the wrong execution id is a no-op.
	require.NoError(t, store.ReleaseLock("a", "exec-2"))
	ok, err = store.AcquireLock("a", "exec-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Correct release frees the lock; release is idempotent.
	require.NoError(t, store.ReleaseLock("a", "exec-1"))
	require.NoError(t, store.ReleaseLock("a", "exec-1"))

	ok, err = store.AcquireLock("a", "exec-4", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpiry(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.AcquireLock("a", "exec-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = store.AcquireLock("a", "exec-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reclaimable")
}

func TestLockMutualExclusion(t *testing.T) {
	store := newTestStore(t)

	const attempts = 100
	var acquired atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := store.AcquireLock("contested", uuid.New().String(), time.Minute)
			assert.NoError(t, err)
			if ok {
				acquired.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load(), "exactly one of %d concurrent attempts may win", attempts)
}

func TestValuesEncryptedAtRest(t *testing.T) {
	box, err := security.NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := NewBoltStore(dir, box)
	require.NoError(t, err)

	require.NoError(t, store.UpsertTask(&types.ScheduledTask{
		TaskID: "secret.task", TaskClass: "VerySecretClass", Schedule: "* * * * *", Enabled: true,
	}))

	// Reading the same record back through a store with a different key
	// must fail: nothing on disk is plaintext.
	require.NoError(t, store.Close())

	wrongBox, err := security.NewSecretBox([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	reopened, err := NewBoltStore(dir, wrongBox)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.GetTask("secret.task")
	assert.Error(t, err)
}
