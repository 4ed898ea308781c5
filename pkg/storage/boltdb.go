package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aico-ai/gateway/pkg/bus"
	"github.com/aico-ai/gateway/pkg/security"
	"github.com/aico-ai/gateway/pkg/types"
)

var (
	// Bucket names
	bucketScheduledTasks = []byte("scheduled_tasks")
	bucketTaskExecutions = []byte("task_executions")
	bucketExecutionIndex = []byte("task_execution_index")
	bucketTaskLocks      = []byte("task_locks")
	bucketEvents         = []byte("events")
	bucketLogs           = []byte("logs")

	requiredBuckets = [][]byte{
		bucketScheduledTasks,
		bucketTaskExecutions,
		bucketExecutionIndex,
		bucketTaskLocks,
	}
)

// NotFoundError is returned for lookups of unknown records.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// BoltStore implements Store on bbolt. Every value is AES-256-GCM
// encrypted with the gateway master key before it touches disk; bbolt's
// single-writer transaction model is the store's serialization point.
type BoltStore struct {
	db  *bolt.DB
	box *security.SecretBox
}

// NewBoltStore opens (or creates) the encrypted store under dataDir.
func NewBoltStore(dataDir string, box *security.SecretBox) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gateway.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketScheduledTasks,
			bucketTaskExecutions,
			bucketExecutionIndex,
			bucketTaskLocks,
			bucketEvents,
			bucketLogs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, box: box}, nil
}

// VerifyBuckets fails loudly when a scheduler bucket is missing. The
// scheduler refuses to run against an unmigrated store.
func (s *BoltStore) VerifyBuckets() error {
	return s.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range requiredBuckets {
			if tx.Bucket(bucket) == nil {
				return fmt.Errorf(
					"scheduler bucket %q is missing: the data store at %s was not initialized by this gateway version; refusing to run",
					bucket, s.db.Path(),
				)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put encrypts and stores one record.
func (s *BoltStore) put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := s.box.Encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}
	return b.Put(key, sealed)
}

// get decrypts one record into v; returns false when the key is absent.
func (s *BoltStore) get(b *bolt.Bucket, key []byte, v any) (bool, error) {
	sealed := b.Get(key)
	if sealed == nil {
		return false, nil
	}
	data, err := s.box.Decrypt(sealed)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt record: %w", err)
	}
	return true, json.Unmarshal(data, v)
}

// Scheduled tasks

func (s *BoltStore) UpsertTask(task *types.ScheduledTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduledTasks)

		var existing types.ScheduledTask
		found, err := s.get(b, []byte(task.TaskID), &existing)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if found {
			task.CreatedAt = existing.CreatedAt
		} else if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now

		return s.put(b, []byte(task.TaskID), task)
	})
}

func (s *BoltStore) GetTask(taskID string) (*types.ScheduledTask, error) {
	var task types.ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := s.get(tx.Bucket(bucketScheduledTasks), []byte(taskID), &task)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: "task", ID: taskID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks(enabledOnly bool) ([]*types.ScheduledTask, error) {
	var tasks []*types.ScheduledTask
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduledTasks)
		return b.ForEach(func(k, v []byte) error {
			data, err := s.box.Decrypt(v)
			if err != nil {
				return fmt.Errorf("failed to decrypt task %s: %w", k, err)
			}
			var task types.ScheduledTask
			if err := json.Unmarshal(data, &task); err != nil {
				return err
			}
			if enabledOnly && !task.Enabled {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) DeleteTask(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// A task with a live lock is referenced by a running execution.
		locks := tx.Bucket(bucketTaskLocks)
		var lock types.TaskLock
		found, err := s.get(locks, []byte(taskID), &lock)
		if err != nil {
			return err
		}
		if found && !lock.Expired(time.Now()) {
			return fmt.Errorf("task %s has a running execution", taskID)
		}
		return tx.Bucket(bucketScheduledTasks).Delete([]byte(taskID))
	})
}

func (s *BoltStore) SetTaskEnabled(taskID string, enabled bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduledTasks)
		var task types.ScheduledTask
		found, err := s.get(b, []byte(taskID), &task)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: "task", ID: taskID}
		}
		task.Enabled = enabled
		task.UpdatedAt = time.Now().UTC()
		return s.put(b, []byte(task.TaskID), &task)
	})
}

// Executions

// executionKey orders history newest-last per task for prefix scans.
func executionKey(exec *types.TaskExecution) []byte {
	return []byte(exec.TaskID + "/" + exec.StartedAt.UTC().Format(time.RFC3339Nano) + "/" + exec.ExecutionID)
}

func (s *BoltStore) RecordExecutionStart(exec *types.TaskExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.put(tx.Bucket(bucketTaskExecutions), executionKey(exec), exec); err != nil {
			return err
		}
		// Secondary index by execution id for direct lookups. Lives in its
		// own bucket: history keys are task-id prefixed and task ids are
		// caller-chosen, so the two key spaces must not share a bucket.
		return s.put(tx.Bucket(bucketExecutionIndex), []byte(exec.ExecutionID), exec)
	})
}

func (s *BoltStore) RecordExecutionEnd(exec *types.TaskExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.put(tx.Bucket(bucketTaskExecutions), executionKey(exec), exec); err != nil {
			return err
		}
		return s.put(tx.Bucket(bucketExecutionIndex), []byte(exec.ExecutionID), exec)
	})
}

func (s *BoltStore) GetExecution(executionID string) (*types.TaskExecution, error) {
	var exec types.TaskExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := s.get(tx.Bucket(bucketExecutionIndex), []byte(executionID), &exec)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: "execution", ID: executionID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BoltStore) ListExecutions(taskID string, limit int) ([]*types.TaskExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	var execs []*types.TaskExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTaskExecutions).Cursor()
		prefix := []byte(taskID + "/")

		// Keys are time-ordered within the prefix; collect forward, then
		// serve newest-first.
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data, err := s.box.Decrypt(v)
			if err != nil {
				return err
			}
			var exec types.TaskExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				return err
			}
			execs = append(execs, &exec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(execs)-1; i < j; i, j = i+1, j-1 {
		execs[i], execs[j] = execs[j], execs[i]
	}
	if len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func (s *BoltStore) CleanupOldExecutions(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskExecutions)
		idx := tx.Bucket(bucketExecutionIndex)
		c := b.Cursor()

		var stale [][]byte
		var staleIDs []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data, err := s.box.Decrypt(v)
			if err != nil {
				return err
			}
			var exec types.TaskExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				return err
			}
			// Never prune a run that is still open.
			if exec.Status == types.TaskStatusRunning || exec.Status == types.TaskStatusPending {
				continue
			}
			if exec.StartedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
				staleIDs = append(staleIDs, exec.ExecutionID)
			}
		}
		for i, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete([]byte(staleIDs[i])); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Locks

// AcquireLock implements the lock protocol in one transaction: purge the
// expired row, reject a live one, insert ours.
func (s *BoltStore) AcquireLock(taskID, executionID string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskLocks)
		now := time.Now()

		var existing types.TaskLock
		found, err := s.get(b, []byte(taskID), &existing)
		if err != nil {
			return err
		}
		if found {
			if !existing.Expired(now) {
				return nil // someone else has it
			}
			if err := b.Delete([]byte(taskID)); err != nil {
				return err
			}
		}

		lock := types.TaskLock{
			TaskID:      taskID,
			ExecutionID: executionID,
			ExpiresAt:   now.Add(ttl),
		}
		if err := s.put(b, []byte(taskID), &lock); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLock deletes the lock when both ids match. Idempotent.
func (s *BoltStore) ReleaseLock(taskID, executionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskLocks)
		var lock types.TaskLock
		found, err := s.get(b, []byte(taskID), &lock)
		if err != nil {
			return err
		}
		if !found || lock.ExecutionID != executionID {
			return nil
		}
		return b.Delete([]byte(taskID))
	})
}

// Events

// AppendEvent persists one published bus envelope. Implements bus.Sink.
func (s *BoltStore) AppendEvent(env *bus.Envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		key := []byte(env.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + env.ID)
		return s.put(b, key, env)
	})
}

// Logs

func (s *BoltStore) AppendLog(entry *LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		key := []byte(entry.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + entry.ID)
		return s.put(b, key, entry)
	})
}

func (s *BoltStore) CleanupOldLogs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()

		var stale [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			// Keys are timestamp-prefixed; lexical order is time order.
			if string(k) >= cutoff {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
