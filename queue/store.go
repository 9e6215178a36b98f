package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
	bolt "go.etcd.io/bbolt"
)

// Defaults for retry handling
const (
	DefaultMaxAttempts = 5
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 5 * time.Minute
)

// ErrorNoEligibleTask is returned by Claim when nothing can run now
var ErrorNoEligibleTask = errors.New("no eligible task")

// tasksBucket holds the task rows keyed by task id
var tasksBucket = []byte("tasks")

// Store is the durable upload task table.  It is the single source of
// truth for what is pending, running and done, and it survives
// process death: rows live in a bolt database, and any row left
// in progress by a crashed worker is demoted back to pending when the
// store opens.
type Store struct {
	db          *bolt.DB
	broadcaster *Broadcaster
	queueMu     sync.Mutex // serializes claims
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Open opens the task database at path, creating it if needed, and
// requeues any tasks a previous process left in progress.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "failed to make queue directory")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open queue database %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to make queue bucket")
	}
	s := &Store{
		db:          db,
		broadcaster: NewBroadcaster(),
		maxAttempts: DefaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
	}
	n, err := s.ResetInProgress(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		vault.Logf("queue", "requeued %d upload(s) interrupted by restart", n)
	}
	return s, nil
}

// Close the task database
func (s *Store) Close() error {
	return s.db.Close()
}

// SetMaxAttempts sets the attempt budget stamped on new tasks
func (s *Store) SetMaxAttempts(n int) *Store {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// SetBackoff sets the base and cap of the retry backoff
func (s *Store) SetBackoff(base, max time.Duration) *Store {
	if base > 0 {
		s.backoffBase = base
	}
	if max > 0 {
		s.backoffMax = max
	}
	return s
}

// backoff returns the gate delay after the attempt'th failed attempt
func (s *Store) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.backoffBase << uint(attempt-1)
	if d <= 0 || d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}

// getTask reads and unmarshals the row for id from b
func getTask(b *bolt.Bucket, id string) (Task, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return Task{}, errors.Wrapf(vault.ErrorObjectNotFound, "task %q", id)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, errors.Wrapf(err, "corrupted task record %q", id)
	}
	return t, nil
}

// putTask marshals and stores t into b
func putTask(b *bolt.Bucket, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put([]byte(t.ID), data)
}

// update applies fn to the row for id inside one transaction and
// publishes the changed task.
func (s *Store) update(id string, fn func(t *Task) error) (Task, error) {
	var t Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		var err error
		t, err = getTask(b, id)
		if err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		return putTask(b, &t)
	})
	if err != nil {
		return Task{}, err
	}
	s.broadcaster.Publish(Event{Task: t})
	return t, nil
}

// Enqueue inserts a pending task for (fileID, remoteID) unless a row
// for the pair already exists in any state.  It reports whether a row
// was created.
func (s *Store) Enqueue(ctx context.Context, fileID, remoteID string) (created bool, err error) {
	if fileID == "" || remoteID == "" {
		return false, errors.New("enqueue needs a file id and a remote id")
	}
	id := TaskID(fileID, remoteID)
	var t Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		t = Task{
			ID:          id,
			FileID:      fileID,
			RemoteID:    remoteID,
			State:       StatePending,
			MaxAttempts: s.maxAttempts,
			CreatedAt:   time.Now(),
		}
		created = true
		return putTask(b, &t)
	})
	if err != nil {
		return false, err
	}
	if created {
		s.broadcaster.Publish(Event{Task: t})
		vault.Debugf("queue", "enqueued task %s", id)
	}
	return created, nil
}

// EnqueueBatch enqueues the cross product of fileIDs and remoteIDs as
// one batch and returns how many rows were created.
func (s *Store) EnqueueBatch(ctx context.Context, fileIDs, remoteIDs []string) (created int, err error) {
	var added []Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		now := time.Now()
		for _, fileID := range fileIDs {
			for _, remoteID := range remoteIDs {
				if fileID == "" || remoteID == "" {
					return errors.New("enqueue needs a file id and a remote id")
				}
				id := TaskID(fileID, remoteID)
				if b.Get([]byte(id)) != nil {
					continue
				}
				t := Task{
					ID:          id,
					FileID:      fileID,
					RemoteID:    remoteID,
					State:       StatePending,
					MaxAttempts: s.maxAttempts,
					CreatedAt:   now,
				}
				if err := putTask(b, &t); err != nil {
					return err
				}
				added = append(added, t)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := range added {
		s.broadcaster.Publish(Event{Task: added[i]})
	}
	if len(added) > 0 {
		vault.Debugf("queue", "enqueued %d task(s)", len(added))
	}
	return len(added), nil
}

// Claim takes the oldest eligible task accepted by accept and moves
// it to in progress.  A nil accept takes anything.  It returns
// ErrorNoEligibleTask when nothing qualifies.  instanceID identifies
// the claiming worker in the logs.
func (s *Store) Claim(ctx context.Context, instanceID string, accept func(remoteID string) bool) (Task, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	now := time.Now()
	var claimed Task
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		var best Task
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			if !t.Eligible(now) {
				continue
			}
			if accept != nil && !accept(t.RemoteID) {
				continue
			}
			if !found || t.CreatedAt.Before(best.CreatedAt) {
				best = t
				found = true
			}
		}
		if !found {
			return nil
		}
		best.State = StateInProgress
		best.Progress = 0
		best.LastAttemptAt = now
		claimed = best
		return putTask(b, &best)
	})
	if err != nil {
		return Task{}, err
	}
	if !found {
		return Task{}, ErrorNoEligibleTask
	}
	s.broadcaster.Publish(Event{Task: claimed})
	vault.Debugf("queue", "task %s claimed by %s (attempt %d of %d)", claimed.ID, instanceID, claimed.AttemptCount+1, claimed.MaxAttempts)
	return claimed, nil
}

// MarkSuccess finishes a running task, recording the locator of the
// uploaded object.
func (s *Store) MarkSuccess(ctx context.Context, id string, loc remote.Locator) (Task, error) {
	return s.update(id, func(t *Task) error {
		if t.State != StateInProgress {
			return errors.Errorf("task %q is %v, not in progress", id, t.State)
		}
		if loc == "" {
			return errors.Errorf("task %q needs a locator to succeed", id)
		}
		t.State = StateSuccess
		t.Progress = 1
		t.ErrorMessage = ""
		t.UploadedLocator = loc
		t.NextRetryAt = time.Time{}
		t.CompletedAt = time.Now()
		return nil
	})
}

// MarkFailed records a failed attempt of a running task.  The row is
// stored failed; while attempt budget remains and the failure is not
// fatal the backoff gate is set so a later claim retries it.  A fatal
// failure consumes the remaining budget.  message is shown to the
// user - log the raw cause separately.
func (s *Store) MarkFailed(ctx context.Context, id, message string, fatal bool) (Task, error) {
	return s.update(id, func(t *Task) error {
		if t.State != StateInProgress {
			return errors.Errorf("task %q is %v, not in progress", id, t.State)
		}
		t.State = StateFailed
		t.ErrorMessage = message
		t.AttemptCount++
		if fatal && t.AttemptCount < t.MaxAttempts {
			t.AttemptCount = t.MaxAttempts
		}
		if t.AttemptCount >= t.MaxAttempts {
			t.NextRetryAt = time.Time{}
			t.CompletedAt = time.Now()
		} else {
			t.NextRetryAt = time.Now().Add(s.backoff(t.AttemptCount))
			t.Progress = 0
		}
		return nil
	})
}

// Retry resets a failed task for a fresh round of attempts
func (s *Store) Retry(ctx context.Context, id string) (Task, error) {
	return s.update(id, func(t *Task) error {
		if t.State != StateFailed {
			return errors.Errorf("task %q is %v, not failed", id, t.State)
		}
		resetForRetry(t)
		return nil
	})
}

// resetForRetry makes a failed task pending again
func resetForRetry(t *Task) {
	t.State = StatePending
	t.Progress = 0
	t.ErrorMessage = ""
	t.AttemptCount = 0
	t.NextRetryAt = time.Time{}
	t.CompletedAt = time.Time{}
}

// RetryAllFailed resets every failed task and returns how many
func (s *Store) RetryAllFailed(ctx context.Context) (n int, err error) {
	var reset []Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			if t.State != StateFailed {
				continue
			}
			resetForRetry(&t)
			if err := putTask(b, &t); err != nil {
				return err
			}
			reset = append(reset, t)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := range reset {
		s.broadcaster.Publish(Event{Task: reset[i]})
	}
	return len(reset), nil
}

// CancelAllPending clears the whole table and returns how many rows
// were removed.  An upload already in flight runs to completion but
// its result is discarded when the worker finds its row gone.
func (s *Store) CancelAllPending(ctx context.Context) (n int, err error) {
	var removed []Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			removed = append(removed, t)
		}
		if err := tx.DeleteBucket(tasksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		return 0, err
	}
	for i := range removed {
		s.broadcaster.Publish(Event{Task: removed[i], Deleted: true})
	}
	return len(removed), nil
}

// ClearCompleted removes successful rows and returns how many
func (s *Store) ClearCompleted(ctx context.Context) (n int, err error) {
	var removed []Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			if t.State != StateSuccess {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed = append(removed, t)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := range removed {
		s.broadcaster.Publish(Event{Task: removed[i], Deleted: true})
	}
	return len(removed), nil
}

// ResetInProgress demotes every in progress task back to pending with
// an open gate.  Open calls it to recover rows a crashed worker left
// behind.
func (s *Store) ResetInProgress(ctx context.Context) (n int, err error) {
	var reset []Task
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			if t.State != StateInProgress {
				continue
			}
			t.State = StatePending
			t.Progress = 0
			t.NextRetryAt = time.Time{}
			if err := putTask(b, &t); err != nil {
				return err
			}
			reset = append(reset, t)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i := range reset {
		s.broadcaster.Publish(Event{Task: reset[i]})
	}
	return len(reset), nil
}

// Get returns the task with the given id
func (s *Store) Get(ctx context.Context, id string) (t Task, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		t, err = getTask(tx.Bucket(tasksBucket), id)
		return err
	})
	return t, err
}

// List returns tasks in the given states, oldest first.  No states
// means every task.
func (s *Store) List(ctx context.Context, states ...State) (tasks []Task, err error) {
	wanted := func(State) bool { return true }
	if len(states) > 0 {
		set := make(map[State]struct{}, len(states))
		for _, st := range states {
			set[st] = struct{}{}
		}
		wanted = func(st State) bool {
			_, ok := set[st]
			return ok
		}
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			if wanted(t.State) {
				tasks = append(tasks, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

// ByFile returns every task for the file, oldest first
func (s *Store) ByFile(ctx context.Context, fileID string) (tasks []Task, err error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.FileID == fileID {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// sortTasks orders tasks oldest first with the id as tie-break
func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// Counts returns how many tasks are in each state
func (s *Store) Counts(ctx context.Context) (map[State]int, error) {
	counts := map[State]int{
		StatePending:    0,
		StateInProgress: 0,
		StateSuccess:    0,
		StateFailed:     0,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			counts[t.State]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// PendingCount returns how many tasks are pending
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	counts, err := s.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return counts[StatePending], nil
}

// AnyRunning reports whether any task is in progress
func (s *Store) AnyRunning(ctx context.Context) (running bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tasksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return errors.Wrapf(err, "corrupted task record %q", k)
			}
			if t.State == StateInProgress {
				running = true
				return nil
			}
		}
		return nil
	})
	return running, err
}

// PublishProgress sends a live progress update for a running task to
// the subscribers without writing it to disk.
func (s *Store) PublishProgress(id string, progress float64) {
	t, err := s.Get(context.Background(), id)
	if err != nil || t.State != StateInProgress {
		return
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	t.Progress = progress
	s.broadcaster.Publish(Event{Task: t, Live: true})
}
