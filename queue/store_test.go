package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
)

// openTestStore makes a store in a fresh temporary directory with
// fast retry timing.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	s.SetBackoff(time.Millisecond, 10*time.Millisecond)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

// claimSoon claims the next task, waiting out a backoff gate if needed
func claimSoon(t *testing.T, s *Store, accept func(string) bool) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := s.Claim(context.Background(), "test", accept)
		if err == nil {
			return task
		}
		require.Equal(t, ErrorNoEligibleTask, err)
		require.True(t, time.Now().Before(deadline), "no task became eligible")
		time.Sleep(time.Millisecond)
	}
}

// acceptRemote accepts only tasks for the given remote
func acceptRemote(remoteID string) func(string) bool {
	return func(r string) bool { return r == remoteID }
}

func TestEnqueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	assert.True(t, created)

	// One row per (file, remote) pair
	created, err = s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.Enqueue(ctx, "", "r1")
	assert.Error(t, err)
	_, err = s.Enqueue(ctx, "0af3", "")
	assert.Error(t, err)

	task, err := s.Get(ctx, TaskID("0af3", "r1"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, "0af3", task.FileID)
	assert.Equal(t, "r1", task.RemoteID)
	assert.Equal(t, DefaultMaxAttempts, task.MaxAttempts)
	assert.Equal(t, 0, task.AttemptCount)
	assert.False(t, task.CreatedAt.IsZero())

	_, err = s.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))
}

func TestEnqueueBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.EnqueueBatch(ctx, []string{"a", "b"}, []string{"r1", "r2"})
	require.NoError(t, err)
	assert.Equal(t, 4, created)

	// Existing pairs are skipped
	created, err = s.EnqueueBatch(ctx, []string{"a", "c"}, []string{"r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	_, err = s.EnqueueBatch(ctx, []string{""}, []string{"r1"})
	assert.Error(t, err)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 5)
}

func TestClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, "test", nil)
	assert.Equal(t, ErrorNoEligibleTask, err)

	_, err = s.Enqueue(ctx, "first", "r1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Enqueue(ctx, "second", "r1")
	require.NoError(t, err)

	// Oldest first
	task, err := s.Claim(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", task.FileID)
	assert.Equal(t, StateInProgress, task.State)
	assert.False(t, task.LastAttemptAt.IsZero())

	task, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", task.FileID)

	_, err = s.Claim(ctx, "test", nil)
	assert.Equal(t, ErrorNoEligibleTask, err)
}

func TestClaimAccept(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "first", "r-s3")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Enqueue(ctx, "second", "r-drive")
	require.NoError(t, err)

	// The filter skips the older task for the wrong remote
	task, err := s.Claim(ctx, "test", acceptRemote("r-drive"))
	require.NoError(t, err)
	assert.Equal(t, "second", task.FileID)

	_, err = s.Claim(ctx, "test", acceptRemote("r-drive"))
	assert.Equal(t, ErrorNoEligibleTask, err)
}

func TestClaimCancelled(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Claim(ctx, "test", nil)
	assert.Equal(t, context.Canceled, err)
}

func TestMarkSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	id := TaskID("0af3", "r1")

	// Only a running task can succeed
	_, err = s.MarkSuccess(ctx, id, "s3://bucket/key")
	assert.Error(t, err)

	_, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)

	_, err = s.MarkSuccess(ctx, id, "")
	assert.Error(t, err)

	task, err := s.MarkSuccess(ctx, id, "s3://bucket/MyFolderPrivate/photos/0af3")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, task.State)
	assert.Equal(t, 1.0, task.Progress)
	assert.Equal(t, remote.Locator("s3://bucket/MyFolderPrivate/photos/0af3"), task.UploadedLocator)
	assert.Empty(t, task.ErrorMessage)
	assert.False(t, task.CompletedAt.IsZero())
	assert.True(t, task.Terminal())

	_, err = s.MarkSuccess(ctx, "missing", "s3://bucket/key")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))
}

func TestMarkFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	id := TaskID("0af3", "r1")

	// Only a running task can fail
	_, err = s.MarkFailed(ctx, id, "boom", false)
	assert.Error(t, err)

	_, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)

	task, err := s.MarkFailed(ctx, id, "The upload failed.", false)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, "The upload failed.", task.ErrorMessage)
	assert.False(t, task.NextRetryAt.IsZero())
	assert.False(t, task.Terminal())

	// The gate opens and the task is claimed again
	task = claimSoon(t, s, nil)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, 1, task.AttemptCount)
}

func TestMarkFailedFatal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	id := TaskID("0af3", "r1")
	_, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)

	// A fatal failure consumes the remaining attempt budget
	task, err := s.MarkFailed(ctx, id, "The destination rejected the credentials.", true)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, task.MaxAttempts, task.AttemptCount)
	assert.True(t, task.Terminal())
	assert.True(t, task.NextRetryAt.IsZero())
	assert.False(t, task.CompletedAt.IsZero())

	_, err = s.Claim(ctx, "test", nil)
	assert.Equal(t, ErrorNoEligibleTask, err)
}

func TestRetryBudget(t *testing.T) {
	s := openTestStore(t)
	s.SetMaxAttempts(3)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	id := TaskID("0af3", "r1")

	// The task runs exactly MaxAttempts times
	for attempt := 1; attempt <= 3; attempt++ {
		task := claimSoon(t, s, nil)
		require.Equal(t, id, task.ID)
		task, err = s.MarkFailed(ctx, id, "boom", false)
		require.NoError(t, err)
		assert.Equal(t, attempt, task.AttemptCount)
	}

	task, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, task.Terminal())

	time.Sleep(20 * time.Millisecond)
	_, err = s.Claim(ctx, "test", nil)
	assert.Equal(t, ErrorNoEligibleTask, err)
}

func TestRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	id := TaskID("0af3", "r1")

	// Only a failed task can be retried
	_, err = s.Retry(ctx, id)
	assert.Error(t, err)

	_, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, id, "boom", true)
	require.NoError(t, err)

	// Retry grants a fresh budget even after a fatal failure
	task, err := s.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 0, task.AttemptCount)
	assert.Empty(t, task.ErrorMessage)
	assert.True(t, task.NextRetryAt.IsZero())
	assert.True(t, task.CompletedAt.IsZero())

	task, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)

	_, err = s.Retry(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))
}

func TestRetryAllFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueBatch(ctx, []string{"a"}, []string{"r1", "r2", "r3", "r4"})
	require.NoError(t, err)

	// r1 fails terminally, r2 fails with budget left, r3 succeeds,
	// r4 stays pending
	_, err = s.Claim(ctx, "test", acceptRemote("r1"))
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, TaskID("a", "r1"), "boom", true)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "test", acceptRemote("r2"))
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, TaskID("a", "r2"), "boom", false)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "test", acceptRemote("r3"))
	require.NoError(t, err)
	_, err = s.MarkSuccess(ctx, TaskID("a", "r3"), "s3://bucket/a")
	require.NoError(t, err)

	n, err := s.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatePending])
	assert.Equal(t, 1, counts[StateSuccess])
	assert.Equal(t, 0, counts[StateFailed])
}

func TestCancelAllPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueBatch(ctx, []string{"a", "b"}, []string{"r1"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "test", acceptRemote("r1"))
	require.NoError(t, err)

	// Every row goes, including the one in flight
	n, err := s.CancelAllPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// The in flight upload finds its row gone and drops the result
	_, err = s.MarkSuccess(ctx, TaskID("a", "r1"), "s3://bucket/a")
	require.Error(t, err)
	assert.Equal(t, vault.ErrorObjectNotFound, errors.Cause(err))

	n, err = s.CancelAllPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClearCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueBatch(ctx, []string{"a"}, []string{"r1", "r2", "r3"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "test", acceptRemote("r1"))
	require.NoError(t, err)
	_, err = s.MarkSuccess(ctx, TaskID("a", "r1"), "s3://bucket/a")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "test", acceptRemote("r2"))
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, TaskID("a", "r2"), "boom", true)
	require.NoError(t, err)

	// Only successful rows are removed
	n, err := s.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatePending])
	assert.Equal(t, 1, counts[StateFailed])
	assert.Equal(t, 0, counts[StateSuccess])
}

func TestResetInProgressOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "0af3", "r1")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening requeues the interrupted upload without burning an
	// attempt
	s, err = Open(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, s.Close())
	}()
	task, err := s.Get(ctx, TaskID("0af3", "r1"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 0, task.AttemptCount)
	assert.Equal(t, 0.0, task.Progress)

	task, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)
	assert.Equal(t, TaskID("0af3", "r1"), task.ID)
}

func TestListAndByFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "b", "r1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Enqueue(ctx, "a", "r1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Enqueue(ctx, "a", "r2")
	require.NoError(t, err)

	// Oldest first regardless of key order
	tasks, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, TaskID("b", "r1"), tasks[0].ID)
	assert.Equal(t, TaskID("a", "r1"), tasks[1].ID)
	assert.Equal(t, TaskID("a", "r2"), tasks[2].ID)

	_, err = s.Claim(ctx, "test", acceptRemote("r2"))
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, TaskID("a", "r2"), "boom", false)
	require.NoError(t, err)

	tasks, err = s.List(ctx, StateFailed)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskID("a", "r2"), tasks[0].ID)

	tasks, err = s.ByFile(ctx, "a")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskID("a", "r1"), tasks[0].ID)
	assert.Equal(t, TaskID("a", "r2"), tasks[1].ID)
}

func TestCountsAndRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	running, err := s.AnyRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	_, err = s.EnqueueBatch(ctx, []string{"a", "b"}, []string{"r1"})
	require.NoError(t, err)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Claim(ctx, "test", nil)
	require.NoError(t, err)

	running, err = s.AnyRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatePending])
	assert.Equal(t, 1, counts[StateInProgress])
	assert.Equal(t, 0, counts[StateSuccess])
	assert.Equal(t, 0, counts[StateFailed])
}

func TestBackoff(t *testing.T) {
	s := &Store{backoffBase: time.Second, backoffMax: 10 * time.Second}
	for i, test := range []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{100, 10 * time.Second},
	} {
		what := fmt.Sprintf("test #%d: attempt %d", i, test.attempt)
		assert.Equal(t, test.want, s.backoff(test.attempt), what)
	}
}
