package uploader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/library"
	"github.com/vaultsync/vaultsync/queue"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
	"golang.org/x/time/rate"
)

// Concurrency bounds.  Every destination kind gets its own worker
// pool so a slow or rate limited service can't starve the others, and
// one global cap bounds the transfers in flight across all pools.
const (
	minWorkers       = 1
	maxWorkers       = 5
	minParallel      = 2
	maxParallel      = 8
	minPollEvery     = time.Second
	defaultPollEvery = 5 * time.Second
)

// Options configures an Uploader
type Options struct {
	S3Workers      int           // object storage pool size (1-5)
	DriveWorkers   int           // Drive pool size (1-5)
	WebdavWorkers  int           // WebDAV pool size (1-5)
	MaxParallel    int           // transfers in flight across all pools (2-8)
	PollInterval   time.Duration // how often idle workers rescan the queue
	BandwidthLimit int64         // upload bytes/s across all transfers, 0 for unlimited
	TopContainer   string        // root container at every destination
	Metrics        *Metrics      // may be nil
}

// DefaultOptions returns the default uploader configuration.  Drive
// gets a single worker since its rate limits are the strictest.
func DefaultOptions() Options {
	return Options{
		S3Workers:     3,
		DriveWorkers:  1,
		WebdavWorkers: 2,
		MaxParallel:   4,
		PollInterval:  defaultPollEvery,
	}
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// complete fills in zero values and forces every knob into its
// allowed range
func (opt *Options) complete() {
	def := DefaultOptions()
	if opt.S3Workers == 0 {
		opt.S3Workers = def.S3Workers
	}
	if opt.DriveWorkers == 0 {
		opt.DriveWorkers = def.DriveWorkers
	}
	if opt.WebdavWorkers == 0 {
		opt.WebdavWorkers = def.WebdavWorkers
	}
	if opt.MaxParallel == 0 {
		opt.MaxParallel = def.MaxParallel
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = def.PollInterval
	}
	opt.S3Workers = clamp(opt.S3Workers, minWorkers, maxWorkers)
	opt.DriveWorkers = clamp(opt.DriveWorkers, minWorkers, maxWorkers)
	opt.WebdavWorkers = clamp(opt.WebdavWorkers, minWorkers, maxWorkers)
	opt.MaxParallel = clamp(opt.MaxParallel, minParallel, maxParallel)
	if opt.PollInterval < minPollEvery {
		opt.PollInterval = minPollEvery
	}
}

// workersFor returns the pool size for kind
func (opt *Options) workersFor(kind remote.Kind) int {
	switch kind {
	case remote.KindS3:
		return opt.S3Workers
	case remote.KindDrive:
		return opt.DriveWorkers
	case remote.KindWebdav:
		return opt.WebdavWorkers
	}
	return 0
}

// Uploader drains the task store.  Each backend kind has a fixed pool
// of workers which claim eligible tasks for remotes of their kind,
// and a task only starts transferring once it also holds one of the
// global slots.
type Uploader struct {
	opt        Options
	store      *queue.Store
	dir        library.Directory
	resolver   *library.Resolver
	registry   *remote.Registry
	metrics    *Metrics
	instanceID string
	limiter    *rate.Limiter
	global     chan struct{}
	kicks      map[remote.Kind]chan struct{}

	mu      sync.Mutex // protects the fields below
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Uploader draining store into the remotes in registry
func New(store *queue.Store, dir library.Directory, registry *remote.Registry, opt Options) *Uploader {
	opt.complete()
	kicks := make(map[remote.Kind]chan struct{}, len(remote.Kinds))
	for _, kind := range remote.Kinds {
		kicks[kind] = make(chan struct{}, 1)
	}
	return &Uploader{
		opt:        opt,
		store:      store,
		dir:        dir,
		resolver:   library.NewResolver(dir, opt.TopContainer),
		registry:   registry,
		metrics:    opt.Metrics,
		instanceID: uuid.NewString(),
		limiter:    newLimiter(opt.BandwidthLimit),
		global:     make(chan struct{}, opt.MaxParallel),
		kicks:      kicks,
	}
}

// InstanceID identifies this uploader in task claims
func (u *Uploader) InstanceID() string {
	return u.instanceID
}

// Start launches the worker pools.  They run until Stop is called or
// ctx is cancelled.
func (u *Uploader) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return
	}
	u.started = true
	ctx, u.cancel = context.WithCancel(ctx)
	for _, kind := range remote.Kinds {
		for i := 0; i < u.opt.workersFor(kind); i++ {
			u.wg.Add(1)
			go u.worker(ctx, kind)
		}
	}
	u.wg.Add(1)
	go u.watch(ctx)
	vault.Infof("uploader", "%s started: s3=%d drive=%d webdav=%d parallel=%d",
		u.instanceID, u.opt.S3Workers, u.opt.DriveWorkers, u.opt.WebdavWorkers, u.opt.MaxParallel)
}

// Stop cancels the workers and waits for them to finish.  Transfers
// in flight are aborted and their tasks requeued when the store is
// next opened.
func (u *Uploader) Stop() {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.started = false
	u.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	u.wg.Wait()
	vault.Infof("uploader", "%s stopped", u.instanceID)
}

// Kick wakes every worker pool to look for work.  It never blocks and
// is safe to call from anywhere, including before Start.
func (u *Uploader) Kick() {
	for _, ch := range u.kicks {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// kickKind wakes one worker of the given pool
func (u *Uploader) kickKind(kind remote.Kind) {
	ch := u.kicks[kind]
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// watch wakes the right pool whenever a task becomes pending, so new
// and retried work starts without waiting for the next poll.
func (u *Uploader) watch(ctx context.Context) {
	defer u.wg.Done()
	_, events, cancel, err := u.store.Subscribe(ctx)
	if err != nil {
		vault.Errorf("uploader", "can't watch the task store: %v", err)
		return
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Live || e.Deleted || e.Task.State != queue.StatePending {
				continue
			}
			if kind, ok := u.registry.KindOf(e.Task.RemoteID); ok {
				u.kickKind(kind)
			} else {
				// Unknown remote - any pool can fail it fast
				u.Kick()
			}
		}
	}
}

// worker drains tasks for one kind, then sleeps until kicked or the
// next poll.  Polling also picks up tasks whose retry gate has opened.
func (u *Uploader) worker(ctx context.Context, kind remote.Kind) {
	defer u.wg.Done()
	timer := time.NewTimer(u.opt.PollInterval)
	defer timer.Stop()
	for {
		u.drain(ctx, kind)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(u.opt.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-u.kicks[kind]:
		case <-timer.C:
		}
	}
}

// drain claims and runs eligible tasks until none remain.  After each
// claim it wakes a sibling so the whole pool fills when there is a
// backlog.
func (u *Uploader) drain(ctx context.Context, kind remote.Kind) {
	for ctx.Err() == nil {
		t, err := u.store.Claim(ctx, u.instanceID, u.accepts(kind))
		if err != nil {
			if errors.Cause(err) != queue.ErrorNoEligibleTask && ctx.Err() == nil {
				vault.Errorf("uploader", "claim failed: %v", err)
			}
			return
		}
		u.kickKind(kind)
		u.process(ctx, kind, t)
	}
}

// accepts filters claims to remotes of the pool's kind.  Tasks for
// remotes no longer in the registry are accepted by every pool so
// they fail fast with a configuration error instead of sitting in the
// queue forever.
func (u *Uploader) accepts(kind remote.Kind) func(remoteID string) bool {
	return func(remoteID string) bool {
		k, ok := u.registry.KindOf(remoteID)
		return !ok || k == kind
	}
}

// process runs one claimed task once it holds a global slot
func (u *Uploader) process(ctx context.Context, kind remote.Kind, t queue.Task) {
	select {
	case u.global <- struct{}{}:
	case <-ctx.Done():
		vault.Debugf("uploader", "shutting down - task %s will be requeued", t.ID)
		return
	}
	defer func() { <-u.global }()

	u.metrics.started(string(kind))
	u.updateQueueMetrics(ctx)
	if err := u.upload(ctx, kind, t); err != nil {
		u.fail(ctx, kind, t, err)
	}
	u.updateQueueMetrics(ctx)
}

// upload runs the transfer for t and records the outcome on success.
// A non-nil return means the attempt failed and should be marked.
func (u *Uploader) upload(ctx context.Context, kind remote.Kind, t queue.Task) error {
	backend, err := u.registry.Backend(ctx, t.RemoteID)
	if err != nil {
		return err
	}
	dst, err := u.resolver.Destination(ctx, t.FileID)
	if err != nil {
		return err
	}
	in, size, err := u.dir.Open(ctx, t.FileID)
	if err != nil {
		return err
	}
	acc := newAccount(ctx, in, size, u.limiter, func(fraction float64) {
		u.store.PublishProgress(t.ID, fraction)
	})
	vault.Infof(backend, "uploading %s (%d bytes) to %v", t.FileID, size, dst)
	loc, err := backend.Put(ctx, acc, dst, size)
	closeErr := acc.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if _, err := u.store.MarkSuccess(ctx, t.ID, loc); err != nil {
		// The task was cancelled while the transfer ran, so the
		// result is discarded.
		vault.Debugf(backend, "task %s cancelled during upload - dropping result: %v", t.ID, err)
		return nil
	}
	if err := u.dir.SetUploaded(ctx, t.FileID, t.RemoteID, true); err != nil {
		vault.Errorf(backend, "couldn't mark file %s as uploaded to %s: %v", t.FileID, t.RemoteID, err)
	}
	u.metrics.succeeded(string(kind), acc.Bytes())
	vault.Infof(backend, "uploaded %s as %s", t.FileID, loc)
	return nil
}

// fail records a failed attempt.  The raw error goes to the log only,
// the task record gets a message the user can act on.
func (u *Uploader) fail(ctx context.Context, kind remote.Kind, t queue.Task, err error) {
	if ctx.Err() != nil {
		// Shutting down - leave the task in progress so it is
		// requeued on the next start instead of burning an attempt.
		vault.Debugf("uploader", "shutting down - task %s will be requeued: %v", t.ID, err)
		return
	}
	vault.Errorf("uploader", "upload of %s to %s failed: %v", t.FileID, t.RemoteID, err)
	updated, merr := u.store.MarkFailed(ctx, t.ID, userMessage(err), vault.IsFatalError(err))
	if merr != nil {
		vault.Debugf("uploader", "task %s cancelled during upload - dropping failure: %v", t.ID, merr)
		return
	}
	u.metrics.failed(string(kind), !updated.Terminal())
}

// userMessage turns an upload error into a short actionable message
// for the task record
func userMessage(err error) string {
	switch errors.Cause(err) {
	case vault.ErrorRemoteNotConfigured:
		return "This destination is not configured. Check the remote settings."
	case vault.ErrorPermissionDenied:
		return "The destination rejected the credentials. Sign in to the remote again."
	case vault.ErrorObjectNotFound:
		return "The file to upload could not be found."
	case vault.ErrorLocatorInvalid:
		return "The stored upload reference is damaged."
	}
	if vault.IsFatalError(err) {
		return "The upload cannot be completed. Check the destination settings."
	}
	return "The upload failed. It will be retried automatically."
}

func (u *Uploader) updateQueueMetrics(ctx context.Context) {
	if u.metrics == nil {
		return
	}
	counts, err := u.store.Counts(ctx)
	if err != nil {
		vault.Debugf("uploader", "can't read queue counts: %v", err)
		return
	}
	u.metrics.queue(counts[queue.StatePending], counts[queue.StateInProgress])
}
