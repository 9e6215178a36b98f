// Package reconcile verifies that uploads recorded as successful
// still exist at their destinations.  Objects which are definitely
// gone have their library upload marker cleared so they become
// visible as not backed up; nothing is ever deleted remotely.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/library"
	"github.com/vaultsync/vaultsync/queue"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/vault"
	"golang.org/x/sync/errgroup"
)

// RemoteReport is the outcome of sweeping one remote
type RemoteReport struct {
	RemoteID string
	Checked  int  // locators probed
	Missing  int  // objects definitely gone, marker cleared
	Errors   int  // probes which failed, marker left alone
	Skipped  bool // remote not configured, nothing probed
}

// Report is the outcome of one reconcile run
type Report struct {
	RunID   string
	Started time.Time
	Elapsed time.Duration
	Remotes []RemoteReport
	Checked int
	Missing int
	Errors  int
	Skipped int
}

// Reconciler sweeps the successful uploads in the task store against
// the remotes which hold them
type Reconciler struct {
	store    *queue.Store
	dir      library.Directory
	registry *remote.Registry
}

// New creates a Reconciler
func New(store *queue.Store, dir library.Directory, registry *remote.Registry) *Reconciler {
	return &Reconciler{
		store:    store,
		dir:      dir,
		registry: registry,
	}
}

// Run sweeps every successful upload once.  Remotes are swept in
// parallel, the locators of each remote in turn.  A probe which fails
// leaves the upload marker alone - only a definite miss clears it.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
	}
	tasks, err := r.store.List(ctx, queue.StateSuccess)
	if err != nil {
		return report, errors.Wrap(err, "reconcile: couldn't list uploads")
	}
	byRemote := make(map[string][]queue.Task)
	for _, t := range tasks {
		byRemote[t.RemoteID] = append(byRemote[t.RemoteID], t)
	}
	remoteIDs := make([]string, 0, len(byRemote))
	for id := range byRemote {
		remoteIDs = append(remoteIDs, id)
	}
	sort.Strings(remoteIDs)

	vault.Infof("reconcile", "run %s checking %d upload(s) across %d remote(s)", report.RunID, len(tasks), len(remoteIDs))

	results := make([]RemoteReport, len(remoteIDs))
	g, gCtx := errgroup.WithContext(ctx)
	for i, remoteID := range remoteIDs {
		i, remoteID := i, remoteID // Capture for goroutine
		g.Go(func() error {
			results[i] = r.sweep(gCtx, remoteID, byRemote[remoteID])
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = time.Since(report.Started)
	report.Remotes = results
	for _, res := range results {
		report.Checked += res.Checked
		report.Missing += res.Missing
		report.Errors += res.Errors
		if res.Skipped {
			report.Skipped++
		}
	}
	vault.Infof("reconcile", "run %s finished in %v: %d checked, %d missing, %d errors, %d remote(s) skipped",
		report.RunID, report.Elapsed.Round(time.Millisecond), report.Checked, report.Missing, report.Errors, report.Skipped)
	return report, nil
}

// sweep probes every locator recorded for one remote
func (r *Reconciler) sweep(ctx context.Context, remoteID string, tasks []queue.Task) RemoteReport {
	res := RemoteReport{RemoteID: remoteID}
	backend, err := r.registry.Backend(ctx, remoteID)
	if err != nil {
		if errors.Cause(err) == vault.ErrorRemoteNotConfigured {
			vault.Logf("reconcile", "skipping remote %s: %v", remoteID, err)
			res.Skipped = true
			return res
		}
		vault.Errorf("reconcile", "can't reach remote %s: %v", remoteID, err)
		res.Errors = len(tasks)
		return res
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			res.Errors++
			continue
		}
		if t.UploadedLocator == "" {
			vault.Errorf(backend, "task %s has no stored locator", t.ID)
			res.Errors++
			continue
		}
		res.Checked++
		ok, err := backend.Exists(ctx, t.UploadedLocator)
		if err != nil {
			// Can't tell - the marker stays until a probe succeeds
			vault.Debugf(backend, "couldn't check %s: %v", t.UploadedLocator, err)
			res.Errors++
			continue
		}
		if ok {
			continue
		}
		vault.Logf(backend, "%s is gone from the remote - marking file %s as not uploaded", t.UploadedLocator, t.FileID)
		res.Missing++
		if err := r.dir.SetUploaded(ctx, t.FileID, remoteID, false); err != nil {
			vault.Errorf(backend, "couldn't clear upload marker for file %s: %v", t.FileID, err)
		}
	}
	return res
}
