package queue

import (
	"context"

	"github.com/vaultsync/vaultsync/vault"
)

// Subscribe returns a snapshot of every task plus a stream of
// subsequent changes.  The subscription is registered before the
// snapshot is read, so no change is lost in between - a subscriber
// may see a change it already holds and should apply events
// idempotently.  Call cancel when done.
func (s *Store) Subscribe(ctx context.Context) (snapshot []Task, events <-chan Event, cancel func(), err error) {
	raw, rawCancel := s.broadcaster.Subscribe()
	snapshot, err = s.List(ctx)
	if err != nil {
		rawCancel()
		return nil, nil, nil, err
	}
	return snapshot, raw, rawCancel, nil
}

// forward delivers e on out without blocking, dropping the oldest
// queued event if out is full.
func forward(out chan Event, e Event) {
	select {
	case out <- e:
	default:
		select {
		case <-out:
		default:
		}
		select {
		case out <- e:
		default:
		}
	}
}

// SubscribeFile is Subscribe narrowed to the tasks of one file
func (s *Store) SubscribeFile(ctx context.Context, fileID string) (snapshot []Task, events <-chan Event, cancel func(), err error) {
	raw, rawCancel := s.broadcaster.Subscribe()
	snapshot, err = s.ByFile(ctx, fileID)
	if err != nil {
		rawCancel()
		return nil, nil, nil, err
	}
	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		done := ctx.Done()
		for {
			select {
			case e, ok := <-raw:
				if !ok {
					return
				}
				if e.Task.FileID != fileID {
					continue
				}
				forward(out, e)
			case <-done:
				rawCancel()
				done = nil
			}
		}
	}()
	return snapshot, out, rawCancel, nil
}

// WatchPendingCount returns a stream of the pending task count.  The
// current count is delivered first; afterwards only changes are sent,
// latest value wins if the reader is slow.  Call cancel when done.
func (s *Store) WatchPendingCount(ctx context.Context) (<-chan int, func(), error) {
	raw, rawCancel := s.broadcaster.Subscribe()
	count, err := s.PendingCount(ctx)
	if err != nil {
		rawCancel()
		return nil, nil, err
	}
	out := make(chan int, 1)
	out <- count
	go func() {
		defer close(out)
		last := count
		done := ctx.Done()
		for {
			select {
			case e, ok := <-raw:
				if !ok {
					return
				}
				if e.Live {
					continue
				}
				n, err := s.PendingCount(context.Background())
				if err != nil {
					vault.Debugf("queue", "pending count unavailable: %v", err)
					continue
				}
				if n == last {
					continue
				}
				last = n
				select {
				case out <- n:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- n:
					default:
					}
				}
			case <-done:
				rawCancel()
				done = nil
			}
		}
	}()
	return out, rawCancel, nil
}

// WatchAnyRunning returns a stream of whether any task is in
// progress, current value first, then changes only.  Call cancel when
// done.
func (s *Store) WatchAnyRunning(ctx context.Context) (<-chan bool, func(), error) {
	raw, rawCancel := s.broadcaster.Subscribe()
	running, err := s.AnyRunning(ctx)
	if err != nil {
		rawCancel()
		return nil, nil, err
	}
	out := make(chan bool, 1)
	out <- running
	go func() {
		defer close(out)
		last := running
		done := ctx.Done()
		for {
			select {
			case e, ok := <-raw:
				if !ok {
					return
				}
				if e.Live {
					continue
				}
				now, err := s.AnyRunning(context.Background())
				if err != nil {
					vault.Debugf("queue", "running state unavailable: %v", err)
					continue
				}
				if now == last {
					continue
				}
				last = now
				select {
				case out <- now:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- now:
					default:
					}
				}
			case <-done:
				rawCancel()
				done = nil
			}
		}
	}()
	return out, rawCancel, nil
}
