package sync

import (
	"context"
	"log/slog"

	"sync"

	"github.com/google/uuid"

	"github.com/schmelczer/reconcile/internal/locks"
	"github.com/schmelczer/reconcile/internal/queue"
	"github.com/schmelczer/reconcile/internal/sdk"
	"github.com/schmelczer/reconcile/internal/vaultfs"
)

// task is one unit of scheduled sync work.
type task struct {
	label string
	path  string
	run   func(ctx context.Context) error
}

// Scheduler owns the FIFO work queue and the public entry points. Each
// entry point applies its guardrail, then enqueues a unit of work that
// a bounded pool of workers executes.
type Scheduler struct {
	store       *MetadataStore
	syncer      *Syncer
	files       *vaultfs.FileOps
	history     *History
	ignore      *IgnoreList
	scanner     *LocalScanner
	transport   Transport
	resets      *ResetCoordinator
	docLocks    *locks.KeyedLocks[string]
	tasks       *queue.Queue[*task]
	concurrency int
	syncEnabled bool

	reconcileOnce sync.Once

	mu        sync.Mutex
	idle      *sync.Cond
	pending   int
	resetting bool
	stopped   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(store *MetadataStore, syncer *Syncer, files *vaultfs.FileOps, history *History, ignore *IgnoreList, scanner *LocalScanner, transport Transport, resets *ResetCoordinator, concurrency int, syncEnabled bool) *Scheduler {
	sch := &Scheduler{
		store:       store,
		syncer:      syncer,
		files:       files,
		history:     history,
		ignore:      ignore,
		scanner:     scanner,
		transport:   transport,
		resets:      resets,
		docLocks:    locks.NewKeyedLocks[string](),
		tasks:       queue.New[*task](),
		concurrency: concurrency,
		syncEnabled: syncEnabled,
	}
	sch.idle = sync.NewCond(&sch.mu)
	return sch
}

// Start launches the worker pool.
func (sch *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sch.cancel = cancel

	for i := 0; i < sch.concurrency; i++ {
		sch.wg.Add(1)
		go func() {
			defer sch.wg.Done()
			sch.worker(ctx)
		}()
	}
}

// Stop cancels the workers and waits for them to exit.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	sch.stopped = true
	sch.mu.Unlock()

	if sch.cancel != nil {
		sch.cancel()
	}
	sch.wg.Wait()
}

func (sch *Scheduler) worker(ctx context.Context) {
	for {
		t, err := sch.tasks.Take(ctx)
		if err != nil {
			return
		}

		taskCtx, cancel := sch.resets.Wrap(ctx)
		err = t.run(taskCtx)
		cancel()

		if err != nil {
			// the syncer already classified and recorded it; the work
			// item is dropped, a later event reprocesses the document
			slog.Warn("sync work failed", "op", t.label, "path", t.path, "error", err)
		}
		sch.taskDone()
	}
}

// RemainingOperations reports queued plus in-flight work.
func (sch *Scheduler) RemainingOperations() int {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.pending
}

// WaitIdle blocks until the queue is empty and no work is in flight.
func (sch *Scheduler) WaitIdle() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for sch.pending > 0 {
		sch.idle.Wait()
	}
}

func (sch *Scheduler) enqueue(label, path string, run func(ctx context.Context) error) {
	sch.mu.Lock()
	if sch.resetting || sch.stopped {
		sch.mu.Unlock()
		return
	}
	sch.pending++
	sch.mu.Unlock()

	sch.tasks.Enqueue(&task{label: label, path: path, run: run}, 0)
}

func (sch *Scheduler) taskDone() {
	sch.mu.Lock()
	sch.pending--
	if sch.pending == 0 {
		sch.idle.Broadcast()
	}
	sch.mu.Unlock()
}

// SyncLocalCreate schedules the upload of a newly created local file.
// A live record at the path means the create is an echo and drops.
func (sch *Scheduler) SyncLocalCreate(path string) {
	if sch.ignore.ShouldIgnore(path) {
		return
	}
	if rec := sch.store.GetLatestByPath(path); rec != nil && !sch.store.IsRecordDeleted(rec) {
		return
	}

	sch.enqueue("local-create", path, func(ctx context.Context) error {
		// re-check under the queue: an earlier task may have created it
		if rec := sch.store.GetLatestByPath(path); rec != nil && !sch.store.IsRecordDeleted(rec) {
			return nil
		}

		handle := NewPendingUpdate()
		defer sch.store.RemovePending(handle)

		rec, err := sch.store.CreatePending(uuid.NewString(), path, handle)
		if err != nil {
			return nil
		}

		err = sch.syncer.SyncLocalCreate(ctx, rec)
		if sch.store.MetadataOf(rec) == nil {
			// never acknowledged; drop the placeholder so a later
			// event can retry from scratch
			sch.store.Remove(rec)
		}
		return err
	})
}

// SyncLocalDelete schedules the remote deletion of a removed local
// file. The tombstone is marked immediately so racing in-flight
// updates cannot resurrect metadata at this path.
func (sch *Scheduler) SyncLocalDelete(path string) {
	if sch.ignore.ShouldIgnore(path) {
		return
	}
	sch.store.Delete(path)

	sch.enqueue("local-delete", path, func(ctx context.Context) error {
		handle := NewPendingUpdate()
		defer sch.store.RemovePending(handle)

		rec, err := sch.store.ResolveByPath(ctx, path, handle)
		if err != nil || rec == nil {
			return err
		}
		if !sch.store.IsRecordDeleted(rec) {
			// the path was reused by a newer record; nothing to delete
			return nil
		}

		if err := sch.syncer.SyncLocalDelete(ctx, rec); err != nil {
			return err
		}

		sch.store.RemovePending(handle)
		sch.store.Remove(rec)
		return nil
	})
}

// SyncLocalUpdate schedules the upload of a changed (or renamed) local
// file. Rename echoes of server-driven moves drop here.
func (sch *Scheduler) SyncLocalUpdate(oldPath, path string) {
	if sch.ignore.ShouldIgnore(path) {
		return
	}

	if oldPath != "" {
		if rec := sch.store.GetLatestByPath(path); rec == nil || sch.store.IsRecordDeleted(rec) {
			if prev := sch.store.GetLatestByPath(oldPath); prev != nil && !sch.store.IsRecordDeleted(prev) {
				if meta := sch.store.MetadataOf(prev); meta != nil && meta.RemoteRelativePath == path {
					// rebound of a rename we applied on the server's
					// behalf
					return
				}
				if err := sch.store.Move(oldPath, path); err != nil {
					slog.Warn("record move refused", "from", oldPath, "to", path, "error", err)
					return
				}
			}
		}
	}

	if rec := sch.store.GetLatestByPath(path); rec == nil || sch.store.IsRecordDeleted(rec) {
		// unknown document: treat the event as a create
		sch.SyncLocalCreate(path)
		return
	}

	sch.enqueue("local-update", path, func(ctx context.Context) error {
		handle := NewPendingUpdate()
		defer sch.store.RemovePending(handle)

		rec, err := sch.store.ResolveByPath(ctx, path, handle)
		if err != nil || rec == nil {
			return err
		}
		if sch.store.MetadataOf(rec) == nil {
			// creation still in flight; it uploads current content
			return nil
		}
		return sch.syncer.SyncLocalUpdate(ctx, rec, oldPath, false)
	})
}

// SyncRemoteUpdate schedules the application of a remote notification.
// Concurrent notifications for one new document id serialise on a
// dedicated lock so only one creates the record.
func (sch *Scheduler) SyncRemoteUpdate(notification *sdk.VaultUpdateNotification) {
	if sch.ignore.ShouldIgnore(notification.RelativePath) {
		return
	}

	sch.enqueue("remote-update", notification.RelativePath, func(ctx context.Context) error {
		if err := sch.docLocks.Lock(ctx, notification.DocumentID); err != nil {
			return err
		}
		defer sch.docLocks.Unlock(notification.DocumentID)

		rec := sch.store.GetByID(notification.DocumentID)
		if rec == nil {
			return sch.syncer.SyncRemoteUpdate(ctx, notification, nil)
		}

		handle := NewPendingUpdate()
		defer sch.store.RemovePending(handle)

		resolved, err := sch.store.ResolveByPath(ctx, rec.RelativePath, handle)
		if err != nil {
			return err
		}
		if resolved == nil || resolved.DocumentID != notification.DocumentID {
			// the path was reused while we queued; address the record
			// directly, its chain has drained
			resolved = sch.store.GetByID(notification.DocumentID)
			if resolved == nil {
				return sch.syncer.SyncRemoteUpdate(ctx, notification, nil)
			}
		}
		return sch.syncer.SyncRemoteUpdate(ctx, notification, resolved)
	})
}

// Reset aborts in-flight work, drains the queue, clears every
// transient structure and reloads the store from its snapshot. No new
// work is admitted while the reset runs.
func (sch *Scheduler) Reset() error {
	sch.mu.Lock()
	sch.resetting = true
	sch.mu.Unlock()

	sch.resets.Trip()

	for range sch.tasks.DrainAll() {
		sch.taskDone()
	}
	sch.WaitIdle()

	err := sch.store.Reset()
	sch.files.FS().Locks().Reset()
	sch.docLocks.Reset()
	sch.resets.Renew()

	sch.mu.Lock()
	sch.resetting = false
	sch.mu.Unlock()
	return err
}
