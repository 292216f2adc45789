package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sync"

	"github.com/schmelczer/reconcile/internal/sdk"
)

// NotificationSource yields remote vault update notifications; the sdk
// events socket implements it.
type NotificationSource interface {
	Notifications() <-chan *sdk.VaultUpdateNotification
}

// RemoteLoop drives the pull side: it dispatches pushed notifications
// to the scheduler and periodically pulls changes since the last-seen
// update id as a safety net for missed pushes.
type RemoteLoop struct {
	sched     *Scheduler
	store     *MetadataStore
	transport Transport
	source    NotificationSource
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRemoteLoop(sched *Scheduler, store *MetadataStore, transport Transport, source NotificationSource, interval time.Duration) *RemoteLoop {
	return &RemoteLoop{
		sched:     sched,
		store:     store,
		transport: transport,
		source:    source,
		interval:  interval,
	}
}

// Start launches the pull and push loops.
func (rl *RemoteLoop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rl.mu.Lock()
	rl.cancel = cancel
	rl.mu.Unlock()

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.pullLoop(ctx)
	}()

	if rl.source != nil {
		rl.wg.Add(1)
		go func() {
			defer rl.wg.Done()
			rl.pushLoop(ctx)
		}()
	}
}

// Stop halts both loops.
func (rl *RemoteLoop) Stop() {
	rl.mu.Lock()
	if rl.cancel != nil {
		rl.cancel()
	}
	rl.mu.Unlock()
	rl.wg.Wait()
}

func (rl *RemoteLoop) pullLoop(ctx context.Context) {
	// a timer instead of a ticker so a slow pull never queues ticks
	timer := time.NewTimer(rl.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := rl.Pull(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("remote pull failed", "error", err)
			}
			timer.Reset(rl.interval)
		}
	}
}

// Pull fetches every change since the last-seen update id and
// dispatches it. Exported so the daemon can force an immediate pull.
func (rl *RemoteLoop) Pull(ctx context.Context) error {
	since := rl.store.LastSeen()
	view, err := rl.transport.GetAll(ctx, since)
	if err != nil {
		return err
	}

	dispatched := 0
	for _, doc := range view.LatestDocuments {
		if doc.VaultUpdateID <= since {
			continue
		}
		rl.sched.SyncRemoteUpdate(&sdk.VaultUpdateNotification{
			VaultUpdateID: doc.VaultUpdateID,
			DocumentID:    doc.DocumentID,
			RelativePath:  doc.RelativePath,
			IsDeleted:     doc.IsDeleted,
			ContentSize:   doc.ContentSize,
		})
		dispatched++
	}

	if dispatched > 0 {
		slog.Debug("remote pull", "since", since, "dispatched", dispatched, "serverLatest", view.LastUpdateID)
	}
	return nil
}

func (rl *RemoteLoop) pushLoop(ctx context.Context) {
	// on reconnect the server replays a catch-up batch marked
	// isInitialSync; once it ends, the watermark fast-forwards to the
	// batch's max id
	var initialBatchMax int64

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-rl.source.Notifications():
			if !ok {
				return
			}

			if notification.IsInitialSync {
				if notification.VaultUpdateID > initialBatchMax {
					initialBatchMax = notification.VaultUpdateID
				}
			} else if initialBatchMax > 0 {
				rl.store.SetSeenFloor(initialBatchMax)
				initialBatchMax = 0
			}

			rl.sched.SyncRemoteUpdate(notification)
		}
	}
}
