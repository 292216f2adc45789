package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"sync"

	"github.com/schmelczer/reconcile/internal/merge"
	"github.com/schmelczer/reconcile/internal/sdk"
	"github.com/schmelczer/reconcile/internal/vaultfs"
)

// Options configures a sync Manager.
type Options struct {
	VaultDir        string
	Concurrency     int
	MaxFileSize     int64
	PullInterval    time.Duration
	IgnorePatterns  []string
	SyncEnabled     bool
	WatcherEnabled  bool
	InternalDataDir string
}

// Manager assembles the sync engine and exposes the client-facing
// API: local event entry points, the remote notification sink, the
// offline reconciliation trigger, reset/stop and the status surface.
type Manager struct {
	opts        Options
	client      *sdk.Client
	store       *MetadataStore
	persistence Persistence
	history     *History
	scheduler   *Scheduler
	remoteLoop  *RemoteLoop
	watcher     *Watcher
	files       *vaultfs.FileOps

	wg sync.WaitGroup
}

func NewManager(opts Options, client *sdk.Client) (*Manager, error) {
	if opts.InternalDataDir == "" {
		opts.InternalDataDir = filepath.Join(opts.VaultDir, ".reconcile")
	}

	osfs, err := vaultfs.NewOSFileSystem(opts.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	files := vaultfs.NewFileOps(vaultfs.NewSafeFS(osfs), merge.NewDMP())

	ignore := NewIgnoreList(opts.IgnorePatterns)
	history := NewHistory(filepath.Join(opts.InternalDataDir, "history.jsonl"))

	persistence, err := NewSqlitePersistence(filepath.Join(opts.InternalDataDir, "state.db"))
	if err != nil {
		return nil, err
	}

	store, err := NewMetadataStore(persistence)
	if err != nil {
		persistence.Close()
		return nil, err
	}

	scanner, err := NewLocalScanner(files, ignore)
	if err != nil {
		persistence.Close()
		return nil, err
	}

	resets := NewResetCoordinator()
	syncer := NewSyncer(store, files, client.Vault, history, opts.MaxFileSize)

	var watcher *Watcher
	if opts.WatcherEnabled {
		watcher = NewWatcher(osfs.Root(), ignore)
		// the engine's own writes, moves and deletes must not echo
		// back through the watcher as user edits
		syncer.SetEchoSuppression(watcher.SuppressOnce)
	}

	scheduler := NewScheduler(store, syncer, files, history, ignore, scanner, client.Vault, resets, opts.Concurrency, opts.SyncEnabled)
	remoteLoop := NewRemoteLoop(scheduler, store, client.Vault, client.Events, opts.PullInterval)

	return &Manager{
		opts:        opts,
		client:      client,
		store:       store,
		persistence: persistence,
		history:     history,
		scheduler:   scheduler,
		remoteLoop:  remoteLoop,
		watcher:     watcher,
		files:       files,
	}, nil
}

// Start brings the engine up: workers, the offline reconciliation
// pass, the remote loop and (optionally) the vault watcher.
func (m *Manager) Start(ctx context.Context) error {
	slog.Info("sync start", "vault", m.opts.VaultDir, "concurrency", m.opts.Concurrency)

	m.scheduler.Start(ctx)
	m.scheduler.ScheduleOfflineReconciliation()

	if m.opts.SyncEnabled {
		m.client.Events.Connect(ctx)
		m.remoteLoop.Start(ctx)
	}

	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dispatchWatcherEvents(ctx)
		}()
	}
	return nil
}

// Stop shuts the engine down in dependency order and flushes the
// snapshot.
func (m *Manager) Stop() {
	slog.Info("sync stop")
	if m.watcher != nil {
		m.watcher.Stop()
	}
	m.remoteLoop.Stop()
	m.scheduler.Stop()
	m.wg.Wait()
	m.store.Close()
	m.persistence.Close()
}

// Reset aborts in-flight work, reloads the store from its snapshot and
// restarts the remote loop.
func (m *Manager) Reset(ctx context.Context) error {
	slog.Info("sync reset")
	m.remoteLoop.Stop()
	err := m.scheduler.Reset()
	if m.opts.SyncEnabled {
		m.remoteLoop.Start(ctx)
	}
	return err
}

func (m *Manager) dispatchWatcherEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events():
			if !ok {
				return
			}
			switch event.Kind {
			case VaultFileCreated:
				m.scheduler.SyncLocalCreate(event.Path)
			case VaultFileUpdated:
				m.scheduler.SyncLocalUpdate("", event.Path)
			case VaultFileMoved:
				m.scheduler.SyncLocalUpdate(event.OldPath, event.Path)
			case VaultFileDeleted:
				m.scheduler.SyncLocalDelete(event.Path)
			}
		}
	}
}

// LocalCreated reports a locally created file.
func (m *Manager) LocalCreated(path string) {
	m.scheduler.SyncLocalCreate(path)
}

// LocalUpdated reports a locally changed file; oldPath is set when the
// change is a rename.
func (m *Manager) LocalUpdated(oldPath, path string) {
	m.scheduler.SyncLocalUpdate(oldPath, path)
}

// LocalDeleted reports a locally removed file.
func (m *Manager) LocalDeleted(path string) {
	m.scheduler.SyncLocalDelete(path)
}

// RemoteUpdateReceived feeds an externally received notification into
// the scheduler.
func (m *Manager) RemoteUpdateReceived(notification *sdk.VaultUpdateNotification) {
	m.scheduler.SyncRemoteUpdate(notification)
}

// ScheduleOfflineReconciliation triggers the one-shot reconciliation
// pass.
func (m *Manager) ScheduleOfflineReconciliation() {
	m.scheduler.ScheduleOfflineReconciliation()
}

// WaitIdle blocks until all scheduled work has drained.
func (m *Manager) WaitIdle() {
	m.scheduler.WaitIdle()
}

// RemainingOperations reports queued plus in-flight work.
func (m *Manager) RemainingOperations() int {
	return m.scheduler.RemainingOperations()
}

// History returns the sync log.
func (m *Manager) History() *History {
	return m.history
}

// LastSeen returns the last contiguously applied vault update id.
func (m *Manager) LastSeen() int64 {
	return m.store.LastSeen()
}
