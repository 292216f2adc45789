package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schmelczer/reconcile/internal/merge"
	"github.com/schmelczer/reconcile/internal/sdk"
	"github.com/schmelczer/reconcile/internal/vaultfs"
)

const testMaxFileSize = 16 * 1024 * 1024

// testAgent is one simulated device: a vault directory, a metadata
// store and a running scheduler, all talking to a shared fakeVault.
type testAgent struct {
	t       *testing.T
	name    string
	dir     string
	files   *vaultfs.FileOps
	store   *MetadataStore
	history *History
	sched   *Scheduler
	vault   *fakeVault
}

func newTestAgent(t *testing.T, name string, vault *fakeVault, maxFileSize int64) *testAgent {
	t.Helper()

	dir := filepath.Join(t.TempDir(), name)
	osfs, err := vaultfs.NewOSFileSystem(dir)
	require.NoError(t, err)
	files := vaultfs.NewFileOps(vaultfs.NewSafeFS(osfs), merge.NewDMP())

	persistence, err := NewSqlitePersistence(":memory:")
	require.NoError(t, err)
	store, err := NewMetadataStore(persistence)
	require.NoError(t, err)

	ignore := NewIgnoreList(nil)
	history := NewHistory("")
	scanner, err := NewLocalScanner(files, ignore)
	require.NoError(t, err)

	resets := NewResetCoordinator()
	syncer := NewSyncer(store, files, vault, history, maxFileSize)
	sched := NewScheduler(store, syncer, files, history, ignore, scanner, vault, resets, 2, true)

	agent := &testAgent{
		t:       t,
		name:    name,
		dir:     dir,
		files:   files,
		store:   store,
		history: history,
		sched:   sched,
		vault:   vault,
	}

	t.Cleanup(func() {
		sched.Stop()
		store.Close()
		persistence.Close()
	})
	return agent
}

func (a *testAgent) start(ctx context.Context) {
	a.sched.Start(ctx)
}

// connect subscribes the agent to the vault's notification feed, as a
// connected websocket would.
func (a *testAgent) connect() {
	a.vault.subscribe(func(n *sdk.VaultUpdateNotification) {
		a.sched.SyncRemoteUpdate(n)
	})
}

func (a *testAgent) write(path, content string) {
	a.t.Helper()
	abs := filepath.Join(a.dir, filepath.FromSlash(path))
	require.NoError(a.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(a.t, os.WriteFile(abs, []byte(content), 0o644))
}

func (a *testAgent) read(path string) string {
	a.t.Helper()
	content, err := os.ReadFile(filepath.Join(a.dir, filepath.FromSlash(path)))
	require.NoError(a.t, err)
	return string(content)
}

func (a *testAgent) rename(oldPath, newPath string) {
	a.t.Helper()
	require.NoError(a.t, os.Rename(
		filepath.Join(a.dir, filepath.FromSlash(oldPath)),
		filepath.Join(a.dir, filepath.FromSlash(newPath)),
	))
}

func (a *testAgent) delete(path string) {
	a.t.Helper()
	require.NoError(a.t, os.Remove(filepath.Join(a.dir, filepath.FromSlash(path))))
}

// listFiles returns every vault-relative path on disk.
func (a *testAgent) listFiles() map[string]string {
	a.t.Helper()
	out := make(map[string]string)
	paths, err := a.files.FS().ListAll(context.Background())
	require.NoError(a.t, err)
	for _, p := range paths {
		out[p] = a.read(p)
	}
	return out
}

// docNotification converts a listing entry into the notification the
// pull loop would dispatch for it.
func docNotification(doc sdk.DocumentVersionNoContent) *sdk.VaultUpdateNotification {
	return &sdk.VaultUpdateNotification{
		VaultUpdateID: doc.VaultUpdateID,
		DocumentID:    doc.DocumentID,
		RelativePath:  doc.RelativePath,
		IsDeleted:     doc.IsDeleted,
		ContentSize:   doc.ContentSize,
	}
}

// settle waits until every agent's queue stays empty, i.e. no work
// and no notification-triggered follow-up remains anywhere.
func settle(t *testing.T, agents ...*testAgent) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		idle := true
		for _, a := range agents {
			a.sched.WaitIdle()
			if a.sched.RemainingOperations() > 0 {
				idle = false
			}
		}
		if idle {
			// hold for a beat so in-flight notifications can requeue
			time.Sleep(50 * time.Millisecond)
			stillIdle := true
			for _, a := range agents {
				if a.sched.RemainingOperations() > 0 {
					stillIdle = false
				}
			}
			if stillIdle {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("agents never settled")
		}
	}
}
