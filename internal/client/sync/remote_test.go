package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmelczer/reconcile/internal/sdk"
)

func TestPullDispatchesOnlyBeyondWatermark(t *testing.T) {
	vault := newFakeVault()

	seeder := newTestAgent(t, "seeder", vault, testMaxFileSize)
	seeder.start(context.Background())
	seeder.write("a.md", "a")
	seeder.write("b.md", "b")
	seeder.sched.SyncLocalCreate("a.md")
	seeder.sched.SyncLocalCreate("b.md")
	settle(t, seeder)

	puller := newTestAgent(t, "puller", vault, testMaxFileSize)
	puller.start(context.Background())
	puller.store.SetSeenFloor(1)

	loop := NewRemoteLoop(puller.sched, puller.store, vault, nil, time.Hour)
	require.NoError(t, loop.Pull(context.Background()))
	settle(t, puller)

	files := puller.listFiles()
	assert.Len(t, files, 1, "only the document beyond the watermark is pulled: %v", files)
}

type fakeSource struct {
	ch chan *sdk.VaultUpdateNotification
}

func (f *fakeSource) Notifications() <-chan *sdk.VaultUpdateNotification {
	return f.ch
}

func TestPushLoopFastForwardsAfterInitialBatch(t *testing.T) {
	vault := newFakeVault()
	a := newTestAgent(t, "a", vault, testMaxFileSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.start(ctx)

	source := &fakeSource{ch: make(chan *sdk.VaultUpdateNotification, 8)}
	loop := NewRemoteLoop(a.sched, a.store, vault, source, time.Hour)
	loop.Start(ctx)
	defer loop.Stop()

	source.ch <- &sdk.VaultUpdateNotification{VaultUpdateID: 5, DocumentID: "d1", RelativePath: "x.md", IsDeleted: true, IsInitialSync: true}
	source.ch <- &sdk.VaultUpdateNotification{VaultUpdateID: 9, DocumentID: "d2", RelativePath: "y.md", IsDeleted: true, IsInitialSync: true}
	source.ch <- &sdk.VaultUpdateNotification{VaultUpdateID: 10, DocumentID: "d3", RelativePath: "z.md", IsDeleted: true}

	require.Eventually(t, func() bool {
		return a.store.LastSeen() >= 9
	}, 2*time.Second, 10*time.Millisecond, "watermark fast-forwards to the initial batch max")
}
