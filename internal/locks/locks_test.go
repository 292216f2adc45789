package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLock(t *testing.T) {
	kl := NewKeyedLocks[string]()

	assert.True(t, kl.TryLock("a"))
	assert.False(t, kl.TryLock("a"))
	assert.True(t, kl.TryLock("b"), "distinct keys are independent")

	kl.Unlock("a")
	assert.True(t, kl.TryLock("a"))
}

func TestUnlockUnlockedPanics(t *testing.T) {
	kl := NewKeyedLocks[string]()
	assert.Panics(t, func() { kl.Unlock("nope") })
}

func TestLockWaitsAndGrantsFIFO(t *testing.T) {
	kl := NewKeyedLocks[string]()
	require.True(t, kl.TryLock("k"))

	const waiters = 4
	var mu sync.Mutex
	var order []int

	ready := make(chan struct{}, waiters)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// stagger arrival so the queue order is deterministic
				time.Sleep(time.Duration(i*20) * time.Millisecond)
				ready <- struct{}{}
				require.NoError(t, kl.Lock(context.Background(), "k"))
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				kl.Unlock("k")
			}(i)
		}
		wg.Wait()
	}()

	for i := 0; i < waiters; i++ {
		<-ready
	}
	time.Sleep(150 * time.Millisecond)
	kl.Unlock("k")
	<-done

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestLockCancelled(t *testing.T) {
	kl := NewKeyedLocks[string]()
	require.True(t, kl.TryLock("k"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- kl.Lock(ctx, "k")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// the cancelled waiter must not absorb the grant
	kl.Unlock("k")
	assert.True(t, kl.TryLock("k"))
}

func TestLockMany(t *testing.T) {
	kl := NewKeyedLocks[string]()

	require.NoError(t, kl.LockMany(context.Background(), "a", "b"))
	assert.False(t, kl.TryLock("a"))
	assert.False(t, kl.TryLock("b"))

	kl.UnlockMany("a", "b")
	assert.True(t, kl.TryLock("a"))
	assert.True(t, kl.TryLock("b"))
}

func TestLockManyCancelledReleasesAcquired(t *testing.T) {
	kl := NewKeyedLocks[string]()
	require.True(t, kl.TryLock("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, kl.LockMany(ctx, "a", "b"))

	// "a" was acquired then rolled back
	assert.True(t, kl.TryLock("a"))
}
