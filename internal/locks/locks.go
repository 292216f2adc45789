// Package locks provides FIFO mutual exclusion keyed by an arbitrary
// comparable value, typically a vault-relative path or a document id.
package locks

import (
	"context"
	"fmt"
	"sync"
)

// KeyedLocks is a set of independent FIFO locks addressed by key.
// Locking two different keys never blocks either caller; locking the
// same key queues callers in arrival order.
type KeyedLocks[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*lockState
}

type lockState struct {
	// waiters are granted strictly in FIFO order. A waiter's channel is
	// closed when ownership is handed over to it.
	waiters []chan struct{}
}

func NewKeyedLocks[K comparable]() *KeyedLocks[K] {
	return &KeyedLocks[K]{
		locks: make(map[K]*lockState),
	}
}

// TryLock atomically acquires the lock for key if it is free.
// It reports whether the lock was newly acquired.
func (kl *KeyedLocks[K]) TryLock(key K) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if _, held := kl.locks[key]; held {
		return false
	}
	kl.locks[key] = &lockState{}
	return true
}

// Lock acquires the lock for key, waiting behind earlier callers.
// It returns ctx.Err() if the context is cancelled before the lock is
// granted; in that case the caller does not hold the lock.
func (kl *KeyedLocks[K]) Lock(ctx context.Context, key K) error {
	kl.mu.Lock()
	state, held := kl.locks[key]
	if !held {
		kl.locks[key] = &lockState{}
		kl.mu.Unlock()
		return nil
	}

	grant := make(chan struct{})
	state.waiters = append(state.waiters, grant)
	kl.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		kl.mu.Lock()
		// The grant may have raced with the cancellation. If we are no
		// longer queued, ownership was already handed to us and must be
		// passed on.
		if state, ok := kl.locks[key]; ok && removeWaiter(state, grant) {
			kl.mu.Unlock()
			return ctx.Err()
		}
		kl.mu.Unlock()

		select {
		case <-grant:
			kl.Unlock(key)
		default:
		}
		return ctx.Err()
	}
}

// Unlock hands the lock to the oldest waiter, or releases it if no one
// is queued. Unlocking a key that is not held is a programmer error and
// panics.
func (kl *KeyedLocks[K]) Unlock(key K) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	state, held := kl.locks[key]
	if !held {
		panic(fmt.Sprintf("locks: unlock of unlocked key %v", key))
	}

	if len(state.waiters) == 0 {
		delete(kl.locks, key)
		return
	}

	next := state.waiters[0]
	state.waiters = state.waiters[1:]
	close(next)
}

// LockMany acquires every key in the given order. On cancellation the
// keys acquired so far are released in reverse order. Callers must pass
// keys in a consistent order to avoid deadlocks between themselves.
func (kl *KeyedLocks[K]) LockMany(ctx context.Context, keys ...K) error {
	for i, key := range keys {
		if err := kl.Lock(ctx, key); err != nil {
			for j := i - 1; j >= 0; j-- {
				kl.Unlock(keys[j])
			}
			return err
		}
	}
	return nil
}

// UnlockMany releases the keys in reverse of the given order.
func (kl *KeyedLocks[K]) UnlockMany(keys ...K) {
	for i := len(keys) - 1; i >= 0; i-- {
		kl.Unlock(keys[i])
	}
}

// Reset force-unlocks every held key once. Keys with queued waiters
// hand ownership to the oldest waiter so their eventual Unlock stays
// balanced; keys without waiters are released. Intended to be called
// after in-flight work has drained.
func (kl *KeyedLocks[K]) Reset() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	next := make(map[K]*lockState)
	for key, state := range kl.locks {
		if len(state.waiters) == 0 {
			continue
		}
		grant := state.waiters[0]
		next[key] = &lockState{waiters: state.waiters[1:]}
		close(grant)
	}
	kl.locks = next
}

func removeWaiter(state *lockState, grant chan struct{}) bool {
	for i, w := range state.waiters {
		if w == grant {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			return true
		}
	}
	return false
}
