package sync

import (
	"context"
	"errors"
	"sync"
)

// ErrReset marks work abandoned because a reset was requested. It is a
// cooperative cancellation, not a failure.
var ErrReset = errors.New("sync reset in progress")

// ResetCoordinator hands out per-generation contexts. Tripping it
// cancels every context of the current generation; in-flight work
// observes the cancellation at its next suspension point.
type ResetCoordinator struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewResetCoordinator() *ResetCoordinator {
	r := &ResetCoordinator{}
	r.renewLocked()
	return r
}

// Wrap derives a context cancelled by both the parent and the current
// reset generation.
func (r *ResetCoordinator) Wrap(parent context.Context) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	gen := r.ctx
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(gen, func() {
		cancel()
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// Trip cancels the current generation.
func (r *ResetCoordinator) Trip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel(ErrReset)
}

// Renew starts a fresh generation; call after the reset sequence has
// drained in-flight work.
func (r *ResetCoordinator) Renew() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewLocked()
}

func (r *ResetCoordinator) renewLocked() {
	ctx, cancel := context.WithCancelCause(context.Background())
	r.ctx = ctx
	r.cancel = cancel
}

// IsReset reports whether the error is the cooperative reset/cancel
// signal rather than a real failure.
func IsReset(err error) bool {
	return errors.Is(err, ErrReset) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
