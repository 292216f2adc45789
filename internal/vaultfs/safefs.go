package vaultfs

import (
	"context"
	"errors"

	"github.com/schmelczer/reconcile/internal/locks"
)

// SafeFS decorates a FileSystem with two guarantees: every operation
// holds a per-path lock for its whole duration (two paths for rename),
// and "the file is gone" always surfaces as ErrFileNotFound, whether
// detected before or after the underlying call.
type SafeFS struct {
	fs        FileSystem
	pathLocks *locks.KeyedLocks[string]
}

func NewSafeFS(fs FileSystem) *SafeFS {
	return &SafeFS{
		fs:        fs,
		pathLocks: locks.NewKeyedLocks[string](),
	}
}

// Locks exposes the per-path lock set, for example so a reset can
// release it. The locks are not re-entrant: a caller holding a path's
// lock must not call SafeFS operations on that same path.
func (s *SafeFS) Locks() *locks.KeyedLocks[string] {
	return s.pathLocks
}

func (s *SafeFS) ListAll(ctx context.Context) ([]string, error) {
	return s.fs.ListAll(ctx)
}

func (s *SafeFS) Read(ctx context.Context, path string) ([]byte, error) {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return nil, err
	}
	defer s.pathLocks.Unlock(path)
	return guarded(ctx, s, path, func() ([]byte, error) {
		return s.fs.Read(ctx, path)
	})
}

func (s *SafeFS) Write(ctx context.Context, path string, content []byte) error {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return err
	}
	defer s.pathLocks.Unlock(path)
	return s.fs.Write(ctx, path, content)
}

func (s *SafeFS) AtomicUpdateText(ctx context.Context, path string, update Updater) (string, error) {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return "", err
	}
	defer s.pathLocks.Unlock(path)
	return guarded(ctx, s, path, func() (string, error) {
		return s.fs.AtomicUpdateText(ctx, path, update)
	})
}

func (s *SafeFS) FileSize(ctx context.Context, path string) (int64, error) {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return 0, err
	}
	defer s.pathLocks.Unlock(path)
	return guarded(ctx, s, path, func() (int64, error) {
		return s.fs.FileSize(ctx, path)
	})
}

func (s *SafeFS) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return FileInfo{}, err
	}
	defer s.pathLocks.Unlock(path)
	return guarded(ctx, s, path, func() (FileInfo, error) {
		return s.fs.Stat(ctx, path)
	})
}

func (s *SafeFS) Exists(ctx context.Context, path string) bool {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return false
	}
	defer s.pathLocks.Unlock(path)
	return s.fs.Exists(ctx, path)
}

func (s *SafeFS) CreateDir(ctx context.Context, path string) error {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return err
	}
	defer s.pathLocks.Unlock(path)
	return s.fs.CreateDir(ctx, path)
}

func (s *SafeFS) Delete(ctx context.Context, path string) error {
	if err := s.pathLocks.Lock(ctx, path); err != nil {
		return err
	}
	defer s.pathLocks.Unlock(path)
	if !s.fs.Exists(ctx, path) {
		return ErrFileNotFound
	}
	if err := s.fs.Delete(ctx, path); err != nil {
		return s.reclassify(ctx, path, err)
	}
	return nil
}

func (s *SafeFS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := s.pathLocks.LockMany(ctx, oldPath, newPath); err != nil {
		return err
	}
	defer s.pathLocks.UnlockMany(oldPath, newPath)

	if !s.fs.Exists(ctx, oldPath) {
		return ErrFileNotFound
	}
	if err := s.fs.Rename(ctx, oldPath, newPath); err != nil {
		return s.reclassify(ctx, oldPath, err)
	}
	return nil
}

// guarded runs op under the already-held path lock with both sides of
// the missing-file classification applied.
func guarded[T any](ctx context.Context, s *SafeFS, path string, op func() (T, error)) (T, error) {
	var zero T
	if !s.fs.Exists(ctx, path) {
		return zero, ErrFileNotFound
	}
	result, err := op()
	if err != nil {
		return zero, s.reclassify(ctx, path, err)
	}
	return result, nil
}

// reclassify maps a post-operation failure to ErrFileNotFound when the
// target is now missing; other errors pass through unchanged.
func (s *SafeFS) reclassify(ctx context.Context, path string, err error) error {
	if errors.Is(err, ErrFileNotFound) {
		return err
	}
	if !s.fs.Exists(ctx, path) {
		return ErrFileNotFound
	}
	return err
}
