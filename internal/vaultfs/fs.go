// Package vaultfs wraps the host filesystem under the vault root with
// per-path serialisation, typed missing-file errors and the merge-aware
// write policies the sync engine relies on.
package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/schmelczer/reconcile/internal/utils"
)

// ErrFileNotFound marks an operation whose target path does not exist
// (or vanished mid-operation).
var ErrFileNotFound = errors.New("file not found")

// Updater rewrites the current text of a file in place.
type Updater func(current string) string

// FileInfo is the cheap metadata used to decide whether content needs
// rehashing.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// FileSystem is the host adapter contract. Paths are forward-slash and
// vault-relative; the adapter resolves them against the vault root and
// must not return before durability.
type FileSystem interface {
	ListAll(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, content []byte) error
	AtomicUpdateText(ctx context.Context, path string, update Updater) (string, error)
	FileSize(ctx context.Context, path string) (int64, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Exists(ctx context.Context, path string) bool
	CreateDir(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// OSFileSystem implements FileSystem on the local disk, rooted at the
// vault directory. The filesystem outside the root is never touched.
type OSFileSystem struct {
	root string
}

func NewOSFileSystem(root string) (*OSFileSystem, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	if err := utils.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &OSFileSystem{root: abs}, nil
}

// Root returns the absolute vault root.
func (o *OSFileSystem) Root() string {
	return o.root
}

func (o *OSFileSystem) abs(path string) string {
	return filepath.Join(o.root, filepath.FromSlash(path))
}

func (o *OSFileSystem) ListAll(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(o.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(o.root, path)
		if err != nil {
			return err
		}
		paths = append(paths, utils.NormPath(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}
	return paths, nil
}

func (o *OSFileSystem) Read(_ context.Context, path string) ([]byte, error) {
	content, err := os.ReadFile(o.abs(path))
	if err != nil {
		return nil, classify(err)
	}
	return content, nil
}

func (o *OSFileSystem) Write(_ context.Context, path string, content []byte) error {
	abs := o.abs(path)
	if err := utils.EnsureParent(abs); err != nil {
		return err
	}
	return writeDurable(abs, content)
}

func (o *OSFileSystem) AtomicUpdateText(ctx context.Context, path string, update Updater) (string, error) {
	current, err := o.Read(ctx, path)
	if err != nil {
		return "", err
	}
	updated := update(string(current))
	if err := writeDurable(o.abs(path), []byte(updated)); err != nil {
		return "", classify(err)
	}
	return updated, nil
}

func (o *OSFileSystem) FileSize(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(o.abs(path))
	if err != nil {
		return 0, classify(err)
	}
	return info.Size(), nil
}

func (o *OSFileSystem) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := os.Stat(o.abs(path))
	if err != nil {
		return FileInfo{}, classify(err)
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (o *OSFileSystem) Exists(_ context.Context, path string) bool {
	_, err := os.Stat(o.abs(path))
	return err == nil
}

func (o *OSFileSystem) CreateDir(_ context.Context, path string) error {
	return utils.EnsureDir(o.abs(path))
}

func (o *OSFileSystem) Delete(_ context.Context, path string) error {
	if err := os.Remove(o.abs(path)); err != nil {
		return classify(err)
	}
	return nil
}

func (o *OSFileSystem) Rename(_ context.Context, oldPath, newPath string) error {
	dst := o.abs(newPath)
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	if err := os.Rename(o.abs(oldPath), dst); err != nil {
		return classify(err)
	}
	return nil
}

// writeDurable writes through a temp file and renames it over the
// target, syncing before the rename so a crash never leaves a torn
// file behind.
func writeDurable(abs string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".reconcile.tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, err)
	}
	return err
}
