package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/schmelczer/reconcile/internal/merge"
)

// FileOps layers content semantics on SafeFS: text reads are
// LF-normalised, divergent text writes route through the three-way
// merge, and moves deconflict occupied targets.
type FileOps struct {
	fs     *SafeFS
	merger merge.Merger
}

func NewFileOps(fs *SafeFS, merger merge.Merger) *FileOps {
	return &FileOps{
		fs:     fs,
		merger: merger,
	}
}

// FS returns the underlying SafeFS.
func (f *FileOps) FS() *SafeFS {
	return f.fs
}

// Create writes a new file, creating missing parents. An existing file
// at path is treated as an update from empty content.
func (f *FileOps) Create(ctx context.Context, path string, content []byte) ([]byte, error) {
	if f.fs.Exists(ctx, path) {
		return f.Write(ctx, path, nil, content)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := f.fs.CreateDir(ctx, dir); err != nil {
			return nil, fmt.Errorf("create parent dirs: %w", err)
		}
	}
	if err := f.fs.Write(ctx, path, content); err != nil {
		return nil, err
	}
	return content, nil
}

// Write replaces the file's content, expecting it to currently hold
// expected. If an intervening edit changed it, the three texts are
// merged. The bytes actually on disk after the call are returned; a
// vanished file yields empty bytes and is not recreated.
func (f *FileOps) Write(ctx context.Context, path string, expected, updated []byte) ([]byte, error) {
	if !f.fs.Exists(ctx, path) {
		return nil, nil
	}

	if !merge.IsFileTypeMergeable(path) || merge.IsBinary(expected) || merge.IsBinary(updated) {
		if err := f.fs.Write(ctx, path, updated); err != nil {
			return nil, err
		}
		return updated, nil
	}

	expectedText := normalizeEOL(string(expected))
	updatedText := normalizeEOL(string(updated))

	result, err := f.fs.AtomicUpdateText(ctx, path, func(current string) string {
		current = normalizeEOL(current)
		if current == expectedText {
			return updatedText
		}
		return f.merger.Merge3(expectedText, current, updatedText, merge.Word)
	})
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(result), nil
}

// Move renames a file, deconflicting an occupied target by appending
// " (1)", " (2)"… before the extension. The final target path is
// returned.
func (f *FileOps) Move(ctx context.Context, oldPath, newPath string) (string, error) {
	if oldPath == newPath {
		return newPath, nil
	}

	if dir := filepath.Dir(newPath); dir != "." && dir != "/" {
		if err := f.fs.CreateDir(ctx, dir); err != nil {
			return "", fmt.Errorf("create parent dirs: %w", err)
		}
	}

	target := f.deconflict(ctx, newPath)
	if err := f.fs.Rename(ctx, oldPath, target); err != nil {
		return "", err
	}
	return target, nil
}

// MoveAside renames the file at path to its first free " (N)" variant
// and returns the new path, clearing the original path for an incoming
// document.
func (f *FileOps) MoveAside(ctx context.Context, path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if f.fs.Exists(ctx, candidate) {
			continue
		}
		if err := f.fs.Rename(ctx, path, candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}
}

// Read returns file content; text is normalised to LF line endings,
// binary content passes through verbatim.
func (f *FileOps) Read(ctx context.Context, path string) ([]byte, error) {
	content, err := f.fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if merge.IsBinary(content) {
		return content, nil
	}
	return []byte(normalizeEOL(string(content))), nil
}

// Delete removes the file.
func (f *FileOps) Delete(ctx context.Context, path string) error {
	return f.fs.Delete(ctx, path)
}

// Exists reports whether the path currently exists.
func (f *FileOps) Exists(ctx context.Context, path string) bool {
	return f.fs.Exists(ctx, path)
}

// deconflict finds the first free variant of path: the path itself,
// then "name (1).ext", "name (2).ext"…
func (f *FileOps) deconflict(ctx context.Context, path string) string {
	if !f.fs.Exists(ctx, path) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !f.fs.Exists(ctx, candidate) {
			return candidate
		}
	}
}

func normalizeEOL(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
