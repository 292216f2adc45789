package sync

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/schmelczer/reconcile/internal/vaultfs"
)

const hashCacheSize = 4096

// LocalFile is one scanned vault entry.
type LocalFile struct {
	Path string
	Size int64
	Hash string
}

type hashCacheEntry struct {
	info vaultfs.FileInfo
	hash string
}

// LocalScanner enumerates the vault and hashes its files, reusing
// cached digests while size and mtime are unchanged.
type LocalScanner struct {
	files  *vaultfs.FileOps
	ignore *IgnoreList
	cache  *lru.Cache[string, hashCacheEntry]
}

func NewLocalScanner(files *vaultfs.FileOps, ignore *IgnoreList) (*LocalScanner, error) {
	cache, err := lru.New[string, hashCacheEntry](hashCacheSize)
	if err != nil {
		return nil, err
	}
	return &LocalScanner{
		files:  files,
		ignore: ignore,
		cache:  cache,
	}, nil
}

// Scan walks the vault and returns hash metadata for every
// non-ignored file. Files vanishing mid-scan are skipped.
func (s *LocalScanner) Scan(ctx context.Context) ([]LocalFile, error) {
	paths, err := s.files.FS().ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []LocalFile
	for _, path := range paths {
		if s.ignore.ShouldIgnore(path) {
			continue
		}

		file, err := s.scanOne(ctx, path)
		if err != nil {
			if errors.Is(err, vaultfs.ErrFileNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, file)
	}
	return out, nil
}

func (s *LocalScanner) scanOne(ctx context.Context, path string) (LocalFile, error) {
	info, err := s.files.FS().Stat(ctx, path)
	if err != nil {
		return LocalFile{}, err
	}

	if entry, ok := s.cache.Get(path); ok &&
		entry.info.Size == info.Size && entry.info.ModTime.Equal(info.ModTime) {
		return LocalFile{Path: path, Size: info.Size, Hash: entry.hash}, nil
	}

	content, err := s.files.Read(ctx, path)
	if err != nil {
		return LocalFile{}, err
	}
	hash := HashContent(content)
	s.cache.Add(path, hashCacheEntry{info: info, hash: hash})

	return LocalFile{Path: path, Size: info.Size, Hash: hash}, nil
}

// Forget invalidates a cached digest, e.g. after the engine itself
// rewrote the file.
func (s *LocalScanner) Forget(path string) {
	s.cache.Remove(path)
}
