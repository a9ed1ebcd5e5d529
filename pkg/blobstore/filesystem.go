package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// FilesystemStore roots every key under a directory on local disk. A key's
// "/" separators become nested directories, so crates/foo/1.0.0 lands at
// <root>/crates/foo/1.0.0.
type FilesystemStore struct {
	root    string
	timeout time.Duration
	rec     opRecorder
}

// NewFilesystemStore creates root if it doesn't exist and returns a store
// rooted there. timeout is kept on the store, but the file operations do
// not observe it: a slow Put/Get/Delete/Exists call is not cut short.
func NewFilesystemStore(root string, timeout time.Duration) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "create blob store root", err)
	}
	return &FilesystemStore{root: root, timeout: timeout, rec: newOpRecorder("fs")}, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", regerrors.New(regerrors.KindInvalid, "invalid blob key")
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes data to key via a tempfile-then-rename so concurrent readers
// never observe a partially written object.
func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte) (err error) {
	_, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "put", start, int64(len(data)), err) }()

	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "create blob directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "create temp blob file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "write temp blob file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "sync temp blob file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "close temp blob file", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "rename temp blob file", err)
	}
	return nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (data []byte, err error) {
	_, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "get", start, int64(len(data)), err) }()

	src, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err = os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil, regerrors.New(regerrors.KindNotFound, "blob not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "read blob", err)
	}
	return data, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, key string) (err error) {
	_, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "delete", start, 0, err) }()

	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete blob", err)
	}
	return nil
}

func (s *FilesystemStore) Exists(ctx context.Context, key string) (ok bool, err error) {
	_, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() { s.rec.record(ctx, "exists", start, 0, err) }()

	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(p)
	if os.IsNotExist(statErr) {
		return false, nil
	}
	if statErr != nil {
		return false, regerrors.Wrap(regerrors.KindStorageUnavailable, "stat blob", statErr)
	}
	return true, nil
}

// Ping confirms the root directory is still reachable.
func (s *FilesystemStore) Ping(ctx context.Context) error {
	_, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := os.Stat(s.root); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "blob store root unreachable", err)
	}
	return nil
}
