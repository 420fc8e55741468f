package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "busping/pkg/logx"
)

// fileStore keeps one file per key:
//
//	<root>/<bucket>/<hex(key)>.blob
//
// Writes go to a temp file and are renamed into place so readers never see a
// partial value. A single process owns the directory; the mutex serializes
// Update against every other mutation.
type fileStore struct {
	log  logx.Logger
	root string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root}, nil
}

func (s *fileStore) path(bucket, key string) string {
	return filepath.Join(s.root, hex.EncodeToString([]byte(bucket)), hex.EncodeToString([]byte(key))+".blob")
}

func (s *fileStore) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	return s.readLocked(bucket, key)
}

func (s *fileStore) readLocked(bucket, key string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.path(bucket, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.writeLocked(bucket, key, value)
}

func (s *fileStore) writeLocked(bucket, key string, value []byte) error {
	p := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (s *fileStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.deleteLocked(bucket, key)
}

func (s *fileStore) deleteLocked(bucket, key string) error {
	err := os.Remove(s.path(bucket, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) Update(_ context.Context, bucket, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok, err := s.readLocked(bucket, key)
	if err != nil {
		return err
	}
	next, write, err := applyUpdate(fn, cur, ok)
	if err != nil || !write {
		return err
	}
	if next == nil {
		return s.deleteLocked(bucket, key)
	}
	return s.writeLocked(bucket, key, next)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
