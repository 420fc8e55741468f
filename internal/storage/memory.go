package storage

import (
	"bytes"
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	data   map[string]map[string][]byte
	closed bool
}

// NewMemory returns a process-local store. Values are copied on the way in and out.
func NewMemory() Store {
	return &memoryStore{data: map[string]map[string][]byte{}}
}

func (s *memoryStore) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[bucket][key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *memoryStore) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putLocked(bucket, key, value)
	return nil
}

func (s *memoryStore) putLocked(bucket, key string, value []byte) {
	b := s.data[bucket]
	if b == nil {
		b = map[string][]byte{}
		s.data[bucket] = b
	}
	b[key] = bytes.Clone(value)
}

func (s *memoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data[bucket], key)
	return nil
}

func (s *memoryStore) Update(_ context.Context, bucket, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.data[bucket][key]
	next, write, err := applyUpdate(fn, bytes.Clone(cur), ok)
	if err != nil || !write {
		return err
	}
	if next == nil {
		delete(s.data[bucket], key)
		return nil
	}
	s.putLocked(bucket, key, next)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
