package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[Key][]byte
	closed    bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[Key][]byte)}
}

// Stage implements Store.
func (m *MemoryStore) Stage(_ context.Context, key Key) (Pending, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memoryPending{store: m, key: key}, nil
}

// Open implements Store.
func (m *MemoryStore) Open(_ context.Context, key Key) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	data, ok := m.artifacts[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Size implements Store.
func (m *MemoryStore) Size(_ context.Context, key Key) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.artifacts[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return int64(len(data)), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.artifacts, key)
	return nil
}

// DeleteUser implements Store.
func (m *MemoryStore) DeleteUser(_ context.Context, user UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.artifacts {
		if k.User == user {
			delete(m.artifacts, k)
		}
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryPending struct {
	store *MemoryStore
	key   Key
	buf   bytes.Buffer
	done  bool
}

func (p *memoryPending) Write(b []byte) (int, error) {
	if p.done {
		return 0, fmt.Errorf("write to finished artifact %s", p.key)
	}
	return p.buf.Write(b)
}

func (p *memoryPending) Commit() error {
	if p.done {
		return fmt.Errorf("artifact %s already finished", p.key)
	}
	p.done = true
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.closed {
		return ErrClosed
	}
	p.store.artifacts[p.key] = bytes.Clone(p.buf.Bytes())
	return nil
}

func (p *memoryPending) Abort() error {
	p.done = true
	p.buf.Reset()
	return nil
}
