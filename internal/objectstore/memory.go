package objectstore

import (
	"context"
	"crypto/md5" //nolint:gosec // ETag compatibility only
	"encoding/hex"
	"sync"
	"time"
)

// Memory is an in-memory Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[Ref]memObject
}

type memObject struct {
	data []byte
	info Info
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[Ref]memObject)}
}

// Put stores data under ref.
func (m *Memory) Put(ref Ref, contentType string, data []byte) {
	sum := md5.Sum(data) //nolint:gosec // ETag compatibility only
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref] = memObject{
		data: append([]byte(nil), data...),
		info: Info{
			Size:         int64(len(data)),
			ETag:         hex.EncodeToString(sum[:]),
			ContentType:  contentType,
			LastModified: time.Now().UTC(),
		},
	}
}

// Delete removes ref.
func (m *Memory) Delete(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, ref)
}

// Stat implements Store.
func (m *Memory) Stat(_ context.Context, ref Ref) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return Info{}, ErrNotFound
	}
	return obj.info, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, ref Ref, maxBytes int64) ([]byte, Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, Info{}, ErrNotFound
	}
	data := obj.data
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return append([]byte(nil), data...), obj.info, nil
}

var _ Store = (*Memory)(nil)
