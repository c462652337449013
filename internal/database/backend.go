// Package database implements the persistence roles: the database server
// fronting the backing store, and the database state server hosting
// disk-backed objects as live participants.
package database

import (
	"context"
	"errors"
	"sync"

	"github.com/ksmit799/Ardos-sub000/internal/core"
)

// ErrObjectNotFound reports a doid with no stored object.
var ErrObjectNotFound = errors.New("object not found")

// ErrDoidsExhausted reports an empty free list and an exhausted generate
// range.
var ErrDoidsExhausted = errors.New("doid range exhausted")

// Record is one stored object.
type Record struct {
	Class  string
	Fields map[uint16][]byte
}

// Backend is the storage contract the database server runs against. All
// methods are safe for concurrent use.
type Backend interface {
	CreateObject(ctx context.Context, doId core.Doid, class string, fields map[uint16][]byte) error
	GetObject(ctx context.Context, doId core.Doid) (Record, error)
	SetFields(ctx context.Context, doId core.Doid, fields map[uint16][]byte) error

	// SetFieldsIfEquals applies updates only when every expected value
	// matches the stored one (nil expects absence). On mismatch it returns
	// false plus the current values of the expected fields.
	SetFieldsIfEquals(ctx context.Context, doId core.Doid, expected, updates map[uint16][]byte) (bool, map[uint16][]byte, error)

	DeleteObject(ctx context.Context, doId core.Doid) error

	// AllocateDoid takes from the free list first, then the generate range.
	AllocateDoid(ctx context.Context) (core.Doid, error)
	// FreeDoid returns an allocated doid for reuse.
	FreeDoid(ctx context.Context, doId core.Doid) error

	Close(ctx context.Context) error
}

// MemoryBackend is the in-process Backend used by tests and broker-less
// development setups.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[core.Doid]Record
	next    core.Doid
	max     core.Doid
	free    []core.Doid
}

// NewMemoryBackend creates an empty store allocating doids from [min, max].
func NewMemoryBackend(min, max core.Doid) *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[core.Doid]Record),
		next:    min,
		max:     max,
	}
}

func (m *MemoryBackend) CreateObject(_ context.Context, doId core.Doid, class string, fields map[uint16][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make(map[uint16][]byte, len(fields))
	for id, v := range fields {
		stored[id] = append([]byte(nil), v...)
	}
	m.objects[doId] = Record{Class: class, Fields: stored}
	return nil
}

func (m *MemoryBackend) GetObject(_ context.Context, doId core.Doid) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[doId]
	if !ok {
		return Record{}, ErrObjectNotFound
	}
	out := Record{Class: rec.Class, Fields: make(map[uint16][]byte, len(rec.Fields))}
	for id, v := range rec.Fields {
		out.Fields[id] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryBackend) SetFields(_ context.Context, doId core.Doid, fields map[uint16][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[doId]
	if !ok {
		return ErrObjectNotFound
	}
	for id, v := range fields {
		rec.Fields[id] = append([]byte(nil), v...)
	}
	return nil
}

func (m *MemoryBackend) SetFieldsIfEquals(_ context.Context, doId core.Doid, expected, updates map[uint16][]byte) (bool, map[uint16][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.objects[doId]
	if !ok {
		return false, nil, ErrObjectNotFound
	}

	match := true
	current := make(map[uint16][]byte, len(expected))
	for id, want := range expected {
		have, stored := rec.Fields[id]
		if stored {
			current[id] = append([]byte(nil), have...)
		}
		if stored != (want != nil) || (stored && !bytesEqual(have, want)) {
			match = false
		}
	}
	if !match {
		return false, current, nil
	}
	for id, v := range updates {
		rec.Fields[id] = append([]byte(nil), v...)
	}
	return true, nil, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *MemoryBackend) DeleteObject(_ context.Context, doId core.Doid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[doId]; !ok {
		return ErrObjectNotFound
	}
	delete(m.objects, doId)
	return nil
}

func (m *MemoryBackend) AllocateDoid(context.Context) (core.Doid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.free); n > 0 {
		doId := m.free[n-1]
		m.free = m.free[:n-1]
		return doId, nil
	}
	if m.next > m.max {
		return core.InvalidDoid, ErrDoidsExhausted
	}
	doId := m.next
	m.next++
	return doId, nil
}

func (m *MemoryBackend) FreeDoid(_ context.Context, doId core.Doid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = append(m.free, doId)
	return nil
}

func (m *MemoryBackend) Close(context.Context) error { return nil }
