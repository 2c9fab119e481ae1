package metastore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memRecord struct {
	value   []byte
	version int64
}

// MemoryStore is an in-process Store. It backs tests and single-process demos.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]memRecord
	rev    int64
	hub    *watchHub
	closed bool

	// failWith, when set, makes every call fail. Used to simulate an unreachable store.
	failWith error
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memRecord),
		hub:  newWatchHub(0),
	}
}

// SetUnavailable makes all subsequent operations fail with ErrUnavailable (true) or succeed again (false).
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.failWith = ErrUnavailable
	} else {
		m.failWith = nil
	}
}

func (m *MemoryStore) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.failWith
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, key string) (*KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	rec, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &KV{Key: key, Value: append([]byte(nil), rec.value...), Version: rec.version}, nil
}

// List implements Store
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]*KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	var out []*KV
	for k, rec := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, &KV{Key: k, Value: append([]byte(nil), rec.value...), Version: rec.version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	return m.Txn(ctx, []Op{Put(key, value, expected)})
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, key string, expected int64) error {
	_, err := m.Txn(ctx, []Op{Delete(key, expected)})
	return err
}

// Txn implements Store
func (m *MemoryStore) Txn(ctx context.Context, ops []Op) (int64, error) {
	if err := validateOps(ops); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}

	for _, op := range ops {
		rec, exists := m.data[op.Key]
		if !checkExpected(rec.version, exists, op.Expected) {
			return 0, ErrVersionConflict
		}
	}

	if !hasWrites(ops) {
		return m.rev, nil
	}

	m.rev++
	events := make([]Event, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			m.data[op.Key] = memRecord{value: append([]byte(nil), op.Value...), version: m.rev}
			events = append(events, Event{Type: EventPut, Key: op.Key, Value: op.Value, Revision: m.rev})
		case OpDelete:
			if _, ok := m.data[op.Key]; ok {
				delete(m.data, op.Key)
				events = append(events, Event{Type: EventDelete, Key: op.Key, Revision: m.rev})
			}
		}
	}
	m.hub.publish(events)
	return m.rev, nil
}

// Watch implements Store
func (m *MemoryStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error) {
	m.mu.RLock()
	if err := m.check(); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	rev := m.rev
	// Holding the read lock blocks writers, so nothing is published between
	// reading rev and registering the watcher.
	ch, err := m.hub.watch(ctx, prefix, fromRevision, rev)
	m.mu.RUnlock()
	return ch, err
}

// Revision returns the current store revision
func (m *MemoryStore) Revision() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rev
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.closeAll()
	return nil
}
