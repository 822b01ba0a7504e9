package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// MemoryEngine keeps every store in process memory. Used by tests and by
// nodes started without a data directory.
type MemoryEngine struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
	closed atomic.Bool
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{stores: make(map[string]*MemoryStore)}
}

// Open returns the named store, creating it on first use.
func (e *MemoryEngine) Open(name string) (Store, error) {
	if e.closed.Load() {
		return nil, pkg.ErrStorageUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.stores[name]; ok {
		return s, nil
	}
	s := NewMemoryStore(name)
	e.stores[name] = s
	return s, nil
}

// Drop closes and forgets the named store. Dropping an unknown store is a no-op.
func (e *MemoryEngine) Drop(name string) error {
	e.mu.Lock()
	s, ok := e.stores[name]
	delete(e.stores, name)
	e.mu.Unlock()

	if ok {
		s.close()
	}
	return nil
}

// Close closes every store.
func (e *MemoryEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, s := range e.stores {
		s.close()
		delete(e.stores, name)
	}
	return nil
}

// MemoryStore is a map guarded by a RWMutex.
type MemoryStore struct {
	name   string
	mu     sync.RWMutex
	data   map[string]string
	closed atomic.Bool

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewMemoryStore creates a standalone store.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name: name,
		data: make(map[string]string),
	}
}

func (ms *MemoryStore) Name() string {
	return ms.name
}

func (ms *MemoryStore) Put(ctx context.Context, key, value string) (PutResult, error) {
	if err := ms.check(ctx); err != nil {
		return Created, err
	}

	ms.mu.Lock()
	_, exists := ms.data[key]
	ms.data[key] = value
	ms.mu.Unlock()

	ms.sets.Add(1)
	if exists {
		return Updated, nil
	}
	return Created, nil
}

func (ms *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ms.check(ctx); err != nil {
		return "", err
	}

	ms.mu.RLock()
	value, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return "", pkg.ErrKeyNotFound
	}
	ms.hits.Add(1)
	return value, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key string) (string, error) {
	if err := ms.check(ctx); err != nil {
		return "", err
	}

	ms.mu.Lock()
	value, exists := ms.data[key]
	delete(ms.data, key)
	ms.mu.Unlock()

	if !exists {
		return "", pkg.ErrKeyNotFound
	}
	ms.deletes.Add(1)
	return value, nil
}

func (ms *MemoryStore) All(ctx context.Context) ([]Record, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	out := make([]Record, 0, len(ms.data))
	for k, v := range ms.data {
		out = append(out, Record{Key: k, Value: v})
	}
	ms.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

func (ms *MemoryStore) ExtractRange(ctx context.Context, start, end hash.ID) ([]Record, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	var out []Record
	for k, v := range ms.data {
		if hash.InRange(hash.Key(k), start, end) {
			out = append(out, Record{Key: k, Value: v})
			delete(ms.data, k)
		}
	}
	ms.mu.Unlock()

	sortRecords(out)
	return out, nil
}

func (ms *MemoryStore) SaveRecords(ctx context.Context, records []Record, replace bool) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if replace {
		ms.data = make(map[string]string, len(records))
	}
	for _, r := range records {
		ms.data[r.Key] = r.Value
	}
	ms.sets.Add(int64(len(records)))
	return nil
}

func (ms *MemoryStore) Clear(ctx context.Context) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	ms.data = make(map[string]string)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ms.check(ctx); err != nil {
		return 0, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data), nil
}

// Stats holds operation counters.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
}

// GetStats returns current counters.
func (ms *MemoryStore) GetStats() Stats {
	ms.mu.RLock()
	entries := len(ms.data)
	ms.mu.RUnlock()

	return Stats{
		Entries: entries,
		Hits:    ms.hits.Load(),
		Misses:  ms.misses.Load(),
		Sets:    ms.sets.Load(),
		Deletes: ms.deletes.Load(),
	}
}

func (ms *MemoryStore) check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return pkg.ErrStorageUnavailable
	}
	return nil
}

func (ms *MemoryStore) close() {
	if !ms.closed.CompareAndSwap(false, true) {
		return
	}
	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()
}
