package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zde37/ringkv/pkg/hash"
)

// Cache strategies accepted by NewCachedStore.
const (
	StrategyNone = "none"
	StrategyLRU  = "lru"
	Strategy2Q   = "2q"
	StrategyARC  = "arc"
)

// ErrUnknownStrategy is returned for an unsupported cache strategy name.
var ErrUnknownStrategy = errors.New("unknown cache strategy")

// valueCache is the part of the golang-lru caches the store needs. The
// library's cache types disagree on return values, so each is adapted.
type valueCache struct {
	add    func(key, value any)
	get    func(key any) (any, bool)
	remove func(key any)
	purge  func()
	length func() int
}

func newValueCache(strategy string, size int) (*valueCache, error) {
	switch strings.ToLower(strategy) {
	case StrategyLRU:
		c, err := lru.New(size)
		if err != nil {
			return nil, err
		}
		return &valueCache{
			add:    func(k, v any) { c.Add(k, v) },
			get:    c.Get,
			remove: func(k any) { c.Remove(k) },
			purge:  c.Purge,
			length: c.Len,
		}, nil
	case Strategy2Q:
		c, err := lru.New2Q(size)
		if err != nil {
			return nil, err
		}
		return &valueCache{add: c.Add, get: c.Get, remove: c.Remove, purge: c.Purge, length: c.Len}, nil
	case StrategyARC:
		c, err := lru.NewARC(size)
		if err != nil {
			return nil, err
		}
		return &valueCache{add: c.Add, get: c.Get, remove: c.Remove, purge: c.Purge, length: c.Len}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// CachedStore serves reads from an in-memory cache in front of a Store.
// Writes go through to the store first. A miss reads and fills under the
// same lock as writes, so a fill never reinstates a value a concurrent write
// replaced.
type CachedStore struct {
	Store
	mu    sync.Mutex
	cache *valueCache
}

// NewCachedStore wraps s. With StrategyNone or a non-positive size the
// store is returned unchanged.
func NewCachedStore(s Store, strategy string, size int) (Store, error) {
	if strings.EqualFold(strategy, StrategyNone) || strategy == "" || size <= 0 {
		return s, nil
	}
	c, err := newValueCache(strategy, size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: s, cache: c}, nil
}

func (cs *CachedStore) Put(ctx context.Context, key, value string) (PutResult, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	res, err := cs.Store.Put(ctx, key, value)
	if err != nil {
		cs.cache.remove(key)
		return res, err
	}
	cs.cache.add(key, value)
	return res, nil
}

func (cs *CachedStore) Get(ctx context.Context, key string) (string, error) {
	if v, ok := cs.cache.get(key); ok {
		if err := checkContext(ctx); err != nil {
			return "", err
		}
		return v.(string), nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	value, err := cs.Store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	cs.cache.add(key, value)
	return value, nil
}

func (cs *CachedStore) Delete(ctx context.Context, key string) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.cache.remove(key)
	return cs.Store.Delete(ctx, key)
}

func (cs *CachedStore) ExtractRange(ctx context.Context, start, end hash.ID) ([]Record, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	records, err := cs.Store.ExtractRange(ctx, start, end)
	for _, r := range records {
		cs.cache.remove(r.Key)
	}
	return records, err
}

func (cs *CachedStore) SaveRecords(ctx context.Context, records []Record, replace bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.cache.purge()
	return cs.Store.SaveRecords(ctx, records, replace)
}

func (cs *CachedStore) Clear(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.cache.purge()
	return cs.Store.Clear(ctx)
}

// Cached returns the number of cached entries.
func (cs *CachedStore) Cached() int {
	return cs.cache.length()
}

var _ Store = (*CachedStore)(nil)
