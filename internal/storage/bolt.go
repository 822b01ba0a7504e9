package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
	"go.etcd.io/bbolt"
)

// BoltEngine keeps every store as a bucket of one bbolt file.
type BoltEngine struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &BoltEngine{db: db}, nil
}

// Open creates the bucket if needed and returns a Store backed by it.
func (e *BoltEngine) Open(name string) (Store, error) {
	err := e.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &BoltStore{db: e.db, name: name, bucket: []byte(name)}, nil
}

// Drop deletes the bucket and everything in it.
func (e *BoltEngine) Drop(name string) error {
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("drop store %s: %w", name, err)
	}
	return nil
}

// Path returns the database file path.
func (e *BoltEngine) Path() string {
	return e.db.Path()
}

func (e *BoltEngine) Close() error {
	return e.db.Close()
}

// BoltStore is a Store over a single bucket. Each call is its own transaction.
type BoltStore struct {
	db     *bbolt.DB
	name   string
	bucket []byte
}

func (s *BoltStore) Name() string {
	return s.name
}

func (s *BoltStore) Put(ctx context.Context, key, value string) (PutResult, error) {
	if err := checkContext(ctx); err != nil {
		return Created, err
	}

	result := Created
	err := s.update(func(b *bbolt.Bucket) error {
		if b.Get([]byte(key)) != nil {
			result = Updated
		}
		return b.Put([]byte(key), []byte(value))
	})
	return result, err
}

func (s *BoltStore) Get(ctx context.Context, key string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}

	var (
		value string
		found bool
	)
	err := s.view(func(b *bbolt.Bucket) error {
		if v := b.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", pkg.ErrKeyNotFound
	}
	return value, nil
}

func (s *BoltStore) Delete(ctx context.Context, key string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}

	var value string
	err := s.update(func(b *bbolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return pkg.ErrKeyNotFound
		}
		value = string(v)
		return b.Delete([]byte(key))
	})
	return value, err
}

func (s *BoltStore) All(ctx context.Context) ([]Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	var out []Record
	err := s.view(func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			out = append(out, Record{Key: string(k), Value: string(v)})
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ExtractRange(ctx context.Context, start, end hash.ID) ([]Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	var out []Record
	err := s.update(func(b *bbolt.Bucket) error {
		err := b.ForEach(func(k, v []byte) error {
			if hash.InRange(hash.Key(string(k)), start, end) {
				out = append(out, Record{Key: string(k), Value: string(v)})
			}
			return nil
		})
		if err != nil {
			return err
		}
		// mutating inside ForEach is not allowed
		for _, r := range out {
			if err := b.Delete([]byte(r.Key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SaveRecords(ctx context.Context, records []Record, replace bool) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if replace {
			if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
		}
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for _, r := range records {
			if err := b.Put([]byte(r.Key), []byte(r.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Clear(ctx context.Context) error {
	return s.SaveRecords(ctx, nil, true)
}

func (s *BoltStore) Len(ctx context.Context) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}

	var n int
	err := s.view(func(b *bbolt.Bucket) error {
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) view(fn func(*bbolt.Bucket) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return pkg.ErrStorageUnavailable
		}
		return fn(b)
	})
}

func (s *BoltStore) update(fn func(*bbolt.Bucket) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return pkg.ErrStorageUnavailable
		}
		return fn(b)
	})
}
