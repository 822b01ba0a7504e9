// Package storage holds a node's key-value data: its own dataset plus one
// mirror per replicated predecessor, each kept in a named Store opened from
// an Engine.
package storage

import (
	"context"

	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// PrimaryStore is the name of the store holding a node's own arc.
const PrimaryStore = "data"

// ReplicaStoreName returns the store name mirroring the node at addr.
func ReplicaStoreName(addr string) string {
	return "replica:" + addr
}

// PutResult tells a fresh insert from an overwrite.
type PutResult int

const (
	Created PutResult = iota
	Updated
)

// Store is one named key-value collection.
type Store interface {
	Name() string

	// Put stores value under key.
	Put(ctx context.Context, key, value string) (PutResult, error)

	// Get returns pkg.ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key and returns the value it held.
	Delete(ctx context.Context, key string) (string, error)

	// All returns every record in key order.
	All(ctx context.Context) ([]Record, error)

	// ExtractRange removes and returns the records whose key hash falls in (start, end].
	ExtractRange(ctx context.Context, start, end hash.ID) ([]Record, error)

	// SaveRecords merges records into the store. With replace set the store
	// is emptied first.
	SaveRecords(ctx context.Context, records []Record, replace bool) error

	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// Engine opens and drops named stores.
type Engine interface {
	Open(name string) (Store, error)
	Drop(name string) error
	Close() error
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return pkg.ErrContextCanceled
	default:
		return nil
	}
}
