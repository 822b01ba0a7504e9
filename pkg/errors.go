package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when a store is closed or dropped
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidRecord is returned when a key or value cannot be encoded in the record format
	ErrInvalidRecord = errors.New("invalid record")
)
