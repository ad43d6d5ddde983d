// Package store provides the local durability layer: a small key/blob store
// holding one encoded document snapshot per storage key, plus a debounced
// saver that coalesces mutation bursts into single writes.
package store

import "errors"

// ErrNotFound is returned by Load when no snapshot exists for the key.
var ErrNotFound = errors.New("store: key not found")

// Store persists opaque document snapshots by storage key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the snapshot for key, or ErrNotFound.
	Load(key string) ([]byte, error)

	// Save overwrites the snapshot for key.
	Save(key string, data []byte) error

	// Delete removes the snapshot for key. Missing keys are not an error.
	Delete(key string) error

	// Close releases underlying resources. Safe to call more than once.
	Close() error
}
