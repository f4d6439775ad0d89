package storage

import (
	"github.com/cuemby/logship/pkg/types"
)

// MetaStore persists caller-set metadata labels across restarts
type MetaStore interface {
	// Load returns every persisted label
	Load() (types.Labels, error)

	// Set stores value under key. A null value deletes the key.
	Set(key string, value types.Value) error

	Delete(key string) error

	// Clear removes every label
	Clear() error

	Close() error
}
