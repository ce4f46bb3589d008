// Package store provides the persistent key-value store used for companion state.
// Values are opaque blobs written wholesale; there is no partial update.
package store

import "errors"

// Keys used by the companion daemon.
const (
	KeyState    = "companion/state"
	KeyLifetime = "companion/lifetime"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// KV is a persistent key-value store.
type KV interface {
	// Get returns the value for key. found is false when the key has never been written.
	Get(key string) (value []byte, found bool, err error)

	// Put overwrites the value for key.
	Put(key string, value []byte) error

	// Close releases the underlying resources.
	Close() error
}
