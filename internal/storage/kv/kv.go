// Package kv defines the durable key-value storage used for history and
// configuration overrides. Values are opaque JSON blobs; each provider
// guarantees atomicity at the single-key level, which is all the engine's
// flush-once write pattern needs.
package kv

import "context"

// Store is the persistence contract shared by all providers.
type Store interface {
	// Get returns the value for key; found is false for absent keys.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set writes value under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases provider resources.
	Close() error
}
