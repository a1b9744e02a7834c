package storage

import "context"

// Store is the persistence interface a replica's shard snapshots and
// digests are written through. One key space is shared by two
// unrelated key families: ShardKeyPrefix-prefixed entries (one per
// topic shard's ShardSnapshot, see snapshot.go) and MerkleStore's
// internal root-hash bookkeeping (isInternalKey in merkle_store.go) —
// implementations must not assume any other structure on the key
// space beyond those two.
type Store interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set sets a value for a key
	Set(ctx context.Context, key, value []byte) error

	// Delete removes a key
	Delete(ctx context.Context, key []byte) error

	// Has checks if a key exists
	Has(ctx context.Context, key []byte) (bool, error)

	// Iterate iterates over all keys with the given prefix. Used by
	// presenced at startup to walk every persisted shard (see
	// ShardKeyPrefix) and restore it before gossip begins.
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error

	// Close closes the store and releases resources
	Close() error
}

// ShardKeyPrefix namespaces a topic's persisted ShardSnapshot within a
// Store's flat key space; snapshotKey appends the topic name to it,
// and presenced's startup restore walks everything under it.
const ShardKeyPrefix = "shard/"
