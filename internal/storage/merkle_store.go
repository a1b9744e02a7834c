package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/rechain/presence/pkg/merkle"
)

// MerkleStore wraps a Store with a Merkle tree over its key space, so a
// peer can be handed a root hash and a proof for one shard's persisted
// snapshot instead of the whole blob, and verify it without trusting
// the storage layer.
type MerkleStore struct {
	base   Store
	tree   *merkle.Tree
	mu     sync.RWMutex
	height uint64
}

// NewMerkleStore creates a new Merkle-backed store, building the tree
// from whatever base already holds.
func NewMerkleStore(base Store) (*MerkleStore, error) {
	ms := &MerkleStore{base: base}
	if err := ms.rebuildTreeLocked(); err != nil {
		return nil, fmt.Errorf("failed to build merkle tree: %w", err)
	}
	return ms, nil
}

// rebuildTreeLocked recomputes the tree from the base store. The
// underlying merkle.Tree has no incremental update operation, so every
// write rebuilds it from scratch; acceptable for the snapshot-sized key
// spaces this store is used for (see DESIGN.md).
func (ms *MerkleStore) rebuildTreeLocked() error {
	data := make(map[string][]byte)
	err := ms.base.Iterate(context.Background(), nil, func(key, value []byte) error {
		if isInternalKey(key) {
			return nil
		}
		data[string(key)] = value
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to iterate over base store: %w", err)
	}

	if len(data) == 0 {
		ms.tree = nil
		return nil
	}

	tree, err := merkle.NewTree(data)
	if err != nil {
		return fmt.Errorf("failed to build merkle tree: %w", err)
	}
	ms.tree = tree
	return nil
}

// Get retrieves a value by key.
func (ms *MerkleStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.base.Get(ctx, key)
}

// Set sets a value for a key and rebuilds the Merkle tree.
func (ms *MerkleStore) Set(ctx context.Context, key, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.base.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to set key in base store: %w", err)
	}
	return ms.rebuildTreeLocked()
}

// Delete removes a key and rebuilds the Merkle tree.
func (ms *MerkleStore) Delete(ctx context.Context, key []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.base.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key from base store: %w", err)
	}
	return ms.rebuildTreeLocked()
}

// Has checks if a key exists.
func (ms *MerkleStore) Has(ctx context.Context, key []byte) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.base.Has(ctx, key)
}

// Iterate iterates over all keys with the given prefix.
func (ms *MerkleStore) Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.base.Iterate(ctx, prefix, fn)
}

// Close closes the underlying store.
func (ms *MerkleStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.base.Close()
}

// RootHash returns the current Merkle root hash, or "" if the store is empty.
func (ms *MerkleStore) RootHash() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.tree == nil {
		return ""
	}
	return ms.tree.RootHash()
}

// GetProof returns a Merkle proof for the given key.
func (ms *MerkleStore) GetProof(key []byte) ([][]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.tree == nil {
		return nil, fmt.Errorf("merkle store is empty")
	}
	return ms.tree.GetProof(key)
}

// isInternalKey reports whether key is reserved for MerkleStore bookkeeping.
func isInternalKey(key []byte) bool {
	return len(key) >= 6 && string(key[:6]) == "_root/"
}
