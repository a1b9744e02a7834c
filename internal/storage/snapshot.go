package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rechain/presence/internal/presence"
)

// ShardSnapshot is the persisted form of one topic shard's replica
// state: a full snapshot plus its extracted value map, the same shape
// Extract hands to the gossip layer, so recovery can resume gossiping
// without a full re-merge from peers.
type ShardSnapshot struct {
	Snapshot presence.Snapshot
	Values   map[presence.Tag]presence.DeltaValue
}

func snapshotKey(topic presence.Topic) []byte {
	return []byte(ShardKeyPrefix + string(topic))
}

// SaveSnapshot persists a shard's state so a restart does not lose the
// local replica's causal history.
func SaveSnapshot(ctx context.Context, store Store, topic presence.Topic, snap ShardSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return store.Set(ctx, snapshotKey(topic), data)
}

// LoadSnapshot loads a previously persisted shard snapshot, if any.
func LoadSnapshot(ctx context.Context, store Store, topic presence.Topic) (*ShardSnapshot, bool, error) {
	data, err := store.Get(ctx, snapshotKey(topic))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if data == nil {
		return nil, false, nil
	}

	var snap ShardSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, true, nil
}
