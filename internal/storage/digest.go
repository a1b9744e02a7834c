package storage

import (
	"strconv"

	"github.com/rechain/presence/internal/presence"
	"github.com/rechain/presence/pkg/merkle"
)

// ContextDigest returns a Merkle root over ctx's (replica, clock) pairs.
// The gossip anti-entropy loop compares digests before paying for a
// full state exchange: equal digests mean the two replicas already
// agree on every causal clock and nothing needs to cross the wire.
func ContextDigest(ctx presence.Context) (string, error) {
	if len(ctx) == 0 {
		return "", nil
	}

	leaves := make(map[string][]byte, len(ctx))
	for r, c := range ctx {
		leaves[string(r)] = []byte(strconv.FormatUint(uint64(c), 10))
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return "", err
	}
	return tree.RootHash(), nil
}
