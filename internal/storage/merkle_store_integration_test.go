package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/rechain/presence/pkg/merkle"
	"github.com/rechain/presence/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerkleStore_Integration(t *testing.T) {
	env := testutil.NewTestEnvironment(t)
	defer env.Close()

	ms := env.WithMerkleStore()

	ctx := context.Background()
	key1 := []byte("test-key-1")
	value1 := []byte("test-value-1")
	key2 := []byte("test-key-2")
	value2 := []byte("test-value-2")

	t.Run("Set and Get", func(t *testing.T) {
		err := ms.Set(ctx, key1, value1)
		require.NoError(t, err)

		gotValue, err := ms.Get(ctx, key1)
		require.NoError(t, err)
		assert.Equal(t, value1, gotValue)

		gotValue, err = env.Store.Get(ctx, key1)
		require.NoError(t, err)
		assert.Equal(t, value1, gotValue)
	})

	t.Run("Merkle Proof", func(t *testing.T) {
		err := ms.Set(ctx, key2, value2)
		require.NoError(t, err)

		proof, err := ms.GetProof(key1)
		require.NoError(t, err)
		require.NotNil(t, proof)

		root := []byte(ms.RootHash())
		isValid := merkle.VerifyProof(root, key1, value1, proof)
		assert.True(t, isValid, "Merkle proof verification failed")

		isValid = merkle.VerifyProof(root, key1, []byte("wrong-value"), proof)
		assert.False(t, isValid, "Merkle proof verification should fail with wrong value")
	})

	t.Run("Root Changes On Write", func(t *testing.T) {
		rootBefore := ms.RootHash()

		newValue1 := []byte("new-test-value-1")
		err := ms.Set(ctx, key1, newValue1)
		require.NoError(t, err)

		rootAfter := ms.RootHash()
		assert.NotEqual(t, rootBefore, rootAfter, "root hash should change after modifying a key")

		gotValue, err := ms.Get(ctx, key1)
		require.NoError(t, err)
		assert.Equal(t, newValue1, gotValue)
	})

	t.Run("Concurrent Access", func(t *testing.T) {
		const numGoroutines = 10
		const numOperations = 100

		errCh := make(chan error, numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				for j := 0; j < numOperations; j++ {
					key := []byte(fmt.Sprintf("concurrent-%d-%d", id, j))
					value := []byte(fmt.Sprintf("value-%d-%d", id, j))

					if err := ms.Set(ctx, key, value); err != nil {
						errCh <- fmt.Errorf("failed to set %q: %w", key, err)
						return
					}

					gotValue, err := ms.Get(ctx, key)
					if err != nil {
						errCh <- fmt.Errorf("failed to get %q: %w", key, err)
						return
					}

					if string(gotValue) != string(value) {
						errCh <- fmt.Errorf("value mismatch for %q: got %q, want %q",
							key, gotValue, value)
						return
					}
				}
				errCh <- nil
			}(i)
		}

		for i := 0; i < numGoroutines; i++ {
			if err := <-errCh; err != nil {
				t.Fatal(err)
			}
		}

		for i := 0; i < numGoroutines; i++ {
			for j := 0; j < numOperations; j++ {
				key := []byte(fmt.Sprintf("concurrent-%d-%d", i, j))
				expectedValue := []byte(fmt.Sprintf("value-%d-%d", i, j))

				gotValue, err := ms.Get(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, expectedValue, gotValue)
			}
		}
	})
}
