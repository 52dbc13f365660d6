package file

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abduss/nullpath/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runMetadataStoreTests exercises the behaviour every metadata backend shares.
func runMetadataStoreTests(t *testing.T, newStore func(t *testing.T) metadataStore) {
	t.Run("insert and find", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := newTestRecord(t, time.Hour)

		stored, err := store.Insert(ctx, rec)
		require.NoError(t, err)
		assert.NotZero(t, stored.ID)

		got, err := store.FindByStorageID(ctx, rec.StorageID)
		require.NoError(t, err)
		assertSameRecord(t, stored, got)

		got, err = store.FindByDeletionKey(ctx, rec.DeletionKey)
		require.NoError(t, err)
		assertSameRecord(t, stored, got)

		second, err := store.Insert(ctx, newTestRecord(t, 0))
		require.NoError(t, err)
		assert.NotEqual(t, stored.ID, second.ID)
		assert.Nil(t, second.ExpiresAt)
	})

	t.Run("unknown tokens", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := newTestRecord(t, time.Hour)

		_, err := store.FindByStorageID(ctx, rec.StorageID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindByDeletionKey(ctx, rec.DeletionKey)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.Insert(ctx, rec)
		require.NoError(t, err)
		_, err = store.FindByStorageID(ctx, rec.DeletionKey)
		assert.ErrorIs(t, err, ErrNotFound, "tokens live in separate namespaces")
	})

	t.Run("duplicate tokens conflict", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := newTestRecord(t, time.Hour)
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)

		sameStorageID := newTestRecord(t, time.Hour)
		sameStorageID.StorageID = rec.StorageID
		_, err = store.Insert(ctx, sameStorageID)
		assert.ErrorIs(t, err, ErrConflict)

		sameDeletionKey := newTestRecord(t, time.Hour)
		sameDeletionKey.DeletionKey = rec.DeletionKey
		_, err = store.Insert(ctx, sameDeletionKey)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = store.FindByStorageID(ctx, sameDeletionKey.StorageID)
		assert.ErrorIs(t, err, ErrNotFound, "conflicting insert must not leave a partial record")
	})

	t.Run("find expired before", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		soon, err := store.Insert(ctx, newTestRecord(t, time.Hour))
		require.NoError(t, err)
		later, err := store.Insert(ctx, newTestRecord(t, 2*time.Hour))
		require.NoError(t, err)
		_, err = store.Insert(ctx, newTestRecord(t, 0))
		require.NoError(t, err)

		expired, err := store.FindExpiredBefore(ctx, *soon.ExpiresAt)
		require.NoError(t, err)
		assert.Empty(t, expired, "expiry equal to the cutoff is not before it")

		expired, err = store.FindExpiredBefore(ctx, soon.ExpiresAt.Add(time.Microsecond))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{soon.StorageID}, storageIDs(expired))

		expired, err = store.FindExpiredBefore(ctx, later.ExpiresAt.Add(time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{soon.StorageID, later.StorageID}, storageIDs(expired))
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		stored, err := store.Insert(ctx, newTestRecord(t, time.Hour))
		require.NoError(t, err)

		removed, err := store.Delete(ctx, stored)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = store.Delete(ctx, stored)
		require.NoError(t, err)
		assert.False(t, removed, "delete is idempotent")

		_, err = store.FindByStorageID(ctx, stored.StorageID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindByDeletionKey(ctx, stored.DeletionKey)
		assert.ErrorIs(t, err, ErrNotFound)

		expired, err := store.FindExpiredBefore(ctx, stored.ExpiresAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("concurrent delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		stored, err := store.Insert(ctx, newTestRecord(t, time.Hour))
		require.NoError(t, err)

		const callers = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				removed, err := store.Delete(ctx, stored)
				assert.NoError(t, err)
				if removed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func newTestRecord(t *testing.T, retention time.Duration) Record {
	t.Helper()
	storageID, err := token.NewStorageID()
	require.NoError(t, err)
	deletionKey, err := token.NewDeletionKey()
	require.NoError(t, err)
	return NewRecord(storageID, deletionKey, 42, t0, retention)
}

func assertSameRecord(t *testing.T, want, got Record) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.StorageID, got.StorageID)
	assert.Equal(t, want.DeletionKey, got.DeletionKey)
	assert.Equal(t, want.EncryptedSize, got.EncryptedSize)
	assert.True(t, want.UploadedAt.Equal(got.UploadedAt), "uploaded at: want %s, got %s", want.UploadedAt, got.UploadedAt)
	if want.ExpiresAt == nil {
		assert.Nil(t, got.ExpiresAt)
		return
	}
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, want.ExpiresAt.Equal(*got.ExpiresAt), "expires at: want %s, got %s", want.ExpiresAt, got.ExpiresAt)
}

func storageIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.StorageID)
	}
	return ids
}
