package storage_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowchain/storage"
	"escrowchain/storage/storagetest"
)

func get(t *testing.T, db storage.Database, key string) string {
	t.Helper()
	value, err := db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return string(value)
}

func TestStagedCommitsOnSuccess(t *testing.T) {
	base := storage.NewMemDB()
	require.NoError(t, base.Put([]byte("a/2"), []byte("old")))
	staged := storage.NewStaged(base)

	var fired []string
	err := staged.Atomic(func() error {
		require.NoError(t, staged.Put([]byte("a/1"), []byte("one")))
		require.NoError(t, staged.Delete([]byte("a/2")))
		staged.Defer(func() { fired = append(fired, "committed") })

		require.Equal(t, "one", get(t, staged, "a/1"))
		require.Equal(t, "", get(t, base, "a/1"))
		has, err := staged.Has([]byte("a/2"))
		require.NoError(t, err)
		require.False(t, has)

		var keys []string
		require.NoError(t, staged.Iterate([]byte("a/"), func(key, _ []byte) bool {
			keys = append(keys, string(key))
			return true
		}))
		require.Equal(t, []string{"a/1"}, keys)
		require.Empty(t, fired)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"committed"}, fired)
	require.Equal(t, "one", get(t, base, "a/1"))
	require.Equal(t, "", get(t, base, "a/2"))
}

func TestStagedDiscardsOnError(t *testing.T) {
	base := storage.NewMemDB()
	staged := storage.NewStaged(base)
	boom := errors.New("boom")

	fired := false
	err := staged.Atomic(func() error {
		require.NoError(t, staged.Put([]byte("k"), []byte("v")))
		staged.Defer(func() { fired = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, fired)
	require.Equal(t, "", get(t, base, "k"))
	require.Equal(t, "", get(t, staged, "k"))
}

func TestStagedNestedFailureRollsBackInnerOnly(t *testing.T) {
	base := storage.NewMemDB()
	staged := storage.NewStaged(base)

	err := staged.Atomic(func() error {
		require.NoError(t, staged.Put([]byte("outer"), []byte("1")))
		inner := staged.Atomic(func() error {
			require.NoError(t, staged.Put([]byte("outer"), []byte("clobbered")))
			require.NoError(t, staged.Put([]byte("inner"), []byte("2")))
			return errors.New("inner failed")
		})
		require.Error(t, inner)
		require.Equal(t, "1", get(t, staged, "outer"))
		require.Equal(t, "", get(t, staged, "inner"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "1", get(t, base, "outer"))
	require.Equal(t, "", get(t, base, "inner"))
}

func TestStagedCommitFailureLeavesBaseUntouched(t *testing.T) {
	base := storagetest.NewFailingDB()
	require.NoError(t, base.Put([]byte("bank/a"), []byte("100")))
	base.FailOn([]byte("bank/b"))
	staged := storage.NewStaged(base)

	fired := false
	err := staged.Atomic(func() error {
		require.NoError(t, staged.Put([]byte("bank/a"), []byte("75")))
		require.NoError(t, staged.Put([]byte("bank/b"), []byte("25")))
		staged.Defer(func() { fired = true })
		return nil
	})
	require.ErrorIs(t, err, storagetest.ErrWriteFailed)
	require.False(t, fired)
	require.Equal(t, "100", get(t, base, "bank/a"))
	require.Equal(t, "", get(t, base, "bank/b"))
	require.Equal(t, 1, base.Failures())
}

func TestStagedWritesThroughOutsideAtomic(t *testing.T) {
	base := storage.NewMemDB()
	staged := storage.NewStaged(base)
	require.NoError(t, staged.Put([]byte("k"), []byte("v")))
	require.Equal(t, "v", get(t, base, "k"))

	batch := staged.NewBatch()
	batch.Put([]byte("b"), []byte("1"))
	require.NoError(t, staged.Write(batch))
	require.Equal(t, "1", get(t, base, "b"))

	ran := false
	staged.Defer(func() { ran = true })
	require.True(t, ran)
}
