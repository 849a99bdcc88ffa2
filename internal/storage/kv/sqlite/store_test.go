package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "k", []byte("v1")))
	got, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, store.Set(ctx, "k", []byte("v2")))
	got, _, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "k", []byte("survives")))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, found, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("survives"), got)
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New("  ")
	require.Error(t, err)
}
