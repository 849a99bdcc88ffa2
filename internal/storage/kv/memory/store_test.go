package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := New()
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

	require.NoError(t, store.Close())
}

func TestStoreCopiesValues(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	src := []byte("original")
	require.NoError(t, store.Set(ctx, "k", src))
	src[0] = 'X'

	got, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	// Mutating the returned slice must not leak back into the store.
	got[0] = 'Y'
	again, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}
