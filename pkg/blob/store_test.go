package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylane-systems/aerogate/pkg/blob"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"ground_stop": true}`)
	hash, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, blob.Hash(data), hash)
	assert.Len(t, hash, 64)

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFileStore_PutIdempotent(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	h1, err := store.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	h2, err := store.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFileStore_UnknownAndInvalid(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, blob.Hash([]byte("never stored")))
	assert.ErrorIs(t, err, blob.ErrNotFound)

	// A traversal attempt is rejected before touching the filesystem.
	_, err = store.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, blob.ErrNotFound)
}
