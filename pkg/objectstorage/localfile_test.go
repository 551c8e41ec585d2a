package objectstorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoragePutGetRoundtrips(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Put(ctx, "text/seg/1", []byte("hello")))

	got, err := fs.Get(ctx, "text/seg/1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestFileStorageGetMissingReturnsErrNotFound(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(context.Background(), "never/written")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoragePutOverwrites(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Put(ctx, "k", []byte("v1")))
	require.NoError(t, fs.Put(ctx, "k", []byte("v2")))

	got, err := fs.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestFileStorageDeleteIsIdempotent(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fs.Put(ctx, "k", []byte("v")))
	require.NoError(t, fs.Delete(ctx, "k"))
	require.NoError(t, fs.Delete(ctx, "k"))

	_, err = fs.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
