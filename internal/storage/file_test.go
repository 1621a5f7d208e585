package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStorage(t *testing.T) *Storage {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStorage(backend)
	require.NoError(t, store.EnsureBucket(context.Background()))
	return store
}

func TestFileBackendPutGet(t *testing.T) {
	store := newTestFileStorage(t)
	ctx := context.Background()

	body := "picture bytes"
	require.NoError(t, store.Put(ctx, "avatars/alice.jpg", strings.NewReader(body), int64(len(body)), "image/jpeg"))

	reader, err := store.Get(ctx, "avatars/alice.jpg")
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestFileBackendDeleteIdempotent(t *testing.T) {
	store := newTestFileStorage(t)
	ctx := context.Background()

	body := "picture bytes"
	require.NoError(t, store.Put(ctx, "avatars/bob.jpg", strings.NewReader(body), int64(len(body)), "image/jpeg"))
	require.NoError(t, store.Delete(ctx, "avatars/bob.jpg"))

	_, err := store.Get(ctx, "avatars/bob.jpg")
	assert.Error(t, err, "deleted object must no longer resolve")

	// Deleting again, or deleting a key that never existed, is a no-op.
	assert.NoError(t, store.Delete(ctx, "avatars/bob.jpg"))
	assert.NoError(t, store.Delete(ctx, "avatars/never-there.jpg"))
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	store := newTestFileStorage(t)
	ctx := context.Background()

	err := store.Put(ctx, "../escape.jpg", strings.NewReader("x"), 1, "image/jpeg")
	assert.Error(t, err)

	err = store.Put(ctx, "/absolute.jpg", strings.NewReader("x"), 1, "image/jpeg")
	assert.Error(t, err)
}
