// Package storagetest holds the behaviour every storage backend shares.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/storage"
	"sitesync/pkg/exception"
)

// Run exercises s against the Storage contract. Keys are prefixed with the
// test name so shared servers do not collide.
func Run(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()
	key := "storagetest_" + t.Name()

	t.Cleanup(func() { _ = s.Delete(context.Background(), key) })

	_, err := s.Get(ctx, key)
	require.True(t, exception.Is(err, exception.ErrStorageNotFound))

	require.NoError(t, s.Set(ctx, key, []byte(`[{"id":"1"}]`)))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"1"}]`, string(got))

	require.NoError(t, s.Set(ctx, key, []byte(`[]`)))
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	require.True(t, exception.Is(err, exception.ErrStorageNotFound))

	require.NoError(t, s.Delete(ctx, key), "deleting a missing key")
}
