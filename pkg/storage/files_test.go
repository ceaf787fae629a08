package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifacts(t *testing.T) {
	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Get(ctx, "v", KindMask, 3)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.Put(ctx, "v", KindMask, 3, []byte("mask")))
	require.NoError(t, a.Put(ctx, "v", KindMask, 3, []byte("mask v2")))

	data, err := a.Get(ctx, "v", KindMask, 3)
	require.NoError(t, err)
	assert.Equal(t, "mask v2", string(data))
	assert.Equal(t, "000003.png", filepath.Base(a.Path("v", KindMask, 3)))

	entries, err := os.ReadDir(filepath.Dir(a.Path("v", KindMask, 3)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, a.Delete("v", KindMask, 3))
	require.NoError(t, a.Delete("v", KindMask, 3))
	_, err = a.Get(ctx, "v", KindMask, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactsCancelled(t *testing.T) {
	a, err := NewArtifacts(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Put(ctx, "v", KindAligned, 0, []byte{1}), context.Canceled)
}
