package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedServesFromMemoryAfterFill(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.SetItem(ctx, "k", "v1"))

	c, err := NewCached(inner, 1)
	require.NoError(t, err)
	defer c.Close()

	v, ok, err := c.GetItem(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	// once filled, reads survive an inner read failure
	inner.FailReads(errors.New("io error"))
	v, ok, err = c.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	inner.FailReads(nil)
}

func TestCachedWriteThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	c, err := NewCached(inner, 1)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetItem(ctx, "k", "v1"))
	require.NoError(t, c.SetItem(ctx, "k", "v2"))
	assert.Equal(t, "v2", inner.Snapshot()["k"])

	v, _, _ := c.GetItem(ctx, "k")
	assert.Equal(t, "v2", v)

	require.NoError(t, c.RemoveItem(ctx, "k"))
	_, ok, err := c.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetItem(ctx, "a", "1"))
	require.NoError(t, c.SetItem(ctx, "b", "2"))
	require.NoError(t, c.MultiRemove(ctx, []string{"a", "b"}))
	_, ok, _ = c.GetItem(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = c.GetItem(ctx, "b")
	assert.False(t, ok)
}

func TestCachedFailedWriteDoesNotCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	c, err := NewCached(inner, 1)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetItem(ctx, "k", "old"))
	inner.FailWrites(errors.New("read-only"))
	assert.Error(t, c.SetItem(ctx, "k", "new"))
	inner.FailWrites(nil)

	v, ok, err := c.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "old", v)
}

func TestCachedKeysComeFromInner(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	c, err := NewCached(inner, 1)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, inner.SetItem(ctx, "direct", "x"))
	keys, err := c.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"direct"}, keys)
}

func TestNewCachedRejectsZeroSize(t *testing.T) {
	_, err := NewCached(NewMemoryStore(), 0)
	assert.Error(t, err)
}
