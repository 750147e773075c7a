package cache

import (
	"context"
	"testing"

	"github.com/nobletooth/larder/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(storage.NewMemory())

	first, err := manager.Open(ctx, "a")
	require.NoError(t, err)
	again, err := manager.Open(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, "a", first.Name())

	other, err := manager.Open(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, first, other)

	_, err = manager.Open(ctx, "")
	assert.ErrorIs(t, err, storage.ErrInvalidPartition)

	require.NoError(t, manager.Close())
	_, err = manager.Open(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, first.PutText(ctx, "k", "v", 0 /*ttl*/), storage.ErrClosed)
}
