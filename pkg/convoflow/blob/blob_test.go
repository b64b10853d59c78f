package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "prompts/abc123", []byte("large prompt body")))

	content, err := store.Get(ctx, "prompts/abc123")
	require.NoError(t, err)
	assert.Equal(t, "large prompt body", string(content))

	exists, err := store.Exists(ctx, "prompts/abc123")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "prompts/abc123"))
	_, err = store.Get(ctx, "prompts/abc123")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "prompts/abc123"), ErrNotFound)
}

func TestMemoryStore_KeyValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.ErrorIs(t, store.Put(ctx, "", []byte("x")), ErrEmptyKey)
	assert.ErrorIs(t, store.Put(ctx, "../etc/passwd", []byte("x")), ErrInvalidKey)

	_, err := store.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = store.Exists(ctx, "a/../b")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStore_CopiesContent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	original := []byte("immutable")
	require.NoError(t, store.Put(ctx, "k", original))
	original[0] = 'X'

	content, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(content))

	// Mutating the returned slice must not affect the stored blob.
	content[0] = 'Y'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(again))
}

func TestNewAzureStore_InvalidConnectionString(t *testing.T) {
	_, err := NewAzureStore(AzureConfig{
		ConnectionString: "not a connection string",
		ContainerName:    "prompts",
	})
	assert.Error(t, err)
}
