package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/convoflow/pkg/convoflow/blob"
	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

func newTestStore(t *testing.T) (*Store, *store.MemoryClient, *blob.MemoryStore) {
	t.Helper()
	records := store.NewMemoryClient()
	blobs := blob.NewMemoryStore()
	return NewStore(records, blobs, WithInlineThreshold(64)), records, blobs
}

func TestCreateVersion_Inline(t *testing.T) {
	ctx := context.Background()
	cs, _, blobs := newTestStore(t)

	v, err := cs.CreateVersion(ctx, "small prompt", "claude-sonnet", Metadata{CreatedBy: "ops"})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "small prompt", v.Content)
	assert.Empty(t, v.StorageKey)
	assert.Equal(t, HashContent("small prompt"), v.ContentHash)
	assert.Equal(t, 0, blobs.Len())
}

func TestCreateVersion_Overflow(t *testing.T) {
	ctx := context.Background()
	cs, _, blobs := newTestStore(t)

	big := strings.Repeat("prompt body ", 20)
	v, err := cs.CreateVersion(ctx, big, "claude-sonnet", Metadata{})
	require.NoError(t, err)
	assert.Empty(t, v.Content)
	assert.Equal(t, "prompts/"+v.ContentHash, v.StorageKey)
	assert.Equal(t, 1, blobs.Len())

	got, err := cs.GetContent(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestCreateVersion_IdempotentByHash(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	first, err := cs.CreateVersion(ctx, "same content", "claude-sonnet", Metadata{})
	require.NoError(t, err)

	second, err := cs.CreateVersion(ctx, "same content", "claude-sonnet", Metadata{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

// wrappingClient returns missing-version errors the way a remote
// backend would, wrapping the sentinel instead of returning it bare.
type wrappingClient struct {
	store.Client
}

func (c *wrappingClient) FindVersionByHash(ctx context.Context, hash string) (*store.PromptVersion, error) {
	v, err := c.Client.FindVersionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("version by hash %s: %w", hash, err)
	}
	return v, nil
}

func TestCreateVersion_WrappedNotFoundStillCreates(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	cs := NewStore(&wrappingClient{Client: records}, blob.NewMemoryStore())

	v, err := cs.CreateVersion(ctx, "fresh content", "claude-sonnet", Metadata{})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
}

func TestCreateVersion_RoundTripHash(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	for _, input := range []string{
		"plain",
		strings.Repeat("overflow content ", 30),
		"unicode 世界 🎉",
	} {
		v, err := cs.CreateVersion(ctx, input, "m", Metadata{})
		require.NoError(t, err)
		got, err := cs.GetContent(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, HashContent(input), HashContent(got))
	}
}

func TestCreateVersion_Validation(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	_, err := cs.CreateVersion(ctx, "", "m", Metadata{})
	assert.Equal(t, cferrors.CategoryValidation, cferrors.Categorize(err))

	_, err = cs.CreateVersion(ctx, "content", "", Metadata{})
	assert.Equal(t, cferrors.CategoryValidation, cferrors.Categorize(err))
}

// createFailClient fails record creation only, after lookups succeed.
type createFailClient struct {
	store.Client
}

func (c *createFailClient) CreatePromptVersion(context.Context, *store.PromptVersion) error {
	return errors.New("db down")
}

func TestCreateVersion_CleansUpOrphanedBlob(t *testing.T) {
	ctx := context.Background()
	records := &createFailClient{Client: store.NewMemoryClient()}
	blobs := blob.NewMemoryStore()
	cs := NewStore(records, blobs, WithInlineThreshold(8))

	_, err := cs.CreateVersion(ctx, "content above the threshold", "m", Metadata{})
	require.Error(t, err)
	assert.Equal(t, 0, blobs.Len(), "orphaned overflow blob left behind")
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newTestStore(t)

	v, err := cs.CreateVersion(ctx, "trusted content", "m", Metadata{})
	require.NoError(t, err)
	assert.NoError(t, cs.VerifyIntegrity(ctx, v))

	// Tampered inline content fails hard.
	tampered := *v
	tampered.Content = "tampered content"
	err = cs.VerifyIntegrity(ctx, &tampered)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, cferrors.CategoryIntegrity, cferrors.Categorize(err))
}

func TestVerifyIntegrity_OverflowTamper(t *testing.T) {
	ctx := context.Background()
	cs, _, blobs := newTestStore(t)

	big := strings.Repeat("overflow body ", 20)
	v, err := cs.CreateVersion(ctx, big, "m", Metadata{})
	require.NoError(t, err)

	require.NoError(t, blobs.Put(ctx, v.StorageKey, []byte("swapped")))
	var ierr *IntegrityError
	assert.ErrorAs(t, cs.VerifyIntegrity(ctx, v), &ierr)
}

func TestGetContent_MissingOverflow(t *testing.T) {
	ctx := context.Background()
	cs, _, blobs := newTestStore(t)

	big := strings.Repeat("overflow body ", 20)
	v, err := cs.CreateVersion(ctx, big, "m", Metadata{})
	require.NoError(t, err)

	require.NoError(t, blobs.Delete(ctx, v.StorageKey))
	_, err = cs.GetContent(ctx, v)
	assert.Error(t, err)
}
