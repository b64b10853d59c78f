package pointer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

func seedVersion(t *testing.T, records *store.MemoryClient, id, content string) {
	t.Helper()
	require.NoError(t, records.CreatePromptVersion(context.Background(), &store.PromptVersion{
		ID:          id,
		Content:     content,
		ContentHash: "hash-" + id,
		ModelID:     "claude-sonnet",
	}))
}

func seedPointer(t *testing.T, records *store.MemoryClient, tenantID, scope, versionID string) {
	t.Helper()
	require.NoError(t, records.PutPointer(context.Background(), &store.Pointer{
		TenantID:        tenantID,
		Scope:           scope,
		ModelID:         "claude-sonnet",
		ActiveVersionID: versionID,
	}))
}

func TestResolve_PrecedenceOrder(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	seedVersion(t, records, "v-tw", "tenant+workflow")
	seedVersion(t, records, "v-w", "workflow")
	seedVersion(t, records, "v-t", "tenant global")
	seedVersion(t, records, "v-g", "global")
	seedPointer(t, records, "acme", "support", "v-tw")
	seedPointer(t, records, "", "support", "v-w")
	seedPointer(t, records, "acme", store.GlobalScope, "v-t")
	seedPointer(t, records, "", store.GlobalScope, "v-g")

	tests := []struct {
		name        string
		workflowID  string
		tenantID    string
		wantVersion string
		wantLevel   int
	}{
		{"most specific wins", "support", "acme", "v-tw", 0},
		{"workflow beats tenant global", "support", "", "v-w", 0},
		{"tenant global", "", "acme", "v-t", 0},
		{"model global", "", "", "v-g", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(records, NewCache())
			v, res := r.Resolve(ctx, tt.workflowID, "claude-sonnet", tt.tenantID)
			assert.Equal(t, tt.wantVersion, v.ID)
			assert.Equal(t, tt.wantLevel, res.Level)
			assert.False(t, res.CacheHit)
			assert.False(t, res.Emergency)
		})
	}
}

func TestResolve_FallsThroughMissingLevels(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	seedVersion(t, records, "v-g", "global only")
	seedPointer(t, records, "", store.GlobalScope, "v-g")

	r := NewResolver(records, NewCache())
	v, res := r.Resolve(ctx, "support", "claude-sonnet", "acme")
	assert.Equal(t, "v-g", v.ID)
	assert.Equal(t, 3, res.Level)
}

func TestResolve_EmergencyFallback(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(store.NewMemoryClient(), NewCache())

	v, res := r.Resolve(ctx, "support", "claude-sonnet", "acme")
	assert.True(t, res.Emergency)
	assert.Equal(t, -1, res.Level)
	assert.Equal(t, EmergencyVersionID, v.ID)
	assert.Equal(t, EmergencyPrompt, v.Content)
}

func TestResolve_StoreErrorsFailThrough(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	records.Fail = errors.New("store down")

	r := NewResolver(records, NewCache())
	v, res := r.Resolve(ctx, "support", "claude-sonnet", "acme")
	assert.True(t, res.Emergency)
	assert.Equal(t, EmergencyPrompt, v.Content)
}

func TestResolve_CachesResolvedVersion(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	seedVersion(t, records, "v-g", "global")
	seedPointer(t, records, "", store.GlobalScope, "v-g")

	r := NewResolver(records, NewCache())
	_, res := r.Resolve(ctx, "", "claude-sonnet", "")
	assert.False(t, res.CacheHit)

	// Second resolution is served from cache even if the store dies.
	records.Fail = errors.New("store down")
	v, res := r.Resolve(ctx, "", "claude-sonnet", "")
	assert.True(t, res.CacheHit)
	assert.Equal(t, "v-g", v.ID)
}

func TestResolve_NarrowerCacheEntryWins(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	seedVersion(t, records, "v-w", "workflow")
	seedVersion(t, records, "v-g", "global")
	seedPointer(t, records, "", store.GlobalScope, "v-g")

	cache := NewCache()
	r := NewResolver(records, cache)

	// Warm the broad (global) entry first.
	_, _ = r.Resolve(ctx, "", "claude-sonnet", "")

	// Then cache the narrower workflow entry directly.
	cache.Put(cacheKey(precedenceLevel{scope: "support"}, "claude-sonnet"),
		&store.PromptVersion{ID: "v-w", Content: "workflow"})

	v, res := r.Resolve(ctx, "support", "claude-sonnet", "")
	assert.True(t, res.CacheHit)
	assert.Equal(t, "v-w", v.ID, "broader cached scope must not shadow the narrower one")
}

func TestResolve_InvalidateBypassesCache(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryClient()
	seedVersion(t, records, "v-1", "one")
	seedVersion(t, records, "v-2", "two")
	seedPointer(t, records, "", store.GlobalScope, "v-1")

	r := NewResolver(records, NewCache())
	v, _ := r.Resolve(ctx, "", "claude-sonnet", "")
	assert.Equal(t, "v-1", v.ID)

	seedPointer(t, records, "", store.GlobalScope, "v-2")
	r.Invalidate("", "claude-sonnet", "")

	v, res := r.Resolve(ctx, "", "claude-sonnet", "")
	assert.False(t, res.CacheHit)
	assert.Equal(t, "v-2", v.ID)
}

func TestCache_TTLExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewCache(
		WithTTL(time.Minute),
		WithCacheClock(func() time.Time { return now }),
	)

	cache.Put("k", &store.PromptVersion{ID: "v"})
	_, ok := cache.Get("k")
	assert.True(t, ok)

	now = now.Add(30 * time.Second)
	_, ok = cache.Get("k")
	assert.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = cache.Get("k")
	assert.False(t, ok, "entry past TTL must be treated as absent")
}

func TestCache_CapacityEvictsOldestFirst(t *testing.T) {
	now := time.Unix(1000, 0)
	cache := NewCache(
		WithCapacity(3),
		WithCacheClock(func() time.Time {
			now = now.Add(time.Second)
			return now
		}),
	)

	for i := 0; i < 4; i++ {
		cache.Put(fmt.Sprintf("k%d", i), &store.PromptVersion{ID: fmt.Sprintf("v%d", i)})
	}

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Get("k0")
	assert.False(t, ok, "oldest insertion must be evicted first")
	for i := 1; i < 4; i++ {
		_, ok := cache.Get(fmt.Sprintf("k%d", i))
		assert.True(t, ok)
	}
}

func TestCache_PutReplacesExisting(t *testing.T) {
	cache := NewCache(WithCapacity(2))
	cache.Put("k", &store.PromptVersion{ID: "v1"})
	cache.Put("k", &store.PromptVersion{ID: "v2"})

	assert.Equal(t, 1, cache.Len())
	v, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v.ID)
}
