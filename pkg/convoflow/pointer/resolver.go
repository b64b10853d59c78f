// Package pointer resolves the active prompt version for a
// (tenant, workflow, model) triple by precedence, with a TTL cache.
//
// Resolution never fails: lookup errors at one precedence level fall
// through to the next, and total failure yields a hard-coded emergency
// prompt so a build can always proceed.
package pointer

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

// EmergencyPrompt is the always-available fallback used when no
// pointer resolves at any precedence level.
const EmergencyPrompt = "You are a helpful assistant. Respond clearly and concisely."

// EmergencyVersionID marks a resolution that fell back to the
// emergency prompt; it never corresponds to a stored version.
const EmergencyVersionID = "emergency-fallback"

// Resolution describes how a prompt version was found.
type Resolution struct {
	// Level is the precedence level that matched, 0 being the most
	// specific (tenant+workflow). -1 means emergency fallback.
	Level int
	// CacheHit reports whether the version came from the cache.
	CacheHit bool
	// Emergency reports whether the emergency fallback was used.
	Emergency bool
}

// Resolver resolves active prompt versions.
type Resolver struct {
	records store.Client
	cache   *Cache
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for fall-through reporting.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithMetrics sets the metrics recorder for cache lookup counters.
func WithMetrics(m observability.MetricsRecorder) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver over the given record store and
// cache. The cache must not be nil; inject a small one in tests.
func NewResolver(records store.Client, cache *Cache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		records: records,
		cache:   cache,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// precedenceLevel is one (tenant, scope) probe in precedence order.
type precedenceLevel struct {
	tenantID string
	scope    string
}

// levels returns the precedence probes for a resolution request, most
// specific first.
func levels(workflowID, tenantID string) []precedenceLevel {
	var out []precedenceLevel
	if tenantID != "" && workflowID != "" {
		out = append(out, precedenceLevel{tenantID: tenantID, scope: workflowID})
	}
	if workflowID != "" {
		out = append(out, precedenceLevel{scope: workflowID})
	}
	if tenantID != "" {
		out = append(out, precedenceLevel{tenantID: tenantID, scope: store.GlobalScope})
	}
	out = append(out, precedenceLevel{scope: store.GlobalScope})
	return out
}

func cacheKey(l precedenceLevel, modelID string) string {
	return strings.Join([]string{l.tenantID, l.scope, modelID}, "\x00")
}

// Resolve returns the active prompt version for the triple. It probes
// every precedence key in the cache first, so a narrower cached scope
// always wins over a broader one, then falls back to store lookups
// level by level. Errors are logged and treated as not-found for that
// level; if nothing resolves, the emergency fallback is returned.
func (r *Resolver) Resolve(ctx context.Context, workflowID, modelID, tenantID string) (*store.PromptVersion, Resolution) {
	probes := levels(workflowID, tenantID)

	for i, l := range probes {
		if v, ok := r.cache.Get(cacheKey(l, modelID)); ok {
			r.metrics.RecordCacheLookup(ctx, true)
			return v, Resolution{Level: i, CacheHit: true}
		}
	}
	r.metrics.RecordCacheLookup(ctx, false)

	for i, l := range probes {
		v, err := r.resolveLevel(ctx, l, modelID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.logger.Warn("pointer resolution failed at precedence level, falling through",
					"tenant_id", l.tenantID,
					"scope", l.scope,
					"model_id", modelID,
					"error", err)
			}
			continue
		}
		r.cache.Put(cacheKey(l, modelID), v)
		return v, Resolution{Level: i}
	}

	r.logger.Warn("no active prompt resolved, using emergency fallback",
		"workflow_id", workflowID,
		"model_id", modelID,
		"tenant_id", tenantID)
	return emergencyVersion(modelID), Resolution{Level: -1, Emergency: true}
}

// resolveLevel looks up the pointer for one level and loads its
// active version.
func (r *Resolver) resolveLevel(ctx context.Context, l precedenceLevel, modelID string) (*store.PromptVersion, error) {
	p, err := r.records.GetPointer(ctx, l.tenantID, l.scope, modelID)
	if err != nil {
		return nil, err
	}
	return r.records.GetPromptVersion(ctx, p.ActiveVersionID)
}

// Invalidate drops every cached precedence key for the triple.
func (r *Resolver) Invalidate(workflowID, modelID, tenantID string) {
	for _, l := range levels(workflowID, tenantID) {
		r.cache.Invalidate(cacheKey(l, modelID))
	}
}

func emergencyVersion(modelID string) *store.PromptVersion {
	return &store.PromptVersion{
		ID:          EmergencyVersionID,
		Content:     EmergencyPrompt,
		ContentHash: "",
		ModelID:     modelID,
	}
}
