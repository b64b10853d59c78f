// Package content manages content-addressed prompt bodies.
//
// A prompt's SHA-256 hash is its identity: creating the same content
// twice returns the existing version rather than storing a duplicate.
// Bodies at or below the inline threshold live in the version record;
// larger bodies go to the overflow blob store with only a storage key
// kept inline. Retrieval and integrity verification are transparent to
// the tier.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/convoflow/pkg/convoflow/blob"
	cferrors "github.com/randalmurphal/convoflow/pkg/convoflow/errors"
	"github.com/randalmurphal/convoflow/pkg/convoflow/store"
)

// DefaultInlineThreshold is the largest content size, in bytes, stored
// inline with the version record.
const DefaultInlineThreshold = 8192

// IntegrityError reports a content hash mismatch on retrieval. It is
// fatal for the build that encountered it.
type IntegrityError struct {
	VersionID string
	Expected  string
	Actual    string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content integrity check failed for version %s: expected hash %s, got %s",
		e.VersionID, e.Expected, e.Actual)
}

// ErrorCategory implements errors.Classifier.
func (e *IntegrityError) ErrorCategory() cferrors.Category {
	return cferrors.CategoryIntegrity
}

// HashContent returns the hex SHA-256 of the UTF-8 content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Option configures a Store.
type Option func(*Store)

// WithInlineThreshold overrides the inline storage size threshold.
func WithInlineThreshold(bytes int) Option {
	return func(s *Store) { s.inlineThreshold = bytes }
}

// WithLogger sets the logger for best-effort cleanup reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock sets the time source for version timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store creates and retrieves content-addressed prompt versions.
type Store struct {
	records         store.Client
	blobs           blob.Store
	inlineThreshold int
	logger          *slog.Logger
	now             func() time.Time
}

// NewStore creates a content store over the given record and blob
// collaborators.
func NewStore(records store.Client, blobs blob.Store, opts ...Option) *Store {
	s := &Store{
		records:         records,
		blobs:           blobs,
		inlineThreshold: DefaultInlineThreshold,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metadata carries the optional attribution fields for a new version.
type Metadata struct {
	WorkflowID string
	TenantID   string
	CreatedBy  string
}

// CreateVersion stores content as a new immutable version. If a
// version with identical content already exists it is returned
// unchanged; creation is idempotent by content hash.
func (s *Store) CreateVersion(ctx context.Context, content, modelID string, meta Metadata) (*store.PromptVersion, error) {
	if content == "" {
		return nil, cferrors.Validation(fmt.Errorf("prompt content is empty"), "create version")
	}
	if modelID == "" {
		return nil, cferrors.Validation(fmt.Errorf("model id is required"), "create version")
	}

	hash := HashContent(content)
	if existing, err := s.records.FindVersionByHash(ctx, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check existing content: %w", err)
	}

	v := &store.PromptVersion{
		ID:          uuid.NewString(),
		ContentHash: hash,
		ModelID:     modelID,
		WorkflowID:  meta.WorkflowID,
		TenantID:    meta.TenantID,
		CreatedAt:   s.now().UTC(),
		CreatedBy:   meta.CreatedBy,
	}

	overflow := len(content) > s.inlineThreshold
	if overflow {
		v.StorageKey = "prompts/" + hash
		if err := s.blobs.Put(ctx, v.StorageKey, []byte(content)); err != nil {
			return nil, fmt.Errorf("write overflow content: %w", err)
		}
	} else {
		v.Content = content
	}

	if err := s.records.CreatePromptVersion(ctx, v); err != nil {
		if err == store.ErrDuplicateContent {
			// Lost a creation race; return the winner.
			if existing, ferr := s.records.FindVersionByHash(ctx, hash); ferr == nil {
				s.cleanupOverflow(ctx, overflow, v.StorageKey)
				return existing, nil
			}
		}
		s.cleanupOverflow(ctx, overflow, v.StorageKey)
		return nil, fmt.Errorf("create version record: %w", err)
	}
	return v, nil
}

// cleanupOverflow deletes an orphaned overflow blob best-effort.
func (s *Store) cleanupOverflow(ctx context.Context, overflow bool, key string) {
	if !overflow {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil && err != blob.ErrNotFound {
		s.logger.Warn("orphaned overflow content not cleaned up",
			"storage_key", key,
			"error", err)
	}
}

// GetContent returns the prompt body for a version regardless of
// storage tier.
func (s *Store) GetContent(ctx context.Context, v *store.PromptVersion) (string, error) {
	if v.StorageKey == "" {
		return v.Content, nil
	}
	data, err := s.blobs.Get(ctx, v.StorageKey)
	if err != nil {
		return "", fmt.Errorf("read overflow content for version %s: %w", v.ID, err)
	}
	return string(data), nil
}

// VerifyIntegrity recomputes the content hash and compares it to the
// stored hash. A mismatch is returned as an IntegrityError and must
// never be silently tolerated.
func (s *Store) VerifyIntegrity(ctx context.Context, v *store.PromptVersion) error {
	body, err := s.GetContent(ctx, v)
	if err != nil {
		return err
	}
	if actual := HashContent(body); actual != v.ContentHash {
		return &IntegrityError{VersionID: v.ID, Expected: v.ContentHash, Actual: actual}
	}
	return nil
}
