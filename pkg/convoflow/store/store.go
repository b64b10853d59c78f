// Package store defines the data-access collaborator contract and
// provides in-memory and SQLite implementations.
//
// The engine reads and writes conversation records, prompt versions,
// active prompt pointers, circuit breaker state, model call outcomes,
// and audit entries through the Client interface. Implementations must
// be safe for concurrent use; last-write-wins on concurrent updates is
// acceptable.
package store

import (
	"context"
	"errors"
	"time"
)

// GlobalScope is the pointer scope for model-wide defaults,
// as opposed to a workflow-specific scope.
const GlobalScope = "GLOBAL"

// Turn is one conversation turn.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Conversation is the persisted state of a conversation, including
// the slot-collection subset that survives run halts.
type Conversation struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id,omitempty"`
	Memory         []Turn            `json:"memory,omitempty"`
	SlotValues     map[string]string `json:"slot_values,omitempty"`
	SlotAttempts   map[string]int    `json:"slot_attempts,omitempty"`
	CurrentSlotKey string            `json:"current_slot_key,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PromptVersion is an immutable, content-addressed prompt body.
// Content is stored inline up to a size threshold; above it only
// StorageKey is set and the body lives in the overflow blob store.
type PromptVersion struct {
	ID          string    `json:"id"`
	Content     string    `json:"content,omitempty"`
	StorageKey  string    `json:"storage_key,omitempty"`
	ContentHash string    `json:"content_hash"` // hex SHA-256 of the UTF-8 content
	ModelID     string    `json:"model_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// Pointer selects the active prompt version for a (tenant, scope, model)
// triple. Scope is a workflow ID or GlobalScope.
type Pointer struct {
	TenantID        string    `json:"tenant_id,omitempty"`
	Scope           string    `json:"scope"`
	ModelID         string    `json:"model_id"`
	ActiveVersionID string    `json:"active_version_id"`
	PointerVersion  int64     `json:"pointer_version"`
	UpdatedAt       time.Time `json:"updated_at"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
}

// BreakerState is the persisted circuit breaker state for one model.
// Created lazily with defaults on first health check; never deleted.
type BreakerState struct {
	ModelID        string        `json:"model_id"`
	Disabled       bool          `json:"disabled"`
	Reason         string        `json:"reason,omitempty"`
	ErrorThreshold float64       `json:"error_threshold"`
	TimeWindow     time.Duration `json:"time_window"`
	MinRequests    int           `json:"min_requests"`
	LastTripped    *time.Time    `json:"last_tripped,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	UpdatedBy      string        `json:"updated_by,omitempty"`
}

// AuditEntry records an out-of-band state change (breaker trips and
// resets, pointer activations).
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ModelID   string    `json:"model_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CallStats summarizes model call outcomes over a window.
type CallStats struct {
	Requests int
	Failures int
}

// ErrorRate returns failures/requests, or 0 for an empty window.
func (s CallStats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Requests)
}

// Sentinel errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateContent indicates a prompt version with the same
	// content hash already exists.
	ErrDuplicateContent = errors.New("prompt version with identical content already exists")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Client is the data-access collaborator.
type Client interface {
	// Conversations

	// GetConversation returns the conversation, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// PutConversation creates or replaces the conversation record.
	PutConversation(ctx context.Context, conv *Conversation) error
	// AppendTurns appends turns to the conversation memory, creating
	// the conversation if it does not exist.
	AppendTurns(ctx context.Context, conversationID string, turns ...Turn) error

	// Prompt versions

	// GetPromptVersion returns the version, or ErrNotFound.
	GetPromptVersion(ctx context.Context, id string) (*PromptVersion, error)
	// FindVersionByHash returns the version with the given content
	// hash, or ErrNotFound.
	FindVersionByHash(ctx context.Context, hash string) (*PromptVersion, error)
	// CreatePromptVersion stores a new version. Returns
	// ErrDuplicateContent if a version with the same hash exists.
	CreatePromptVersion(ctx context.Context, v *PromptVersion) error

	// Active pointers

	// GetPointer returns the pointer for the exact triple, or ErrNotFound.
	GetPointer(ctx context.Context, tenantID, scope, modelID string) (*Pointer, error)
	// PutPointer creates or updates a pointer, bumping PointerVersion.
	PutPointer(ctx context.Context, p *Pointer) error

	// Circuit breaker

	// GetBreakerState returns the state for a model, or ErrNotFound.
	GetBreakerState(ctx context.Context, modelID string) (*BreakerState, error)
	// PutBreakerState creates or replaces the breaker state.
	PutBreakerState(ctx context.Context, st *BreakerState) error
	// RecordModelCall records one model call outcome for error-rate tracking.
	RecordModelCall(ctx context.Context, modelID string, success bool, at time.Time) error
	// ModelCallStats returns call counts for a model since the given time.
	ModelCallStats(ctx context.Context, modelID string, since time.Time) (CallStats, error)

	// Audit

	// AppendAudit records an audit entry.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// ListAudit returns audit entries for a model since the given
	// time, oldest first. An empty modelID matches all models.
	ListAudit(ctx context.Context, modelID string, since time.Time) ([]AuditEntry, error)
}
