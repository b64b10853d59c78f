package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteClient persists engine records to SQLite.
// It is suitable for single-process production use.
type SQLiteClient struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteClient opens (and migrates) a SQLite-backed store.
// The path should be a file path (e.g. "./convoflow.db") or ":memory:"
// for testing.
func NewSQLiteClient(path string) (*SQLiteClient, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			state BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_versions (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			storage_key TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL UNIQUE,
			model_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS pointers (
			tenant_id TEXT NOT NULL DEFAULT '',
			scope TEXT NOT NULL,
			model_id TEXT NOT NULL,
			active_version_id TEXT NOT NULL,
			pointer_version INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, scope, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS breaker_states (
			model_id TEXT PRIMARY KEY,
			disabled INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			error_threshold REAL NOT NULL,
			time_window_ns INTEGER NOT NULL,
			min_requests INTEGER NOT NULL,
			last_tripped TEXT,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS model_calls (
			model_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_calls_model_at
			ON model_calls(model_id, at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_model_created
			ON audit_log(model_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteClient{db: db}, nil
}

// conversationState is the JSON blob stored per conversation.
type conversationState struct {
	Memory         []Turn            `json:"memory,omitempty"`
	SlotValues     map[string]string `json:"slot_values,omitempty"`
	SlotAttempts   map[string]int    `json:"slot_attempts,omitempty"`
	CurrentSlotKey string            `json:"current_slot_key,omitempty"`
}

// GetConversation implements Client.
func (s *SQLiteClient) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var userID, updatedAt string
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&userID, &blob, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var state conversationState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}

	conv := &Conversation{
		ID:             id,
		UserID:         userID,
		Memory:         state.Memory,
		SlotValues:     state.SlotValues,
		SlotAttempts:   state.SlotAttempts,
		CurrentSlotKey: state.CurrentSlotKey,
	}
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return conv, nil
}

// PutConversation implements Client.
func (s *SQLiteClient) PutConversation(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	blob, err := json.Marshal(conversationState{
		Memory:         conv.Memory,
		SlotValues:     conv.SlotValues,
		SlotAttempts:   conv.SlotAttempts,
		CurrentSlotKey: conv.CurrentSlotKey,
	})
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, conv.ID, conv.UserID, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

// AppendTurns implements Client.
func (s *SQLiteClient) AppendTurns(ctx context.Context, conversationID string, turns ...Turn) error {
	s.mu.Lock()
	conv, err := s.getConversationLocked(ctx, conversationID)
	s.mu.Unlock()
	if err == ErrNotFound {
		conv = &Conversation{ID: conversationID}
		err = nil
	}
	if err != nil {
		return err
	}
	conv.Memory = append(conv.Memory, turns...)
	return s.PutConversation(ctx, conv)
}

// getConversationLocked reads a conversation; caller holds s.mu.
func (s *SQLiteClient) getConversationLocked(ctx context.Context, id string) (*Conversation, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	var userID, updatedAt string
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&userID, &blob, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	var state conversationState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	return &Conversation{
		ID:             id,
		UserID:         userID,
		Memory:         state.Memory,
		SlotValues:     state.SlotValues,
		SlotAttempts:   state.SlotAttempts,
		CurrentSlotKey: state.CurrentSlotKey,
	}, nil
}

// GetPromptVersion implements Client.
func (s *SQLiteClient) GetPromptVersion(ctx context.Context, id string) (*PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, content, storage_key, content_hash, model_id, workflow_id, tenant_id, created_at, created_by
		FROM prompt_versions WHERE id = ?
	`, id))
}

// FindVersionByHash implements Client.
func (s *SQLiteClient) FindVersionByHash(ctx context.Context, hash string) (*PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, content, storage_key, content_hash, model_id, workflow_id, tenant_id, created_at, created_by
		FROM prompt_versions WHERE content_hash = ?
	`, hash))
}

func (s *SQLiteClient) scanVersion(row *sql.Row) (*PromptVersion, error) {
	var v PromptVersion
	var createdAt string
	err := row.Scan(&v.ID, &v.Content, &v.StorageKey, &v.ContentHash,
		&v.ModelID, &v.WorkflowID, &v.TenantID, &createdAt, &v.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan prompt version: %w", err)
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &v, nil
}

// CreatePromptVersion implements Client.
func (s *SQLiteClient) CreatePromptVersion(ctx context.Context, v *PromptVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM prompt_versions WHERE content_hash = ?`, v.ContentHash).Scan(&existing)
	if err == nil {
		return ErrDuplicateContent
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check content hash: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompt_versions
			(id, content, storage_key, content_hash, model_id, workflow_id, tenant_id, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Content, v.StorageKey, v.ContentHash, v.ModelID, v.WorkflowID, v.TenantID,
		v.CreatedAt.UTC().Format(time.RFC3339Nano), v.CreatedBy)
	if err != nil {
		return fmt.Errorf("create prompt version: %w", err)
	}
	return nil
}

// GetPointer implements Client.
func (s *SQLiteClient) GetPointer(ctx context.Context, tenantID, scope, modelID string) (*Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var p Pointer
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, scope, model_id, active_version_id, pointer_version, updated_at, updated_by
		FROM pointers WHERE tenant_id = ? AND scope = ? AND model_id = ?
	`, tenantID, scope, modelID).Scan(
		&p.TenantID, &p.Scope, &p.ModelID, &p.ActiveVersionID, &p.PointerVersion, &updatedAt, &p.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pointer: %w", err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// PutPointer implements Client.
func (s *SQLiteClient) PutPointer(ctx context.Context, p *Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pointers (tenant_id, scope, model_id, active_version_id, pointer_version, updated_at, updated_by)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(tenant_id, scope, model_id) DO UPDATE SET
			active_version_id = excluded.active_version_id,
			pointer_version = pointers.pointer_version + 1,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, p.TenantID, p.Scope, p.ModelID, p.ActiveVersionID,
		time.Now().UTC().Format(time.RFC3339Nano), p.UpdatedBy)
	if err != nil {
		return fmt.Errorf("put pointer: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT pointer_version FROM pointers WHERE tenant_id = ? AND scope = ? AND model_id = ?
	`, p.TenantID, p.Scope, p.ModelID).Scan(&p.PointerVersion)
	if err != nil {
		return fmt.Errorf("read pointer version: %w", err)
	}
	return nil
}

// GetBreakerState implements Client.
func (s *SQLiteClient) GetBreakerState(ctx context.Context, modelID string) (*BreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var st BreakerState
	var disabled int
	var windowNs int64
	var lastTripped sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT model_id, disabled, reason, error_threshold, time_window_ns, min_requests, last_tripped, updated_at, updated_by
		FROM breaker_states WHERE model_id = ?
	`, modelID).Scan(&st.ModelID, &disabled, &st.Reason, &st.ErrorThreshold,
		&windowNs, &st.MinRequests, &lastTripped, &updatedAt, &st.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker state: %w", err)
	}

	st.Disabled = disabled != 0
	st.TimeWindow = time.Duration(windowNs)
	if lastTripped.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastTripped.String); err == nil {
			st.LastTripped = &t
		}
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &st, nil
}

// PutBreakerState implements Client.
func (s *SQLiteClient) PutBreakerState(ctx context.Context, st *BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	disabled := 0
	if st.Disabled {
		disabled = 1
	}
	var lastTripped any
	if st.LastTripped != nil {
		lastTripped = st.LastTripped.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states
			(model_id, disabled, reason, error_threshold, time_window_ns, min_requests, last_tripped, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			disabled = excluded.disabled,
			reason = excluded.reason,
			error_threshold = excluded.error_threshold,
			time_window_ns = excluded.time_window_ns,
			min_requests = excluded.min_requests,
			last_tripped = excluded.last_tripped,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, st.ModelID, disabled, st.Reason, st.ErrorThreshold, int64(st.TimeWindow),
		st.MinRequests, lastTripped, time.Now().UTC().Format(time.RFC3339Nano), st.UpdatedBy)
	if err != nil {
		return fmt.Errorf("put breaker state: %w", err)
	}
	return nil
}

// RecordModelCall implements Client.
func (s *SQLiteClient) RecordModelCall(ctx context.Context, modelID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	ok := 0
	if success {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_calls (model_id, success, at) VALUES (?, ?, ?)
	`, modelID, ok, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record model call: %w", err)
	}
	return nil
}

// ModelCallStats implements Client.
func (s *SQLiteClient) ModelCallStats(ctx context.Context, modelID string, since time.Time) (CallStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return CallStats{}, ErrStoreClosed
	}

	var stats CallStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(1 - success), 0)
		FROM model_calls WHERE model_id = ? AND at >= ?
	`, modelID, since.UTC().Format(time.RFC3339Nano)).Scan(&stats.Requests, &stats.Failures)
	if err != nil {
		return CallStats{}, fmt.Errorf("model call stats: %w", err)
	}
	return stats, nil
}

// AppendAudit implements Client.
func (s *SQLiteClient) AppendAudit(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, model_id, detail, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Action, entry.ModelID, entry.Detail, entry.Actor,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit implements Client.
func (s *SQLiteClient) ListAudit(ctx context.Context, modelID string, since time.Time) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT id, action, model_id, detail, actor, created_at
		FROM audit_log WHERE created_at >= ?`
	args := []any{since.UTC().Format(time.RFC3339Nano)}
	if modelID != "" {
		query += ` AND model_id = ?`
		args = append(args, modelID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Action, &e.ModelID, &e.Detail, &e.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// Close releases the database handle.
func (s *SQLiteClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
