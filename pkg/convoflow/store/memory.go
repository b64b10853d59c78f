package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryClient is an in-memory Client for tests and examples.
// Data is lost when the process exits.
type MemoryClient struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	versions      map[string]*PromptVersion
	versionHashes map[string]string // content hash -> version ID
	pointers      map[string]*Pointer
	breakers      map[string]*BreakerState
	calls         map[string][]callRecord
	audit         []AuditEntry
	closed        bool

	// Fail, when set, is returned by every operation. Tests use it to
	// exercise fail-open and fallback paths.
	Fail error
}

type callRecord struct {
	at      time.Time
	success bool
}

// NewMemoryClient creates an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		conversations: make(map[string]*Conversation),
		versions:      make(map[string]*PromptVersion),
		versionHashes: make(map[string]string),
		pointers:      make(map[string]*Pointer),
		breakers:      make(map[string]*BreakerState),
		calls:         make(map[string][]callRecord),
	}
}

func pointerKey(tenantID, scope, modelID string) string {
	return tenantID + "\x00" + scope + "\x00" + modelID
}

func (m *MemoryClient) guard() error {
	if m.closed {
		return ErrStoreClosed
	}
	return m.Fail
}

// GetConversation implements Client.
func (m *MemoryClient) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	cp.Memory = append([]Turn(nil), conv.Memory...)
	cp.SlotValues = copyStringMap(conv.SlotValues)
	cp.SlotAttempts = copyIntMap(conv.SlotAttempts)
	return &cp, nil
}

// PutConversation implements Client.
func (m *MemoryClient) PutConversation(_ context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	cp := *conv
	cp.Memory = append([]Turn(nil), conv.Memory...)
	cp.SlotValues = copyStringMap(conv.SlotValues)
	cp.SlotAttempts = copyIntMap(conv.SlotAttempts)
	cp.UpdatedAt = time.Now().UTC()
	m.conversations[conv.ID] = &cp
	return nil
}

// AppendTurns implements Client.
func (m *MemoryClient) AppendTurns(_ context.Context, conversationID string, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID}
		m.conversations[conversationID] = conv
	}
	conv.Memory = append(conv.Memory, turns...)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// GetPromptVersion implements Client.
func (m *MemoryClient) GetPromptVersion(_ context.Context, id string) (*PromptVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// FindVersionByHash implements Client.
func (m *MemoryClient) FindVersionByHash(_ context.Context, hash string) (*PromptVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	id, ok := m.versionHashes[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.versions[id]
	return &cp, nil
}

// CreatePromptVersion implements Client.
func (m *MemoryClient) CreatePromptVersion(_ context.Context, v *PromptVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if _, exists := m.versionHashes[v.ContentHash]; exists {
		return ErrDuplicateContent
	}
	cp := *v
	m.versions[v.ID] = &cp
	m.versionHashes[v.ContentHash] = v.ID
	return nil
}

// GetPointer implements Client.
func (m *MemoryClient) GetPointer(_ context.Context, tenantID, scope, modelID string) (*Pointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	p, ok := m.pointers[pointerKey(tenantID, scope, modelID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutPointer implements Client.
func (m *MemoryClient) PutPointer(_ context.Context, p *Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	key := pointerKey(p.TenantID, p.Scope, p.ModelID)
	cp := *p
	if prev, ok := m.pointers[key]; ok {
		cp.PointerVersion = prev.PointerVersion + 1
	} else {
		cp.PointerVersion = 1
	}
	cp.UpdatedAt = time.Now().UTC()
	m.pointers[key] = &cp
	p.PointerVersion = cp.PointerVersion
	return nil
}

// GetBreakerState implements Client.
func (m *MemoryClient) GetBreakerState(_ context.Context, modelID string) (*BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	st, ok := m.breakers[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// PutBreakerState implements Client.
func (m *MemoryClient) PutBreakerState(_ context.Context, st *BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	cp := *st
	cp.UpdatedAt = time.Now().UTC()
	m.breakers[st.ModelID] = &cp
	return nil
}

// RecordModelCall implements Client.
func (m *MemoryClient) RecordModelCall(_ context.Context, modelID string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	m.calls[modelID] = append(m.calls[modelID], callRecord{at: at, success: success})
	return nil
}

// ModelCallStats implements Client.
func (m *MemoryClient) ModelCallStats(_ context.Context, modelID string, since time.Time) (CallStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return CallStats{}, err
	}
	var stats CallStats
	for _, rec := range m.calls[modelID] {
		if rec.at.Before(since) {
			continue
		}
		stats.Requests++
		if !rec.success {
			stats.Failures++
		}
	}
	return stats, nil
}

// AppendAudit implements Client.
func (m *MemoryClient) AppendAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	m.audit = append(m.audit, entry)
	return nil
}

// ListAudit implements Client.
func (m *MemoryClient) ListAudit(_ context.Context, modelID string, since time.Time) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	var entries []AuditEntry
	for _, e := range m.audit {
		if modelID != "" && e.ModelID != modelID {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Close marks the store closed.
func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
