package operation

import (
	"context"
	"sync"
	"time"

	"github.com/rowjay/registry-backup/internal/apperr"
)

// MemoryStore keeps operations in process memory.
type MemoryStore struct {
	retention time.Duration
	now       func() time.Time

	mu  sync.RWMutex
	ops map[string]Operation
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{retention: retention, now: time.Now, ops: make(map[string]Operation)}
}

func (m *MemoryStore) Save(_ context.Context, op Operation) error {
	op.Artifacts = append([]string(nil), op.Artifacts...)
	m.mu.Lock()
	m.ops[op.ID] = op
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Operation, error) {
	m.mu.RLock()
	op, ok := m.ops[id]
	m.mu.RUnlock()
	if !ok || m.expired(op, m.now()) {
		return Operation{}, apperr.NotFound("operation.load", "operation %q not found", id)
	}
	op.Artifacts = append([]string(nil), op.Artifacts...)
	return op, nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, op := range m.ops {
		if m.expired(op, now) {
			delete(m.ops, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) expired(op Operation, now time.Time) bool {
	if op.FinishedAt == nil {
		return false
	}
	return now.Sub(*op.FinishedAt) > m.retention
}
