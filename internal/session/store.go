package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusReviewing   Status = "reviewing"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ErrNotFound is returned when no session row exists for a task.
var ErrNotFound = errors.New("session not found")

// Row is the persisted review_sessions record. GraphState is already packed.
type Row struct {
	TaskID             string          `json:"task_id"`
	Status             Status          `json:"status"`
	DomainID           string          `json:"domain_id,omitempty"`
	DomainSubtype      string          `json:"domain_subtype,omitempty"`
	OurParty           string          `json:"our_party,omitempty"`
	Language           string          `json:"language,omitempty"`
	CurrentClauseIndex int             `json:"current_clause_index"`
	CurrentClauseID    string          `json:"current_clause_id,omitempty"`
	TotalClauses       int             `json:"total_clauses"`
	IsComplete         bool            `json:"is_complete"`
	IsInterrupted      bool            `json:"is_interrupted"`
	Error              string          `json:"error,omitempty"`
	GraphState         json.RawMessage `json:"graph_state,omitempty"`
	GraphRunID         string          `json:"graph_run_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Store is the system-of-record for sessions. All writes are idempotent
// upserts keyed by task id.
type Store interface {
	Upsert(ctx context.Context, row Row) error
	Get(ctx context.Context, taskID string) (Row, error)
	MarkCompleted(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID string, errMsg string) error
	// ListActive returns sessions with status reviewing or interrupted.
	ListActive(ctx context.Context) ([]Row, error)
}

// MemoryStore is the in-process fallback, behaviorally equivalent to the
// durable store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]Row{}}
}

func (m *MemoryStore) Upsert(_ context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.rows[row.TaskID]; ok {
		row.CreatedAt = prev.CreatedAt
	} else if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	m.rows[row.TaskID] = row
	return nil
}

func (m *MemoryStore) Get(_ context.Context, taskID string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[taskID]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, taskID string) error {
	return m.setTerminal(taskID, StatusCompleted, "")
}

func (m *MemoryStore) MarkFailed(_ context.Context, taskID string, errMsg string) error {
	return m.setTerminal(taskID, StatusFailed, errMsg)
}

func (m *MemoryStore) setTerminal(taskID string, st Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[taskID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	row.Status = st
	row.UpdatedAt = now
	row.CompletedAt = &now
	if errMsg != "" {
		row.Error = errMsg
	}
	if st == StatusCompleted {
		row.IsComplete = true
	}
	m.rows[taskID] = row
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, row := range m.rows {
		if row.Status == StatusReviewing || row.Status == StatusInterrupted {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
