package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/review"
)

// Manager adapts a Store to the engine's Checkpointer contract: it packs the
// graph state, derives the row columns from it, and upserts.
type Manager struct {
	store  Store
	logger *zap.Logger
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger.Named("session")}
}

// Save implements review.Checkpointer.
func (m *Manager) Save(ctx context.Context, s *review.State) error {
	packed, err := Pack(s)
	if err != nil {
		return fmt.Errorf("pack state for %s: %w", s.TaskID, err)
	}
	status := StatusReviewing
	interrupted := s.NextNode == review.NodeHumanApproval && !s.IsComplete
	switch {
	case s.IsComplete && s.Error != "":
		status = StatusFailed
	case s.IsComplete:
		status = StatusCompleted
	case interrupted:
		status = StatusInterrupted
	}
	return m.store.Upsert(ctx, Row{
		TaskID:             s.TaskID,
		Status:             status,
		DomainID:           s.DomainID,
		DomainSubtype:      s.DomainSubtype,
		OurParty:           s.OurParty,
		Language:           s.Language,
		CurrentClauseIndex: s.CurrentClauseIndex,
		CurrentClauseID:    s.CurrentClauseID,
		TotalClauses:       len(s.ReviewChecklist),
		IsComplete:         s.IsComplete,
		IsInterrupted:      interrupted,
		Error:              s.Error,
		GraphState:         packed,
		GraphRunID:         s.GraphRunID,
	})
}

// MarkCompleted and MarkFailed pass through to the store.
func (m *Manager) MarkCompleted(ctx context.Context, taskID string) error {
	return m.store.MarkCompleted(ctx, taskID)
}

func (m *Manager) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	return m.store.MarkFailed(ctx, taskID, errMsg)
}

// ListActive returns the sessions eligible for recovery after a restart.
func (m *Manager) ListActive(ctx context.Context) ([]Row, error) {
	return m.store.ListActive(ctx)
}

// Load rehydrates a task's state. The second return is false when the
// stored payload was truncated so hard that a resume is not possible.
func (m *Manager) Load(ctx context.Context, taskID string) (*review.State, bool, error) {
	row, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	raw, err := Unpack(row.GraphState)
	if err != nil {
		return nil, false, fmt.Errorf("unpack state for %s: %w", taskID, err)
	}
	var s review.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode state for %s: %w", taskID, err)
	}
	if s.TaskID == "" {
		s.TaskID = taskID
	}
	if IsTruncated(raw) {
		// Critical slots may be gone; callers abandon the resume when so.
		resumable := len(s.ReviewChecklist) > 0 && s.NextNode != ""
		return &s, resumable, nil
	}
	return &s, true, nil
}
