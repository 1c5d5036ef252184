package server

import (
	"time"

	"github.com/redlinehq/redline/internal/review"
)

// defaultPollInterval bounds how often the generator samples graph state.
const defaultPollInterval = 2 * time.Second

// startGenerator launches the per-task SSE generator: it polls the graph
// state, publishes progress and interrupt events into the task's cache, and
// stops when the review completes or the task disappears. Diff events are
// deduped by diff id across polls. Starting is idempotent, so both the run
// and the resume handlers can call it; at most one loop polls a task.
func (s *Server) startGenerator(t *Task) {
	t.Mu.Lock()
	if t.generatorOn {
		t.Mu.Unlock()
		return
	}
	t.generatorOn = true
	t.Mu.Unlock()
	go func() {
		defer func() {
			t.Mu.Lock()
			t.generatorOn = false
			t.Mu.Unlock()
		}()
		s.generatorLoop(t)
	}()
}

func (s *Server) generatorLoop(t *Task) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var lastIndex = -1
	var lastClause string
	for range ticker.C {
		if _, ok := s.registry.Get(t.ID); !ok {
			t.Cache.Publish("review_error", map[string]any{"message": "task not found"})
			return
		}

		t.Mu.Lock()
		st := t.State
		progressChanged := st.CurrentClauseIndex != lastIndex || st.CurrentClauseID != lastClause
		lastIndex = st.CurrentClauseIndex
		lastClause = st.CurrentClauseID
		progress := map[string]any{
			"task_id":              st.TaskID,
			"current_clause_index": st.CurrentClauseIndex,
			"total_clauses":        len(st.ReviewChecklist),
			"current_clause_id":    st.CurrentClauseID,
			"message":              progressMessage(st),
		}
		interrupted := st.NextNode == review.NodeHumanApproval && !st.IsComplete
		var fresh []review.Diff
		if interrupted {
			for _, d := range st.PendingDiffs {
				if !t.pushedDiffs[d.DiffID] {
					t.pushedDiffs[d.DiffID] = true
					fresh = append(fresh, d)
				}
			}
		}
		pendingCount := len(st.PendingDiffs)
		complete := st.IsComplete
		summary := st.SummaryNotes
		failed := st.Error
		t.Mu.Unlock()

		if progressChanged {
			t.Cache.Publish("review_progress", progress)
		}
		for _, d := range fresh {
			t.Cache.Publish("diff_proposed", diffPayload(d))
		}
		if len(fresh) > 0 {
			t.Cache.Publish("approval_required", map[string]any{
				"task_id":       t.ID,
				"pending_count": pendingCount,
			})
		}
		if complete {
			if failed != "" {
				t.Cache.Publish("review_error", map[string]any{"message": failed})
			}
			t.Cache.Publish("review_complete", map[string]any{
				"task_id": t.ID,
				"summary": summary,
			})
			return
		}
	}
}

func progressMessage(st *review.State) string {
	switch {
	case st.IsComplete:
		return "review complete"
	case st.NextNode == review.NodeHumanApproval:
		return "awaiting approval for clause " + st.CurrentClauseID
	case st.CurrentClauseID != "":
		return "reviewing clause " + st.CurrentClauseID
	default:
		return "preparing review"
	}
}

func diffPayload(d review.Diff) map[string]any {
	return map[string]any{
		"diff_id":       d.DiffID,
		"clause_id":     d.ClauseID,
		"action_type":   d.ActionType,
		"original_text": d.OriginalText,
		"proposed_text": d.ProposedText,
		"reason":        d.Reason,
		"risk_id":       d.RiskID,
		"risk_level":    d.RiskLevel,
		"status":        d.Status,
		"metadata":      d.Metadata,
	}
}
