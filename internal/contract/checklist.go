package contract

import "strings"

// Priority orders checklist items from most to least critical.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// NormalizePriority coerces unknown values to medium.
func NormalizePriority(p string) Priority {
	switch v := Priority(strings.ToLower(strings.TrimSpace(p))); v {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return v
	default:
		return PriorityMedium
	}
}

// ChecklistItem directs the review of one clause.
type ChecklistItem struct {
	ClauseID       string   `json:"clause_id"`
	ClauseName     string   `json:"clause_name"`
	Priority       Priority `json:"priority"`
	RequiredSkills []string `json:"required_skills"`
	Description    string   `json:"description,omitempty"`
}

// GenericChecklist builds the fallback checklist when no domain checklist is
// supplied: one medium-priority item per clause with the clause-context skill.
func GenericChecklist(s *Structure) []ChecklistItem {
	if s == nil {
		return nil
	}
	var out []ChecklistItem
	s.Walk(func(n *ClauseNode) {
		out = append(out, ChecklistItem{
			ClauseID:       n.ClauseID,
			ClauseName:     n.Title,
			Priority:       PriorityMedium,
			RequiredSkills: []string{"get_clause_context"},
		})
	})
	return out
}
