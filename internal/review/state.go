// Package review implements the checkpointed clause-review graph: a fixed
// node set with conditional routing, a ReAct tool loop inside the analyze
// node, an LLM review planner, and a human-approval interrupt.
package review

import (
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
	"github.com/redlinehq/redline/internal/skill"
)

type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// NormalizeRiskLevel coerces unknown values to medium.
func NormalizeRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskHigh:
		return RiskHigh
	case RiskLow:
		return RiskLow
	default:
		return RiskMedium
	}
}

type Location struct {
	OriginalText string `json:"original_text,omitempty"`
}

type Risk struct {
	ID          string    `json:"id"`
	RiskLevel   RiskLevel `json:"risk_level"`
	RiskType    string    `json:"risk_type,omitempty"`
	Description string    `json:"description"`
	Reason      string    `json:"reason,omitempty"`
	Analysis    string    `json:"analysis,omitempty"`
	Location    Location  `json:"location,omitempty"`
}

type DiffAction string

const (
	DiffReplace DiffAction = "replace"
	DiffDelete  DiffAction = "delete"
	DiffInsert  DiffAction = "insert"
)

type DiffStatus string

const (
	DiffPending  DiffStatus = "pending"
	DiffApproved DiffStatus = "approved"
	DiffRejected DiffStatus = "rejected"
	DiffRevised  DiffStatus = "revised"
)

type Diff struct {
	DiffID       string         `json:"diff_id"`
	RiskID       string         `json:"risk_id,omitempty"`
	ClauseID     string         `json:"clause_id"`
	ActionType   DiffAction     `json:"action_type"`
	OriginalText string         `json:"original_text,omitempty"`
	ProposedText string         `json:"proposed_text,omitempty"`
	Status       DiffStatus     `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	RiskLevel    RiskLevel      `json:"risk_level,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type Action struct {
	ID             string   `json:"id"`
	RelatedRiskIDs []string `json:"related_risk_ids,omitempty"`
	ActionType     string   `json:"action_type"`
	Description    string   `json:"description"`
	Urgency        string   `json:"urgency,omitempty"`
}

// ClauseFinding is the committed per-clause record.
type ClauseFinding struct {
	Risks        []Risk         `json:"risks"`
	Diffs        []Diff         `json:"diffs"`
	SkillContext map[string]any `json:"skill_context,omitempty"`
	Completed    bool           `json:"completed"`
}

// DocumentRef ties an uploaded document (and its parsed structure) to a task.
type DocumentRef struct {
	DocumentID string              `json:"document_id"`
	Role       string              `json:"role"` // primary|reference
	Filename   string              `json:"filename,omitempty"`
	Structure  *contract.Structure `json:"structure,omitempty"`
}

// State is the checkpointed graph value. The engine runs nodes serially and
// is the only writer while a run or resume is in flight; between runs the
// server mutates approval fields under the engine's state lock.
type State struct {
	TaskID        string `json:"task_id"`
	GraphRunID    string `json:"graph_run_id,omitempty"`
	OurParty      string `json:"our_party,omitempty"`
	Language      string `json:"language,omitempty"`
	DomainID      string `json:"domain_id,omitempty"`
	DomainSubtype string `json:"domain_subtype,omitempty"`
	MaterialType  string `json:"material_type,omitempty"`

	Documents        []DocumentRef       `json:"documents,omitempty"`
	PrimaryStructure *contract.Structure `json:"primary_structure,omitempty"`

	ReviewChecklist    []contract.ChecklistItem `json:"review_checklist,omitempty"`
	CurrentClauseIndex int                      `json:"current_clause_index"`
	CurrentClauseID    string                   `json:"current_clause_id,omitempty"`
	CurrentClauseText  string                   `json:"current_clause_text,omitempty"`

	Findings map[string]*ClauseFinding `json:"findings,omitempty"`

	CurrentRisks        []Risk         `json:"current_risks,omitempty"`
	CurrentDiffs        []Diff         `json:"current_diffs,omitempty"`
	CurrentSkillContext map[string]any `json:"current_skill_context,omitempty"`

	PendingDiffs  []Diff            `json:"pending_diffs,omitempty"`
	UserDecisions map[string]string `json:"user_decisions,omitempty"` // diff_id -> approve|reject
	UserFeedback  map[string]string `json:"user_feedback,omitempty"`  // diff_id -> text

	AllRisks []Risk `json:"all_risks,omitempty"`
	AllDiffs []Diff `json:"all_diffs,omitempty"`

	ValidationResult string `json:"validation_result,omitempty"` // pass|fail
	ClauseRetryCount int    `json:"clause_retry_count"`
	MaxRetries       int    `json:"max_retries"`

	ReviewPlan  *Plan `json:"review_plan,omitempty"`
	PlanVersion int   `json:"plan_version"`

	// Messages is the ReAct transcript for the current clause. It is kept
	// for debugging and is the first thing pruned by session packing.
	Messages []llm.Message `json:"messages,omitempty"`

	SummaryNotes string `json:"summary_notes,omitempty"`
	IsComplete   bool   `json:"is_complete"`
	Error        string `json:"error,omitempty"`

	// NextNode is where a resume re-enters the graph.
	NextNode NodeID `json:"next_node,omitempty"`
}

// NewState seeds a task state. The init node fills the empty collections.
func NewState(taskID string) *State {
	return &State{TaskID: taskID}
}

// CurrentChecklistItem returns the item under review, or nil past the end.
func (s *State) CurrentChecklistItem() *contract.ChecklistItem {
	if s.CurrentClauseIndex < 0 || s.CurrentClauseIndex >= len(s.ReviewChecklist) {
		return nil
	}
	return &s.ReviewChecklist[s.CurrentClauseIndex]
}

// CurrentClausePlan returns the plan entry for the clause under review.
func (s *State) CurrentClausePlan() *ClausePlan {
	item := s.CurrentChecklistItem()
	if item == nil || s.ReviewPlan == nil {
		return nil
	}
	return s.ReviewPlan.ForClause(item.ClauseID)
}

// Snapshot projects the state for skill handlers.
func (s *State) Snapshot() *skill.StateSnapshot {
	return &skill.StateSnapshot{
		TaskID:          s.TaskID,
		OurParty:        s.OurParty,
		Language:        s.Language,
		DomainID:        s.DomainID,
		DomainSubtype:   s.DomainSubtype,
		MaterialType:    s.MaterialType,
		CurrentClauseID: s.CurrentClauseID,
		Checklist:       s.ReviewChecklist,
		SkillContext:    s.CurrentSkillContext,
	}
}

// PrimaryDocument returns the primary document reference, or nil.
func (s *State) PrimaryDocument() *DocumentRef {
	for i := range s.Documents {
		if s.Documents[i].Role == "primary" {
			return &s.Documents[i]
		}
	}
	return nil
}

// NewID returns a fresh ULID with the given prefix.
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// riskFromPayload normalizes one model-produced risk object: fresh id,
// coerced level, location populated from the payload when present.
func riskFromPayload(m map[string]any) Risk {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	r := Risk{
		ID:          NewID("risk"),
		RiskLevel:   NormalizeRiskLevel(str("risk_level", "level")),
		RiskType:    str("risk_type", "type"),
		Description: str("description", "title"),
		Reason:      str("reason"),
		Analysis:    str("analysis"),
	}
	if loc, ok := m["location"].(map[string]any); ok {
		if t, ok := loc["original_text"].(string); ok {
			r.Location.OriginalText = t
		}
	}
	if r.Location.OriginalText == "" {
		r.Location.OriginalText = str("original_text")
	}
	return r
}
