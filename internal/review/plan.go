package review

import (
	"encoding/json"
	"sort"

	"github.com/redlinehq/redline/internal/contract"
)

type AnalysisDepth string

const (
	DepthQuick    AnalysisDepth = "quick"
	DepthStandard AnalysisDepth = "standard"
	DepthDeep     AnalysisDepth = "deep"
)

const (
	minIterations = 1
	maxIterations = 8
)

// defaultIterations maps a depth to its iteration budget.
func defaultIterations(d AnalysisDepth) int {
	switch d {
	case DepthQuick:
		return 1
	case DepthDeep:
		return 5
	default:
		return 3
	}
}

// ClausePlan is the execution recipe for one clause.
type ClausePlan struct {
	ClauseID       string        `json:"clause_id"`
	AnalysisDepth  AnalysisDepth `json:"analysis_depth"`
	SuggestedTools []string      `json:"suggested_tools,omitempty"`
	MaxIterations  int           `json:"max_iterations"`
	PriorityOrder  int           `json:"priority_order"`
	Rationale      string        `json:"rationale,omitempty"`
	SkipDiffs      bool          `json:"skip_diffs"`
	SkipValidate   bool          `json:"skip_validate"`

	// Set during decoding when the payload carried the skip field, so an
	// explicit skip_diffs:false on a quick clause survives normalization.
	skipDiffsSet    bool
	skipValidateSet bool
}

func (cp *ClausePlan) UnmarshalJSON(data []byte) error {
	type plain ClausePlan
	aux := struct {
		*plain
		SkipDiffs    *bool `json:"skip_diffs"`
		SkipValidate *bool `json:"skip_validate"`
	}{plain: (*plain)(cp)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.SkipDiffs != nil {
		cp.SkipDiffs = *aux.SkipDiffs
		cp.skipDiffsSet = true
	}
	if aux.SkipValidate != nil {
		cp.SkipValidate = *aux.SkipValidate
		cp.skipValidateSet = true
	}
	return nil
}

// Plan is the per-review execution recipe produced by the planner.
type Plan struct {
	PlanVersion                int                 `json:"plan_version"`
	GlobalStrategy             string              `json:"global_strategy,omitempty"`
	EstimatedDepthDistribution map[string]int      `json:"estimated_depth_distribution,omitempty"`
	ClausePlans                []ClausePlan        `json:"clause_plans"`
	index                      map[string]int      `json:"-"`
}

func (p *Plan) reindex() {
	p.index = make(map[string]int, len(p.ClausePlans))
	for i := range p.ClausePlans {
		p.index[p.ClausePlans[i].ClauseID] = i
	}
}

// ForClause returns the plan entry for a clause id, or nil.
func (p *Plan) ForClause(clauseID string) *ClausePlan {
	if p == nil {
		return nil
	}
	if p.index == nil {
		p.reindex()
	}
	i, ok := p.index[clauseID]
	if !ok {
		return nil
	}
	return &p.ClausePlans[i]
}

// normalizeClausePlan applies the sanitization rules: unknown depth becomes
// standard, non-positive iterations take the depth default, and budgets are
// clamped to [1,8]. Quick depth implies skipping diffs and validation unless
// the decoded plan carried an explicit skip value.
func normalizeClausePlan(cp ClausePlan) ClausePlan {
	switch cp.AnalysisDepth {
	case DepthQuick, DepthStandard, DepthDeep:
	default:
		cp.AnalysisDepth = DepthStandard
	}
	if cp.MaxIterations <= 0 {
		cp.MaxIterations = defaultIterations(cp.AnalysisDepth)
	}
	if cp.MaxIterations < minIterations {
		cp.MaxIterations = minIterations
	}
	if cp.MaxIterations > maxIterations {
		cp.MaxIterations = maxIterations
	}
	if cp.AnalysisDepth == DepthQuick {
		if !cp.skipDiffsSet {
			cp.SkipDiffs = true
		}
		if !cp.skipValidateSet {
			cp.SkipValidate = true
		}
	}
	return cp
}

// sanitizePlan validates an LLM-produced plan against the checklist:
// entries with unknown clause ids are dropped, duplicates keep the first
// occurrence, and checklist entries the model omitted are appended with a
// standard/3 plan. When the checklist and the model disagree on a clause's
// depth the model's value wins.
func sanitizePlan(p *Plan, checklist []contract.ChecklistItem) *Plan {
	if p == nil {
		p = &Plan{}
	}
	known := map[string]bool{}
	for _, item := range checklist {
		known[item.ClauseID] = true
	}

	seen := map[string]bool{}
	kept := make([]ClausePlan, 0, len(checklist))
	for _, cp := range p.ClausePlans {
		if cp.ClauseID == "" || !known[cp.ClauseID] || seen[cp.ClauseID] {
			continue
		}
		seen[cp.ClauseID] = true
		kept = append(kept, normalizeClausePlan(cp))
	}
	// Fill in the entries the model missed.
	for i, item := range checklist {
		if seen[item.ClauseID] {
			continue
		}
		kept = append(kept, ClausePlan{
			ClauseID:      item.ClauseID,
			AnalysisDepth: DepthStandard,
			MaxIterations: defaultIterations(DepthStandard),
			PriorityOrder: len(checklist) + i,
			Rationale:     "auto-filled: omitted by planner",
		})
	}
	p.ClausePlans = kept
	p.reindex()
	return p
}

// buildDefaultPlan is the deterministic fallback when the planner LLM is
// unavailable: critical items get deep/5, everything else standard/3, in
// checklist order.
func buildDefaultPlan(checklist []contract.ChecklistItem) *Plan {
	p := &Plan{
		PlanVersion:    1,
		GlobalStrategy: "default: deep on critical clauses, standard elsewhere",
	}
	dist := map[string]int{}
	for i, item := range checklist {
		depth := DepthStandard
		if item.Priority == contract.PriorityCritical {
			depth = DepthDeep
		}
		dist[string(depth)]++
		p.ClausePlans = append(p.ClausePlans, ClausePlan{
			ClauseID:       item.ClauseID,
			AnalysisDepth:  depth,
			SuggestedTools: item.RequiredSkills,
			MaxIterations:  defaultIterations(depth),
			PriorityOrder:  i,
		})
	}
	p.EstimatedDepthDistribution = dist
	p.reindex()
	return p
}

// reorderChecklist sorts the checklist to match the plan's priority_order.
// Items without a plan entry keep their relative position at the end.
func reorderChecklist(checklist []contract.ChecklistItem, p *Plan) []contract.ChecklistItem {
	if p == nil || len(p.ClausePlans) == 0 {
		return checklist
	}
	order := func(clauseID string, fallback int) int {
		if cp := p.ForClause(clauseID); cp != nil {
			return cp.PriorityOrder
		}
		return len(checklist) + fallback
	}
	out := append([]contract.ChecklistItem{}, checklist...)
	sort.SliceStable(out, func(i, j int) bool {
		return order(out[i].ClauseID, i) < order(out[j].ClauseID, j)
	})
	return out
}

// Adjustment is the outcome of a mid-review plan review.
type Adjustment struct {
	ShouldAdjust    bool         `json:"should_adjust"`
	Reason          string       `json:"reason,omitempty"`
	AdjustedClauses []ClausePlan `json:"adjusted_clauses,omitempty"`
}

// applyAdjustment merges adjusted clauses into the plan. For each adjusted
// clause already present, depth, iteration budget, suggested tools (when
// provided) and rationale are replaced; skips follow the normalized entry,
// so quick implies them unless the adjustment overrode them explicitly.
// Returns true when anything changed, in which case the caller bumps the
// plan version by exactly one.
func applyAdjustment(p *Plan, adj Adjustment) bool {
	if p == nil || !adj.ShouldAdjust || len(adj.AdjustedClauses) == 0 {
		return false
	}
	changed := false
	for _, ac := range adj.AdjustedClauses {
		cp := p.ForClause(ac.ClauseID)
		if cp == nil {
			continue
		}
		ac = normalizeClausePlan(ac)
		cp.AnalysisDepth = ac.AnalysisDepth
		cp.MaxIterations = ac.MaxIterations
		if len(ac.SuggestedTools) > 0 {
			cp.SuggestedTools = ac.SuggestedTools
		}
		if ac.Rationale != "" {
			cp.Rationale = ac.Rationale
		}
		cp.SkipDiffs = ac.SkipDiffs
		cp.SkipValidate = ac.SkipValidate
		changed = true
	}
	if changed {
		p.PlanVersion++
	}
	return changed
}
