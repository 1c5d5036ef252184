package review

import (
	"context"

	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
)

// Planner produces and adjusts review plans. A nil chat client always yields
// the deterministic default plan and never adjusts.
type Planner struct {
	chat        llm.ChatClient
	temperature float64
	logger      *zap.Logger
}

func NewPlanner(chat llm.ChatClient, temperature float64, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{chat: chat, temperature: temperature, logger: logger.Named("planner")}
}

// GenerateReviewPlan asks the model for a plan and sanitizes it against the
// checklist. The returned checklist is reordered to match priority_order.
// Any model failure degrades to the deterministic default plan.
func (p *Planner) GenerateReviewPlan(ctx context.Context, checklist []contract.ChecklistItem, domainID, materialType string, availableTools []string) (*Plan, []contract.ChecklistItem) {
	if p.chat == nil {
		plan := buildDefaultPlan(checklist)
		return plan, reorderChecklist(checklist, plan)
	}

	msgs := planMessages(checklist, domainID, materialType, availableTools)
	reply, err := p.chat.ChatWithTools(ctx, msgs, nil, p.temperature)
	if err != nil {
		p.logger.Warn("plan generation failed, using default plan", zap.Error(err))
		plan := buildDefaultPlan(checklist)
		return plan, reorderChecklist(checklist, plan)
	}

	var raw Plan
	if err := llm.DecodeObject(reply.Content, &raw); err != nil {
		p.logger.Warn("plan response undecodable, using default plan", zap.Error(err))
		plan := buildDefaultPlan(checklist)
		return plan, reorderChecklist(checklist, plan)
	}
	plan := sanitizePlan(&raw, checklist)
	plan.PlanVersion = 1
	return plan, reorderChecklist(checklist, plan)
}

// shouldAdjust holds iff any fresh risk is high, or the run just crossed the
// midpoint of a review longer than four clauses.
func shouldAdjust(risks []Risk, completed, total int) bool {
	for _, r := range risks {
		if r.RiskLevel == RiskHigh {
			return true
		}
	}
	if total > 4 {
		lo := total / 2
		hi := (total + 1) / 2
		if completed == lo || completed == hi {
			return true
		}
	}
	return false
}

// MaybeAdjustPlan runs at most one LLM call, and only when a trigger holds.
// A trigger without a usable model reply returns ShouldAdjust=false.
func (p *Planner) MaybeAdjustPlan(ctx context.Context, currentClauseID string, risks []Risk, remaining []ClausePlan, completed, total int) Adjustment {
	if p.chat == nil || !shouldAdjust(risks, completed, total) {
		return Adjustment{}
	}

	msgs := adjustMessages(currentClauseID, risks, remaining, completed, total)
	reply, err := p.chat.ChatWithTools(ctx, msgs, nil, p.temperature)
	if err != nil {
		p.logger.Warn("plan adjustment call failed", zap.Error(err))
		return Adjustment{}
	}
	var adj Adjustment
	if err := llm.DecodeObject(reply.Content, &adj); err != nil {
		p.logger.Warn("plan adjustment response undecodable", zap.Error(err))
		return Adjustment{}
	}
	for i := range adj.AdjustedClauses {
		adj.AdjustedClauses[i] = normalizeClausePlan(adj.AdjustedClauses[i])
	}
	return adj
}
