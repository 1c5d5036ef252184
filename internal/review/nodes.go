package review

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
)

func (e *Engine) nodeInit(_ context.Context, s *State) error {
	if s.Findings == nil {
		s.Findings = map[string]*ClauseFinding{}
	}
	if s.UserDecisions == nil {
		s.UserDecisions = map[string]string{}
	}
	if s.UserFeedback == nil {
		s.UserFeedback = map[string]string{}
	}
	if s.CurrentSkillContext == nil {
		s.CurrentSkillContext = map[string]any{}
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = e.cfg.MaxRetries
	}
	s.PlanVersion = 1
	s.CurrentClauseIndex = 0
	s.IsComplete = false
	s.Error = ""
	return nil
}

func (e *Engine) nodeParseDocument(_ context.Context, s *State) error {
	if s.PrimaryStructure == nil {
		if doc := s.PrimaryDocument(); doc != nil {
			s.PrimaryStructure = doc.Structure
		}
	}
	if s.PrimaryStructure == nil {
		s.Error = "no primary document structure"
		return nil
	}
	if len(s.ReviewChecklist) == 0 {
		s.ReviewChecklist = contract.GenericChecklist(s.PrimaryStructure)
	}
	return nil
}

func (e *Engine) nodePlanReview(ctx context.Context, s *State) error {
	var tools []string
	if e.disp != nil {
		for _, td := range e.disp.ToolDefinitions(s.DomainID) {
			tools = append(tools, td.Name)
		}
	}
	plan, checklist := e.planner.GenerateReviewPlan(ctx, s.ReviewChecklist, s.DomainID, s.MaterialType, tools)
	s.ReviewPlan = plan
	s.PlanVersion = plan.PlanVersion
	s.ReviewChecklist = checklist
	return nil
}

func (e *Engine) nodeClauseAnalyze(ctx context.Context, s *State) error {
	item := s.CurrentChecklistItem()
	if item == nil {
		return fmt.Errorf("clause index %d out of range", s.CurrentClauseIndex)
	}
	s.CurrentClauseID = item.ClauseID
	s.CurrentClauseText = s.PrimaryStructure.ClauseText(item.ClauseID)
	s.CurrentRisks = nil
	s.CurrentSkillContext = map[string]any{}
	s.CurrentDiffs = nil
	s.PendingDiffs = nil
	s.ValidationResult = ""
	s.ClauseRetryCount = 0
	s.Messages = nil

	switch {
	case e.cfg.Mode == ModeLegacy:
		e.analyzeLegacy(ctx, s, item)
	case e.chat != nil && e.disp != nil:
		e.analyzeReact(ctx, s, item)
	default:
		e.analyzeFallback(ctx, s, item)
	}

	// The clause text used downstream prefers the context skill's view.
	if cc, ok := s.CurrentSkillContext["get_clause_context"].(map[string]any); ok {
		if txt, ok := cc["context_text"].(string); ok && strings.TrimSpace(txt) != "" {
			s.CurrentClauseText = txt
		}
	}
	return nil
}

// analyzeReact runs the ReAct branch under the per-clause timeout and falls
// back deterministically on error, timeout, or an empty skill context.
func (e *Engine) analyzeReact(ctx context.Context, s *State, item *contract.ChecklistItem) {
	maxIter := e.cfg.ReactMaxIterations
	if cp := s.CurrentClausePlan(); cp != nil && cp.MaxIterations > 0 {
		maxIter = cp.MaxIterations
	}

	type outcome struct {
		out *reactOutcome
		err error
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.ReactClauseTimeout)
	defer cancel()
	ch := make(chan outcome, 1)
	go func() {
		out, err := e.runReact(rctx, s, item, maxIter)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil && o.out != nil && len(o.out.skillContext) > 0 {
			s.CurrentRisks = o.out.risks
			s.CurrentSkillContext = o.out.skillContext
			s.Messages = o.out.messages
			return
		}
		if o.err != nil {
			e.logger.Warn("react branch failed, falling back",
				zap.String("task_id", s.TaskID),
				zap.String("clause_id", item.ClauseID),
				zap.Error(o.err))
		}
	case <-rctx.Done():
		e.logger.Warn("react clause timeout, falling back",
			zap.String("task_id", s.TaskID),
			zap.String("clause_id", item.ClauseID),
			zap.Duration("timeout", e.cfg.ReactClauseTimeout))
	}
	e.analyzeFallback(ctx, s, item)
}

// analyzeFallback calls each suggested (or required) skill exactly once and
// reports no risks.
func (e *Engine) analyzeFallback(ctx context.Context, s *State, item *contract.ChecklistItem) {
	s.CurrentRisks = []Risk{}
	if e.disp == nil {
		return
	}
	skills := item.RequiredSkills
	if cp := s.CurrentClausePlan(); cp != nil && len(cp.SuggestedTools) > 0 {
		skills = cp.SuggestedTools
	}
	s.CurrentSkillContext = e.disp.CallEach(ctx, skills, item.ClauseID, s.PrimaryStructure, s.Snapshot())
}

// analyzeLegacy calls each required skill once, then the model once with the
// collected context appended to the prompt.
func (e *Engine) analyzeLegacy(ctx context.Context, s *State, item *contract.ChecklistItem) {
	if e.disp != nil {
		s.CurrentSkillContext = e.disp.CallEach(ctx, item.RequiredSkills, item.ClauseID, s.PrimaryStructure, s.Snapshot())
	}
	s.CurrentRisks = []Risk{}
	if e.chat == nil {
		return
	}
	msgs := legacyAnalyzeMessages(s, item, s.CurrentClauseText, s.CurrentSkillContext)
	reply, err := e.chat.ChatWithTools(ctx, msgs, nil, e.cfg.ReactTemperature)
	if err != nil {
		e.logger.Warn("legacy analyze call failed",
			zap.String("clause_id", item.ClauseID), zap.Error(err))
		return
	}
	s.CurrentRisks = parseRisks(reply.Content)
}

// parseRisks decodes a model reply into normalized risks; undecodable
// replies yield an empty list.
func parseRisks(text string) []Risk {
	var payload []map[string]any
	if err := llm.DecodeArray(text, &payload); err != nil {
		return []Risk{}
	}
	risks := make([]Risk, 0, len(payload))
	for _, m := range payload {
		risks = append(risks, riskFromPayload(m))
	}
	return risks
}

func (e *Engine) nodeClauseGenerateDiffs(ctx context.Context, s *State) error {
	s.CurrentDiffs = nil
	s.PendingDiffs = nil
	if len(s.CurrentRisks) == 0 || e.chat == nil {
		return nil
	}

	msgs := diffsMessages(s, s.CurrentClauseID, s.CurrentClauseText, s.CurrentRisks)
	reply, err := e.chat.ChatWithTools(ctx, msgs, nil, e.cfg.ReactTemperature)
	if err != nil {
		e.logger.Warn("diff generation call failed",
			zap.String("clause_id", s.CurrentClauseID), zap.Error(err))
		return nil
	}

	var payload []struct {
		RiskID       string `json:"risk_id"`
		ActionType   string `json:"action_type"`
		OriginalText string `json:"original_text"`
		ProposedText string `json:"proposed_text"`
		Reason       string `json:"reason"`
	}
	if err := llm.DecodeArray(reply.Content, &payload); err != nil {
		e.logger.Warn("diff response undecodable",
			zap.String("clause_id", s.CurrentClauseID), zap.Error(err))
		return nil
	}

	riskLevel := map[string]RiskLevel{}
	for _, r := range s.CurrentRisks {
		riskLevel[r.ID] = r.RiskLevel
	}
	for _, p := range payload {
		action := DiffAction(p.ActionType)
		switch action {
		case DiffReplace, DiffDelete, DiffInsert:
		default:
			action = DiffReplace
		}
		d := Diff{
			DiffID:       NewID("diff"),
			RiskID:       p.RiskID,
			ClauseID:     s.CurrentClauseID,
			ActionType:   action,
			OriginalText: p.OriginalText,
			ProposedText: p.ProposedText,
			Status:       DiffPending,
			Reason:       p.Reason,
			RiskLevel:    riskLevel[p.RiskID],
			Metadata: map[string]any{
				"text_match": action == DiffInsert || strings.Contains(s.CurrentClauseText, p.OriginalText),
			},
		}
		s.CurrentDiffs = append(s.CurrentDiffs, d)
	}
	s.PendingDiffs = append([]Diff{}, s.CurrentDiffs...)
	return nil
}

func (e *Engine) nodeClauseValidate(ctx context.Context, s *State) error {
	// Deterministic gate first: replace/delete edits must quote the clause.
	for _, d := range s.CurrentDiffs {
		if d.ActionType == DiffInsert {
			continue
		}
		if match, ok := d.Metadata["text_match"].(bool); ok && !match {
			s.ValidationResult = "fail"
			return nil
		}
	}

	s.ValidationResult = "pass"
	if e.chat == nil {
		return nil
	}
	msgs := validateMessages(s.CurrentClauseID, s.CurrentClauseText, s.CurrentDiffs)
	reply, err := e.chat.ChatWithTools(ctx, msgs, nil, e.cfg.ReactTemperature)
	if err != nil {
		// LLM validation is advisory; transport failure keeps the pass.
		e.logger.Warn("validate call failed",
			zap.String("clause_id", s.CurrentClauseID), zap.Error(err))
		return nil
	}
	var verdict struct {
		Result string   `json:"result"`
		Issues []string `json:"issues"`
	}
	if err := llm.DecodeObject(reply.Content, &verdict); err != nil {
		return nil
	}
	if strings.EqualFold(verdict.Result, "fail") {
		s.ValidationResult = "fail"
	}
	return nil
}

// nodeHumanApproval applies the decisions collected while the run was
// paused. An undecided diff is treated as rejected.
func (e *Engine) nodeHumanApproval(_ context.Context, s *State) error {
	for i := range s.CurrentDiffs {
		d := &s.CurrentDiffs[i]
		decision := s.UserDecisions[d.DiffID]
		feedback := strings.TrimSpace(s.UserFeedback[d.DiffID])
		switch decision {
		case "approve":
			if feedback != "" {
				d.Status = DiffRevised
				if d.Metadata == nil {
					d.Metadata = map[string]any{}
				}
				d.Metadata["feedback"] = feedback
			} else {
				d.Status = DiffApproved
			}
		default:
			d.Status = DiffRejected
		}
	}
	s.PendingDiffs = nil
	return nil
}

func (e *Engine) nodeSaveClause(ctx context.Context, s *State) error {
	clauseID := s.CurrentClauseID
	if clauseID != "" {
		accepted := make([]Diff, 0, len(s.CurrentDiffs))
		for _, d := range s.CurrentDiffs {
			if d.Status == DiffApproved || d.Status == DiffRevised {
				accepted = append(accepted, d)
			}
		}
		s.Findings[clauseID] = &ClauseFinding{
			Risks:        append([]Risk{}, s.CurrentRisks...),
			Diffs:        accepted,
			SkillContext: s.CurrentSkillContext,
			Completed:    true,
		}
		s.AllRisks = append(s.AllRisks, s.CurrentRisks...)
		s.AllDiffs = append(s.AllDiffs, s.CurrentDiffs...)
	}

	risks := s.CurrentRisks
	s.CurrentClauseIndex++
	s.CurrentRisks = nil
	s.CurrentDiffs = nil
	s.PendingDiffs = nil
	s.CurrentSkillContext = map[string]any{}
	s.ValidationResult = ""
	s.ClauseRetryCount = 0
	s.Messages = nil

	e.maybeAdjustPlan(ctx, s, clauseID, risks)
	return nil
}

// maybeAdjustPlan lets the planner revise the remaining clause plans after a
// clause commits. Gen3 only.
func (e *Engine) maybeAdjustPlan(ctx context.Context, s *State, clauseID string, risks []Risk) {
	if e.cfg.Mode != ModeGen3 || s.ReviewPlan == nil {
		return
	}
	var remaining []ClausePlan
	for i := s.CurrentClauseIndex; i < len(s.ReviewChecklist); i++ {
		if cp := s.ReviewPlan.ForClause(s.ReviewChecklist[i].ClauseID); cp != nil {
			remaining = append(remaining, *cp)
		}
	}
	if len(remaining) == 0 {
		return
	}
	adj := e.planner.MaybeAdjustPlan(ctx, clauseID, risks, remaining, s.CurrentClauseIndex, len(s.ReviewChecklist))
	if applyAdjustment(s.ReviewPlan, adj) {
		s.PlanVersion = s.ReviewPlan.PlanVersion
		e.logger.Info("review plan adjusted",
			zap.String("task_id", s.TaskID),
			zap.Int("plan_version", s.PlanVersion),
			zap.String("reason", adj.Reason))
	}
}

func (e *Engine) nodeSummarize(ctx context.Context, s *State) error {
	summary := ""
	if e.chat != nil {
		reply, err := e.chat.ChatWithTools(ctx, summarizeMessages(s), nil, e.cfg.ReactTemperature)
		if err == nil {
			summary = strings.TrimSpace(reply.Content)
		} else {
			e.logger.Warn("summary call failed", zap.String("task_id", s.TaskID), zap.Error(err))
		}
	}
	if summary == "" {
		summary = deterministicSummary(s)
	}
	s.SummaryNotes = summary
	s.IsComplete = true
	return nil
}
