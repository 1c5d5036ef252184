package review

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
)

func checklistOf(ids ...string) []contract.ChecklistItem {
	out := make([]contract.ChecklistItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, contract.ChecklistItem{
			ClauseID:       id,
			ClauseName:     "Clause " + id,
			Priority:       contract.PriorityMedium,
			RequiredSkills: []string{"get_clause_context"},
		})
	}
	return out
}

func TestDefaultPlanDepths(t *testing.T) {
	checklist := checklistOf("1", "2", "3")
	checklist[1].Priority = contract.PriorityCritical

	p := buildDefaultPlan(checklist)
	assert.Equal(t, 1, p.PlanVersion)
	require.Len(t, p.ClausePlans, 3)

	assert.Equal(t, DepthStandard, p.ForClause("1").AnalysisDepth)
	assert.Equal(t, 3, p.ForClause("1").MaxIterations)
	assert.Equal(t, DepthDeep, p.ForClause("2").AnalysisDepth)
	assert.Equal(t, 5, p.ForClause("2").MaxIterations)
	for i, cp := range p.ClausePlans {
		assert.Equal(t, i, cp.PriorityOrder)
	}
	assert.Equal(t, map[string]int{"standard": 2, "deep": 1}, p.EstimatedDepthDistribution)
}

func TestNilChatYieldsDefaultPlan(t *testing.T) {
	p := NewPlanner(nil, 0.2, nil)
	plan, ordered := p.GenerateReviewPlan(context.Background(), checklistOf("1", "2"), "generic", "contract", nil)
	require.NotNil(t, plan)
	assert.Equal(t, "default: deep on critical clauses, standard elsewhere", plan.GlobalStrategy)
	assert.Equal(t, checklistOf("1", "2"), ordered)
}

func TestGeneratedPlanSanitized(t *testing.T) {
	chat := chatFunc(func(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ float64) (llm.Message, error) {
		return llm.Assistant(`{
			"global_strategy": "payment first",
			"clause_plans": [
				{"clause_id":"2","analysis_depth":"deep","max_iterations":99,"priority_order":0},
				{"clause_id":"2","analysis_depth":"quick","priority_order":5},
				{"clause_id":"1","analysis_depth":"forensic","max_iterations":-2,"priority_order":1},
				{"clause_id":"99","analysis_depth":"deep","priority_order":2}
			]
		}`), nil
	})
	p := NewPlanner(chat, 0.2, nil)

	plan, ordered := p.GenerateReviewPlan(context.Background(), checklistOf("1", "2", "3"), "generic", "contract", []string{"get_clause_context"})
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.PlanVersion)
	require.Len(t, plan.ClausePlans, 3)

	// Iteration budget clamped to the upper bound.
	two := plan.ForClause("2")
	require.NotNil(t, two)
	assert.Equal(t, DepthDeep, two.AnalysisDepth) // duplicate kept the first occurrence
	assert.Equal(t, 8, two.MaxIterations)

	// Unknown depth coerced to standard with its default budget.
	one := plan.ForClause("1")
	require.NotNil(t, one)
	assert.Equal(t, DepthStandard, one.AnalysisDepth)
	assert.Equal(t, 3, one.MaxIterations)

	// Unknown clause dropped; omitted clause auto-filled.
	assert.Nil(t, plan.ForClause("99"))
	three := plan.ForClause("3")
	require.NotNil(t, three)
	assert.Equal(t, DepthStandard, three.AnalysisDepth)
	assert.Equal(t, "auto-filled: omitted by planner", three.Rationale)

	// Checklist reordered by priority_order: 2 first, then 1, then the fill.
	assert.Equal(t, []string{"2", "1", "3"}, []string{ordered[0].ClauseID, ordered[1].ClauseID, ordered[2].ClauseID})
}

func TestUndecodablePlanFallsBack(t *testing.T) {
	chat := chatFunc(func(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ float64) (llm.Message, error) {
		return llm.Assistant("I would rather not commit to a plan."), nil
	})
	p := NewPlanner(chat, 0.2, nil)
	plan, _ := p.GenerateReviewPlan(context.Background(), checklistOf("1"), "generic", "contract", nil)
	assert.Equal(t, "default: deep on critical clauses, standard elsewhere", plan.GlobalStrategy)
}

func TestQuickDepthImpliesSkips(t *testing.T) {
	cp := normalizeClausePlan(ClausePlan{ClauseID: "1", AnalysisDepth: DepthQuick})
	assert.True(t, cp.SkipDiffs)
	assert.True(t, cp.SkipValidate)
	assert.Equal(t, 1, cp.MaxIterations)
}

func TestQuickSkipOverrideSurvivesSanitize(t *testing.T) {
	// An explicit skip_diffs:false on a quick clause wins over the implied
	// skip; the unstated skip_validate is still implied.
	var p Plan
	require.NoError(t, json.Unmarshal([]byte(`{
		"clause_plans": [
			{"clause_id":"1","analysis_depth":"quick","skip_diffs":false},
			{"clause_id":"2","analysis_depth":"quick","skip_diffs":true,"skip_validate":false}
		]
	}`), &p))

	plan := sanitizePlan(&p, checklistOf("1", "2"))

	one := plan.ForClause("1")
	require.NotNil(t, one)
	assert.False(t, one.SkipDiffs)
	assert.True(t, one.SkipValidate)

	two := plan.ForClause("2")
	require.NotNil(t, two)
	assert.True(t, two.SkipDiffs)
	assert.False(t, two.SkipValidate)
}

func TestAdjustTriggers(t *testing.T) {
	high := []Risk{{RiskLevel: RiskHigh}}
	medium := []Risk{{RiskLevel: RiskMedium}}

	assert.True(t, shouldAdjust(high, 1, 3))
	assert.False(t, shouldAdjust(medium, 1, 3))
	// Short reviews never hit the midpoint trigger.
	assert.False(t, shouldAdjust(nil, 2, 4))
	// Odd-length reviews trigger on either side of the midpoint.
	assert.True(t, shouldAdjust(nil, 2, 5))
	assert.True(t, shouldAdjust(nil, 3, 5))
	assert.False(t, shouldAdjust(nil, 4, 5))
	assert.True(t, shouldAdjust(nil, 3, 6))
	assert.False(t, shouldAdjust(nil, 2, 6))
}

func TestMaybeAdjustPlanSkipsLLMWithoutTrigger(t *testing.T) {
	calls := 0
	chat := chatFunc(func(_ context.Context, _ []llm.Message, _ []llm.ToolDefinition, _ float64) (llm.Message, error) {
		calls++
		return llm.Assistant(`{"should_adjust":false}`), nil
	})
	p := NewPlanner(chat, 0.2, nil)
	remaining := []ClausePlan{{ClauseID: "2", AnalysisDepth: DepthStandard, MaxIterations: 3}}

	adj := p.MaybeAdjustPlan(context.Background(), "1", []Risk{{RiskLevel: RiskLow}}, remaining, 1, 3)
	assert.False(t, adj.ShouldAdjust)
	assert.Equal(t, 0, calls)

	adj = p.MaybeAdjustPlan(context.Background(), "1", []Risk{{RiskLevel: RiskHigh}}, remaining, 1, 3)
	assert.False(t, adj.ShouldAdjust)
	assert.Equal(t, 1, calls)
}

func TestApplyAdjustmentBumpsVersionOnce(t *testing.T) {
	plan := buildDefaultPlan(checklistOf("1", "2", "3"))
	require.Equal(t, 1, plan.PlanVersion)

	adj := Adjustment{
		ShouldAdjust: true,
		Reason:       "high risk in payment terms",
		AdjustedClauses: []ClausePlan{
			{ClauseID: "2", AnalysisDepth: DepthDeep, MaxIterations: 6, Rationale: "escalated"},
			{ClauseID: "3", AnalysisDepth: DepthQuick},
			{ClauseID: "not-there", AnalysisDepth: DepthDeep},
		},
	}
	require.True(t, applyAdjustment(plan, adj))
	assert.Equal(t, 2, plan.PlanVersion)

	two := plan.ForClause("2")
	assert.Equal(t, DepthDeep, two.AnalysisDepth)
	assert.Equal(t, 6, two.MaxIterations)
	assert.Equal(t, "escalated", two.Rationale)
	assert.False(t, two.SkipDiffs)

	three := plan.ForClause("3")
	assert.Equal(t, DepthQuick, three.AnalysisDepth)
	assert.True(t, three.SkipDiffs)
	assert.True(t, three.SkipValidate)

	// A no-op adjustment leaves the version alone.
	assert.False(t, applyAdjustment(plan, Adjustment{ShouldAdjust: true}))
	assert.False(t, applyAdjustment(plan, Adjustment{AdjustedClauses: adj.AdjustedClauses}))
	assert.Equal(t, 2, plan.PlanVersion)
}

func TestMidpointAdjustmentDuringRun(t *testing.T) {
	// Five clauses, no high risks: the midpoint trigger alone must fire and
	// the adjusted plan must govern the remaining clauses.
	adjustCalls := 0
	chat := chatFunc(func(_ context.Context, msgs []llm.Message, _ []llm.ToolDefinition, _ float64) (llm.Message, error) {
		switch promptKind(msgs) {
		case "plan":
			return llm.Assistant(`{}`), nil
		case "adjust":
			adjustCalls++
			return llm.Assistant(`{"should_adjust":true,"reason":"second half can go quicker","adjusted_clauses":[{"clause_id":"5","analysis_depth":"quick"}]}`), nil
		case "analyze":
			return llm.Assistant(`[]`), nil
		default:
			return llm.Assistant(`{}`), nil
		}
	})

	doc := `1 Alpha
body one
2 Beta
body two
3 Gamma
body three
4 Delta
body four
5 Epsilon
body five
`
	st, err := contract.ParseText("doc_five", []byte(doc))
	require.NoError(t, err)
	s := NewState("pl1")
	s.Documents = []DocumentRef{{DocumentID: st.DocumentID, Role: "primary", Structure: st}}

	eng := NewEngine(Config{}, chat, builtinsDispatcher(t), nil, nil)
	res, err := eng.Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, res.Done)

	// completed=2 and completed=3 both cross the midpoint of five, and each
	// applied adjustment bumps the version by one.
	assert.Equal(t, 2, adjustCalls)
	assert.Equal(t, 3, s.PlanVersion)
	five := s.ReviewPlan.ForClause("5")
	require.NotNil(t, five)
	assert.Equal(t, DepthQuick, five.AnalysisDepth)
	assert.True(t, five.SkipDiffs)
}
