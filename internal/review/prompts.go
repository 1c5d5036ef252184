package review

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
)

// Prompt assembly is deterministic: same state, same messages.

const analyzeSystemPrompt = `You are a contract review analyst. Review the given clause on behalf of the stated party.
Use the available tools to gather context before concluding.
When you are done, reply with ONLY a JSON array of risk objects:
[{"risk_level":"high|medium|low","risk_type":"...","description":"...","reason":"...","analysis":"...","location":{"original_text":"..."}}]
Reply with [] if the clause raises no concern.`

func analyzeMessages(s *State, item *contract.ChecklistItem, clauseText string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Party represented: %s\n", orDefault(s.OurParty, "unspecified"))
	fmt.Fprintf(&b, "Language: %s\n", orDefault(s.Language, "en"))
	if s.DomainID != "" {
		fmt.Fprintf(&b, "Domain: %s", s.DomainID)
		if s.DomainSubtype != "" {
			fmt.Fprintf(&b, " / %s", s.DomainSubtype)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nClause %s", item.ClauseID)
	if item.ClauseName != "" {
		fmt.Fprintf(&b, " (%s)", item.ClauseName)
	}
	fmt.Fprintf(&b, " — priority %s\n", item.Priority)
	if item.Description != "" {
		fmt.Fprintf(&b, "Checklist guidance: %s\n", item.Description)
	}
	fmt.Fprintf(&b, "\nClause text:\n%s\n", clauseText)
	return []llm.Message{llm.System(analyzeSystemPrompt), llm.User(b.String())}
}

// legacyAnalyzeMessages appends the pre-collected skill context to the user
// prompt for the single-shot legacy mode.
func legacyAnalyzeMessages(s *State, item *contract.ChecklistItem, clauseText string, skillContext map[string]any) []llm.Message {
	msgs := analyzeMessages(s, item, clauseText)
	if len(skillContext) > 0 {
		ctxJSON, _ := json.MarshalIndent(skillContext, "", "  ")
		msgs[len(msgs)-1].Content += fmt.Sprintf("\nTool findings:\n%s\n", truncate(string(ctxJSON), 6000))
	}
	return msgs
}

const diffsSystemPrompt = `You turn contract review risks into concrete edit proposals.
Reply with ONLY a JSON array:
[{"risk_id":"...","action_type":"replace|delete|insert","original_text":"...","proposed_text":"...","reason":"..."}]
original_text must quote the clause verbatim for replace and delete actions. Reply with [] when no edit is warranted.`

func diffsMessages(s *State, clauseID, clauseText string, risks []Risk) []llm.Message {
	risksJSON, _ := json.MarshalIndent(risks, "", "  ")
	body := fmt.Sprintf("Clause %s text:\n%s\n\nIdentified risks:\n%s\n", clauseID, clauseText, risksJSON)
	return []llm.Message{llm.System(diffsSystemPrompt), llm.User(body)}
}

const validateSystemPrompt = `You are a quality gate for contract edit proposals.
Check that each proposed edit is grounded in the clause text and addresses its linked risk.
Reply with ONLY a JSON object: {"result":"pass|fail","issues":["..."]}`

func validateMessages(clauseID, clauseText string, diffs []Diff) []llm.Message {
	diffsJSON, _ := json.MarshalIndent(diffs, "", "  ")
	body := fmt.Sprintf("Clause %s text:\n%s\n\nProposed edits:\n%s\n", clauseID, clauseText, diffsJSON)
	return []llm.Message{llm.System(validateSystemPrompt), llm.User(body)}
}

const planSystemPrompt = `You plan a contract review. Given the checklist and the available tools, decide how deeply to analyze each clause.
Reply with ONLY a JSON object:
{"global_strategy":"...","estimated_depth_distribution":{"quick":0,"standard":0,"deep":0},
 "clause_plans":[{"clause_id":"...","analysis_depth":"quick|standard|deep","suggested_tools":["..."],"max_iterations":3,"priority_order":0,"rationale":"..."}]}`

func planMessages(checklist []contract.ChecklistItem, domainID, materialType string, availableTools []string) []llm.Message {
	checklistJSON, _ := json.MarshalIndent(checklist, "", "  ")
	var b strings.Builder
	fmt.Fprintf(&b, "Domain: %s\nMaterial type: %s\n", orDefault(domainID, "generic"), orDefault(materialType, "contract"))
	fmt.Fprintf(&b, "Available tools: %s\n\nChecklist:\n%s\n", strings.Join(availableTools, ", "), checklistJSON)
	return []llm.Message{llm.System(planSystemPrompt), llm.User(b.String())}
}

const adjustSystemPrompt = `You are reviewing a contract review plan mid-run. Given fresh findings, decide whether the remaining clause plans should change.
Reply with ONLY a JSON object:
{"should_adjust":true|false,"reason":"...","adjusted_clauses":[{"clause_id":"...","analysis_depth":"quick|standard|deep","max_iterations":3,"suggested_tools":["..."],"rationale":"..."}]}`

func adjustMessages(currentClauseID string, risks []Risk, remaining []ClausePlan, completed, total int) []llm.Message {
	risksJSON, _ := json.MarshalIndent(risks, "", "  ")
	remainingJSON, _ := json.MarshalIndent(remaining, "", "  ")
	body := fmt.Sprintf("Just finished clause %s (%d of %d done).\nRisks found:\n%s\n\nRemaining clause plans:\n%s\n",
		currentClauseID, completed, total, risksJSON, remainingJSON)
	return []llm.Message{llm.System(adjustSystemPrompt), llm.User(body)}
}

const summarizeSystemPrompt = `Summarize a completed contract review for the reviewing party in a few short paragraphs.
Cover the overall risk posture, the most severe findings, and the volume of proposed edits. Plain text only.`

func summarizeMessages(s *State) []llm.Message {
	counts := map[RiskLevel]int{}
	for _, r := range s.AllRisks {
		counts[r.RiskLevel]++
	}
	body := fmt.Sprintf(
		"Clauses reviewed: %d\nRisks: %d (high=%d medium=%d low=%d)\nProposed edits: %d\nParty: %s\n",
		len(s.ReviewChecklist), len(s.AllRisks),
		counts[RiskHigh], counts[RiskMedium], counts[RiskLow],
		len(s.AllDiffs), orDefault(s.OurParty, "unspecified"))
	return []llm.Message{llm.System(summarizeSystemPrompt), llm.User(body)}
}

// deterministicSummary is the no-LLM fallback.
func deterministicSummary(s *State) string {
	counts := map[RiskLevel]int{}
	for _, r := range s.AllRisks {
		counts[r.RiskLevel]++
	}
	return fmt.Sprintf("Reviewed %d clauses; found %d risks (high=%d, medium=%d, low=%d); produced %d diffs.",
		len(s.ReviewChecklist), len(s.AllRisks),
		counts[RiskHigh], counts[RiskMedium], counts[RiskLow], len(s.AllDiffs))
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}
