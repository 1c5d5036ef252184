package skill

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/redlinehq/redline/internal/contract"
)

// Built-in generic skill ids.
const (
	SkillClauseContext       = "get_clause_context"
	SkillResolveDefinition   = "resolve_definition"
	SkillCompareWithBaseline = "compare_with_baseline"
	SkillCrossReferenceCheck = "cross_reference_check"
	SkillExtractFinancial    = "extract_financial_terms"
	SkillLoadReviewCriteria  = "load_review_criteria"
	SkillAssessDeviation     = "assess_deviation"
	SkillSemanticSearch      = "semantic_search"
)

func objectSchema(props map[string]any, required ...string) map[string]any {
	req := make([]any, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(req) > 0 {
		s["required"] = req
	}
	return s
}

func internalProps() map[string]any {
	return map[string]any{
		FieldDocumentStructure: map[string]any{"type": "object"},
		FieldStateSnapshot:     map[string]any{"type": "object"},
		FieldCriteriaData:      map[string]any{"type": "object"},
		FieldCriteriaFilePath:  map[string]any{"type": "string"},
	}
}

func clauseProps(extra map[string]any) map[string]any {
	props := internalProps()
	props["clause_id"] = map[string]any{
		"type":        "string",
		"description": "Dotted clause id, e.g. 14.2",
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func prepareClauseID(clauseID string, _ *contract.Structure, _ *StateSnapshot) map[string]any {
	return map[string]any{"clause_id": clauseID}
}

// RegisterBuiltins registers the generic domain-agnostic skills.
func RegisterBuiltins(d *Dispatcher) error {
	regs := []Registration{
		{
			SkillID:     SkillClauseContext,
			Name:        "Clause context",
			Description: "Return the clause text with its title, position in the clause tree, and the defined terms it uses.",
			InputSchema: objectSchema(clauseProps(nil), "clause_id", FieldDocumentStructure),
			Category:    "context",
			PrepareInput: prepareClauseID,
			LocalHandler: handleClauseContext,
		},
		{
			SkillID:     SkillResolveDefinition,
			Name:        "Resolve definition",
			Description: "Look up a defined term in the contract's definitions, including aliases.",
			InputSchema: objectSchema(clauseProps(map[string]any{
				"term": map[string]any{"type": "string", "description": "The defined term to resolve"},
			}), "term", FieldDocumentStructure),
			Category:     "context",
			PrepareInput: prepareClauseID,
			LocalHandler: handleResolveDefinition,
		},
		{
			SkillID:     SkillCompareWithBaseline,
			Name:        "Compare with baseline",
			Description: "Compare the clause text against the baseline wording from the review criteria.",
			InputSchema: objectSchema(clauseProps(map[string]any{
				"baseline_text": map[string]any{"type": "string", "description": "Override baseline wording"},
			}), "clause_id", FieldDocumentStructure, FieldCriteriaData),
			Category:     "analysis",
			PrepareInput: prepareClauseID,
			LocalHandler: handleCompareWithBaseline,
		},
		{
			SkillID:      SkillCrossReferenceCheck,
			Name:         "Cross-reference check",
			Description:  "List the clause's outgoing cross references and flag the ones whose target clause does not exist.",
			InputSchema:  objectSchema(clauseProps(nil), "clause_id", FieldDocumentStructure),
			Category:     "analysis",
			PrepareInput: prepareClauseID,
			LocalHandler: handleCrossReferenceCheck,
		},
		{
			SkillID:      SkillExtractFinancial,
			Name:         "Extract financial terms",
			Description:  "Extract monetary amounts, percentages and day periods from the clause text.",
			InputSchema:  objectSchema(clauseProps(nil), "clause_id", FieldDocumentStructure),
			Category:     "extraction",
			PrepareInput: prepareClauseID,
			LocalHandler: handleExtractFinancial,
		},
		{
			SkillID:      SkillLoadReviewCriteria,
			Name:         "Load review criteria",
			Description:  "Load the domain review criteria configured for this task.",
			InputSchema:  objectSchema(internalProps()),
			Category:     "criteria",
			LocalHandler: handleLoadReviewCriteria,
		},
		{
			SkillID:      SkillAssessDeviation,
			Name:         "Assess deviation",
			Description:  "Score how far the clause deviates from balanced wording, using risk-signal heuristics and any configured criteria.",
			InputSchema:  objectSchema(clauseProps(nil), "clause_id", FieldDocumentStructure),
			Category:     "analysis",
			PrepareInput: prepareClauseID,
			LocalHandler: handleAssessDeviation,
		},
		{
			SkillID:     SkillSemanticSearch,
			Name:        "Semantic search",
			Description: "Find the clauses most relevant to a free-text query.",
			InputSchema: objectSchema(clauseProps(map[string]any{
				"query": map[string]any{"type": "string", "description": "Free-text query"},
				"top_k": map[string]any{"type": "integer", "description": "Result count, default 5"},
			}), "query", FieldDocumentStructure),
			Category:     "retrieval",
			PrepareInput: prepareClauseID,
			LocalHandler: handleSemanticSearch,
		},
	}
	for _, r := range regs {
		if err := d.Register(r); err != nil {
			return err
		}
	}
	return nil
}

func requireStructure(in Input) (*contract.Structure, error) {
	if in.Structure == nil {
		return nil, fmt.Errorf("no document structure available")
	}
	return in.Structure, nil
}

func resolveClause(in Input) (*contract.Structure, *contract.ClauseNode, error) {
	st, err := requireStructure(in)
	if err != nil {
		return nil, nil, err
	}
	id := in.StringArg("clause_id")
	if id == "" {
		id = in.ClauseID
	}
	n := st.Find(id)
	if n == nil {
		return nil, nil, fmt.Errorf("clause not found: %s", id)
	}
	return st, n, nil
}

func handleClauseContext(_ context.Context, in Input) (any, error) {
	st, n, err := resolveClause(in)
	if err != nil {
		return nil, err
	}

	parentID := ""
	if i := strings.LastIndex(n.ClauseID, "."); i > 0 {
		parentID = n.ClauseID[:i]
	}
	contextText := n.Text
	if parentID != "" {
		if p := st.Find(parentID); p != nil && p.ClauseID == parentID && p.Title != "" {
			contextText = fmt.Sprintf("[%s %s]\n%s", p.ClauseID, p.Title, n.Text)
		}
	}

	children := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, c.ClauseID)
	}
	var used []string
	for term := range st.Definitions {
		if strings.Contains(n.Text, term) {
			used = append(used, term)
		}
	}
	sort.Strings(used)

	return map[string]any{
		"clause_id":        n.ClauseID,
		"title":            n.Title,
		"level":            n.Level,
		"context_text":     contextText,
		"parent_id":        parentID,
		"children":         children,
		"definitions_used": used,
	}, nil
}

func handleResolveDefinition(_ context.Context, in Input) (any, error) {
	st, err := requireStructure(in)
	if err != nil {
		return nil, err
	}
	term := in.StringArg("term")
	if term == "" {
		return nil, fmt.Errorf("term is required")
	}

	for k, v := range st.Definitions {
		if strings.EqualFold(k, term) {
			return map[string]any{"term": k, "definition": v, "found": true, "source": "definitions"}, nil
		}
	}
	for _, d := range st.DefinitionsV2 {
		for _, alias := range d.Aliases {
			if strings.EqualFold(alias, term) {
				return map[string]any{"term": d.Term, "definition": d.Definition, "found": true, "source": "alias"}, nil
			}
		}
	}
	return map[string]any{"term": term, "found": false}, nil
}

func handleCompareWithBaseline(_ context.Context, in Input) (any, error) {
	_, n, err := resolveClause(in)
	if err != nil {
		return nil, err
	}
	baseline := in.StringArg("baseline_text")
	if baseline == "" && in.CriteriaData != nil {
		if baselines, ok := in.CriteriaData["baselines"].(map[string]any); ok {
			if b, ok := baselines[n.ClauseID].(string); ok {
				baseline = b
			}
		}
	}
	if baseline == "" {
		return map[string]any{
			"clause_id":      n.ClauseID,
			"baseline_found": false,
		}, nil
	}

	sim := tokenOverlap(n.Text, baseline)
	assessment := "aligned"
	switch {
	case sim < 0.3:
		assessment = "materially different"
	case sim < 0.7:
		assessment = "partially aligned"
	}
	return map[string]any{
		"clause_id":      n.ClauseID,
		"baseline_found": true,
		"similarity":     sim,
		"assessment":     assessment,
	}, nil
}

func handleCrossReferenceCheck(_ context.Context, in Input) (any, error) {
	st, n, err := resolveClause(in)
	if err != nil {
		return nil, err
	}
	refs := st.ReferencesFrom(n.ClauseID)
	var invalid []contract.CrossReference
	for _, r := range refs {
		if !r.IsValid {
			invalid = append(invalid, r)
		}
	}
	return map[string]any{
		"clause_id":          n.ClauseID,
		"total_references":   len(refs),
		"total_invalid":      len(invalid),
		"references":         refs,
		"invalid_references": invalid,
	}, nil
}

var (
	amountRe  = regexp.MustCompile(`(?i)(?:USD|EUR|GBP|CNY|RMB|\$|€|£|¥)\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:million|billion))?`)
	percentRe = regexp.MustCompile(`\d+(?:\.\d+)?\s?(?:%|percent)`)
	periodRe  = regexp.MustCompile(`(?i)\b(\d+)\s+(?:calendar\s+|business\s+|working\s+)?days?\b`)
)

func handleExtractFinancial(_ context.Context, in Input) (any, error) {
	_, n, err := resolveClause(in)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"clause_id":   n.ClauseID,
		"amounts":     amountRe.FindAllString(n.Text, -1),
		"percentages": percentRe.FindAllString(n.Text, -1),
		"day_periods": periodRe.FindAllString(n.Text, -1),
	}, nil
}

func handleLoadReviewCriteria(_ context.Context, in Input) (any, error) {
	if in.CriteriaData != nil {
		return map[string]any{"source": "inline", "criteria": in.CriteriaData}, nil
	}
	if in.CriteriaFilePath != "" {
		b, err := os.ReadFile(in.CriteriaFilePath)
		if err != nil {
			return nil, fmt.Errorf("read criteria file: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse criteria file: %w", err)
		}
		return map[string]any{"source": "file", "criteria": doc}, nil
	}
	return map[string]any{"source": "none", "criteria": map[string]any{}}, nil
}

// riskSignals are one-sided-wording markers used by the deterministic
// deviation heuristic.
var riskSignals = []string{
	"unlimited",
	"sole discretion",
	"waive",
	"indemnif",
	"consequential",
	"liquidated damages",
	"without notice",
	"irrevocab",
	"exclusive remedy",
}

func handleAssessDeviation(_ context.Context, in Input) (any, error) {
	_, n, err := resolveClause(in)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(n.Text)
	var hits []string
	for _, s := range riskSignals {
		if strings.Contains(lower, s) {
			hits = append(hits, s)
		}
	}
	level := "low"
	switch {
	case len(hits) >= 3:
		level = "high"
	case len(hits) >= 1:
		level = "medium"
	}
	return map[string]any{
		"clause_id":       n.ClauseID,
		"deviation_level": level,
		"signals":         hits,
	}, nil
}

// SearchHit is one semantic_search result row.
type SearchHit struct {
	ClauseID string  `json:"clause_id"`
	Title    string  `json:"title"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet"`
}

func handleSemanticSearch(_ context.Context, in Input) (any, error) {
	st, err := requireStructure(in)
	if err != nil {
		return nil, err
	}
	query := in.StringArg("query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	topK := in.IntArg("top_k", 5)
	if topK <= 0 {
		topK = 5
	}

	var hits []SearchHit
	for _, n := range st.AllClauses() {
		score := tokenOverlap(query, n.Title+" "+n.Text)
		if score <= 0 {
			continue
		}
		snippet := n.Text
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		hits = append(hits, SearchHit{ClauseID: n.ClauseID, Title: n.Title, Score: score, Snippet: snippet})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return map[string]any{"query": query, "results": hits}, nil
}

// tokenOverlap is the share of a's word tokens present in b.
func tokenOverlap(a, b string) float64 {
	aw := tokenize(a)
	if len(aw) == 0 {
		return 0
	}
	bw := map[string]bool{}
	for _, t := range tokenize(b) {
		bw[t] = true
	}
	matched := 0
	for _, t := range aw {
		if bw[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(aw))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '.'
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
