// Package contract models a parsed contract: an ordered forest of numbered
// clauses, the defined terms, and cross references between clauses.
package contract

import (
	"strings"
)

// ClauseNode is one numbered clause. Children carry deeper dotted ids
// ("14.2" parents "14.2.1").
type ClauseNode struct {
	ClauseID    string        `json:"clause_id"`
	Title       string        `json:"title"`
	Level       int           `json:"level"`
	Text        string        `json:"text"`
	StartOffset int           `json:"start_offset"`
	EndOffset   int           `json:"end_offset"`
	Children    []*ClauseNode `json:"children,omitempty"`
}

// Definition is the richer definitions_v2 entry. The plain Definitions map
// remains the primary lookup surface.
type Definition struct {
	Term       string   `json:"term"`
	Definition string   `json:"definition"`
	Aliases    []string `json:"aliases,omitempty"`
	Category   string   `json:"category,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// CrossReference records one "Clause X refers to Clause Y" edge.
// IsValid is true iff TargetClauseID exists in the tree.
type CrossReference struct {
	SourceClauseID string  `json:"source_clause_id"`
	TargetClauseID string  `json:"target_clause_id"`
	ReferenceText  string  `json:"reference_text"`
	ReferenceType  string  `json:"reference_type"`
	IsValid        bool    `json:"is_valid"`
	Source         string  `json:"source"` // regex|llm
	Confidence     float64 `json:"confidence"`
}

// Structure is the parsed document.
type Structure struct {
	DocumentID      string            `json:"document_id"`
	StructureType   string            `json:"structure_type"`
	TotalClauses    int               `json:"total_clauses"`
	Clauses         []*ClauseNode     `json:"clauses"`
	Definitions     map[string]string `json:"definitions,omitempty"`
	DefinitionsV2   []Definition      `json:"definitions_v2,omitempty"`
	CrossReferences []CrossReference  `json:"cross_references,omitempty"`
}

// Walk visits every clause in document order (preorder).
func (s *Structure) Walk(fn func(*ClauseNode)) {
	if s == nil {
		return
	}
	var rec func(n *ClauseNode)
	rec = func(n *ClauseNode) {
		fn(n)
		for _, c := range n.Children {
			rec(c)
		}
	}
	for _, n := range s.Clauses {
		rec(n)
	}
}

// AllClauses returns every clause in document order.
func (s *Structure) AllClauses() []*ClauseNode {
	var out []*ClauseNode
	s.Walk(func(n *ClauseNode) { out = append(out, n) })
	return out
}

// Find returns the clause with the given id. When no exact match exists, the
// first clause whose id extends clauseID by a dotted component is returned
// ("14.2" resolves to "14.2.1"). Callers expecting exact matches should
// check the returned node's ClauseID.
func (s *Structure) Find(clauseID string) *ClauseNode {
	if s == nil || clauseID == "" {
		return nil
	}
	var exact, prefixed *ClauseNode
	s.Walk(func(n *ClauseNode) {
		if n.ClauseID == clauseID {
			if exact == nil {
				exact = n
			}
			return
		}
		if prefixed == nil && strings.HasPrefix(n.ClauseID, clauseID+".") {
			prefixed = n
		}
	})
	if exact != nil {
		return exact
	}
	return prefixed
}

// ClauseText returns the text of the clause (prefix tolerance as in Find).
func (s *Structure) ClauseText(clauseID string) string {
	n := s.Find(clauseID)
	if n == nil {
		return ""
	}
	return n.Text
}

// HasClause reports whether an exact clause id exists in the tree.
func (s *Structure) HasClause(clauseID string) bool {
	found := false
	s.Walk(func(n *ClauseNode) {
		if n.ClauseID == clauseID {
			found = true
		}
	})
	return found
}

// ReferencesFrom returns the cross references originating at clauseID.
func (s *Structure) ReferencesFrom(clauseID string) []CrossReference {
	if s == nil {
		return nil
	}
	var out []CrossReference
	for _, r := range s.CrossReferences {
		if r.SourceClauseID == clauseID {
			out = append(out, r)
		}
	}
	return out
}

// DottedLevel returns the component depth of a dotted clause id ("14.2.1" is 3).
func DottedLevel(clauseID string) int {
	clauseID = strings.TrimSpace(clauseID)
	if clauseID == "" {
		return 0
	}
	return strings.Count(clauseID, ".") + 1
}
