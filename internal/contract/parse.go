package contract

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// ParserConfig tunes plain-text parsing.
type ParserConfig struct {
	// MaxDepth caps the reported clause level. Deeper dotted ids keep their
	// ids but are clamped to this level. Defaults to 6.
	MaxDepth int
}

func (c *ParserConfig) applyDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 6
	}
}

var (
	clauseHeadRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+(.*)$`)
	// "Term" means definition…  /  "Term" shall mean definition…
	definitionRe = regexp.MustCompile(`^"([^"]+)"\s+(?:means|shall mean)\s+(.+)$`)
	// Clause 14.2 / Clauses 14.2 and 17.6 / Sub-Clause 14.2.1
	crossRefRe = regexp.MustCompile(`(?i)(?:sub-)?clauses?\s+(\d+(?:\.\d+)*)`)
)

// DocumentID derives a stable content-addressed id for uploaded bytes.
func DocumentID(data []byte) string {
	sum := blake3.Sum256(data)
	return "doc_" + hex.EncodeToString(sum[:12])
}

// ParseText parses a dotted-numbered plain-text contract into a Structure.
// Clause headers are lines of the form "14.2 Title". Body lines accumulate
// into the most recent clause. A "Definitions" heading switches the parser
// into quoted-term extraction until the next clause header.
func ParseText(documentID string, data []byte) (*Structure, error) {
	cfg := ParserConfig{}
	return ParseTextWithConfig(documentID, data, cfg)
}

func ParseTextWithConfig(documentID string, data []byte, cfg ParserConfig) (*Structure, error) {
	cfg.applyDefaults()
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if documentID == "" {
		documentID = DocumentID(data)
	}

	st := &Structure{
		DocumentID:    documentID,
		StructureType: "text",
		Definitions:   map[string]string{},
	}

	type openClause struct {
		node *ClauseNode
	}
	var stack []openClause
	byID := map[string]*ClauseNode{}
	inDefinitions := false
	offset := 0
	var current *ClauseNode

	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		lineStart := offset
		offset += len(line) + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := clauseHeadRe.FindStringSubmatch(trimmed); m != nil {
			id := m[1]
			if _, dup := byID[id]; dup {
				return nil, fmt.Errorf("duplicate clause id %q", id)
			}
			level := DottedLevel(id)
			if level > cfg.MaxDepth {
				level = cfg.MaxDepth
			}
			node := &ClauseNode{
				ClauseID:    id,
				Title:       strings.TrimSpace(m[2]),
				Level:       level,
				StartOffset: lineStart,
				EndOffset:   offset,
			}
			byID[id] = node
			inDefinitions = strings.EqualFold(node.Title, "definitions")

			// Pop to the nearest dotted-prefix ancestor.
			for len(stack) > 0 {
				top := stack[len(stack)-1].node
				if strings.HasPrefix(id, top.ClauseID+".") {
					break
				}
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				st.Clauses = append(st.Clauses, node)
			} else {
				parent := stack[len(stack)-1].node
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, openClause{node: node})
			current = node
			continue
		}

		if strings.EqualFold(trimmed, "definitions") {
			inDefinitions = true
			continue
		}

		if inDefinitions {
			if m := definitionRe.FindStringSubmatch(trimmed); m != nil {
				term := strings.TrimSpace(m[1])
				def := strings.TrimSpace(m[2])
				st.Definitions[term] = def
				st.DefinitionsV2 = append(st.DefinitionsV2, Definition{
					Term:       term,
					Definition: def,
					Confidence: 1.0,
					Source:     "regex",
				})
			}
		}

		if current != nil {
			if current.Text != "" {
				current.Text += "\n"
			}
			current.Text += trimmed
			current.EndOffset = offset
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if len(st.Clauses) == 0 {
		return nil, fmt.Errorf("no clauses found")
	}

	st.TotalClauses = len(st.AllClauses())
	extractCrossReferences(st)
	return st, nil
}

// extractCrossReferences scans clause bodies for "Clause N.N" mentions and
// marks each reference valid iff the target id exists in the tree.
func extractCrossReferences(st *Structure) {
	ids := map[string]bool{}
	st.Walk(func(n *ClauseNode) { ids[n.ClauseID] = true })

	st.Walk(func(n *ClauseNode) {
		for _, m := range crossRefRe.FindAllStringSubmatch(n.Text, -1) {
			target := m[1]
			if target == n.ClauseID {
				continue
			}
			st.CrossReferences = append(st.CrossReferences, CrossReference{
				SourceClauseID: n.ClauseID,
				TargetClauseID: target,
				ReferenceText:  strings.TrimSpace(m[0]),
				ReferenceType:  "clause",
				IsValid:        ids[target],
				Source:         "regex",
				Confidence:     0.9,
			})
		}
	})
}
