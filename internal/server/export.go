package server

import (
	"fmt"
	"strings"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/review"
)

// RedlineWriter renders a completed review as a downloadable redline. The
// DOCX writer is an external collaborator; TextRedlineWriter is the
// in-process default.
type RedlineWriter interface {
	Render(st *review.State) (data []byte, contentType string, err error)
}

// TextRedlineWriter emits a plain-text redline: each clause in document
// order, followed by its approved edits.
type TextRedlineWriter struct{}

func (TextRedlineWriter) Render(st *review.State) ([]byte, string, error) {
	primary := st.PrimaryDocument()
	if primary == nil || primary.Structure == nil {
		return nil, "", fmt.Errorf("no primary document structure")
	}

	byClause := map[string][]review.Diff{}
	for _, d := range st.AllDiffs {
		if d.Status == review.DiffApproved || d.Status == review.DiffRevised {
			byClause[d.ClauseID] = append(byClause[d.ClauseID], d)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "REDLINE %s\n\n", st.TaskID)
	primary.Structure.Walk(func(n *contract.ClauseNode) {
		fmt.Fprintf(&b, "%s %s\n", n.ClauseID, n.Title)
		if n.Text != "" {
			b.WriteString(n.Text)
			b.WriteString("\n")
		}
		for _, d := range byClause[n.ClauseID] {
			switch d.ActionType {
			case review.DiffDelete:
				fmt.Fprintf(&b, "  [DELETE] %s\n", d.OriginalText)
			case review.DiffInsert:
				fmt.Fprintf(&b, "  [INSERT] %s\n", d.ProposedText)
			default:
				fmt.Fprintf(&b, "  [REPLACE] %s -> %s\n", d.OriginalText, d.ProposedText)
			}
			if d.Reason != "" {
				fmt.Fprintf(&b, "  reason: %s\n", d.Reason)
			}
		}
		b.WriteString("\n")
	})
	if st.SummaryNotes != "" {
		fmt.Fprintf(&b, "SUMMARY\n%s\n", st.SummaryNotes)
	}
	return []byte(b.String()), "text/plain; charset=utf-8", nil
}
