package evidence

import (
	"fmt"
	"strings"

	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/source"
)

// Render formats a snapshot as prompt text. Each comment and supplementary
// entry is cut to maxBytes; zero disables the cut. Empty sections are left out.
func (s Snapshot) Render(maxBytes int) string {
	var sb strings.Builder
	bug := s.Bug

	fmt.Fprintf(&sb, "# Bug %d: %s\n", bug.ID, bug.Title)
	fmt.Fprintf(&sb, "Product: %s :: %s\n", bug.Product, bug.Component)
	fmt.Fprintf(&sb, "Status: %s  Severity: %s  Priority: %s\n", bug.Status, bug.Severity, bug.Priority)

	if d := strings.TrimSpace(bug.Description); d != "" {
		sb.WriteString("\n## Description\n")
		sb.WriteString(source.Truncate(d, maxBytes))
		sb.WriteString("\n")
	}

	if len(bug.Comments) > 0 {
		comments := make([]models.Comment, len(bug.Comments))
		for i, c := range bug.Comments {
			c.Text = source.Truncate(c.Text, maxBytes)
			comments[i] = c
		}
		sb.WriteString("\n## Comments\n")
		sb.WriteString(source.FormatComments(comments))
		sb.WriteString("\n")
	}

	if h := source.FormatHistory(bug.History); h != "" {
		sb.WriteString("\n## History\n")
		sb.WriteString(h)
		sb.WriteString("\n")
	}

	if p := s.Patch; p.Revision != "" || p.DiffText != "" {
		fmt.Fprintf(&sb, "\n## Patch %s", p.Revision)
		if p.Status != "" {
			fmt.Fprintf(&sb, " (%s)", p.Status)
		}
		sb.WriteString("\n")
		if p.Title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", p.Title)
		}
		if len(p.Reviewers) > 0 {
			names := make([]string, len(p.Reviewers))
			for i, r := range p.Reviewers {
				names[i] = fmt.Sprintf("%s (%s)", r.Name, r.Status)
			}
			fmt.Fprintf(&sb, "Reviewers: %s\n", strings.Join(names, ", "))
		}
		if p.Held {
			fmt.Fprintf(&sb, "Patch content unavailable: %s\n", p.Warning)
		} else if p.DiffText != "" {
			sb.WriteString("```diff\n")
			sb.WriteString(strings.TrimRight(p.DiffText, "\n"))
			sb.WriteString("\n```\n")
		}
	}

	if len(s.Supplementary) > 0 {
		sb.WriteString("\n## Supplementary evidence\n")
		for _, e := range s.Supplementary {
			fmt.Fprintf(&sb, "\n### %s %s\n", e.Source, e.Locator)
			sb.WriteString(source.Truncate(e.Content, maxBytes))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
