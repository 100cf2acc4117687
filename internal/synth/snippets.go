// Package synth produces the final artifacts of a bug run: the report, the
// ground-truth patch and a zero-knowledge candidate fix.
package synth

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/joescharf/aprgen/internal/source"
)

// Snippet is the pre-fix source of one file, as far as the diff shows it.
type Snippet struct {
	Path  string
	Hunks []SnippetHunk
}

// SnippetHunk holds the context and removed lines of one hunk, without
// diff prefixes, starting at StartLine of the original file.
type SnippetHunk struct {
	StartLine int
	Lines     []string
}

// PreFixSnippets extracts the original side of every hunk in diffText.
// Files created by the diff have no original side and are skipped.
func PreFixSnippets(diffText string) ([]Snippet, error) {
	files, err := source.ParseDiff(diffText)
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}

	var out []Snippet
	for _, f := range files {
		if f.OrigName == "/dev/null" {
			continue
		}
		s := Snippet{Path: stripPrefix(f.OrigName)}
		for _, h := range f.Hunks {
			sh := SnippetHunk{StartLine: int(h.OrigStartLine)}
			for _, line := range bytes.Split(bytes.TrimSuffix(h.Body, []byte("\n")), []byte("\n")) {
				if len(line) == 0 {
					// A blank context line whose leading space was lost.
					sh.Lines = append(sh.Lines, "")
					continue
				}
				switch line[0] {
				case ' ', '-':
					sh.Lines = append(sh.Lines, string(line[1:]))
				}
			}
			s.Hunks = append(s.Hunks, sh)
		}
		out = append(out, s)
	}
	return out, nil
}

// RenderSnippets formats snippets as plain text with original line numbers.
func RenderSnippets(snippets []Snippet) string {
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "File: %s\n", s.Path)
		for _, h := range s.Hunks {
			fmt.Fprintf(&sb, "Lines starting at %d:\n", h.StartLine)
			for j, l := range h.Lines {
				fmt.Fprintf(&sb, "%6d  %s\n", h.StartLine+j, l)
			}
		}
	}
	return sb.String()
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
