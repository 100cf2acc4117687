package source

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/net/html"
)

// htmlProbeTokens bounds how far into a document LooksLikeHTML reads.
const htmlProbeTokens = 32

var documentTags = map[string]bool{
	"html": true, "head": true, "body": true, "title": true,
	"meta": true, "script": true, "link": true, "style": true,
}

// LooksLikeHTML reports whether s opens like an HTML document. Only the
// leading tokens are inspected, so a diff that touches .html files is not
// mistaken for a page.
func LooksLikeHTML(s string) bool {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "<") {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(trimmed))
	for i := 0; i < htmlProbeTokens; i++ {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.DoctypeToken:
			return true
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			return documentTags[strings.ToLower(string(name))]
		case html.TextToken:
			if strings.TrimSpace(string(z.Text())) != "" {
				return false
			}
		}
	}
	return false
}

// ParseDiff parses unified diff text, returning only files that carry hunks.
func ParseDiff(s string) ([]*diff.FileDiff, error) {
	files, err := diff.ParseMultiFileDiff([]byte(s))
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if len(f.Hunks) > 0 {
			out = append(out, f)
		}
	}
	return out, nil
}

// LooksLikeDiff reports whether s parses as a unified diff with at least one hunk.
func LooksLikeDiff(s string) bool {
	files, err := ParseDiff(s)
	return err == nil && len(files) > 0
}

// CheckDiffShape returns a MalformedError when s is not a usable diff.
func CheckDiffShape(op, s string) error {
	switch {
	case strings.TrimSpace(s) == "":
		return &MalformedError{Op: op, Reason: "empty body where a diff was expected"}
	case LooksLikeHTML(s):
		return &MalformedError{Op: op, Reason: "html document where a diff was expected"}
	case !LooksLikeDiff(s):
		return &MalformedError{Op: op, Reason: "no diff markers found"}
	}
	return nil
}
