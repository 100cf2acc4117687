package synth

import (
	"strings"

	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/source"
)

// ValidateDiff checks that text is shaped like a unified diff. A valid diff
// is kept without its surrounding markdown fence; anything else is kept
// exactly as given.
func ValidateDiff(text string) models.GeneratedFix {
	body := llm.StripFences(text)
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	if err := source.CheckDiffShape("zero-knowledge fix", body); err != nil {
		return models.GeneratedFix{Text: text, Error: err.Error()}
	}
	files, err := source.ParseDiff(body)
	if err != nil {
		return models.GeneratedFix{Text: text, Error: err.Error()}
	}
	return models.GeneratedFix{Text: body, Valid: true, Files: len(files)}
}
