package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/models"
)

// ErrPatchLeak is returned if a fix prompt would contain the held-out patch.
var ErrPatchLeak = errors.New("fix prompt contains the ground-truth patch")

const fixSystemPrompt = `You are an experienced engineer fixing a bug. You are given the bug report, its discussion, supporting evidence and the current source of the code around the defect. You have NOT seen the accepted fix.

Write the smallest change that fixes the bug. Return ONLY a unified diff (--- a/path, +++ b/path, @@ hunk headers) against the files shown. No explanation, no markdown fencing.`

// FixGenerator asks the reasoning backend for a fix without showing it the
// ground-truth patch.
type FixGenerator struct {
	backend  llm.Completer
	log      *slog.Logger
	maxBytes int
}

// NewFixGenerator creates a generator. maxBytes caps each evidence entry in
// the prompt; zero disables the cap.
func NewFixGenerator(backend llm.Completer, maxBytes int) *FixGenerator {
	return &FixGenerator{backend: backend, log: logging.New("synth"), maxBytes: maxBytes}
}

// BuildFixPrompt renders the zero-knowledge view of b plus the pre-fix
// snippets of the files the patch touches.
func BuildFixPrompt(b *evidence.Bundle, maxBytes int) (system string, user string, err error) {
	system = fixSystemPrompt

	diff := b.Patch().DiffText
	var sb strings.Builder
	sb.WriteString(b.ZeroKnowledge().Render(maxBytes))

	if strings.TrimSpace(diff) != "" {
		snippets, err := PreFixSnippets(diff)
		if err != nil {
			return "", "", err
		}
		if len(snippets) > 0 {
			sb.WriteString("\n## Current source around the defect\n")
			sb.WriteString(RenderSnippets(snippets))
		}
	}
	user = sb.String()

	if d := strings.TrimSpace(diff); d != "" && strings.Contains(user, d) {
		return "", "", ErrPatchLeak
	}
	return system, user, nil
}

// Generate produces the zero-knowledge fix for b. Quota exhaustion and
// cancellation are returned as errors; any other backend failure yields an
// invalid fix carrying the error text.
func (g *FixGenerator) Generate(ctx context.Context, b *evidence.Bundle) (models.GeneratedFix, error) {
	system, user, err := BuildFixPrompt(b, g.maxBytes)
	if err != nil {
		return models.GeneratedFix{}, fmt.Errorf("build fix prompt: %w", err)
	}

	raw, err := g.backend.Complete(ctx, system, user)
	if err != nil {
		if ctx.Err() != nil {
			return models.GeneratedFix{}, ctx.Err()
		}
		if llm.IsQuotaExceeded(err) {
			return models.GeneratedFix{}, err
		}
		g.log.Warn("fix generation failed", "bug", b.BugID(), "error", err)
		return models.GeneratedFix{Error: err.Error()}, nil
	}

	fix := ValidateDiff(raw)
	if !fix.Valid {
		g.log.Warn("generated fix is not a diff", "bug", b.BugID(), "error", fix.Error)
	}
	return fix, nil
}
