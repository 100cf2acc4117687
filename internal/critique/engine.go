// Package critique scores an evidence bundle and names what is missing.
package critique

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/models"
)

// DefaultMaxEntryBytes caps each comment and supplementary entry in the prompt.
const DefaultMaxEntryBytes = 10000

// Engine issues one reasoning-backend call per critique.
type Engine struct {
	backend  llm.Completer
	log      *slog.Logger
	maxBytes int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMaxEntryBytes sets the per-entry prompt cap.
func WithMaxEntryBytes(n int) Option { return func(e *Engine) { e.maxBytes = n } }

// NewEngine creates a critique engine on top of backend.
func NewEngine(backend llm.Completer, opts ...Option) *Engine {
	e := &Engine{backend: backend, log: logging.New("critique"), maxBytes: DefaultMaxEntryBytes}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Critique judges the bundle against target. Context cancellation and quota
// exhaustion are returned as errors. Any other backend failure, and any
// answer that does not parse, degrades to a result with no gaps that keeps
// previousScore and sets Degraded. previousScore is negative before the
// first round.
func (e *Engine) Critique(ctx context.Context, b *evidence.Bundle, target models.Patch, previousScore int) (models.CritiqueResult, error) {
	system, user := buildPrompt(b.Snapshot(), target, previousScore, e.maxBytes)

	raw, err := e.backend.Complete(ctx, system, user)
	if err != nil {
		if ctx.Err() != nil {
			return models.CritiqueResult{}, ctx.Err()
		}
		if llm.IsQuotaExceeded(err) {
			return models.CritiqueResult{}, err
		}
		e.log.Warn("critique backend failed, degrading round", "bug", b.BugID(), "error", err)
		return degraded(previousScore, fmt.Sprintf("backend error: %v", err)), nil
	}

	res, err := Parse(raw)
	if err != nil {
		e.log.Warn("critique response unparseable, degrading round", "bug", b.BugID(), "error", err)
		return degraded(previousScore, err.Error()), nil
	}
	e.log.Debug("critique parsed", "bug", b.BugID(), "score", res.Score, "gaps", len(res.Gaps))
	return res, nil
}

func degraded(previousScore int, reason string) models.CritiqueResult {
	if previousScore < 0 {
		previousScore = 0
	}
	return models.CritiqueResult{
		Score:         previousScore,
		Degraded:      true,
		DegradeReason: reason,
	}
}
