// Package refine drives the bounded critique/fetch loop over one evidence
// bundle.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/metrics"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/source"
)

// Config bounds the loop.
type Config struct {
	// MaxRounds is the hard cap on critique rounds.
	MaxRounds int
	// Threshold is the score at or above which the loop stops.
	Threshold int
	// RetryDelay is the pause before retrying a transient fetch failure.
	RetryDelay time.Duration
	// MaxContentBytes truncates each fetched entry; zero disables it.
	MaxContentBytes int
}

// DefaultConfig returns the stock bounds.
func DefaultConfig() Config {
	return Config{
		MaxRounds:       3,
		Threshold:       90,
		RetryDelay:      2 * time.Second,
		MaxContentBytes: 10000,
	}
}

// Validate rejects bounds the loop cannot honor.
func (c Config) Validate() error {
	if c.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be at least 1, got %d", c.MaxRounds)
	}
	if c.Threshold < 0 || c.Threshold > models.MaxScore {
		return fmt.Errorf("threshold must be within 0..%d, got %d", models.MaxScore, c.Threshold)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	return nil
}

// Critic produces one critique per round.
type Critic interface {
	Critique(ctx context.Context, b *evidence.Bundle, target models.Patch, previousScore int) (models.CritiqueResult, error)
}

// Fetcher resolves a fetch request through the source adapters.
type Fetcher interface {
	Fetch(ctx context.Context, req models.FetchRequest) (source.Content, error)
}

// RoundLog persists rounds. AppendRound must be durable when it returns.
type RoundLog interface {
	AppendRound(ctx context.Context, r models.Round) error
}

// State is the loop's position in its state machine.
type State string

const (
	StateSeeded     State = "seeded"
	StateCritiquing State = "critiquing"
	StateFetching   State = "fetching"
	StateTerminated State = "terminated"
)

// Result is the outcome of a completed loop.
type Result struct {
	Rounds     []models.Round
	FinalScore int
	Reason     models.TerminationReason
	Bundle     *evidence.Bundle
}

// Loop runs the refinement state machine. It is not safe for concurrent
// use; build one per bug run.
type Loop struct {
	cfg     Config
	critic  Critic
	fetcher Fetcher
	rounds  RoundLog
	log     *slog.Logger
	metrics *metrics.Metrics
	sleep   source.SleepFunc
	now     func() time.Time
	onState func(State)

	state State
	// unavailable remembers keys that can never be satisfied in this run.
	unavailable map[models.FetchRequest]models.OpenReason
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.log = l } }

// WithMetrics reports rounds and fetches to m.
func WithMetrics(m *metrics.Metrics) Option { return func(lp *Loop) { lp.metrics = m } }

// WithSleep replaces the retry delay implementation.
func WithSleep(s source.SleepFunc) Option { return func(lp *Loop) { lp.sleep = s } }

// WithClock replaces time.Now for round timestamps.
func WithClock(now func() time.Time) Option { return func(lp *Loop) { lp.now = now } }

// WithStateHook is called on every state transition.
func WithStateHook(fn func(State)) Option { return func(lp *Loop) { lp.onState = fn } }

// New creates a loop.
func New(cfg Config, critic Critic, fetcher Fetcher, rounds RoundLog, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:         cfg,
		critic:      critic,
		fetcher:     fetcher,
		rounds:      rounds,
		log:         logging.New("refine"),
		sleep:       source.Sleep,
		now:         time.Now,
		state:       StateSeeded,
		unavailable: map[models.FetchRequest]models.OpenReason{},
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// State returns the current state.
func (l *Loop) State() State { return l.state }

func (l *Loop) transition(s State) {
	l.state = s
	if l.onState != nil {
		l.onState(s)
	}
}

// Run critiques and enriches b until a stop condition holds, persisting
// every round before moving on. The bundle is frozen on return when the loop
// terminated normally. Cancellation is observed between calls; a cancelled
// run returns the rounds persisted so far together with the context error.
func (l *Loop) Run(ctx context.Context, b *evidence.Bundle) (*Result, error) {
	if l.state != StateSeeded {
		return nil, fmt.Errorf("loop already used (state %s)", l.state)
	}
	if b.Frozen() {
		return nil, evidence.ErrFrozen
	}

	res := &Result{Bundle: b}
	target := b.Patch()
	prev := -1

	for index := 1; ; index++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		l.transition(StateCritiquing)
		crit, err := l.critic.Critique(ctx, b, target, prev)
		if err != nil {
			return res, fmt.Errorf("critique round %d: %w", index, err)
		}

		round := models.Round{
			BugID:     b.BugID(),
			Index:     index,
			Critique:  crit,
			CreatedAt: l.now().UTC(),
		}

		pending := pendingRequests(crit, b)
		if reason, stop := l.stopReason(index, crit.Score, len(pending)); stop {
			round.Terminated = true
			round.Reason = reason
			if err := l.persist(ctx, round); err != nil {
				return res, err
			}
			res.Rounds = append(res.Rounds, round)
			b.Freeze()
			l.transition(StateTerminated)

			res.FinalScore = crit.Score
			res.Reason = reason
			l.log.Info("refinement finished",
				"bug", b.BugID(), "rounds", index, "score", crit.Score, "reason", reason)
			return res, nil
		}

		l.transition(StateFetching)
		outcome, err := l.fetchAll(ctx, pending)
		if err != nil {
			return res, err
		}
		round.Fetched = outcome.fetched
		round.Open = outcome.open
		round.Warnings = outcome.warnings

		if err := l.persist(ctx, round); err != nil {
			return res, err
		}
		res.Rounds = append(res.Rounds, round)

		if err := b.Merge(outcome.fetched...); err != nil {
			return res, fmt.Errorf("merge round %d: %w", index, err)
		}
		prev = crit.Score
		l.log.Debug("round complete",
			"bug", b.BugID(), "round", index, "score", crit.Score,
			"fetched", len(outcome.fetched), "open", len(outcome.open))
	}
}

// stopReason applies the termination rules in precedence order.
func (l *Loop) stopReason(index, score, pending int) (models.TerminationReason, bool) {
	switch {
	case score >= l.cfg.Threshold:
		return models.TerminationThreshold, true
	case index >= l.cfg.MaxRounds:
		return models.TerminationMaxRounds, true
	case pending == 0:
		return models.TerminationNoActionableGaps, true
	}
	return "", false
}

func (l *Loop) persist(ctx context.Context, r models.Round) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.rounds.AppendRound(ctx, r); err != nil {
		return fmt.Errorf("persist round %d: %w", r.Index, err)
	}
	l.metrics.RoundPersisted(r)
	return nil
}

type pendingRequest struct {
	gap string
	req models.FetchRequest
}

// pendingRequests lists the requested fetches of a critique in gap order,
// skipping repeats within the round and keys the bundle already holds.
func pendingRequests(crit models.CritiqueResult, b *evidence.Bundle) []pendingRequest {
	var out []pendingRequest
	seen := map[models.FetchRequest]bool{}
	for _, g := range crit.Gaps {
		if g.RequestedFetch == nil {
			continue
		}
		req := *g.RequestedFetch
		if seen[req] || b.Has(req) {
			continue
		}
		seen[req] = true
		out = append(out, pendingRequest{gap: g.Name, req: req})
	}
	return out
}

type fetchOutcome struct {
	fetched  []models.EvidenceEntry
	open     []models.OpenGap
	warnings []string
}

// fetchAll resolves requests strictly one after another.
func (l *Loop) fetchAll(ctx context.Context, pending []pendingRequest) (fetchOutcome, error) {
	var out fetchOutcome
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if reason, ok := l.unavailable[p.req]; ok {
			out.open = append(out.open, models.OpenGap{
				Gap: p.gap, Request: p.req, Reason: reason, Detail: "unavailable earlier in this run",
			})
			l.metrics.Fetch(p.req.Source, string(reason))
			continue
		}

		content, retried, err := source.Retry(ctx, l.cfg.RetryDelay, l.sleep,
			func(ctx context.Context) (source.Content, error) {
				return l.fetcher.Fetch(ctx, p.req)
			})
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			reason, permanent := classify(err)
			if permanent {
				l.unavailable[p.req] = reason
			}
			gap := models.OpenGap{Gap: p.gap, Request: p.req, Reason: reason, Detail: err.Error()}
			out.open = append(out.open, gap)
			if reason == models.OpenMalformed || reason == models.OpenTransient {
				out.warnings = append(out.warnings, fmt.Sprintf("%s: %v", p.req, err))
			}
			l.metrics.Fetch(p.req.Source, string(reason))
			l.log.Warn("fetch left gap open", "request", p.req.String(), "reason", reason, "error", err)
			continue
		}

		out.fetched = append(out.fetched, models.EvidenceEntry{
			Source:  p.req.Source,
			Locator: p.req.Locator,
			Content: source.Truncate(content.Body, l.cfg.MaxContentBytes),
		})
		if retried {
			l.metrics.Fetch(p.req.Source, metrics.OutcomeRetried)
		} else {
			l.metrics.Fetch(p.req.Source, metrics.OutcomeFetched)
		}
	}
	return out, nil
}

// classify maps a fetch error to an open-gap reason. permanent reasons are
// never retried later in the run.
func classify(err error) (reason models.OpenReason, permanent bool) {
	switch {
	case errors.Is(err, source.ErrUnknownSource):
		return models.OpenUnknownSource, true
	case errors.Is(err, source.ErrNotFound):
		return models.OpenNotFound, true
	case source.IsMalformed(err):
		return models.OpenMalformed, true
	case source.IsTransient(err):
		return models.OpenTransient, false
	default:
		return models.OpenError, false
	}
}
