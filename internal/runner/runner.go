// Package runner processes a single bug ID end to end: seed fetch,
// refinement, synthesis and artifact persistence.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/metrics"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/refine"
	"github.com/joescharf/aprgen/internal/source"
	"github.com/joescharf/aprgen/internal/store"
	"github.com/joescharf/aprgen/internal/synth"
)

// BugSource fetches the seed bug report.
type BugSource interface {
	GetBug(ctx context.Context, id int) (models.Bug, error)
}

// PatchSource fetches the accepted fix of a differential revision.
type PatchSource interface {
	GetDifferential(ctx context.Context, revision string) (models.Patch, error)
}

// RevisionSearcher finds revisions linked to a bug on the patch host itself.
// A PatchSource that also implements it is asked when the bug text names no
// revision.
type RevisionSearcher interface {
	SearchRevisions(ctx context.Context, bugID int) ([]string, error)
}

// FixSynthesizer produces the zero-knowledge fix.
type FixSynthesizer interface {
	Generate(ctx context.Context, b *evidence.Bundle) (models.GeneratedFix, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Bugs    BugSource
	Patches PatchSource
	Critic  refine.Critic
	Fetcher refine.Fetcher
	Fixer   FixSynthesizer
	Store   store.Store
	Metrics *metrics.Metrics
}

// Request names the bug to process. Revision overrides discovery of the
// differential from the bug's comments and history.
type Request struct {
	BugID    int
	Revision string
}

// Outcome is what a run produced. Run is always set once the run record was
// created; the other fields are filled as far as the run got.
type Outcome struct {
	Run       *models.Run
	Result    *refine.Result
	Artifacts *models.ArtifactSet
	Warnings  []string
}

// Runner executes single-bug runs. A Runner holds no per-bug state and may
// be shared by concurrent batch workers.
type Runner struct {
	deps  Deps
	cfg   refine.Config
	log   *slog.Logger
	sleep source.SleepFunc
	now   func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

// WithSleep replaces the retry delay implementation for seed and loop fetches.
func WithSleep(s source.SleepFunc) Option { return func(r *Runner) { r.sleep = s } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New creates a runner.
func New(cfg refine.Config, deps Deps, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Bugs == nil || deps.Patches == nil || deps.Critic == nil ||
		deps.Fetcher == nil || deps.Fixer == nil || deps.Store == nil {
		return nil, errors.New("runner: missing dependency")
	}
	r := &Runner{
		deps:  deps,
		cfg:   cfg,
		log:   logging.New("runner"),
		sleep: source.Sleep,
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Run processes one bug. Previous rounds and artifacts of the bug are
// replaced. The returned error is non-nil when the run did not succeed; the
// run record reflects the final status either way.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	start := r.now()
	log := r.log.With("bug", req.BugID)

	if err := r.deps.Store.ResetBug(ctx, req.BugID); err != nil {
		return nil, fmt.Errorf("reset bug %d: %w", req.BugID, err)
	}
	run := &models.Run{BugID: req.BugID, Status: models.RunStatusRunning, StartedAt: start.UTC()}
	if err := r.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	out := &Outcome{Run: run}

	err := r.process(ctx, req, out, log)
	r.finish(ctx, out, err, start, log)
	return out, err
}

func (r *Runner) process(ctx context.Context, req Request, out *Outcome, log *slog.Logger) error {
	b, warnings, err := r.Seed(ctx, req)
	out.Warnings = warnings
	if err != nil {
		return err
	}
	if err := r.putSnapshot(ctx, b); err != nil {
		return err
	}

	loop, err := refine.New(r.cfg, r.deps.Critic, r.deps.Fetcher, r.deps.Store,
		refine.WithMetrics(r.deps.Metrics),
		refine.WithSleep(r.sleep),
		refine.WithClock(r.now),
		refine.WithLogger(log),
	)
	if err != nil {
		return err
	}
	res, err := loop.Run(ctx, b)
	out.Result = res
	if res != nil {
		out.Run.Rounds = len(res.Rounds)
	}
	if err != nil {
		return err
	}
	out.Run.FinalScore = res.FinalScore
	out.Run.Reason = res.Reason

	fix, err := r.deps.Fixer.Generate(ctx, b)
	if err != nil {
		return fmt.Errorf("generate fix: %w", err)
	}
	r.deps.Metrics.FixGenerated(fix.Valid)
	out.Run.FixValid = fix.Valid

	report, err := synth.RenderReport(synth.ReportInput{Bundle: b, Rounds: res.Rounds, Fix: &fix})
	if err != nil {
		return err
	}

	patch := b.Patch()
	set := &models.ArtifactSet{
		BugID:            req.BugID,
		Report:           report,
		GroundTruthPatch: patch.DiffText,
		Fix:              fix,
	}
	if err := r.putArtifacts(ctx, set, !patch.Held); err != nil {
		return err
	}
	out.Artifacts = set
	return nil
}

// Seed fetches the bug and its accepted fix and builds the seed bundle. A
// bug that cannot be fetched fails the run; a patch that cannot be fetched
// is held with a warning and the run continues without it.
func (r *Runner) Seed(ctx context.Context, req Request) (*evidence.Bundle, []string, error) {
	bug, _, err := source.Retry(ctx, r.cfg.RetryDelay, r.sleep, func(ctx context.Context) (models.Bug, error) {
		return r.deps.Bugs.GetBug(ctx, req.BugID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch bug %d: %w", req.BugID, err)
	}

	var warnings []string
	revision := req.Revision
	if revision == "" {
		found := source.FindRevisions(bug)
		if len(found) > 0 {
			// The last reference is usually the revision that landed.
			revision = found[len(found)-1]
			if len(found) > 1 {
				r.log.Info("multiple revisions referenced", "bug", req.BugID, "revisions", found, "using", revision)
			}
		} else {
			rev, w, err := r.searchRevision(ctx, req.BugID)
			if err != nil {
				return nil, warnings, err
			}
			if w != "" {
				warnings = append(warnings, w)
			}
			revision = rev
		}
		if revision == "" {
			w := "no differential revision referenced by the bug"
			warnings = append(warnings, w)
			return evidence.New(bug, models.Patch{Held: true, Warning: w}), warnings, nil
		}
	}

	patch, _, err := source.Retry(ctx, r.cfg.RetryDelay, r.sleep, func(ctx context.Context) (models.Patch, error) {
		return r.deps.Patches.GetDifferential(ctx, revision)
	})
	switch {
	case err == nil:
		if patch.Warning != "" {
			warnings = append(warnings, patch.Warning)
		}
	case ctx.Err() != nil:
		return nil, warnings, ctx.Err()
	case errors.Is(err, source.ErrNotFound), source.IsMalformed(err), source.IsTransient(err):
		w := fmt.Sprintf("patch %s held: %v", revision, err)
		warnings = append(warnings, w)
		r.log.Warn("patch unavailable", "bug", req.BugID, "revision", revision, "error", err)
		patch = models.Patch{Revision: revision, Held: true, Warning: w}
	default:
		return nil, warnings, fmt.Errorf("fetch patch %s: %w", revision, err)
	}
	return evidence.New(bug, patch), warnings, nil
}

// searchRevision asks the patch host for revisions mentioning the bug and
// picks the newest. An empty revision means none was found; search failures
// other than cancellation only produce a warning.
func (r *Runner) searchRevision(ctx context.Context, bugID int) (string, string, error) {
	searcher, ok := r.deps.Patches.(RevisionSearcher)
	if !ok {
		return "", "", nil
	}
	found, _, err := source.Retry(ctx, r.cfg.RetryDelay, r.sleep, func(ctx context.Context) ([]string, error) {
		return searcher.SearchRevisions(ctx, bugID)
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", "", ctx.Err()
	case errors.Is(err, source.ErrNoToken):
		return "", "", nil
	default:
		r.log.Warn("revision search failed", "bug", bugID, "error", err)
		return "", fmt.Sprintf("revision search failed: %v", err), nil
	}
	if len(found) == 0 {
		return "", "", nil
	}
	r.log.Info("revision found by patch host search", "bug", bugID, "revisions", found, "using", found[0])
	return found[0], "", nil
}

func (r *Runner) putSnapshot(ctx context.Context, b *evidence.Bundle) error {
	data, err := json.MarshalIndent(b.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode seed: %w", err)
	}
	return r.deps.Store.PutArtifact(ctx, &models.Artifact{
		Key:     models.SeedKey(b.BugID()),
		BugID:   b.BugID(),
		Kind:    models.ArtifactSeed,
		Content: string(data),
		Valid:   true,
	})
}

func (r *Runner) putArtifacts(ctx context.Context, set *models.ArtifactSet, patchValid bool) error {
	arts := []*models.Artifact{
		{Key: models.ReportKey(set.BugID), Kind: models.ArtifactReport, Content: set.Report, Valid: true},
		{Key: models.PatchKey(set.BugID), Kind: models.ArtifactPatch, Content: set.GroundTruthPatch, Valid: patchValid},
		{Key: models.ZeroShotKey(set.BugID), Kind: models.ArtifactZeroShot, Content: set.Fix.Text, Valid: set.Fix.Valid},
	}
	for _, a := range arts {
		a.BugID = set.BugID
		if err := r.deps.Store.PutArtifact(ctx, a); err != nil {
			return fmt.Errorf("store %s: %w", a.Key, err)
		}
	}
	return nil
}

// finish records the final status. It uses a context detached from
// cancellation so a cancelled run still closes its record.
func (r *Runner) finish(ctx context.Context, out *Outcome, runErr error, start time.Time, log *slog.Logger) {
	run := out.Run
	finished := r.now().UTC()
	run.FinishedAt = &finished

	switch {
	case runErr == nil:
		run.Status = models.RunStatusSucceeded
	case llm.IsQuotaExceeded(runErr):
		run.Status = models.RunStatusQuotaExceeded
		run.Error = runErr.Error()
	default:
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}

	if err := r.deps.Store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("record run status failed", "run", run.ID, "error", err)
	}
	r.deps.Metrics.BugFinished(run.Status, r.now().Sub(start))

	if runErr != nil {
		log.Warn("run failed", "run", run.ID, "status", run.Status, "error", runErr)
		return
	}
	log.Info("run complete", "run", run.ID, "rounds", run.Rounds, "score", run.FinalScore,
		"reason", run.Reason, "fix_valid", run.FixValid)
}
