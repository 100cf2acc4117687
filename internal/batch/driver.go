// Package batch runs many bug IDs through the single-bug runner with bounded
// parallelism and a minimum spacing between bug starts.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/pacing"
	"github.com/joescharf/aprgen/internal/runner"
)

// Processor runs one bug.
type Processor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Outcome, error)
}

// ExistenceChecker reports whether a bug already has a complete artifact set.
type ExistenceChecker interface {
	HasArtifactSet(ctx context.Context, bugID int) (bool, error)
}

// Options configure a Driver.
type Options struct {
	// Concurrency bounds the bugs processed at once; values below 1 mean 1.
	Concurrency int
	// Delay is the minimum spacing between two bug starts.
	Delay time.Duration
	// SkipExisting skips bugs that already have an artifact set.
	SkipExisting bool
}

// ItemStatus is the batch-level outcome of one bug.
type ItemStatus string

const (
	ItemSucceeded     ItemStatus = "succeeded"
	ItemFailed        ItemStatus = "failed"
	ItemQuotaExceeded ItemStatus = "quota_exceeded"
	ItemSkipped       ItemStatus = "skipped"
	ItemCancelled     ItemStatus = "cancelled"
)

// ItemResult is reported once per input ID, in input order.
type ItemResult struct {
	BugID    int
	Status   ItemStatus
	Outcome  *runner.Outcome
	Err      error
	Duration time.Duration
}

// Summary aggregates a batch.
type Summary struct {
	Items  []ItemResult
	Counts map[ItemStatus]int
}

// Driver fans bug IDs out to a Processor.
type Driver struct {
	proc   Processor
	check  ExistenceChecker
	opts   Options
	gate   *pacing.Gate
	log    *slog.Logger
	onItem func(ItemResult)
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) DriverOption { return func(d *Driver) { d.log = l } }

// WithItemHook is called as each bug finishes. Calls are serialized.
func WithItemHook(fn func(ItemResult)) DriverOption { return func(d *Driver) { d.onItem = fn } }

// NewDriver creates a driver. check may be nil when SkipExisting is off.
func NewDriver(proc Processor, check ExistenceChecker, opts Options, dopts ...DriverOption) (*Driver, error) {
	if opts.SkipExisting && check == nil {
		return nil, errors.New("skip-existing requires an existence checker")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	d := &Driver{
		proc:  proc,
		check: check,
		opts:  opts,
		gate:  pacing.NewGate(opts.Delay),
		log:   logging.New("batch"),
	}
	for _, o := range dopts {
		o(d)
	}
	return d, nil
}

// Run processes ids. A failing bug, including one that exhausted the backend
// quota, never stops the batch. Run returns an error only when ctx ends
// before every bug started; bugs not started are reported as cancelled.
func (d *Driver) Run(ctx context.Context, ids []int) (*Summary, error) {
	ids = Dedupe(ids)
	results := make([]ItemResult, len(ids))
	for i, id := range ids {
		results[i] = ItemResult{BugID: id, Status: ItemCancelled}
	}

	var hookMu sync.Mutex
	report := func(i int, r ItemResult) {
		results[i] = r
		if d.onItem != nil {
			hookMu.Lock()
			d.onItem(r)
			hookMu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		if d.opts.SkipExisting {
			exists, err := d.check.HasArtifactSet(gctx, id)
			if err != nil {
				d.log.Warn("existence check failed", "bug", id, "error", err)
			} else if exists {
				d.log.Info("already processed, skipping", "bug", id)
				report(i, ItemResult{BugID: id, Status: ItemSkipped})
				continue
			}
		}
		g.Go(func() error {
			if err := d.gate.Wait(gctx); err != nil {
				return nil
			}
			report(i, d.runOne(gctx, i, len(ids), id))
			return nil
		})
	}
	_ = g.Wait()

	sum := &Summary{Items: results, Counts: map[ItemStatus]int{}}
	for _, r := range results {
		sum.Counts[r.Status]++
	}
	if err := ctx.Err(); err != nil && sum.Counts[ItemCancelled] > 0 {
		return sum, err
	}
	return sum, nil
}

func (d *Driver) runOne(ctx context.Context, i, total, id int) ItemResult {
	start := time.Now()
	d.log.Info(fmt.Sprintf("processing bug %d/%d", i+1, total), "bug", id)

	out, err := d.proc.Run(ctx, runner.Request{BugID: id})
	r := ItemResult{BugID: id, Outcome: out, Err: err, Duration: time.Since(start)}
	switch {
	case err == nil:
		r.Status = ItemSucceeded
	case llm.IsQuotaExceeded(err):
		r.Status = ItemQuotaExceeded
		d.log.Error("backend quota exceeded, continuing", "bug", id, "error", err)
	case ctx.Err() != nil:
		r.Status = ItemCancelled
	default:
		r.Status = ItemFailed
		d.log.Warn("bug failed", "bug", id, "error", err)
	}
	return r
}
