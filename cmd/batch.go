package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/aprgen/internal/batch"
	"github.com/joescharf/aprgen/internal/lockfile"
	"github.com/joescharf/aprgen/internal/metrics"
	"github.com/joescharf/aprgen/internal/output"
	"github.com/joescharf/aprgen/internal/pacing"
)

var (
	batchBugIDs       []int
	batchFile         string
	batchSkipExisting bool
	batchMetricsAddr  string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Analyze a list of bugs",
	Long: `Run the single-bug pipeline over many bug IDs. IDs come from --bug-ids
and/or --file (one per line, '#' comments allowed) and are de-duplicated.

A bug that fails, including one that runs out of backend quota, is flagged
and the batch moves on.`,
	Example: `  aprgen batch --bug-ids 1234567,1234568
  aprgen batch --file ids.txt --delay 60s --skip-existing
  aprgen batch --file ids.txt --concurrency 2 --metrics-addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchRun(cmd.Context())
	},
}

func init() {
	batchCmd.Flags().IntSliceVar(&batchBugIDs, "bug-ids", nil, "Bug IDs to process")
	batchCmd.Flags().StringVar(&batchFile, "file", "", "File with one bug ID per line")
	batchCmd.Flags().Duration("delay", 60*time.Second, "Minimum delay between bug starts")
	batchCmd.Flags().Int("concurrency", 1, "Bugs processed in parallel")
	batchCmd.Flags().BoolVar(&batchSkipExisting, "skip-existing", false, "Skip bugs that already have a report, patch and fix")
	batchCmd.Flags().StringVar(&batchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	_ = viper.BindPFlag("batch.delay", batchCmd.Flags().Lookup("delay"))
	_ = viper.BindPFlag("batch.concurrency", batchCmd.Flags().Lookup("concurrency"))
	rootCmd.AddCommand(batchCmd)
}

// collectBugIDs merges flag and file IDs, reporting skipped file lines.
func collectBugIDs(flagIDs []int, file string) ([]int, error) {
	ids := append([]int(nil), flagIDs...)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open bug id file: %w", err)
		}
		defer func() { _ = f.Close() }()

		fromFile, warnings, err := batch.ParseIDs(f)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			ui.Warning("%s: %s", file, w)
		}
		ids = append(ids, fromFile...)
	}
	ids = batch.Dedupe(ids)
	if len(ids) == 0 {
		return nil, errors.New("no bug IDs provided: use --bug-ids or --file")
	}
	return ids, nil
}

func batchRun(ctx context.Context) error {
	ids, err := collectBugIDs(batchBugIDs, batchFile)
	if err != nil {
		return err
	}
	cfg := refineConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts := batch.Options{
		Concurrency:  viper.GetInt("batch.concurrency"),
		Delay:        viper.GetDuration("batch.delay"),
		SkipExisting: batchSkipExisting,
	}
	if dryRun {
		ui.DryRunMsg("Would process %d bug(s), concurrency %d, delay %s: %v", len(ids), opts.Concurrency, opts.Delay, ids)
		return nil
	}

	release, err := acquireBatchLock(viper.GetString("state_dir"))
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	m := metrics.New()
	if batchMetricsAddr != "" {
		srv := serveMetrics(batchMetricsAddr, m)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	gate := pacing.NewGate(viper.GetDuration("pacing.min_interval"))
	r, err := newRunner(gate, m, cfg)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	done := 0
	driver, err := batch.NewDriver(r, s, opts, batch.WithItemHook(func(item batch.ItemResult) {
		done++
		line := fmt.Sprintf("[%d/%d] bug %d: %s", done, len(ids), item.BugID, output.StatusColor(string(item.Status)))
		switch item.Status {
		case batch.ItemSucceeded:
			run := item.Outcome.Run
			ui.Success("%s (score %s, %s, %s)", line, output.ScoreColor(run.FinalScore, cfg.Threshold),
				run.Reason, item.Duration.Round(time.Second))
		case batch.ItemSkipped:
			ui.Info("%s (artifacts exist)", line)
		case batch.ItemQuotaExceeded:
			ui.Error("%s: backend quota exhausted", line)
		default:
			ui.Error("%s: %v", line, item.Err)
		}
	}))
	if err != nil {
		return err
	}

	ui.Info("Processing %d bug(s)", len(ids))
	sum, runErr := driver.Run(ctx, ids)

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Status", "Bugs"})
	for _, st := range []batch.ItemStatus{batch.ItemSucceeded, batch.ItemFailed, batch.ItemQuotaExceeded, batch.ItemSkipped, batch.ItemCancelled} {
		if n := sum.Counts[st]; n > 0 {
			_ = table.Append([]string{output.StatusColor(string(st)), fmt.Sprintf("%d", n)})
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if n := sum.Counts[batch.ItemQuotaExceeded]; n > 0 {
		ui.Warning("%d bug(s) hit the backend quota; re-run them with --skip-existing once it resets", n)
	}
	return runErr
}

// acquireBatchLock stops a second batch from sharing the state directory.
func acquireBatchLock(stateDir string) (func(), error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	lock := lockfile.New(filepath.Join(stateDir, "batch.lock"))
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			return nil, fmt.Errorf("another batch is running: %w", err)
		}
		return nil, err
	}
	return func() {
		if err := lock.Release(); err != nil {
			ui.Warning("release batch lock: %v", err)
		}
	}, nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ui.Warning("metrics server: %v", err)
		}
	}()
	ui.Info("Serving metrics at http://%s/metrics", addr)
	return srv
}
