package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/aprgen/internal/output"
	"github.com/joescharf/aprgen/internal/pacing"
	"github.com/joescharf/aprgen/internal/refine"
	"github.com/joescharf/aprgen/internal/runner"
)

var (
	runRevision  string
	runMaxRounds int
	runThreshold int
)

var runCmd = &cobra.Command{
	Use:   "run <bug-id>",
	Short: "Analyze one bug and write its artifact set",
	Long: `Fetch the bug and its accepted fix, refine the analysis until it is
complete enough (or the round limit is hit), then write the report, the
ground-truth patch and the zero-knowledge fix. Earlier rounds and artifacts
of the bug are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bugID, err := parseBugID(args[0])
		if err != nil {
			return err
		}
		return runRun(cmd.Context(), bugID)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRevision, "revision", "", "Differential revision of the fix (default: discovered from the bug)")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 0, "Override refine.max_rounds")
	runCmd.Flags().IntVar(&runThreshold, "threshold", 0, "Override refine.threshold (0-100)")
	rootCmd.AddCommand(runCmd)
}

func parseBugID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bug id: %q", s)
	}
	return id, nil
}

// loopConfig applies command-line overrides to the configured bounds.
func loopConfig(maxRounds, threshold int) refine.Config {
	cfg := refineConfig()
	if maxRounds > 0 {
		cfg.MaxRounds = maxRounds
	}
	if threshold > 0 {
		cfg.Threshold = threshold
	}
	return cfg
}

func runRun(ctx context.Context, bugID int) error {
	cfg := loopConfig(runMaxRounds, runThreshold)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would analyze bug %d (max %d rounds, threshold %d)", bugID, cfg.MaxRounds, cfg.Threshold)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	gate := pacing.NewGate(viper.GetDuration("pacing.min_interval"))
	r, err := newRunner(gate, nil, cfg)
	if err != nil {
		return err
	}

	ui.Info("Analyzing bug %s", output.Cyan(strconv.Itoa(bugID)))
	out, err := r.Run(ctx, runner.Request{BugID: bugID, Revision: runRevision})
	if out != nil {
		for _, w := range out.Warnings {
			ui.Warning("%s", w)
		}
		if out.Result != nil && len(out.Result.Rounds) > 0 {
			fmt.Fprintln(ui.Out)
			if terr := ui.Rounds(out.Result.Rounds, cfg.Threshold); terr != nil {
				return terr
			}
			fmt.Fprintln(ui.Out)
		}
	}
	if err != nil {
		return fmt.Errorf("bug %d: %w", bugID, err)
	}

	run := out.Run
	ui.Success("Bug %d done: %d round(s), score %d/100, %s", bugID, run.Rounds, run.FinalScore, run.Reason)
	if run.FixValid {
		ui.Info("Zero-knowledge fix: valid diff")
	} else {
		ui.Warning("Zero-knowledge fix is not a valid diff (stored as-is)")
	}
	ui.VerboseLog("Run %s; artifacts under bug_%d_*", run.ID, bugID)
	return nil
}
