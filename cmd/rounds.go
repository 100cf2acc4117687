package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/store"
)

var roundsVerify bool

var roundsCmd = &cobra.Command{
	Use:   "rounds <bug-id>",
	Short: "List the persisted refinement rounds of a bug",
	Long: `List the refinement rounds of a bug. With --verify, replay the rounds
over the seeded evidence and check that the log reconstructs the final
evidence bundle.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bugID, err := parseBugID(args[0])
		if err != nil {
			return err
		}
		return roundsRun(cmd, bugID)
	},
}

func init() {
	roundsCmd.Flags().BoolVar(&roundsVerify, "verify", false, "Replay rounds over the seed and check the result")
	rootCmd.AddCommand(roundsCmd)
}

func roundsRun(cmd *cobra.Command, bugID int) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	rounds, err := s.ListRounds(ctx, bugID)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		ui.Info("No rounds recorded for bug %d", bugID)
		return nil
	}
	if err := ui.Rounds(rounds, refineConfig().Threshold); err != nil {
		return err
	}
	if verbose {
		for _, r := range rounds {
			for _, o := range r.Open {
				ui.VerboseLog("round %d: %s open (%s) %s", r.Index, o.Request, o.Reason, o.Detail)
			}
			for _, w := range r.Warnings {
				ui.VerboseLog("round %d: %s", r.Index, w)
			}
		}
	}
	if !roundsVerify {
		return nil
	}

	fmt.Fprintln(ui.Out)
	seedArt, err := s.GetArtifact(ctx, models.SeedKey(bugID))
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no seed evidence stored for bug %d", bugID)
	}
	if err != nil {
		return err
	}
	var seed evidence.Snapshot
	if err := json.Unmarshal([]byte(seedArt.Content), &seed); err != nil {
		return fmt.Errorf("decode seed evidence: %w", err)
	}

	b, err := evidence.VerifyReplay(seed, rounds)
	if err != nil {
		ui.Error("Replay failed: %v", err)
		return err
	}
	ui.Success("Replay of %d round(s) reconstructs %d evidence entries", len(rounds), b.Len())
	return nil
}
