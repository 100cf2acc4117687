package cmd

import (
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [bug-id]",
	Short: "Show run history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bugID := 0
		if len(args) == 1 {
			id, err := parseBugID(args[0])
			if err != nil {
				return err
			}
			bugID = id
		}

		s, err := getStore()
		if err != nil {
			return err
		}
		runs, err := s.ListRuns(cmd.Context(), bugID, runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ui.Info("No runs recorded")
			return nil
		}
		return ui.Runs(runs, refineConfig().Threshold)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to show (0 for all)")
	rootCmd.AddCommand(runsCmd)
}
