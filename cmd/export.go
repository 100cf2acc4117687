package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/aprgen/internal/models"
)

var exportDir string

var exportCmd = &cobra.Command{
	Use:   "export <bug-id>",
	Short: "Write a bug's artifacts to a directory",
	Long: `Write every stored artifact of a bug to files named after their keys:
the seed evidence and rounds as .json, the report as .txt, and the
ground-truth patch and zero-knowledge fix as .diff.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bugID, err := parseBugID(args[0])
		if err != nil {
			return err
		}
		return exportRun(cmd, bugID)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportDir, "dir", "o", ".", "Output directory")
	rootCmd.AddCommand(exportCmd)
}

// exportFileName maps an artifact to its file name.
func exportFileName(a *models.Artifact) string {
	switch a.Kind {
	case models.ArtifactSeed, models.ArtifactRound:
		return a.Key + ".json"
	case models.ArtifactPatch, models.ArtifactZeroShot:
		return a.Key + ".diff"
	default:
		return a.Key + ".txt"
	}
}

func exportRun(cmd *cobra.Command, bugID int) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	arts, err := s.ListArtifacts(cmd.Context(), bugID)
	if err != nil {
		return err
	}
	if len(arts) == 0 {
		return fmt.Errorf("no artifacts stored for bug %d", bugID)
	}

	if dryRun {
		for _, a := range arts {
			ui.DryRunMsg("Would write %s", filepath.Join(exportDir, exportFileName(a)))
		}
		return nil
	}
	if err := os.MkdirAll(exportDir, 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	for _, a := range arts {
		path := filepath.Join(exportDir, exportFileName(a))
		if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if !a.Valid {
			ui.Warning("%s (marked invalid)", path)
			continue
		}
		ui.VerboseLog("%s", path)
	}
	ui.Success("Exported %d artifact(s) for bug %d to %s", len(arts), bugID, exportDir)
	return nil
}
