package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/aprgen/internal/models"
)

// UI provides colored output and respects verbose/dry-run modes.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StatusColor colors run and batch item statuses.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "succeeded":
		return green(status)
	case "running":
		return yellow(status)
	case "skipped", "cancelled":
		return cyan(status)
	case "failed", "quota_exceeded":
		return red(status)
	default:
		return status
	}
}

// ScoreColor returns the completeness score colored against threshold.
func ScoreColor(score, threshold int) string {
	s := fmt.Sprintf("%d", score)
	switch {
	case score >= threshold:
		return green(s)
	case score >= threshold/2:
		return yellow(s)
	default:
		return red(s)
	}
}

// ReasonColor colors a termination reason; reaching the threshold is the
// only fully satisfied outcome.
func ReasonColor(reason models.TerminationReason) string {
	switch reason {
	case models.TerminationThreshold:
		return green(string(reason))
	case models.TerminationNoActionableGaps:
		return yellow(string(reason))
	case models.TerminationMaxRounds:
		return red(string(reason))
	default:
		return string(reason)
	}
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

func (u *UI) DryRunMsg(format string, a ...any) {
	if u.DryRun {
		u.Warning("[DRY-RUN] "+format, a...)
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// Rounds prints one row per refinement round.
func (u *UI) Rounds(rounds []models.Round, threshold int) error {
	table := u.Table([]string{"Round", "Score", "Gaps", "Fetched", "Open", "Result"})
	for _, r := range rounds {
		score := ScoreColor(r.Critique.Score, threshold)
		if r.Critique.Degraded {
			score += " " + yellow("(degraded)")
		}
		result := "continue"
		if r.Terminated {
			result = ReasonColor(r.Reason)
		}
		if err := table.Append([]string{
			fmt.Sprintf("%d", r.Index),
			score,
			fmt.Sprintf("%d", len(r.Critique.Gaps)),
			fmt.Sprintf("%d", len(r.Fetched)),
			fmt.Sprintf("%d", len(r.Open)),
			result,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// Runs prints run history, newest first.
func (u *UI) Runs(runs []*models.Run, threshold int) error {
	table := u.Table([]string{"Run", "Bug", "Status", "Rounds", "Score", "Reason", "Fix", "Started", "Took"})
	for _, r := range runs {
		fix := "-"
		if r.Status == models.RunStatusSucceeded {
			fix = red("invalid")
			if r.FixValid {
				fix = green("valid")
			}
		}
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		if err := table.Append([]string{
			r.ID,
			fmt.Sprintf("%d", r.BugID),
			StatusColor(string(r.Status)),
			fmt.Sprintf("%d", r.Rounds),
			ScoreColor(r.FinalScore, threshold),
			ReasonColor(r.Reason),
			fix,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			took,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
