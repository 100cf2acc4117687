package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/aprgen/internal/models"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would write %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would write file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRunMsg("would write %s", "file")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	assert.NotEmpty(t, StatusColor("succeeded"))
	assert.NotEmpty(t, StatusColor("running"))
	assert.NotEmpty(t, StatusColor("skipped"))
	assert.NotEmpty(t, StatusColor("quota_exceeded"))
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestScoreColor(t *testing.T) {
	assert.Contains(t, ScoreColor(95, 90), "95")
	assert.Contains(t, ScoreColor(60, 90), "60")
	assert.Contains(t, ScoreColor(30, 90), "30")
}

func TestReasonColor(t *testing.T) {
	assert.Contains(t, ReasonColor(models.TerminationThreshold), "score_threshold")
	assert.Contains(t, ReasonColor(models.TerminationMaxRounds), "max_rounds")
	assert.Equal(t, "", ReasonColor(""))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Bug", "Status"})
	require.NotNil(t, table)

	require.NoError(t, table.Append([]string{"1234567", "succeeded"}))
	require.NoError(t, table.Append([]string{"7654321", "failed"}))
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.Contains(t, result, "1234567")
	assert.Contains(t, result, "7654321")
}

func TestRounds(t *testing.T) {
	u, out, _ := newTestUI()
	rounds := []models.Round{
		{Index: 1, Critique: models.CritiqueResult{Score: 40, Gaps: []models.Gap{{Name: "a"}}}},
		{Index: 2, Critique: models.CritiqueResult{Score: 40, Degraded: true}, Terminated: true, Reason: models.TerminationNoActionableGaps},
	}
	require.NoError(t, u.Rounds(rounds, 90))

	result := out.String()
	assert.Contains(t, result, "continue")
	assert.Contains(t, result, "degraded")
	assert.Contains(t, result, "no_actionable_gaps")
}

func TestRuns(t *testing.T) {
	u, out, _ := newTestUI()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	done := start.Add(90 * time.Second)
	runs := []*models.Run{
		{ID: "01RUN", BugID: 1234567, Status: models.RunStatusSucceeded, Rounds: 2, FinalScore: 92,
			Reason: models.TerminationThreshold, FixValid: true, StartedAt: start, FinishedAt: &done},
		{ID: "02RUN", BugID: 7654321, Status: models.RunStatusRunning, StartedAt: start},
	}
	require.NoError(t, u.Runs(runs, 90))

	result := out.String()
	assert.Contains(t, result, "01RUN")
	assert.Contains(t, result, "1m30s")
	assert.Contains(t, result, "valid")
	assert.Contains(t, result, "running")
}
