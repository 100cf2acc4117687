package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/store"
)

// withMemoryStore swaps the shared store for an in-memory one.
func withMemoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	orig := dataStore
	dataStore = ms
	t.Cleanup(func() { dataStore = orig })
	return ms
}

func testCmd() *cobra.Command {
	c := &cobra.Command{}
	c.SetContext(context.Background())
	return c
}

func TestParseBugID(t *testing.T) {
	id, err := parseBugID("1880001")
	require.NoError(t, err)
	assert.Equal(t, 1880001, id)

	for _, bad := range []string{"", "abc", "0", "-3", "D123"} {
		_, err := parseBugID(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoopConfig(t *testing.T) {
	testEnv(t)

	cfg := loopConfig(0, 0)
	assert.Equal(t, 3, cfg.MaxRounds)
	assert.Equal(t, 90, cfg.Threshold)

	cfg = loopConfig(5, 70)
	assert.Equal(t, 5, cfg.MaxRounds)
	assert.Equal(t, 70, cfg.Threshold)
}

func TestCollectBugIDs(t *testing.T) {
	dir := testEnv(t)
	errOut := &bytes.Buffer{}
	ui.ErrOut = errOut

	file := filepath.Join(dir, "ids.txt")
	require.NoError(t, os.WriteFile(file, []byte("# batch\n200\nnope\n100\n300\n"), 0644))

	ids, err := collectBugIDs([]int{100, 50}, file)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 50, 200, 300}, ids)
	assert.Contains(t, errOut.String(), `"nope"`)
}

func TestCollectBugIDs_Errors(t *testing.T) {
	testEnv(t)

	_, err := collectBugIDs(nil, "")
	assert.ErrorContains(t, err, "no bug IDs")

	_, err = collectBugIDs(nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "open bug id file")
}

func TestExportFileName(t *testing.T) {
	tests := []struct {
		kind models.ArtifactKind
		key  string
		want string
	}{
		{models.ArtifactSeed, models.SeedKey(1), "bug_1_seed.json"},
		{models.ArtifactRound, models.RoundKey(1, 2), "bug_1_analysis_v2.json"},
		{models.ArtifactReport, models.ReportKey(1), "bug_1_report.txt"},
		{models.ArtifactPatch, models.PatchKey(1), "bug_1_patch.diff"},
		{models.ArtifactZeroShot, models.ZeroShotKey(1), "bug_1_zeroshot.diff"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exportFileName(&models.Artifact{Key: tt.key, Kind: tt.kind}))
	}
}

func TestExportRun(t *testing.T) {
	testEnv(t)
	ms := withMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, ms.PutArtifact(ctx, &models.Artifact{Key: models.ReportKey(7), BugID: 7, Kind: models.ArtifactReport, Content: "# Bug 7", Valid: true}))
	require.NoError(t, ms.PutArtifact(ctx, &models.Artifact{Key: models.ZeroShotKey(7), BugID: 7, Kind: models.ArtifactZeroShot, Content: "garbage", Valid: false}))

	out := t.TempDir()
	exportDir = filepath.Join(out, "bug7")
	t.Cleanup(func() { exportDir = "." })

	require.NoError(t, exportRun(testCmd(), 7))

	data, err := os.ReadFile(filepath.Join(exportDir, "bug_7_report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "# Bug 7", string(data))
	_, err = os.Stat(filepath.Join(exportDir, "bug_7_zeroshot.diff"))
	assert.NoError(t, err)

	assert.ErrorContains(t, exportRun(testCmd(), 8), "no artifacts")
}

func TestRoundsRun_Verify(t *testing.T) {
	testEnv(t)
	ms := withMemoryStore(t)
	ctx := context.Background()
	outBuf := &bytes.Buffer{}
	ui.Out = outBuf

	seed := evidence.New(models.Bug{ID: 9, Title: "t"}, models.Patch{Revision: "D1"}).Snapshot()
	raw, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, ms.PutArtifact(ctx, &models.Artifact{Key: models.SeedKey(9), BugID: 9, Kind: models.ArtifactSeed, Content: string(raw), Valid: true}))
	require.NoError(t, ms.AppendRound(ctx, models.Round{
		BugID: 9, Index: 1, Critique: models.CritiqueResult{Score: 40},
		Fetched: []models.EvidenceEntry{{Source: models.SourceVCS, Locator: "rev:abcdef", Content: "x"}},
	}))
	require.NoError(t, ms.AppendRound(ctx, models.Round{
		BugID: 9, Index: 2, Critique: models.CritiqueResult{Score: 95}, Terminated: true, Reason: models.TerminationThreshold,
	}))

	roundsVerify = true
	t.Cleanup(func() { roundsVerify = false })

	require.NoError(t, roundsRun(testCmd(), 9))
	assert.Contains(t, outBuf.String(), "score_threshold")
	assert.Contains(t, outBuf.String(), "reconstructs 1 evidence entries")
}

func TestRoundsRun_NoRounds(t *testing.T) {
	testEnv(t)
	withMemoryStore(t)
	outBuf := &bytes.Buffer{}
	ui.Out = outBuf

	require.NoError(t, roundsRun(testCmd(), 9))
	assert.Contains(t, outBuf.String(), "No rounds recorded")
}

func TestAcquireBatchLock(t *testing.T) {
	testEnv(t)
	dir := filepath.Join(t.TempDir(), "state")

	release, err := acquireBatchLock(dir)
	require.NoError(t, err)

	_, err = acquireBatchLock(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another batch is running")

	release()
	release2, err := acquireBatchLock(dir)
	require.NoError(t, err)
	release2()
}
