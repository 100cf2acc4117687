package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/aprgen/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs fn against both implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func testRound(bugID, index int) models.Round {
	return models.Round{
		BugID: bugID,
		Index: index,
		Critique: models.CritiqueResult{
			Score: index * 30,
			Gaps: []models.Gap{{
				Name:           "caller",
				RequestedFetch: &models.FetchRequest{Source: models.SourceCodeSearch, Locator: "symbol:Foo"},
			}},
		},
		Fetched: []models.EvidenceEntry{{
			Source: models.SourceCodeSearch, Locator: "symbol:Foo", Content: "File: a.cpp",
		}},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, index, 0, time.UTC),
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Rounds ---

func TestRounds_AppendAndList(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Appended out of order, listed by index.
		require.NoError(t, s.AppendRound(ctx, testRound(42, 2)))
		require.NoError(t, s.AppendRound(ctx, testRound(42, 1)))
		require.NoError(t, s.AppendRound(ctx, testRound(7, 1)))

		rounds, err := s.ListRounds(ctx, 42)
		require.NoError(t, err)
		require.Len(t, rounds, 2)
		assert.Equal(t, 1, rounds[0].Index)
		assert.Equal(t, 2, rounds[1].Index)
		assert.Equal(t, testRound(42, 2), rounds[1])

		a, err := s.GetArtifact(ctx, models.RoundKey(42, 1))
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactRound, a.Kind)
		assert.Equal(t, 1, a.Version)
		assert.Contains(t, a.Content, `"symbol:Foo"`)
	})
}

func TestRounds_AppendOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendRound(ctx, testRound(42, 1)))

		changed := testRound(42, 1)
		changed.Critique.Score = 99
		err := s.AppendRound(ctx, changed)
		assert.ErrorIs(t, err, ErrConflict)

		rounds, err := s.ListRounds(ctx, 42)
		require.NoError(t, err)
		require.Len(t, rounds, 1)
		assert.Equal(t, 30, rounds[0].Critique.Score)
	})
}

func TestRounds_EmptyBug(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		rounds, err := s.ListRounds(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, rounds)
	})
}

// --- Artifacts ---

func TestArtifacts_PutOverwrites(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := &models.Artifact{Key: models.ReportKey(42), BugID: 42, Kind: models.ArtifactReport, Content: "v1", Valid: true}
		require.NoError(t, s.PutArtifact(ctx, a))
		assert.False(t, a.UpdatedAt.IsZero())

		require.NoError(t, s.PutArtifact(ctx, &models.Artifact{
			Key: models.ReportKey(42), BugID: 42, Kind: models.ArtifactReport, Content: "v2", Valid: false,
		}))

		got, err := s.GetArtifact(ctx, models.ReportKey(42))
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Content)
		assert.False(t, got.Valid)

		all, err := s.ListArtifacts(ctx, 42)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestArtifacts_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetArtifact(context.Background(), "bug_1_report")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestArtifacts_HasArtifactSet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		put := func(key string, kind models.ArtifactKind) {
			require.NoError(t, s.PutArtifact(ctx, &models.Artifact{Key: key, BugID: 42, Kind: kind, Content: "x", Valid: true}))
		}

		ok, err := s.HasArtifactSet(ctx, 42)
		require.NoError(t, err)
		assert.False(t, ok)

		put(models.ReportKey(42), models.ArtifactReport)
		put(models.PatchKey(42), models.ArtifactPatch)
		require.NoError(t, s.AppendRound(ctx, testRound(42, 1)))
		ok, err = s.HasArtifactSet(ctx, 42)
		require.NoError(t, err)
		assert.False(t, ok, "rounds do not complete the set")

		put(models.ZeroShotKey(42), models.ArtifactZeroShot)
		ok, err = s.HasArtifactSet(ctx, 42)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestArtifacts_ResetBug(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendRound(ctx, testRound(42, 1)))
		require.NoError(t, s.AppendRound(ctx, testRound(7, 1)))
		require.NoError(t, s.PutArtifact(ctx, &models.Artifact{Key: models.ReportKey(42), BugID: 42, Kind: models.ArtifactReport, Content: "r"}))

		require.NoError(t, s.ResetBug(ctx, 42))

		all, err := s.ListArtifacts(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, all)

		// A reset bug accepts round 1 again.
		assert.NoError(t, s.AppendRound(ctx, testRound(42, 1)))

		other, err := s.ListRounds(ctx, 7)
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})
}

// --- Runs ---

func TestRuns_Lifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		r := &models.Run{BugID: 42}
		require.NoError(t, s.CreateRun(ctx, r))
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, models.RunStatusRunning, r.Status)
		assert.False(t, r.StartedAt.IsZero())

		done := time.Now().UTC()
		r.Status = models.RunStatusSucceeded
		r.Rounds = 2
		r.FinalScore = 95
		r.Reason = models.TerminationThreshold
		r.FixValid = true
		r.FinishedAt = &done
		require.NoError(t, s.UpdateRun(ctx, r))

		runs, err := s.ListRuns(ctx, 42, 0)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		got := runs[0]
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, models.RunStatusSucceeded, got.Status)
		assert.Equal(t, 2, got.Rounds)
		assert.Equal(t, 95, got.FinalScore)
		assert.Equal(t, models.TerminationThreshold, got.Reason)
		assert.True(t, got.FixValid)
		require.NotNil(t, got.FinishedAt)
		assert.WithinDuration(t, done, *got.FinishedAt, time.Second)
	})
}

func TestRuns_ListFilterAndLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, bug := range []int{1, 2, 1} {
			require.NoError(t, s.CreateRun(ctx, &models.Run{BugID: bug, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
		}

		all, err := s.ListRuns(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, 1, all[0].BugID, "newest first")
		assert.Nil(t, all[0].FinishedAt)

		bug1, err := s.ListRuns(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, bug1, 2)

		limited, err := s.ListRuns(ctx, 0, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestRuns_UpdateMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		err := s.UpdateRun(context.Background(), &models.Run{ID: "nope", Status: models.RunStatusFailed})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNewULID_Unique(t *testing.T) {
	a, b := newULID(), newULID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
