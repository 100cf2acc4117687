// Package store persists refinement rounds, artifacts and run history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joescharf/aprgen/internal/models"
)

var (
	// ErrNotFound is returned when a key or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when appending a round whose key already exists.
	ErrConflict = errors.New("already exists")
)

// Store defines the persistence interface for aprgen.
type Store interface {
	// Rounds are append-only: an existing key is never overwritten.
	AppendRound(ctx context.Context, r models.Round) error
	ListRounds(ctx context.Context, bugID int) ([]models.Round, error)

	// Artifacts are overwritten in place.
	PutArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, key string) (*models.Artifact, error)
	ListArtifacts(ctx context.Context, bugID int) ([]*models.Artifact, error)
	HasArtifactSet(ctx context.Context, bugID int) (bool, error)
	// ResetBug removes every round and artifact of a bug before a re-run.
	ResetBug(ctx context.Context, bugID int) error

	// Runs
	CreateRun(ctx context.Context, r *models.Run) error
	UpdateRun(ctx context.Context, r *models.Run) error
	ListRuns(ctx context.Context, bugID int, limit int) ([]*models.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// finalKinds are the artifacts that make up a complete artifact set.
var finalKinds = []models.ArtifactKind{models.ArtifactReport, models.ArtifactPatch, models.ArtifactZeroShot}

func roundArtifact(r models.Round) (*models.Artifact, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode round: %w", err)
	}
	return &models.Artifact{
		Key:       r.Key(),
		BugID:     r.BugID,
		Kind:      models.ArtifactRound,
		Version:   r.Index,
		Content:   string(data),
		Valid:     true,
		UpdatedAt: r.CreatedAt,
	}, nil
}

func decodeRound(a *models.Artifact) (models.Round, error) {
	var r models.Round
	if err := json.Unmarshal([]byte(a.Content), &r); err != nil {
		return models.Round{}, fmt.Errorf("decode round %s: %w", a.Key, err)
	}
	return r, nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
