package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/aprgen/internal/models"
)

// MemoryStore is a process-local Store used by tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	artifacts map[string]models.Artifact
	runs      map[string]models.Run
	seq       int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]models.Artifact),
		runs:      make(map[string]models.Run),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) AppendRound(ctx context.Context, r models.Round) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := roundArtifact(r)
	if err != nil {
		return err
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.Key]; ok {
		return fmt.Errorf("round %s: %w", a.Key, ErrConflict)
	}
	m.artifacts[a.Key] = *a
	return nil
}

func (m *MemoryStore) ListRounds(_ context.Context, bugID int) ([]models.Round, error) {
	m.mu.Lock()
	arts := m.filter(bugID, models.ArtifactRound)
	m.mu.Unlock()

	rounds := make([]models.Round, 0, len(arts))
	for _, a := range arts {
		r, err := decodeRound(a)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}

func (m *MemoryStore) PutArtifact(_ context.Context, a *models.Artifact) error {
	a.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.artifacts[a.Key] = *a
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, key string) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[key]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) ListArtifacts(_ context.Context, bugID int) ([]*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(bugID, ""), nil
}

func (m *MemoryStore) HasArtifactSet(_ context.Context, bugID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range finalKinds {
		if len(m.filter(bugID, kind)) == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) ResetBug(_ context.Context, bugID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.artifacts {
		if a.BugID == bugID {
			delete(m.artifacts, k)
		}
	}
	return nil
}

// filter returns copies ordered like the SQLite listing. Caller holds mu.
func (m *MemoryStore) filter(bugID int, kind models.ArtifactKind) []*models.Artifact {
	var out []*models.Artifact
	for _, a := range m.artifacts {
		if a.BugID != bugID || (kind != "" && a.Kind != kind) {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (m *MemoryStore) CreateRun(_ context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		m.seq++
		r.ID = fmt.Sprintf("run-%06d", m.seq)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	m.runs[r.ID] = *r
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, bugID int, limit int) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Run
	for _, r := range m.runs {
		if bugID != 0 && r.BugID != bugID {
			continue
		}
		cp := r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
