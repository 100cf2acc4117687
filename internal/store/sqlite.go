package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/aprgen/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer; parallel batch workers share
	// this handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// Rounds must survive a crash right after AppendRound returns.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Rounds ---

func (s *SQLiteStore) AppendRound(ctx context.Context, r models.Round) error {
	a, err := roundArtifact(r)
	if err != nil {
		return err
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (key, bug_id, kind, version, content, valid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		a.Key, a.BugID, string(a.Kind), a.Version, a.Content, boolToInt(a.Valid), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("round %s: %w", a.Key, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) ListRounds(ctx context.Context, bugID int) ([]models.Round, error) {
	arts, err := s.scanArtifacts(ctx,
		`SELECT key, bug_id, kind, version, content, valid, updated_at
		FROM artifacts WHERE bug_id = ? AND kind = ? ORDER BY version`,
		bugID, string(models.ArtifactRound))
	if err != nil {
		return nil, err
	}
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

// --- Artifacts ---

func (s *SQLiteStore) PutArtifact(ctx context.Context, a *models.Artifact) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (key, bug_id, kind, version, content, valid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			bug_id = excluded.bug_id, kind = excluded.kind, version = excluded.version,
			content = excluded.content, valid = excluded.valid, updated_at = excluded.updated_at`,
		a.Key, a.BugID, string(a.Kind), a.Version, a.Content, boolToInt(a.Valid), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, key string) (*models.Artifact, error) {
	a := &models.Artifact{}
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, bug_id, kind, version, content, valid, updated_at FROM artifacts WHERE key = ?`, key,
	).Scan(&a.Key, &a.BugID, &kind, &a.Version, &a.Content, &a.Valid, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.Kind = models.ArtifactKind(kind)
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, bugID int) ([]*models.Artifact, error) {
	return s.scanArtifacts(ctx,
		`SELECT key, bug_id, kind, version, content, valid, updated_at
		FROM artifacts WHERE bug_id = ? ORDER BY kind, version, key`, bugID)
}

func (s *SQLiteStore) HasArtifactSet(ctx context.Context, bugID int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT kind) FROM artifacts WHERE bug_id = ? AND kind IN (?, ?, ?)`,
		bugID, string(finalKinds[0]), string(finalKinds[1]), string(finalKinds[2]),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check artifact set: %w", err)
	}
	return count == len(finalKinds), nil
}

func (s *SQLiteStore) ResetBug(ctx context.Context, bugID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE bug_id = ?`, bugID); err != nil {
		return fmt.Errorf("reset bug %d: %w", bugID, err)
	}
	return nil
}

func (s *SQLiteStore) scanArtifacts(ctx context.Context, query string, args ...any) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Artifact
	for rows.Next() {
		a := &models.Artifact{}
		var kind string
		if err := rows.Scan(&a.Key, &a.BugID, &kind, &a.Version, &a.Content, &a.Valid, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = models.ArtifactKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, bug_id, status, rounds, final_score, reason, fix_valid, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BugID, string(r.Status), r.Rounds, r.FinalScore, string(r.Reason),
		boolToInt(r.FixValid), r.Error, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *models.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, rounds = ?, final_score = ?, reason = ?, fix_valid = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(r.Status), r.Rounds, r.FinalScore, string(r.Reason), boolToInt(r.FixValid), r.Error, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs first. bugID 0 lists every bug;
// limit 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, bugID int, limit int) ([]*models.Run, error) {
	query := `SELECT id, bug_id, status, rounds, final_score, reason, fix_valid, error, started_at, finished_at FROM runs`
	var args []any
	if bugID != 0 {
		query += ` WHERE bug_id = ?`
		args = append(args, bugID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.Run
	for rows.Next() {
		r := &models.Run{}
		var status, reason string
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.BugID, &status, &r.Rounds, &r.FinalScore, &reason,
			&r.FixValid, &r.Error, &r.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = models.RunStatus(status)
		r.Reason = models.TerminationReason(reason)
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
