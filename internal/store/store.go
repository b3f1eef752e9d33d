package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/helberjf/video-transcript/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ ArtifactReader     = (*Store)(nil)
	_ ArtifactWriter     = (*Store)(nil)
	_ ExpiryLister       = (*Store)(nil)
	_ TranscriptionCache = (*Store)(nil)
)

// Store is the artifact registry and transcription cache.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// currentSchemaVersion is bumped whenever the schema changes.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: artifacts
		s.migrateV2, // v1 → v2: transcription cache
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS artifacts (
		id               TEXT PRIMARY KEY,
		path             TEXT NOT NULL,
		display_name     TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		quality          TEXT NOT NULL DEFAULT '',
		size_bytes       INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);
	`)
	return err
}

func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS transcriptions (
		artifact_id      TEXT PRIMARY KEY REFERENCES artifacts(id) ON DELETE CASCADE,
		method_requested TEXT NOT NULL,
		method_used      TEXT NOT NULL,
		text             TEXT NOT NULL,
		outcome          TEXT NOT NULL,
		language         TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL
	);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

// Register records a new artifact under a fresh id. The backing file must exist.
func (s *Store) Register(ctx context.Context, a model.NewArtifact) (model.Artifact, error) {
	const op = "register artifact"
	if _, err := os.Stat(a.Path); err != nil {
		return model.Artifact{}, model.E(model.KindStorage, op, "audio file is missing", err)
	}

	art := model.Artifact{
		ID:              uuid.New().String(),
		Path:            a.Path,
		DisplayName:     a.DisplayName,
		Title:           a.Title,
		Quality:         a.Quality,
		SizeBytes:       a.SizeBytes,
		DurationSeconds: a.DurationSeconds,
		CreatedAt:       s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, path, display_name, title, quality, size_bytes, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.Path, art.DisplayName, art.Title, art.Quality, art.SizeBytes, art.DurationSeconds,
		art.CreatedAt.UnixNano(),
	)
	if err != nil {
		return model.Artifact{}, model.E(model.KindStorage, op, "could not register audio file", err)
	}
	return art, nil
}

// GetArtifact returns the artifact registered under id.
func (s *Store) GetArtifact(ctx context.Context, id string) (model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, display_name, title, quality, size_bytes, duration_seconds, created_at
		FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Artifact{}, model.E(model.KindNotFound, "get artifact", "file not found or expired", nil)
	}
	if err != nil {
		return model.Artifact{}, model.E(model.KindStorage, "get artifact", "could not read registry", err)
	}
	return a, nil
}

// Evict removes the artifact, its cached transcription, and its backing file.
// Evicting an unknown id is a no-op.
func (s *Store) Evict(ctx context.Context, id string) error {
	const op = "evict artifact"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.E(model.KindStorage, op, "could not evict file", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var path string
	err = tx.QueryRowContext(ctx, `SELECT path FROM artifacts WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return model.E(model.KindStorage, op, "could not evict file", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE artifact_id = ?`, id); err != nil {
		return model.E(model.KindStorage, op, "could not evict file", fmt.Errorf("delete transcription: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return model.E(model.KindStorage, op, "could not evict file", fmt.Errorf("delete artifact: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return model.E(model.KindStorage, op, "could not evict file", fmt.Errorf("commit: %w", err))
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.E(model.KindStorage, op, "could not delete audio file", err)
	}
	return nil
}

// ListExpired returns the ids of artifacts created before cutoff.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM artifacts WHERE created_at < ? ORDER BY created_at ASC`, cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Counts returns the number of live artifacts and cached transcriptions.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artifacts),
			(SELECT COUNT(*) FROM transcriptions)`)
	if err := row.Scan(&c.Artifacts, &c.Transcriptions); err != nil {
		return c, err
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Transcriptions
// ---------------------------------------------------------------------------

// CachedTranscription returns the cached result for an artifact, or nil.
func (s *Store) CachedTranscription(ctx context.Context, artifactID string) (*model.TranscriptionResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, method_requested, method_used, text, outcome, language, created_at
		FROM transcriptions WHERE artifact_id = ?`, artifactID)

	var (
		r         model.TranscriptionResult
		requested string
		used      string
		created   int64
	)
	err := row.Scan(&r.ArtifactID, &requested, &used, &r.Text, &r.Outcome, &r.Language, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.E(model.KindStorage, "read transcription", "could not read cache", err)
	}
	r.MethodRequested = model.Method(requested)
	r.MethodUsed = model.Method(used)
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// SaveTranscription stores r as the artifact's cached result, replacing any
// previous one. It fails with NotFound when the artifact was evicted.
func (s *Store) SaveTranscription(ctx context.Context, r model.TranscriptionResult) error {
	const op = "save transcription"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.E(model.KindStorage, op, "could not cache transcription", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = ?`, r.ArtifactID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return model.E(model.KindNotFound, op, "file not found or expired", nil)
	}
	if err != nil {
		return model.E(model.KindStorage, op, "could not cache transcription", err)
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transcriptions (artifact_id, method_requested, method_used, text, outcome, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			method_requested = excluded.method_requested,
			method_used = excluded.method_used,
			text = excluded.text,
			outcome = excluded.outcome,
			language = excluded.language,
			created_at = excluded.created_at`,
		r.ArtifactID, string(r.MethodRequested), string(r.MethodUsed), r.Text, r.Outcome, r.Language, created.UnixNano(),
	)
	if err != nil {
		return model.E(model.KindStorage, op, "could not cache transcription", err)
	}
	if err := tx.Commit(); err != nil {
		return model.E(model.KindStorage, op, "could not cache transcription", err)
	}
	return nil
}

// DeleteTranscription drops the cached result for an artifact.
func (s *Store) DeleteTranscription(ctx context.Context, artifactID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcriptions WHERE artifact_id = ?`, artifactID)
	if err != nil {
		return model.E(model.KindStorage, "delete transcription", "could not update cache", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row scanner) (model.Artifact, error) {
	var (
		a       model.Artifact
		created int64
	)
	err := row.Scan(&a.ID, &a.Path, &a.DisplayName, &a.Title, &a.Quality, &a.SizeBytes, &a.DurationSeconds, &created)
	if err != nil {
		return model.Artifact{}, err
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}
