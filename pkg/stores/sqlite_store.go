package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a generation does not exist.
var ErrNotFound = errors.New("generation not found")

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != memoryPath {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordGeneration inserts a generation record.
func (s *SQLiteStore) RecordGeneration(ctx context.Context, gen *Generation) error {
	if gen.ID == "" {
		return fmt.Errorf("generation id is required")
	}

	query := `
		INSERT INTO generations (
			id, request_id, xmin, xmax, ymin, ymax, iterations, width, height,
			source, precision, base_iterations, chunks, interior_pixels,
			status, error, started_at, completed_at, duration_ms
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		gen.ID,
		gen.RequestID,
		gen.XMin,
		gen.XMax,
		gen.YMin,
		gen.YMax,
		gen.Iterations,
		gen.Width,
		gen.Height,
		gen.Source,
		gen.Precision,
		gen.BaseIterations,
		gen.Chunks,
		gen.InteriorPixels,
		gen.Status,
		gen.Error,
		gen.StartedAt.UTC(),
		gen.CompletedAt.UTC(),
		gen.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record generation: %w", err)
	}

	return nil
}

const generationColumns = `
	id, request_id, xmin, xmax, ymin, ymax, iterations, width, height,
	source, precision, base_iterations, chunks, interior_pixels,
	status, error, started_at, completed_at, duration_ms
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*Generation, error) {
	gen := &Generation{}
	err := row.Scan(
		&gen.ID,
		&gen.RequestID,
		&gen.XMin,
		&gen.XMax,
		&gen.YMin,
		&gen.YMax,
		&gen.Iterations,
		&gen.Width,
		&gen.Height,
		&gen.Source,
		&gen.Precision,
		&gen.BaseIterations,
		&gen.Chunks,
		&gen.InteriorPixels,
		&gen.Status,
		&gen.Error,
		&gen.StartedAt,
		&gen.CompletedAt,
		&gen.DurationMS,
	)
	return gen, err
}

// GetGeneration retrieves a generation by ID
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ?`

	gen, err := scanGeneration(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	return gen, nil
}

// ListGenerations retrieves generations newest first with pagination
func (s *SQLiteStore) ListGenerations(ctx context.Context, filter GenerationFilter, limit, offset int) ([]*Generation, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + generationColumns + ` FROM generations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var gens []*Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		gens = append(gens, gen)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generations: %w", err)
	}

	return gens, nil
}

// CountBySource returns the number of completed generations per source.
func (s *SQLiteStore) CountBySource(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT source, COUNT(*)
		FROM generations
		WHERE status = ?
		GROUP BY source
	`

	rows, err := s.db.QueryContext(ctx, query, GenerationStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count generations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[source] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

// DeleteGenerationsBefore removes generations started before the given time and
// returns how many were deleted.
func (s *SQLiteStore) DeleteGenerationsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete generations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

var _ Store = (*SQLiteStore)(nil)
