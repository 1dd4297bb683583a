// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/memstore"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.Driver == "memory" {
		return memstore.New()
	}
	return Open(cfg)
}

// Open creates a SQL repository. Unlike New it returns the concrete type,
// which also exposes seeding.
func Open(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// serialID matches surrogate keys that PostgreSQL must generate itself.
var serialID = regexp.MustCompile(`(?m)^(\s*)id INTEGER PRIMARY KEY`)

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if r.driver == "postgres" {
			schema = serialID.ReplaceAllString(schema, "${1}id BIGSERIAL PRIMARY KEY")
		}
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveReport stores report metadata.
func (r *SQLRepository) SaveReport(ctx context.Context, report *domain.Report) error {
	if report.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO report (
			id, user_id, cfdi_id, name, description, format, operation,
			filters, content_type, storage_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.ID, report.UserID, report.CFDIID, report.Name, report.Description,
		report.Format, report.Operation, report.Filters, report.ContentType,
		report.StorageKey, report.CreatedAt.UTC(),
	)
	return err
}

// GetReport retrieves report metadata by ID with tenant isolation.
func (r *SQLRepository) GetReport(ctx context.Context, userID, reportID string) (*domain.Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, cfdi_id, name, description, format, operation,
			   filters, content_type, storage_key, created_at
		FROM report
		WHERE user_id = ? AND id = ?
	`

	var rep domain.Report
	var cfdiID sql.NullInt64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, reportID).Scan(
		&rep.ID, &rep.UserID, &cfdiID, &rep.Name, &rep.Description, &rep.Format,
		&rep.Operation, &rep.Filters, &rep.ContentType, &rep.StorageKey, &rep.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cfdiID.Valid {
		rep.CFDIID = &cfdiID.Int64
	}
	return &rep, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// page renders LIMIT/OFFSET. Take == 0 means no limit.
func (r *SQLRepository) page(skip, take int) (string, []any) {
	switch {
	case take > 0:
		return " LIMIT ? OFFSET ?", []any{take, skip}
	case skip > 0 && r.driver == "postgres":
		return " OFFSET ?", []any{skip}
	case skip > 0:
		return " LIMIT -1 OFFSET ?", []any{skip}
	default:
		return "", nil
	}
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
