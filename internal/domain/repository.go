// Package domain defines the core interfaces and types for CFDI Analytics.
package domain

import (
	"context"
	"time"
)

// Include selects the relations loaded with each record.
type Include struct {
	Issuer             bool
	Receiver           bool
	Concepts           bool
	Taxes              bool // implies Concepts
	PaymentComplements bool
	Attachments        bool
	Relations          bool
	Cancellation       bool
}

// Order is one ORDER BY term.
type Order struct {
	Field Field
	Desc  bool
}

// RecordQuery is the only query shape the engine issues against a store.
// Take == 0 means no limit.
type RecordQuery struct {
	Where   Predicate
	Include Include
	OrderBy []Order
	Skip    int
	Take    int
}

// RecordStore reads CFDI records.
// Every query must carry a predicate scoped to a tenant.
type RecordStore interface {
	Count(ctx context.Context, q RecordQuery) (int64, error)
	FindMany(ctx context.Context, q RecordQuery) ([]*CFDI, error)

	// FindFirst returns nil, nil when nothing matches.
	FindFirst(ctx context.Context, q RecordQuery) (*CFDI, error)
}

// OwnedKind names a non-CFDI entity owned by a tenant.
type OwnedKind string

const (
	OwnedReport        OwnedKind = "report"
	OwnedVisualization OwnedKind = "visualization"
	OwnedNotification  OwnedKind = "notification"
	OwnedBatchJob      OwnedKind = "batch_job"
	OwnedUser          OwnedKind = "user"
)

// OwnedStore reads tenant-owned entities as flat rows, newest first.
type OwnedStore interface {
	CountOwned(ctx context.Context, kind OwnedKind, owner string) (int64, error)
	FindOwned(ctx context.Context, kind OwnedKind, owner string, skip, take int) ([]Row, error)
}

// Report is a persisted analysis result.
type Report struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CFDIID      *int64    `json:"cfdi_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Format      string    `json:"format"`
	Operation   string    `json:"operation"`
	Filters     string    `json:"filters"`
	ContentType string    `json:"content_type"`
	StorageKey  string    `json:"storage_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReportStore persists report metadata.
type ReportStore interface {
	SaveReport(ctx context.Context, report *Report) error
}

// Repository is the full persistence surface behind the API.
type Repository interface {
	RecordStore
	OwnedStore
	ReportStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
