package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE cfdi (
	uuid TEXT PRIMARY KEY,
	total REAL,
	subtotal REAL,
	issue_date TEXT,
	type TEXT,
	serie TEXT,
	folio TEXT,
	issuer_id TEXT,
	issuer_name TEXT,
	receiver_id INTEGER,
	receiver_name TEXT,
	currency TEXT,
	payment_method TEXT,
	payment_form TEXT,
	cfdi_use TEXT,
	export_status TEXT,
	status TEXT
);
CREATE TABLE concept (
	cfdi_uuid TEXT,
	fiscal_key TEXT,
	description TEXT,
	quantity REAL,
	unit_value REAL,
	amount REAL
);
CREATE VIEW issuer AS
	SELECT DISTINCT issuer_id AS rfc_issuer, issuer_name AS name_issuer FROM cfdi;
CREATE VIEW receiver AS
	SELECT DISTINCT receiver_id AS id, receiver_name AS name_receiver FROM cfdi;
`

// Result bounds for the in-process runner. The byte bound matches what the
// container runner keeps of a script's output.
const (
	maxResultRows  = 100000
	maxResultBytes = maxOutputBytes

	sqlitePageSize = 4096
)

// errResultTooLarge stops a query whose result outgrows the bounds.
var errResultTooLarge = errors.New("query result exceeds the allowed size")

// SQLiteRunner executes validated queries against a private in-memory
// SQLite database loaded from the mount dir. Each run gets its own
// database.
type SQLiteRunner struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewSQLiteRunner creates a local SQLite runner.
func NewSQLiteRunner() *SQLiteRunner {
	return &SQLiteRunner{running: make(map[string]context.CancelFunc)}
}

// openMemory opens a fresh in-memory database with the analysis schema.
func openMemory(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// load inserts the mount dir's records into db.
func load(ctx context.Context, db *sql.DB, dir string) error {
	var records []Record
	if err := readJSONFile(filepath.Join(dir, dataFile), &records); err != nil {
		return err
	}
	var concepts []ConceptRecord
	if err := readJSONFile(filepath.Join(dir, conceptsFile), &concepts); err != nil && !os.IsNotExist(err) {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insCFDI, err := tx.PrepareContext(ctx, `INSERT INTO cfdi VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insCFDI.Close()
	for _, r := range records {
		if _, err := insCFDI.ExecContext(ctx,
			r.UUID, r.Total, r.Subtotal, r.IssueDate, r.Type, r.Serie, r.Folio,
			r.IssuerID, r.IssuerName, r.ReceiverID, r.ReceiverName, r.Currency,
			r.PaymentMethod, r.PaymentForm, r.CFDIUse, r.ExportStatus, r.Status,
		); err != nil {
			return err
		}
	}

	insConcept, err := tx.PrepareContext(ctx, `INSERT INTO concept VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insConcept.Close()
	for _, c := range concepts {
		if _, err := insConcept.ExecContext(ctx,
			c.CFDIUUID, c.FiscalKey, c.Description, c.Quantity, c.UnitValue, c.Amount,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Run implements Runner. Query errors are reported as a failed harness
// payload with exit code 1.
func (s *SQLiteRunner) Run(ctx context.Context, spec RunSpec) (*RunOutput, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.running[spec.Name] = cancel
	s.mu.Unlock()
	defer s.forget(spec.Name)

	query, err := os.ReadFile(filepath.Join(spec.MountDir, "query.sql"))
	if err != nil {
		return nil, err
	}

	db, err := openMemory(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := load(ctx, db, spec.MountDir); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("load data: %w", err)
	}

	// The database only grows through temp structures from here on.
	if pages := memoryBytes(spec.Memory) / sqlitePageSize; pages > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
			return nil, fmt.Errorf("bound database: %w", err)
		}
	}

	rows, err := queryRows(ctx, db, string(query), maxResultRows, maxResultBytes)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		body, _ := marshalPayload(map[string]any{"success": false, "error": err.Error()})
		return &RunOutput{Stdout: body, Stderr: []byte(err.Error()), ExitCode: 1}, nil
	}

	body, err := marshalPayload(map[string]any{"success": true, "result": rows})
	if err != nil {
		return nil, err
	}
	return &RunOutput{Stdout: body}, nil
}

// memoryBytes parses a docker style memory limit such as "256m" or "1g".
// It returns 0 for an empty or malformed limit.
func memoryBytes(limit string) int64 {
	limit = strings.ToLower(strings.TrimSpace(limit))
	limit = strings.TrimSuffix(limit, "b")
	if limit == "" {
		return 0
	}
	shift := 0
	switch limit[len(limit)-1] {
	case 'k':
		shift = 10
	case 'm':
		shift = 20
	case 'g':
		shift = 30
	}
	if shift > 0 {
		limit = limit[:len(limit)-1]
	}
	n, err := strconv.ParseInt(limit, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n << shift
}

// Explain returns the query plan of query against the analysis schema.
func (s *SQLiteRunner) Explain(ctx context.Context, query string) ([]map[string]any, error) {
	db, err := openMemory(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return queryRows(ctx, db, "EXPLAIN QUERY PLAN "+query, maxResultRows, maxResultBytes)
}

// Kill implements Runner.
func (s *SQLiteRunner) Kill(ctx context.Context, name string) error {
	s.mu.Lock()
	cancel, ok := s.running[name]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Remove implements Runner. Nothing outlives a run.
func (s *SQLiteRunner) Remove(ctx context.Context, name string) error {
	s.forget(name)
	return nil
}

// Health implements Runner.
func (s *SQLiteRunner) Health(ctx context.Context) error {
	db, err := openMemory(ctx)
	if err != nil {
		return err
	}
	return db.Close()
}

func (s *SQLiteRunner) forget(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// queryRows runs query and returns every row keyed by column name. It stops
// with errResultTooLarge past maxRows rows or roughly maxBytes of values.
func queryRows(ctx context.Context, db *sql.DB, query string, maxRows int, maxBytes int64) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	var size int64
	for rows.Next() {
		if len(out) >= maxRows {
			return nil, fmt.Errorf("%w: more than %d rows", errResultTooLarge, maxRows)
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			size += int64(len(col)) + 4
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
				size += int64(len(v))
			case string:
				row[col] = v
				size += int64(len(v))
			case time.Time:
				row[col] = v.UTC().Format(time.RFC3339)
				size += 20
			default:
				row[col] = v
				size += 8
			}
		}
		if size > maxBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", errResultTooLarge, maxBytes)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
