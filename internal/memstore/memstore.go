// Package memstore provides an in-memory record store. Predicates are
// compiled to CEL programs and evaluated against each record.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// ownerColumn is the column each owned kind is scoped by.
var ownerColumn = map[domain.OwnedKind]string{
	domain.OwnedReport:        "user_id",
	domain.OwnedVisualization: "user_id",
	domain.OwnedNotification:  "user_id",
	domain.OwnedBatchJob:      "user_id",
	domain.OwnedUser:          "id",
}

// filterable lists the fields a predicate may reference.
var filterable = map[domain.Field]bool{
	domain.FieldID: true, domain.FieldUserID: true, domain.FieldUUID: true,
	domain.FieldIssueDate: true, domain.FieldType: true, domain.FieldSerie: true,
	domain.FieldFolio: true, domain.FieldIssuerID: true, domain.FieldReceiverID: true,
	domain.FieldCurrency: true, domain.FieldPaymentMethod: true, domain.FieldPaymentForm: true,
	domain.FieldCFDIUse: true, domain.FieldExportStatus: true, domain.FieldStatus: true,
	domain.FieldTotal: true, domain.FieldSubtotal: true,
}

// Calls counts store reads. Tests use it to assert that validation
// failures never reach the store.
type Calls struct {
	Count     int64
	FindMany  int64
	FindFirst int64
	Owned     int64
}

// Store is an in-memory domain.Repository.
type Store struct {
	mu       sync.RWMutex
	records  []*domain.CFDI
	owned    map[domain.OwnedKind][]domain.Row
	reports  []*domain.Report
	env      *cel.Env
	programs map[string]cel.Program

	count     atomic.Int64
	findMany  atomic.Int64
	findFirst atomic.Int64
	ownedRead atomic.Int64
}

// New creates an empty store.
func New() (*Store, error) {
	env, err := cel.NewEnv(
		cel.Variable("r", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Store{
		owned:    make(map[domain.OwnedKind][]domain.Row),
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Add appends records. Relations are stored as given and trimmed per query.
func (s *Store) Add(records ...*domain.CFDI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

// AddOwned appends owned-entity rows of kind.
func (s *Store) AddOwned(kind domain.OwnedKind, rows ...domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[kind] = append(s.owned[kind], rows...)
}

// Calls returns the read counters.
func (s *Store) Calls() Calls {
	return Calls{
		Count:     s.count.Load(),
		FindMany:  s.findMany.Load(),
		FindFirst: s.findFirst.Load(),
		Owned:     s.ownedRead.Load(),
	}
}

// Count implements domain.RecordStore.
func (s *Store) Count(ctx context.Context, q domain.RecordQuery) (int64, error) {
	s.count.Add(1)
	matched, err := s.match(ctx, q.Where)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// FindMany implements domain.RecordStore.
func (s *Store) FindMany(ctx context.Context, q domain.RecordQuery) ([]*domain.CFDI, error) {
	s.findMany.Add(1)
	return s.find(ctx, q)
}

// FindFirst implements domain.RecordStore.
func (s *Store) FindFirst(ctx context.Context, q domain.RecordQuery) (*domain.CFDI, error) {
	s.findFirst.Add(1)
	q.Take = 1
	out, err := s.find(ctx, q)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (s *Store) find(ctx context.Context, q domain.RecordQuery) ([]*domain.CFDI, error) {
	matched, err := s.match(ctx, q.Where)
	if err != nil {
		return nil, err
	}

	sortRecords(matched, q.OrderBy)

	start := q.Skip
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if q.Take > 0 && start+q.Take < end {
		end = start + q.Take
	}

	out := make([]*domain.CFDI, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, project(rec, q.Include))
	}
	return out, nil
}

// match returns the records satisfying p.
func (s *Store) match(ctx context.Context, p domain.Predicate) ([]*domain.CFDI, error) {
	if _, ok := p.Owner(); !ok {
		return nil, domain.ErrUnscopedPredicate
	}

	expr, params, err := toCEL(p)
	if err != nil {
		return nil, err
	}
	prg, err := s.program(expr)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := make([]*domain.CFDI, len(s.records))
	copy(records, s.records)
	s.mu.RUnlock()

	var out []*domain.CFDI
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, _, err := prg.Eval(map[string]any{
			"r":      activation(rec),
			"params": params,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate predicate: %w", err)
		}
		if val == types.True {
			out = append(out, rec)
		}
	}
	return out, nil
}

// program returns the compiled program for expr, compiling it once.
func (s *Store) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.programs[expr]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile predicate: %w", issues.Err())
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	s.mu.Lock()
	s.programs[expr] = prg
	s.mu.Unlock()
	return prg, nil
}

// toCEL renders a predicate as a CEL expression over r with its values
// bound through params, so predicates of the same shape share a program.
func toCEL(p domain.Predicate) (string, map[string]any, error) {
	var terms []string
	params := make(map[string]any)
	bind := func(v any) string {
		name := fmt.Sprintf("p%d", len(params))
		params[name] = v
		return "params." + name
	}

	for _, node := range p.Nodes() {
		switch n := node.(type) {
		case domain.EqNode:
			if !filterable[n.Field] {
				return "", nil, fmt.Errorf("unknown predicate field: %s", n.Field)
			}
			terms = append(terms, fmt.Sprintf("r[%q] == %s", n.Field, bind(n.Value)))
		case domain.RangeNode:
			if !filterable[n.Field] {
				return "", nil, fmt.Errorf("unknown predicate field: %s", n.Field)
			}
			if n.Gte != nil {
				terms = append(terms, fmt.Sprintf("r[%q] >= %s", n.Field, bind(n.Gte)))
			}
			if n.Lte != nil {
				terms = append(terms, fmt.Sprintf("r[%q] <= %s", n.Field, bind(n.Lte)))
			}
		}
	}
	if len(terms) == 0 {
		return "true", params, nil
	}
	return strings.Join(terms, " && "), params, nil
}

func activation(c *domain.CFDI) map[string]any {
	return map[string]any{
		"id":             c.ID,
		"user_id":        c.UserID,
		"uuid":           c.UUID,
		"issue_date":     c.IssueDate,
		"type":           c.Type,
		"serie":          c.Serie,
		"folio":          c.Folio,
		"issuer_id":      c.IssuerID,
		"receiver_id":    c.ReceiverID,
		"currency":       c.Currency,
		"payment_method": c.PaymentMethod,
		"payment_form":   c.PaymentForm,
		"cfdi_use":       c.CFDIUse,
		"export_status":  c.ExportStatus,
		"status":         c.Status,
		"total":          c.Total,
		"subtotal":       c.Subtotal,
	}
}

func sortRecords(records []*domain.CFDI, order []domain.Order) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		for _, o := range order {
			c := compareField(a, b, o.Field)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return a.ID > b.ID
	})
}

func compareField(a, b *domain.CFDI, f domain.Field) int {
	switch f {
	case domain.FieldIssueDate:
		return a.IssueDate.Compare(b.IssueDate)
	case domain.FieldTotal, domain.FieldSubtotal:
		x, y := a.Amount(f), b.Amount(f)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case domain.FieldID:
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	default:
		return strings.Compare(fmt.Sprint(activation(a)[string(f)]), fmt.Sprint(activation(b)[string(f)]))
	}
}

// project copies rec keeping only the requested relations.
func project(rec *domain.CFDI, inc domain.Include) *domain.CFDI {
	out := *rec
	if !inc.Issuer {
		out.Issuer = nil
	}
	if !inc.Receiver {
		out.Receiver = nil
	}
	switch {
	case inc.Taxes:
		out.Concepts = append([]domain.Concept(nil), rec.Concepts...)
	case inc.Concepts:
		out.Concepts = make([]domain.Concept, len(rec.Concepts))
		for i, c := range rec.Concepts {
			c.Taxes = nil
			out.Concepts[i] = c
		}
	default:
		out.Concepts = nil
	}
	if !inc.PaymentComplements {
		out.PaymentComplements = nil
	}
	if !inc.Attachments {
		out.Attachments = nil
	}
	if !inc.Relations {
		out.Relations = nil
	}
	if !inc.Cancellation {
		out.Cancellation = nil
	}
	return &out
}

// CountOwned implements domain.OwnedStore.
func (s *Store) CountOwned(ctx context.Context, kind domain.OwnedKind, owner string) (int64, error) {
	rows, err := s.ownedRows(ctx, kind, owner)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// FindOwned implements domain.OwnedStore.
func (s *Store) FindOwned(ctx context.Context, kind domain.OwnedKind, owner string, skip, take int) ([]domain.Row, error) {
	rows, err := s.ownedRows(ctx, kind, owner)
	if err != nil {
		return nil, err
	}
	start, end := skip, len(rows)
	if start > end {
		start = end
	}
	if take > 0 && start+take < end {
		end = start + take
	}
	return rows[start:end], nil
}

func (s *Store) ownedRows(ctx context.Context, kind domain.OwnedKind, owner string) ([]domain.Row, error) {
	s.ownedRead.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	col, ok := ownerColumn[kind]
	if !ok {
		return nil, fmt.Errorf("unknown owned kind: %s", kind)
	}
	if owner == "" {
		return nil, domain.ErrUnscopedPredicate
	}

	s.mu.RLock()
	var rows []domain.Row
	for _, row := range s.owned[kind] {
		if row[col] == owner {
			cp := make(domain.Row, len(row))
			for k, v := range row {
				cp[k] = v
			}
			rows = append(rows, cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i]["created_at"].(time.Time)
		b, _ := rows[j]["created_at"].(time.Time)
		return a.After(b)
	})
	return rows, nil
}

// SaveReport implements domain.ReportStore. The report also becomes
// visible as an owned report row.
func (s *Store) SaveReport(ctx context.Context, r *domain.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	s.owned[domain.OwnedReport] = append(s.owned[domain.OwnedReport], domain.Row{
		"id":          r.ID,
		"user_id":     r.UserID,
		"cfdi_id":     r.CFDIID,
		"name":        r.Name,
		"description": r.Description,
		"format":      r.Format,
		"created_at":  r.CreatedAt,
	})
	return nil
}

// Reports returns the saved reports.
func (s *Store) Reports() []*domain.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// Ping implements domain.Repository.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements domain.Repository.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs = make(map[string]cel.Program)
	return nil
}
