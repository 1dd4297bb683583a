// Package setop combines independently filtered CFDI sets by record identity.
package setop

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
)

// maxConcurrentFetches bounds the source fetches in flight per request.
const maxConcurrentFetches = 4

const errUnsupportedTable = "table type not supported"

var tracer = otel.Tracer("cfdi-analytics-setop")

// Engine executes set operations against a record store.
type Engine struct {
	records domain.RecordStore
	now     func() time.Time
}

// NewEngine creates a set operation engine.
func NewEngine(records domain.RecordStore) *Engine {
	return &Engine{records: records, now: time.Now}
}

// sourceResult is the outcome of one source fetch.
type sourceResult struct {
	rows   []domain.Row
	detail domain.SourceDetail
}

// Validate checks the operation and source bounds.
func Validate(req domain.SetOperationRequest) error {
	switch req.Operation {
	case domain.SetUnion, domain.SetIntersection:
	default:
		return domain.NewValidationError("operation must be union or intersection")
	}
	if len(req.Sources) == 0 {
		return domain.NewValidationError("at least one source is required")
	}
	if len(req.Sources) > domain.MaxSetSources {
		return domain.NewValidationError("at most %d sources are allowed", domain.MaxSetSources)
	}
	return nil
}

// Execute fetches every source concurrently, combines them and returns one
// page of the combined list. A failing source is reported in its detail and
// contributes no records.
func (e *Engine) Execute(ctx context.Context, tenant string, req domain.SetOperationRequest, page, pageSize int) (*domain.SetOperationResult, error) {
	if tenant == "" {
		return nil, filter.ErrMissingTenant
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	if err := domain.ValidatePage(page, pageSize); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "setop.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenant),
		attribute.String("setop.operation", string(req.Operation)),
		attribute.Int("setop.sources", len(req.Sources)),
	)

	results := make([]sourceResult, len(req.Sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for i := range req.Sources {
		i := i
		src := req.Sources[i]
		g.Go(func() error {
			results[i] = e.fetch(gctx, tenant, i, src, pageSize)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sets := make([][]domain.Row, len(results))
	details := make([]domain.SourceDetail, len(results))
	for i, r := range results {
		sets[i] = r.rows
		details[i] = r.detail
	}

	var combined []domain.Row
	if req.Operation == domain.SetUnion {
		combined = Union(sets)
	} else {
		combined = Intersection(sets)
	}

	start, end := domain.PageSlice(len(combined), page, pageSize)
	items := make([]domain.Row, 0, end-start)
	items = append(items, combined[start:end]...)

	slog.Debug("set operation executed",
		"tenant_id", tenant,
		"operation", req.Operation,
		"sources", len(req.Sources),
		"combined", len(combined),
	)

	return &domain.SetOperationResult{
		Items: items,
		Metadata: domain.SetOperationMetadata{
			TotalCount:         len(combined),
			Operation:          req.Operation,
			SourcesProcessed:   len(req.Sources),
			SourceDetails:      details,
			ExecutionTimestamp: e.now().UTC(),
			Page:               page,
			PageSize:           pageSize,
			TotalPages:         domain.TotalPages(int64(len(combined)), pageSize),
		},
	}, nil
}

// fetch reads page 1 of one source. Errors are captured in the detail.
func (e *Engine) fetch(ctx context.Context, tenant string, index int, src domain.SetSource, pageSize int) sourceResult {
	ctx, span := tracer.Start(ctx, "setop.fetch_source")
	defer span.End()
	span.SetAttributes(
		attribute.Int("setop.source_index", index),
		attribute.String("setop.table", string(src.Table)),
	)

	detail := domain.SourceDetail{
		SourceIndex:    index,
		Table:          string(src.Table),
		TotalPages:     1,
		FiltersApplied: src.Filter,
	}

	fail := func(err error) sourceResult {
		span.RecordError(err)
		slog.Warn("set operation source failed",
			"tenant_id", tenant,
			"source_index", index,
			"table", src.Table,
			"error", err,
		)
		detail.Error = err.Error()
		return sourceResult{detail: detail}
	}

	if src.Table != domain.TableCFDI {
		detail.Error = errUnsupportedTable
		slog.Warn("set operation source skipped",
			"tenant_id", tenant,
			"source_index", index,
			"table", src.Table,
		)
		return sourceResult{detail: detail}
	}

	where, err := filter.Compile(src.Filter, tenant)
	if err != nil {
		return fail(err)
	}
	total, err := e.records.Count(ctx, domain.RecordQuery{Where: where})
	if err != nil {
		return fail(err)
	}
	records, err := e.records.FindMany(ctx, domain.RecordQuery{
		Where:   where,
		OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
		Take:    pageSize,
	})
	if err != nil {
		return fail(err)
	}

	rows := make([]domain.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, flatten(rec))
	}
	detail.RecordCount = total
	detail.TotalPages = domain.TotalPages(total, pageSize)
	return sourceResult{rows: rows, detail: detail}
}

func flatten(rec *domain.CFDI) domain.Row {
	return domain.Row{
		"uuid":       rec.UUID,
		"total":      rec.Total,
		"issue_date": rec.IssueDate,
		"type":       rec.Type,
		"serie":      rec.Serie,
		"folio":      rec.Folio,
		"issuer_id":  rec.IssuerID,
		"currency":   rec.Currency,
		"status":     rec.Status,
	}
}

func uuidOf(row domain.Row) string {
	s, _ := row["uuid"].(string)
	return s
}

// Union concatenates sets in order. The first occurrence of each uuid wins
// and rows without a uuid are dropped.
func Union(sets [][]domain.Row) []domain.Row {
	seen := make(map[string]bool)
	var out []domain.Row
	for _, set := range sets {
		for _, row := range set {
			id := uuidOf(row)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, row)
		}
	}
	return out
}

// Intersection returns the rows of sets[0] whose uuid is present in every
// set, in sets[0] order. Rows without a uuid never match. A single set is
// returned unchanged.
func Intersection(sets [][]domain.Row) []domain.Row {
	switch len(sets) {
	case 0:
		return nil
	case 1:
		return sets[0]
	}

	counts := make(map[string]int)
	for _, set := range sets[1:] {
		present := make(map[string]bool, len(set))
		for _, row := range set {
			if id := uuidOf(row); id != "" {
				present[id] = true
			}
		}
		for id := range present {
			counts[id]++
		}
	}

	want := len(sets) - 1
	seen := make(map[string]bool)
	var out []domain.Row
	for _, row := range sets[0] {
		id := uuidOf(row)
		if id != "" && counts[id] == want && !seen[id] {
			seen[id] = true
			out = append(out, row)
		}
	}
	return out
}
