package join

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
)

var tracer = otel.Tracer("cfdi-analytics-join")

// Engine executes joins against the record and owned-entity stores.
type Engine struct {
	records domain.RecordStore
	owned   domain.OwnedStore
}

// NewEngine creates a join engine.
func NewEngine(records domain.RecordStore, owned domain.OwnedStore) *Engine {
	return &Engine{records: records, owned: owned}
}

// ExecutePredefined runs catalog entry id for tenant.
func (e *Engine) ExecutePredefined(ctx context.Context, tenant string, id int, f *domain.Filter, page, pageSize int) (*domain.Page, error) {
	def, ok := Lookup(id)
	if !ok {
		return nil, domain.NewNotFoundError("predefined join %d not found", id)
	}
	if err := domain.ValidatePage(page, pageSize); err != nil {
		return nil, err
	}
	if def.RequiresDateRange && !f.HasDateRange() {
		return nil, domain.NewValidationError("start_date and end_date are required for summary queries")
	}

	where, err := filter.Compile(f, tenant)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "join.predefined")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenant),
		attribute.Int("join.id", def.ID),
		attribute.String("join.name", def.Name),
	)

	var (
		items []domain.Row
		total int64
	)
	switch def.shape {
	case shapeOwned:
		items, total, err = e.ownedPage(ctx, def.owned, tenant, page, pageSize)
	default:
		items, total, err = e.recordPage(ctx, def, where, page, pageSize)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	slog.Debug("predefined join executed",
		"tenant_id", tenant,
		"join_id", def.ID,
		"rows", len(items),
	)

	if items == nil {
		items = []domain.Row{}
	}
	return &domain.Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: domain.TotalPages(total, pageSize),
		TotalCount: total,
	}, nil
}

func (e *Engine) recordPage(ctx context.Context, def Definition, where domain.Predicate, page, pageSize int) ([]domain.Row, int64, error) {
	var total int64
	if def.shape == shapeRecords {
		n, err := e.records.Count(ctx, domain.RecordQuery{Where: where})
		if err != nil {
			return nil, 0, domain.NewUpstreamError("count cfdi", err)
		}
		total = n
	}

	orderBy := def.orderBy
	if orderBy == "" {
		orderBy = domain.FieldIssueDate
	}
	records, err := e.records.FindMany(ctx, domain.RecordQuery{
		Where:   where,
		Include: def.include,
		OrderBy: []domain.Order{{Field: orderBy, Desc: true}},
		Skip:    domain.Offset(page, pageSize),
		Take:    pageSize,
	})
	if err != nil {
		return nil, 0, domain.NewUpstreamError("find cfdi", err)
	}

	rows := def.flatten(records)
	if def.shape == shapeSummary {
		total = int64(len(rows))
	}
	return rows, total, nil
}

func (e *Engine) ownedPage(ctx context.Context, kind domain.OwnedKind, tenant string, page, pageSize int) ([]domain.Row, int64, error) {
	total, err := e.owned.CountOwned(ctx, kind, tenant)
	if err != nil {
		return nil, 0, domain.NewUpstreamError("count "+string(kind), err)
	}
	rows, err := e.owned.FindOwned(ctx, kind, tenant, domain.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, 0, domain.NewUpstreamError("find "+string(kind), err)
	}
	return rows, total, nil
}
