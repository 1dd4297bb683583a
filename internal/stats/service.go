// Package stats implements aggregation and descriptive statistics over a
// tenant's filtered CFDI set.
package stats

import (
	"context"
	"encoding/json"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
)

// Op is an aggregation operator.
type Op string

const (
	OpSum   Op = "sum"
	OpCount Op = "count"
	OpAvg   Op = "avg"
	OpMin   Op = "min"
	OpMax   Op = "max"
)

// resultKeys names the output key of each operator.
var resultKeys = map[Op]string{
	OpSum:   "total_amount",
	OpCount: "cfdi_count",
	OpAvg:   "average_total",
	OpMin:   "min_total",
	OpMax:   "max_total",
}

// AggregateRequest selects one aggregation over one page of records.
type AggregateRequest struct {
	Op             Op
	Field          domain.Field
	Filter         *domain.Filter
	Page           int
	PageSize       int
	IncludeDetails bool
}

// ConceptDetail is a concept line in an aggregation detail row.
type ConceptDetail struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// Detail is one record contributing to an aggregation.
type Detail struct {
	UUID     string
	Field    domain.Field
	Value    float64
	Concepts []ConceptDetail
}

// MarshalJSON keys the value by the aggregated field name.
func (d Detail) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"uuid":          d.UUID,
		string(d.Field): d.Value,
		"concepts":      d.Concepts,
	})
}

// AggregateResult is an aggregation over one page.
type AggregateResult struct {
	Key        string
	Value      float64
	Details    []Detail
	Page       int
	PageSize   int
	TotalPages int
	TotalCount int64
}

// MarshalJSON renders the result under its operator key.
func (r *AggregateResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		r.Key:         r.Value,
		"page":        r.Page,
		"page_size":   r.PageSize,
		"total_pages": r.TotalPages,
		"total_count": r.TotalCount,
	}
	if r.Key == resultKeys[OpCount] {
		out[r.Key] = int64(r.Value)
	}
	if r.Details != nil {
		out["details"] = r.Details
	}
	return json.Marshal(out)
}

// CentralTendency holds average, median and mode.
type CentralTendency struct {
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
	Mode    float64 `json:"mode"`
}

// Dispersion holds the basic spread statistics.
type Dispersion struct {
	Range                  float64 `json:"range"`
	Variance               float64 `json:"variance"`
	StandardDeviation      float64 `json:"standard_deviation"`
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
}

// Service computes aggregations against a record store.
type Service struct {
	store domain.RecordStore
}

// NewService creates a statistics service.
func NewService(store domain.RecordStore) *Service {
	return &Service{store: store}
}

// ParseOp validates an operator name.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if _, ok := resultKeys[op]; !ok {
		return "", domain.NewValidationError("operation must be one of sum, count, avg, min, max")
	}
	return op, nil
}

// ParseField validates a numeric field name.
func ParseField(s string) (domain.Field, error) {
	switch f := domain.Field(s); f {
	case domain.FieldTotal, domain.FieldSubtotal:
		return f, nil
	case "":
		return domain.FieldTotal, nil
	default:
		return "", domain.NewValidationError("field must be total or subtotal")
	}
}

// Aggregate reduces one page of the filtered set, ordered by issue date
// descending.
func (s *Service) Aggregate(ctx context.Context, tenant string, req AggregateRequest) (*AggregateResult, error) {
	key, ok := resultKeys[req.Op]
	if !ok {
		return nil, domain.NewValidationError("operation must be one of sum, count, avg, min, max")
	}
	field, err := ParseField(string(req.Field))
	if err != nil {
		return nil, err
	}
	if err := domain.ValidatePage(req.Page, req.PageSize); err != nil {
		return nil, err
	}

	where, err := filter.Compile(req.Filter, tenant)
	if err != nil {
		return nil, err
	}

	total, err := s.store.Count(ctx, domain.RecordQuery{Where: where})
	if err != nil {
		return nil, domain.NewUpstreamError("count cfdi", err)
	}

	records, err := s.store.FindMany(ctx, domain.RecordQuery{
		Where:   where,
		Include: domain.Include{Issuer: true, Concepts: req.IncludeDetails},
		OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
		Skip:    domain.Offset(req.Page, req.PageSize),
		Take:    req.PageSize,
	})
	if err != nil {
		return nil, domain.NewUpstreamError("find cfdi", err)
	}

	values := make([]float64, len(records))
	for i, rec := range records {
		values[i] = rec.Amount(field)
	}

	result := &AggregateResult{
		Key:        key,
		Value:      reduce(req.Op, values),
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: domain.TotalPages(total, req.PageSize),
		TotalCount: total,
	}

	if req.IncludeDetails {
		result.Details = make([]Detail, 0, len(records))
		for _, rec := range records {
			d := Detail{UUID: rec.UUID, Field: field, Value: rec.Amount(field), Concepts: []ConceptDetail{}}
			for _, c := range rec.Concepts {
				d.Concepts = append(d.Concepts, ConceptDetail{Description: c.Description, Amount: c.Amount})
			}
			result.Details = append(result.Details, d)
		}
	}
	return result, nil
}

func reduce(op Op, values []float64) float64 {
	if op == OpCount {
		return float64(len(values))
	}
	if len(values) == 0 {
		return 0
	}
	switch op {
	case OpSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case OpAvg:
		return Mean(values)
	case OpMin:
		m := values[0]
		for _, v := range values[1:] {
			m = min(m, v)
		}
		return m
	case OpMax:
		m := values[0]
		for _, v := range values[1:] {
			m = max(m, v)
		}
		return m
	}
	return 0
}

// CentralTendency computes average, median and mode over the full filtered
// set.
func (s *Service) CentralTendency(ctx context.Context, tenant string, field domain.Field, f *domain.Filter) (*CentralTendency, error) {
	values, err := s.values(ctx, tenant, field, f)
	if err != nil {
		return nil, err
	}
	return &CentralTendency{
		Average: Mean(values),
		Median:  Median(values),
		Mode:    Mode(values),
	}, nil
}

// BasicStats computes range, population variance, standard deviation and
// coefficient of variation over the full filtered set.
func (s *Service) BasicStats(ctx context.Context, tenant string, field domain.Field, f *domain.Filter) (*Dispersion, error) {
	values, err := s.values(ctx, tenant, field, f)
	if err != nil {
		return nil, err
	}
	return &Dispersion{
		Range:                  Range(values),
		Variance:               PopulationVariance(values),
		StandardDeviation:      StdDev(values),
		CoefficientOfVariation: CoefficientOfVariation(values),
	}, nil
}

// values fetches field for every matching record, newest first.
func (s *Service) values(ctx context.Context, tenant string, field domain.Field, f *domain.Filter) ([]float64, error) {
	field, err := ParseField(string(field))
	if err != nil {
		return nil, err
	}
	where, err := filter.Compile(f, tenant)
	if err != nil {
		return nil, err
	}

	records, err := s.store.FindMany(ctx, domain.RecordQuery{
		Where:   where,
		OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
	})
	if err != nil {
		return nil, domain.NewUpstreamError("find cfdi", err)
	}

	values := make([]float64, len(records))
	for i, rec := range records {
		values[i] = rec.Amount(field)
	}
	return values, nil
}
