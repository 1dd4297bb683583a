package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC)
}

func seed(t *testing.T) *Store {
	t.Helper()
	s, err := New()
	require.NoError(t, err)

	s.Add(
		&domain.CFDI{ID: 1, UUID: "u-1", UserID: "tenant-a", Type: "I", Total: 100, Currency: "MXN", IssueDate: day(1),
			Issuer:   &domain.Issuer{RFC: "AAA010101AAA", Name: "Acme"},
			Concepts: []domain.Concept{{ID: 1, Description: "widget", Amount: 100, Taxes: []domain.Tax{{TaxType: "IVA", Amount: 16}}}}},
		&domain.CFDI{ID: 2, UUID: "u-2", UserID: "tenant-a", Type: "E", Total: 250, Currency: "USD", IssueDate: day(2)},
		&domain.CFDI{ID: 3, UUID: "u-3", UserID: "tenant-a", Type: "I", Total: 50, Currency: "MXN", IssueDate: day(3)},
		&domain.CFDI{ID: 4, UUID: "u-4", UserID: "tenant-b", Type: "I", Total: 999, Currency: "MXN", IssueDate: day(4)},
	)
	return s
}

func compile(t *testing.T, f *domain.Filter, tenant string) domain.Predicate {
	t.Helper()
	p, err := filter.Compile(f, tenant)
	require.NoError(t, err)
	return p
}

func TestStoreTenantIsolation(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	n, err := s.Count(ctx, domain.RecordQuery{Where: compile(t, nil, "tenant-a")})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = s.Count(ctx, domain.RecordQuery{Where: compile(t, nil, "tenant-b")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStoreRejectsUnscopedPredicate(t *testing.T) {
	s := seed(t)
	_, err := s.FindMany(context.Background(), domain.RecordQuery{})
	assert.ErrorIs(t, err, domain.ErrUnscopedPredicate)
}

func TestStoreEvaluatesPredicates(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	typ := "I"
	minTotal := 60.0
	start, end := day(1), day(2)

	tests := []struct {
		name  string
		f     *domain.Filter
		uuids []string
	}{
		{"eq string", &domain.Filter{Type: &typ}, []string{"u-3", "u-1"}},
		{"total lower bound", &domain.Filter{MinTotal: &minTotal}, []string{"u-2", "u-1"}},
		{"date range", &domain.Filter{StartDate: &start, EndDate: &end}, []string{"u-2", "u-1"}},
		{"combined", &domain.Filter{Type: &typ, MinTotal: &minTotal}, []string{"u-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.FindMany(ctx, domain.RecordQuery{
				Where:   compile(t, tt.f, "tenant-a"),
				OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
			})
			require.NoError(t, err)
			var got []string
			for _, r := range recs {
				got = append(got, r.UUID)
			}
			assert.Equal(t, tt.uuids, got)
		})
	}
}

func TestStorePaginationAndOrder(t *testing.T) {
	s := seed(t)
	recs, err := s.FindMany(context.Background(), domain.RecordQuery{
		Where:   compile(t, nil, "tenant-a"),
		OrderBy: []domain.Order{{Field: domain.FieldTotal, Desc: true}},
		Skip:    1,
		Take:    1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "u-1", recs[0].UUID)
}

func TestStoreIncludeProjection(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	where := compile(t, nil, "tenant-a").With(domain.EqNode{Field: domain.FieldUUID, Value: "u-1"})

	rec, err := s.FindFirst(ctx, domain.RecordQuery{Where: where})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.Issuer)
	assert.Nil(t, rec.Concepts)

	rec, err = s.FindFirst(ctx, domain.RecordQuery{Where: where, Include: domain.Include{Issuer: true, Concepts: true}})
	require.NoError(t, err)
	require.NotNil(t, rec.Issuer)
	require.Len(t, rec.Concepts, 1)
	assert.Nil(t, rec.Concepts[0].Taxes)

	rec, err = s.FindFirst(ctx, domain.RecordQuery{Where: where, Include: domain.Include{Taxes: true}})
	require.NoError(t, err)
	require.Len(t, rec.Concepts, 1)
	assert.Len(t, rec.Concepts[0].Taxes, 1)
}

func TestStoreFindFirstMiss(t *testing.T) {
	s := seed(t)
	folio := "nope"
	rec, err := s.FindFirst(context.Background(), domain.RecordQuery{Where: compile(t, &domain.Filter{Folio: &folio}, "tenant-a")})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStoreOwnedRows(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	s.AddOwned(domain.OwnedVisualization,
		domain.Row{"id": "v1", "user_id": "tenant-a", "created_at": day(1)},
		domain.Row{"id": "v2", "user_id": "tenant-a", "created_at": day(5)},
		domain.Row{"id": "v3", "user_id": "tenant-b", "created_at": day(6)},
	)

	n, err := s.CountOwned(ctx, domain.OwnedVisualization, "tenant-a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rows, err := s.FindOwned(ctx, domain.OwnedVisualization, "tenant-a", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v2", rows[0]["id"])

	_, err = s.FindOwned(ctx, domain.OwnedVisualization, "", 0, 10)
	assert.ErrorIs(t, err, domain.ErrUnscopedPredicate)
}

func TestStoreSaveReport(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReport(ctx, &domain.Report{ID: "r1", UserID: "tenant-a", Name: "monthly", CreatedAt: day(9)}))

	rows, err := s.FindOwned(ctx, domain.OwnedReport, "tenant-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "monthly", rows[0]["name"])
	assert.Len(t, s.Reports(), 1)
}

func TestStoreCallCounters(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	where := compile(t, nil, "tenant-a")

	_, _ = s.Count(ctx, domain.RecordQuery{Where: where})
	_, _ = s.FindMany(ctx, domain.RecordQuery{Where: where})
	_, _ = s.FindMany(ctx, domain.RecordQuery{Where: where})

	calls := s.Calls()
	assert.EqualValues(t, 1, calls.Count)
	assert.EqualValues(t, 2, calls.FindMany)
}
