package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/memstore"
)

const tenant = "AAA010101AAA"

func newStore(t *testing.T, totals ...float64) *memstore.Store {
	t.Helper()
	s, err := memstore.New()
	require.NoError(t, err)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, total := range totals {
		s.Add(&domain.CFDI{
			ID:        int64(i + 1),
			UUID:      "u-" + string(rune('a'+i)),
			UserID:    tenant,
			Total:     total,
			Subtotal:  total / 1.16,
			IssueDate: base.AddDate(0, 0, i),
			Concepts:  []domain.Concept{{Description: "item", Amount: total}},
		})
	}
	return s
}

func TestMath(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 3.0, Median([]float64{5, 3, 1}))
	assert.Equal(t, 2.0, PopulationVariance([]float64{1, 2, 3, 4, 5}))
	assert.Equal(t, 4.0, Range([]float64{3, 1, 5}))
	assert.Equal(t, 0.0, CoefficientOfVariation([]float64{-1, 1}))

	t.Run("mode picks the most frequent", func(t *testing.T) {
		assert.Equal(t, 2.0, Mode([]float64{1, 2, 2, 3}))
	})
	t.Run("mode ties go to the first seen", func(t *testing.T) {
		assert.Equal(t, 3.0, Mode([]float64{3, 1, 1, 3}))
	})
	t.Run("mode without repeats is the first value", func(t *testing.T) {
		assert.Equal(t, 9.0, Mode([]float64{9, 1, 5}))
	})
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newStore(t, 100, 200, 300))

	tests := []struct {
		op   Op
		key  string
		want float64
	}{
		{OpSum, "total_amount", 600},
		{OpCount, "cfdi_count", 3},
		{OpAvg, "average_total", 200},
		{OpMin, "min_total", 100},
		{OpMax, "max_total", 300},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			res, err := svc.Aggregate(ctx, tenant, AggregateRequest{Op: tt.op, Field: domain.FieldTotal, Page: 1, PageSize: 100})
			require.NoError(t, err)
			assert.Equal(t, tt.key, res.Key)
			assert.InDelta(t, tt.want, res.Value, 1e-9)
			assert.Equal(t, 1, res.TotalPages)
			assert.EqualValues(t, 3, res.TotalCount)
		})
	}
}

func TestAggregatePagination(t *testing.T) {
	svc := NewService(newStore(t, 100, 200, 300))

	res, err := svc.Aggregate(context.Background(), tenant, AggregateRequest{Op: OpSum, Field: domain.FieldTotal, Page: 2, PageSize: 2})
	require.NoError(t, err)
	// newest first: 300, 200 | 100
	assert.Equal(t, 100.0, res.Value)
	assert.Equal(t, 2, res.TotalPages)
}

func TestAggregateEmptySet(t *testing.T) {
	svc := NewService(newStore(t))

	res, err := svc.Aggregate(context.Background(), tenant, AggregateRequest{Op: OpCount, Field: domain.FieldTotal, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Value)
	assert.Equal(t, 1, res.TotalPages)

	for _, op := range []Op{OpSum, OpAvg, OpMin, OpMax} {
		res, err := svc.Aggregate(context.Background(), tenant, AggregateRequest{Op: op, Field: domain.FieldTotal, Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 0.0, res.Value, "op %s", op)
	}
}

func TestAggregateDetails(t *testing.T) {
	svc := NewService(newStore(t, 100))

	res, err := svc.Aggregate(context.Background(), tenant, AggregateRequest{
		Op: OpSum, Field: domain.FieldTotal, Page: 1, PageSize: 10, IncludeDetails: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	require.Len(t, res.Details[0].Concepts, 1)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 100.0, out["total_amount"])
	details := out["details"].([]any)
	assert.Equal(t, 100.0, details[0].(map[string]any)["total"])
}

func TestAggregateDefaultsToTotal(t *testing.T) {
	svc := NewService(newStore(t, 116))

	res, err := svc.Aggregate(context.Background(), tenant, AggregateRequest{
		Op: OpSum, Page: 1, PageSize: 10, IncludeDetails: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 116.0, res.Value)
	require.Len(t, res.Details, 1)
	assert.Equal(t, domain.FieldTotal, res.Details[0].Field)

	raw, err := json.Marshal(res.Details[0])
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.NotContains(t, out, "")
	assert.Equal(t, 116.0, out["total"])
}

func TestAggregateValidation(t *testing.T) {
	store := newStore(t, 1)
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.Aggregate(ctx, tenant, AggregateRequest{Op: "median", Field: domain.FieldTotal, Page: 1, PageSize: 10})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Aggregate(ctx, tenant, AggregateRequest{Op: OpSum, Field: "uuid", Page: 1, PageSize: 10})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Aggregate(ctx, tenant, AggregateRequest{Op: OpSum, Field: domain.FieldTotal, Page: 0, PageSize: 10})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Aggregate(ctx, tenant, AggregateRequest{Op: OpSum, Field: domain.FieldTotal, Page: 1, PageSize: 1001})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, store.Calls().FindMany)
}

func TestCentralTendency(t *testing.T) {
	ctx := context.Background()

	t.Run("empty set", func(t *testing.T) {
		res, err := NewService(newStore(t)).CentralTendency(ctx, tenant, domain.FieldTotal, nil)
		require.NoError(t, err)
		assert.Equal(t, CentralTendency{}, *res)
	})

	t.Run("full set", func(t *testing.T) {
		res, err := NewService(newStore(t, 10, 20, 20, 50)).CentralTendency(ctx, tenant, domain.FieldTotal, nil)
		require.NoError(t, err)
		assert.Equal(t, 25.0, res.Average)
		assert.Equal(t, 20.0, res.Median)
		assert.Equal(t, 20.0, res.Mode)
	})
}

func TestBasicStats(t *testing.T) {
	ctx := context.Background()

	t.Run("single element is all zero", func(t *testing.T) {
		res, err := NewService(newStore(t, 42)).BasicStats(ctx, tenant, domain.FieldTotal, nil)
		require.NoError(t, err)
		assert.Equal(t, Dispersion{}, *res)
	})

	t.Run("empty set", func(t *testing.T) {
		res, err := NewService(newStore(t)).BasicStats(ctx, tenant, domain.FieldTotal, nil)
		require.NoError(t, err)
		assert.Equal(t, Dispersion{}, *res)
	})

	t.Run("spread", func(t *testing.T) {
		res, err := NewService(newStore(t, 2, 4, 4, 4, 5, 5, 7, 9)).BasicStats(ctx, tenant, domain.FieldTotal, nil)
		require.NoError(t, err)
		assert.Equal(t, 7.0, res.Range)
		assert.InDelta(t, 4.0, res.Variance, 1e-9)
		assert.InDelta(t, 2.0, res.StandardDeviation, 1e-9)
		assert.InDelta(t, 40.0, res.CoefficientOfVariation, 1e-9)
	})
}

func TestStatsTenantScoped(t *testing.T) {
	store := newStore(t, 10)
	store.Add(&domain.CFDI{ID: 99, UUID: "other", UserID: "BBB010101BBB", Total: 1000})

	res, err := NewService(store).CentralTendency(context.Background(), tenant, domain.FieldTotal, nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Average)
}
