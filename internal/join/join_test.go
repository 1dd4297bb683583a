package join

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/memstore"
)

const tenant = "AAA010101AAA"

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func fixture(t *testing.T) *memstore.Store {
	t.Helper()
	s, err := memstore.New()
	require.NoError(t, err)

	acme := &domain.Issuer{RFC: "ACM010101AAA", Name: "Acme", TaxRegime: "601"}
	globex := &domain.Issuer{RFC: "GLO010101BBB", Name: "Globex", TaxRegime: "612"}
	cancelled := date(2024, 2, 20)

	s.Add(
		&domain.CFDI{
			ID: 1, UUID: "u-1", UserID: tenant, Type: "I", Total: 116, Subtotal: 100,
			IssueDate: date(2024, 1, 5), IssuerID: acme.RFC, Issuer: acme,
			Receiver: &domain.Receiver{ID: 1, RFC: "REC010101AAA", Name: "Buyer"},
			Concepts: []domain.Concept{
				{ID: 1, Description: "widget", Amount: 60, Taxes: []domain.Tax{{TaxType: "IVA", Rate: 0.16, Amount: 9.6}}},
				{ID: 2, Description: "gadget", Amount: 40, Taxes: []domain.Tax{{TaxType: "IVA", Rate: 0.16, Amount: 6.4}}},
			},
			PaymentComplements: []domain.PaymentComplement{{PaymentDate: date(2024, 1, 20), PaymentAmount: 116}},
			Relations:          []domain.Relation{{RelatedUUID: "u-0", RelationType: "04"}},
		},
		&domain.CFDI{
			ID: 2, UUID: "u-2", UserID: tenant, Type: "E", Total: 500, Subtotal: 431,
			IssueDate: date(2024, 2, 10), IssuerID: globex.RFC, Issuer: globex,
			Cancellation: &domain.Cancellation{Status: "cancelled", CancellationDate: &cancelled},
		},
		&domain.CFDI{
			ID: 3, UUID: "u-3", UserID: tenant, Type: "I", Total: 50, Subtotal: 43,
			IssueDate: date(2024, 2, 15), IssuerID: acme.RFC, Issuer: acme,
		},
		&domain.CFDI{ID: 4, UUID: "other", UserID: "BBB010101BBB", Type: "I", Total: 9999, IssueDate: date(2024, 2, 1)},
	)
	return s
}

func dateRange() *domain.Filter {
	start, end := date(2024, 1, 1), date(2024, 12, 31)
	return &domain.Filter{StartDate: &start, EndDate: &end}
}

func TestCatalog(t *testing.T) {
	defs := Catalog()
	require.Len(t, defs, 22)
	for i, d := range defs {
		assert.Equal(t, i+1, d.ID)
		assert.NotEmpty(t, d.Name)
		if d.shape != shapeOwned {
			assert.NotNil(t, d.flatten, "definition %d", d.ID)
		}
	}

	for _, id := range []int{13, 14, 15, 21} {
		d, ok := Lookup(id)
		require.True(t, ok)
		assert.True(t, d.RequiresDateRange, "definition %d", id)
	}
	_, ok := Lookup(23)
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	l, err := List(1, 5)
	require.NoError(t, err)
	assert.Len(t, l.Joins, 5)
	assert.Equal(t, 5, l.TotalPages)
	assert.Equal(t, 22, l.TotalCount)

	l, err = List(5, 5)
	require.NoError(t, err)
	assert.Len(t, l.Joins, 2)

	l, err = List(9, 5)
	require.NoError(t, err)
	assert.Empty(t, l.Joins)

	_, err = List(0, 5)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExecutePredefinedUnknown(t *testing.T) {
	e := NewEngine(fixture(t), fixture(t))
	_, err := e.ExecutePredefined(context.Background(), tenant, 99, nil, 1, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutePredefinedRequiresDates(t *testing.T) {
	s := fixture(t)
	e := NewEngine(s, s)
	start := date(2024, 1, 1)

	for _, id := range []int{13, 14, 15, 21} {
		_, err := e.ExecutePredefined(context.Background(), tenant, id, &domain.Filter{StartDate: &start}, 1, 10)
		assert.ErrorIs(t, err, domain.ErrValidation, "definition %d", id)
	}
	assert.Zero(t, s.Calls().FindMany)
}

func TestExecutePredefinedRecords(t *testing.T) {
	s := fixture(t)
	e := NewEngine(s, s)
	ctx := context.Background()

	t.Run("issuer", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 1, nil, 1, 10)
		require.NoError(t, err)
		assert.EqualValues(t, 3, p.TotalCount)
		require.Len(t, p.Items, 3)
		assert.Equal(t, "u-3", p.Items[0]["uuid"])
		assert.Equal(t, "Acme", p.Items[0]["issuer_name"])
	})

	t.Run("receiver left join", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 2, nil, 1, 10)
		require.NoError(t, err)
		require.Len(t, p.Items, 3)
		assert.Nil(t, p.Items[0]["receiver_name"])
		assert.Equal(t, "Buyer", p.Items[2]["receiver_name"])
	})

	t.Run("concepts fan out", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 4, nil, 1, 10)
		require.NoError(t, err)
		assert.Len(t, p.Items, 2)
		assert.EqualValues(t, 3, p.TotalCount)
	})

	t.Run("tax summary groups", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 6, nil, 1, 10)
		require.NoError(t, err)
		require.Len(t, p.Items, 1)
		assert.EqualValues(t, 1, p.TotalCount)
		assert.Equal(t, 2, p.Items[0]["tax_count"])
		assert.InDelta(t, 16.0, p.Items[0]["total_tax_amount"], 1e-9)
	})

	t.Run("complete counts relations", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 18, nil, 1, 10)
		require.NoError(t, err)
		last := p.Items[2]
		assert.Equal(t, 2, last["concept_count"])
		assert.Equal(t, 1, last["payment_complement_count"])
	})

	t.Run("cancellation defaults to active", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 22, nil, 1, 10)
		require.NoError(t, err)
		byUUID := map[any]domain.Row{}
		for _, r := range p.Items {
			byUUID[r["uuid"]] = r
		}
		assert.Equal(t, "active", byUUID["u-1"]["cancellation_status"])
		assert.Nil(t, byUUID["u-1"]["cancellation_date"])
		assert.Equal(t, "cancelled", byUUID["u-2"]["cancellation_status"])
	})
}

func TestExecutePredefinedSummaries(t *testing.T) {
	s := fixture(t)
	e := NewEngine(s, s)
	ctx := context.Background()

	t.Run("monthly", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 13, dateRange(), 1, 10)
		require.NoError(t, err)
		require.Len(t, p.Items, 2)
		assert.EqualValues(t, 2, p.TotalCount)
		assert.Equal(t, "2024-02-01T00:00:00Z", p.Items[0]["month"])
		assert.Equal(t, 2, p.Items[0]["cfdi_count"])
		assert.InDelta(t, 275.0, p.Items[0]["avg_amount"], 1e-9)
	})

	t.Run("by issuer ordered by total", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 14, dateRange(), 1, 10)
		require.NoError(t, err)
		require.Len(t, p.Items, 2)
		assert.Equal(t, "GLO010101BBB", p.Items[0]["rfc_issuer"])
		assert.Equal(t, 2, p.Items[1]["cfdi_count"])
	})

	t.Run("by type", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 15, dateRange(), 1, 10)
		require.NoError(t, err)
		assert.EqualValues(t, 2, p.TotalCount)
	})

	t.Run("payment monthly", func(t *testing.T) {
		p, err := e.ExecutePredefined(ctx, tenant, 21, dateRange(), 1, 10)
		require.NoError(t, err)
		require.Len(t, p.Items, 1)
		assert.Equal(t, 1, p.Items[0]["payment_count"])
	})
}

func TestExecutePredefinedOwned(t *testing.T) {
	s := fixture(t)
	s.AddOwned(domain.OwnedBatchJob,
		domain.Row{"id": "j1", "user_id": tenant, "status": "done", "created_at": date(2024, 1, 1)},
		domain.Row{"id": "j2", "user_id": tenant, "status": "queued", "created_at": date(2024, 3, 1)},
		domain.Row{"id": "j3", "user_id": "BBB010101BBB", "status": "done", "created_at": date(2024, 3, 1)},
	)
	e := NewEngine(s, s)

	p, err := e.ExecutePredefined(context.Background(), tenant, 17, nil, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.TotalCount)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "j2", p.Items[0]["id"])
	assert.Zero(t, s.Calls().FindMany)
}

func TestExecuteCustom(t *testing.T) {
	s := fixture(t)
	e := NewEngine(s, s)

	p, err := e.ExecuteCustom(context.Background(), tenant, domain.JoinRequest{
		LeftTable:  "cfdi",
		RightTable: "issuer",
		JoinType:   domain.JoinInner,
		On:         map[string]string{"cfdi.issuer_id": "issuer.rfc_issuer"},
		Sources:    []string{"cfdi", "issuer"},
	}, 1, 10)
	require.NoError(t, err)
	require.Len(t, p.Items, 3)
	assert.Equal(t, "Acme", p.Items[0]["issuer_name"])
	assert.Nil(t, p.Items[0]["receiver_name"])
	assert.Nil(t, p.Items[0]["concept_count"])
}

func TestExecuteCustomValidation(t *testing.T) {
	tests := []struct {
		name string
		req  domain.JoinRequest
		kind error
	}{
		{
			name: "no sources",
			req:  domain.JoinRequest{LeftTable: "cfdi", RightTable: "cfdi"},
			kind: domain.ErrValidation,
		},
		{
			name: "unknown source",
			req:  domain.JoinRequest{LeftTable: "cfdi", RightTable: "cfdi", Sources: []string{"cfdi", "invoices"}},
			kind: domain.ErrValidation,
		},
		{
			name: "forbidden source",
			req:  domain.JoinRequest{LeftTable: "cfdi", RightTable: "user", Sources: []string{"cfdi", "user"}},
			kind: domain.ErrSecurity,
		},
		{
			name: "session table",
			req:  domain.JoinRequest{LeftTable: "cfdi", RightTable: "cfdi", Sources: []string{"cfdi", "session"}},
			kind: domain.ErrSecurity,
		},
		{
			name: "right table not in sources",
			req:  domain.JoinRequest{LeftTable: "cfdi", RightTable: "issuer", Sources: []string{"cfdi"}},
			kind: domain.ErrValidation,
		},
		{
			name: "key pair not allowed",
			req: domain.JoinRequest{
				LeftTable: "cfdi", RightTable: "issuer", Sources: []string{"cfdi", "issuer"},
				On: map[string]string{"cfdi.user_id": "issuer.rfc_issuer"},
			},
			kind: domain.ErrValidation,
		},
		{
			name: "key pair outside sources",
			req: domain.JoinRequest{
				LeftTable: "cfdi", RightTable: "issuer", Sources: []string{"cfdi", "issuer"},
				On: map[string]string{"concept.cfdi_id": "cfdi.id"},
			},
			kind: domain.ErrValidation,
		},
		{
			name: "bad join type",
			req: domain.JoinRequest{
				LeftTable: "cfdi", RightTable: "issuer", Sources: []string{"cfdi", "issuer"}, JoinType: "cross",
			},
			kind: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fixture(t)
			e := NewEngine(s, s)
			_, err := e.ExecuteCustom(context.Background(), tenant, tt.req, 1, 10)
			assert.ErrorIs(t, err, tt.kind)
			calls := s.Calls()
			assert.Zero(t, calls.Count)
			assert.Zero(t, calls.FindMany)
		})
	}
}

func TestValidateAcceptsReversedKeys(t *testing.T) {
	_, sources, err := Validate(domain.JoinRequest{
		LeftTable: "concept", RightTable: "cfdi", Sources: []string{"CFDI", "concept"},
		On: map[string]string{"cfdi.id": "concept.cfdi_id"},
	})
	require.NoError(t, err)
	assert.True(t, sources[domain.TableConcept])
}
