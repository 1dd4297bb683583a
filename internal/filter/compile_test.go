package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

func strPtr(s string) *string        { return &s }
func floatPtr(f float64) *float64    { return &f }
func timePtr(t time.Time) *time.Time { return &t }

func TestCompileNilFilter(t *testing.T) {
	p, err := Compile(nil, "RFC010101AAA")
	require.NoError(t, err)

	nodes := p.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, domain.EqNode{Field: domain.FieldUserID, Value: "RFC010101AAA"}, nodes[0])

	owner, ok := p.Owner()
	assert.True(t, ok)
	assert.Equal(t, "RFC010101AAA", owner)
}

func TestCompileMissingTenant(t *testing.T) {
	_, err := Compile(&domain.Filter{}, "")
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestCompileTenantNodeFirst(t *testing.T) {
	f := &domain.Filter{
		Type:     strPtr("I"),
		Currency: strPtr("MXN"),
		MinTotal: floatPtr(10),
	}
	p, err := Compile(f, "tenant-a")
	require.NoError(t, err)

	nodes := p.Nodes()
	require.Len(t, nodes, 4)
	assert.Equal(t, domain.EqNode{Field: domain.FieldUserID, Value: "tenant-a"}, nodes[0])
	assert.Equal(t, domain.EqNode{Field: domain.FieldType, Value: "I"}, nodes[1])
	assert.Equal(t, domain.EqNode{Field: domain.FieldCurrency, Value: "MXN"}, nodes[2])
	assert.Equal(t, domain.RangeNode{Field: domain.FieldTotal, Gte: 10.0}, nodes[3])
}

func TestCompileAbsentBoundsProduceNoRangeNode(t *testing.T) {
	f := &domain.Filter{Serie: strPtr("A")}
	p, err := Compile(f, "tenant-a")
	require.NoError(t, err)

	for _, n := range p.Nodes() {
		_, isRange := n.(domain.RangeNode)
		assert.False(t, isRange, "unexpected range node %#v", n)
	}
	assert.Equal(t, 2, p.Len())
}

func TestCompileDateRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("lower bound only", func(t *testing.T) {
		p, err := Compile(&domain.Filter{StartDate: timePtr(start)}, "t")
		require.NoError(t, err)
		nodes := p.Nodes()
		require.Len(t, nodes, 2)
		rn, ok := nodes[1].(domain.RangeNode)
		require.True(t, ok)
		assert.Equal(t, domain.FieldIssueDate, rn.Field)
		assert.Equal(t, start, rn.Gte)
		assert.Nil(t, rn.Lte)
	})

	t.Run("both bounds", func(t *testing.T) {
		end := start.AddDate(0, 1, 0)
		p, err := Compile(&domain.Filter{StartDate: timePtr(start), EndDate: timePtr(end)}, "t")
		require.NoError(t, err)
		rn := p.Nodes()[1].(domain.RangeNode)
		assert.Equal(t, start, rn.Gte)
		assert.Equal(t, end, rn.Lte)
	})
}

func TestCompileFieldOrder(t *testing.T) {
	receiver := int64(7)
	f := &domain.Filter{
		StartDate:     timePtr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Type:          strPtr("I"),
		Serie:         strPtr("A"),
		Folio:         strPtr("100"),
		IssuerID:      strPtr("AAA010101AAA"),
		ReceiverID:    &receiver,
		Currency:      strPtr("MXN"),
		PaymentMethod: strPtr("PUE"),
		PaymentForm:   strPtr("01"),
		CFDIUse:       strPtr("G03"),
		ExportStatus:  strPtr("01"),
		Status:        strPtr("active"),
		MaxTotal:      floatPtr(1000),
	}
	p, err := Compile(f, "t")
	require.NoError(t, err)

	want := []domain.Field{
		domain.FieldUserID, domain.FieldIssueDate, domain.FieldType, domain.FieldSerie,
		domain.FieldFolio, domain.FieldIssuerID, domain.FieldReceiverID, domain.FieldCurrency,
		domain.FieldPaymentMethod, domain.FieldPaymentForm, domain.FieldCFDIUse,
		domain.FieldExportStatus, domain.FieldStatus, domain.FieldTotal,
	}
	var got []domain.Field
	for _, n := range p.Nodes() {
		switch n := n.(type) {
		case domain.EqNode:
			got = append(got, n.Field)
		case domain.RangeNode:
			got = append(got, n.Field)
		}
	}
	assert.Equal(t, want, got)
}

func TestCompileMalformedFilter(t *testing.T) {
	f := &domain.Filter{MinTotal: floatPtr(10), MaxTotal: floatPtr(5)}
	_, err := Compile(f, "t")
	assert.ErrorIs(t, err, ErrMalformedFilter)
}

func TestPredicateImmutable(t *testing.T) {
	p, err := Compile(&domain.Filter{Type: strPtr("I")}, "t")
	require.NoError(t, err)

	nodes := p.Nodes()
	nodes[0] = domain.EqNode{Field: domain.FieldUserID, Value: "other"}

	owner, _ := p.Owner()
	assert.Equal(t, "t", owner)
}

func TestNewFilterValidation(t *testing.T) {
	tests := []struct {
		name  string
		input domain.FilterInput
	}{
		{"end before start", domain.FilterInput{StartDate: "2024-02-01", EndDate: "2024-01-01"}},
		{"max below min", domain.FilterInput{MinTotal: floatPtr(10), MaxTotal: floatPtr(1)}},
		{"negative min", domain.FilterInput{MinTotal: floatPtr(-1)}},
		{"issuer too long", domain.FilterInput{IssuerID: "ABCDEFGHIJKLMN"}},
		{"bad date", domain.FilterInput{StartDate: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.NewFilter(tt.input)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	t.Run("bare end date covers the day", func(t *testing.T) {
		f, err := domain.NewFilter(domain.FilterInput{StartDate: "2024-01-01", EndDate: "2024-01-01"})
		require.NoError(t, err)
		assert.Equal(t, 23, f.EndDate.Hour())
		assert.True(t, f.RangesValid())
	})
}
