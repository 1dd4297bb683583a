// Package filter compiles a domain.Filter into a tenant-scoped predicate.
package filter

import (
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

var (
	// ErrMissingTenant is returned when no tenant is supplied.
	ErrMissingTenant = errors.New("tenant is required")

	// ErrMalformedFilter is returned for a filter whose range invariants do
	// not hold. Filters built through domain.NewFilter never trigger it.
	ErrMalformedFilter = errors.New("malformed filter")
)

// Compile translates f into a predicate. The ownership constraint on tenant
// is always the first node. A nil filter selects every record of the tenant.
func Compile(f *domain.Filter, tenant string) (domain.Predicate, error) {
	if tenant == "" {
		return domain.Predicate{}, ErrMissingTenant
	}
	if !f.RangesValid() {
		slog.Error("malformed filter reached the compiler",
			"tenant_id", tenant,
			"filter", f,
		)
		return domain.Predicate{}, ErrMalformedFilter
	}

	b := domain.NewPredicateBuilder(tenant)
	if f == nil {
		return b.Build(), nil
	}

	b.Range(domain.FieldIssueDate, timeBound(f.StartDate), timeBound(f.EndDate))

	eqString(b, domain.FieldType, f.Type)
	eqString(b, domain.FieldSerie, f.Serie)
	eqString(b, domain.FieldFolio, f.Folio)
	eqString(b, domain.FieldIssuerID, f.IssuerID)
	if f.ReceiverID != nil {
		b.Eq(domain.FieldReceiverID, *f.ReceiverID)
	}
	eqString(b, domain.FieldCurrency, f.Currency)
	eqString(b, domain.FieldPaymentMethod, f.PaymentMethod)
	eqString(b, domain.FieldPaymentForm, f.PaymentForm)
	eqString(b, domain.FieldCFDIUse, f.CFDIUse)
	eqString(b, domain.FieldExportStatus, f.ExportStatus)
	eqString(b, domain.FieldStatus, f.Status)

	b.Range(domain.FieldTotal, floatBound(f.MinTotal), floatBound(f.MaxTotal))

	return b.Build(), nil
}

// MustOwner compiles the ownership-only predicate. It panics on an empty
// tenant and is meant for callers that have already checked it.
func MustOwner(tenant string) domain.Predicate {
	p, err := Compile(nil, tenant)
	if err != nil {
		panic(err)
	}
	return p
}

func eqString(b *domain.PredicateBuilder, field domain.Field, v *string) {
	if v != nil {
		b.Eq(field, *v)
	}
}

// timeBound and floatBound unwrap optional bounds so an absent bound stays a
// nil interface.
func timeBound(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func floatBound(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
