package domain

import (
	"strings"
	"time"
)

// Filter is the declarative CFDI filter shared by every analytics operation.
// Build it with NewFilter; the range invariants are checked there and
// nowhere else.
type Filter struct {
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Type          *string    `json:"type,omitempty"`
	Serie         *string    `json:"serie,omitempty"`
	Folio         *string    `json:"folio,omitempty"`
	IssuerID      *string    `json:"issuer_id,omitempty"`
	ReceiverID    *int64     `json:"receiver_id,omitempty"`
	Currency      *string    `json:"currency,omitempty"`
	PaymentMethod *string    `json:"payment_method,omitempty"`
	PaymentForm   *string    `json:"payment_form,omitempty"`
	CFDIUse       *string    `json:"cfdi_use,omitempty"`
	ExportStatus  *string    `json:"export_status,omitempty"`
	Status        *string    `json:"status,omitempty"`
	MinTotal      *float64   `json:"min_total,omitempty"`
	MaxTotal      *float64   `json:"max_total,omitempty"`
}

// RangesValid reports whether both range invariants hold.
func (f *Filter) RangesValid() bool {
	if f == nil {
		return true
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return false
	}
	if f.MinTotal != nil && f.MaxTotal != nil && *f.MaxTotal < *f.MinTotal {
		return false
	}
	return true
}

// HasDateRange reports whether both date bounds are present.
func (f *Filter) HasDateRange() bool {
	return f != nil && f.StartDate != nil && f.EndDate != nil
}

// FilterInput is the wire form of a Filter. Dates accept RFC 3339 or
// YYYY-MM-DD.
type FilterInput struct {
	StartDate     string   `json:"start_date,omitempty" yaml:"start_date"`
	EndDate       string   `json:"end_date,omitempty" yaml:"end_date"`
	Type          string   `json:"type,omitempty" yaml:"type"`
	Serie         string   `json:"serie,omitempty" yaml:"serie"`
	Folio         string   `json:"folio,omitempty" yaml:"folio"`
	IssuerID      string   `json:"issuer_id,omitempty" yaml:"issuer_id"`
	ReceiverID    *int64   `json:"receiver_id,omitempty" yaml:"receiver_id"`
	Currency      string   `json:"currency,omitempty" yaml:"currency"`
	PaymentMethod string   `json:"payment_method,omitempty" yaml:"payment_method"`
	PaymentForm   string   `json:"payment_form,omitempty" yaml:"payment_form"`
	CFDIUse       string   `json:"cfdi_use,omitempty" yaml:"cfdi_use"`
	ExportStatus  string   `json:"export_status,omitempty" yaml:"export_status"`
	Status        string   `json:"status,omitempty" yaml:"status"`
	MinTotal      *float64 `json:"min_total,omitempty" yaml:"min_total"`
	MaxTotal      *float64 `json:"max_total,omitempty" yaml:"max_total"`
}

type stringField struct {
	name   string
	value  string
	maxLen int
	dst    **string
}

// NewFilter validates the input and returns an immutable Filter.
func NewFilter(in FilterInput) (*Filter, error) {
	return in.Build()
}

// Build validates the input and returns an immutable Filter.
func (in FilterInput) Build() (*Filter, error) {
	f := &Filter{}

	var err error
	if f.StartDate, err = parseDateBound("start_date", in.StartDate, false); err != nil {
		return nil, err
	}
	if f.EndDate, err = parseDateBound("end_date", in.EndDate, true); err != nil {
		return nil, err
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, NewValidationError("end_date must be greater than or equal to start_date")
	}

	fields := []stringField{
		{"type", in.Type, 20, &f.Type},
		{"serie", in.Serie, 25, &f.Serie},
		{"folio", in.Folio, 25, &f.Folio},
		{"issuer_id", in.IssuerID, 13, &f.IssuerID},
		{"currency", in.Currency, 10, &f.Currency},
		{"payment_method", in.PaymentMethod, 50, &f.PaymentMethod},
		{"payment_form", in.PaymentForm, 50, &f.PaymentForm},
		{"cfdi_use", in.CFDIUse, 50, &f.CFDIUse},
		{"export_status", in.ExportStatus, 20, &f.ExportStatus},
		{"status", in.Status, 20, &f.Status},
	}
	for _, sf := range fields {
		v := strings.TrimSpace(sf.value)
		if v == "" {
			continue
		}
		if len(v) > sf.maxLen {
			return nil, NewValidationError("%s must be at most %d characters", sf.name, sf.maxLen)
		}
		*sf.dst = &v
	}

	if in.ReceiverID != nil {
		id := *in.ReceiverID
		f.ReceiverID = &id
	}

	if in.MinTotal != nil {
		if *in.MinTotal < 0 {
			return nil, NewValidationError("min_total must be greater than or equal to 0")
		}
		v := *in.MinTotal
		f.MinTotal = &v
	}
	if in.MaxTotal != nil {
		if *in.MaxTotal < 0 {
			return nil, NewValidationError("max_total must be greater than or equal to 0")
		}
		v := *in.MaxTotal
		f.MaxTotal = &v
	}
	if f.MinTotal != nil && f.MaxTotal != nil && *f.MaxTotal < *f.MinTotal {
		return nil, NewValidationError("max_total must be greater than or equal to min_total")
	}

	return f, nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// parseDateBound parses a date bound. A bare end date covers the whole day.
func parseDateBound(name, raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		t = t.UTC()
		return &t, nil
	}
	return nil, NewValidationError("%s must be a date (YYYY-MM-DD) or RFC 3339 timestamp", name)
}
