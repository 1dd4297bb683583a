// Package join runs the predefined join catalog and validated custom joins
// over a tenant's CFDI records.
package join

import (
	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// shape selects how a definition is fetched and how total_count is derived.
type shape int

const (
	// shapeRecords yields rows from each fetched CFDI; total_count is the
	// CFDI count.
	shapeRecords shape = iota
	// shapeSummary groups the fetched page; total_count is the group count.
	shapeSummary
	// shapeOwned reads tenant-owned entities instead of CFDI.
	shapeOwned
)

// Definition is one entry of the predefined join catalog.
type Definition struct {
	ID                int             `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Tables            []string        `json:"tables"`
	JoinType          domain.JoinType `json:"join_type"`
	RequiresDateRange bool            `json:"requires_date_range"`

	shape   shape
	include domain.Include
	orderBy domain.Field
	owned   domain.OwnedKind
	flatten func([]*domain.CFDI) []domain.Row
}

var catalog = []Definition{
	{
		ID: 1, Name: "cfdi_with_issuer", Description: "CFDI with issuer information",
		Tables: []string{"CFDI", "Issuer"}, JoinType: domain.JoinInner,
		include: domain.Include{Issuer: true}, flatten: perRecord(withIssuer),
	},
	{
		ID: 2, Name: "cfdi_with_receiver", Description: "CFDI with receiver information",
		Tables: []string{"CFDI", "Receiver"}, JoinType: domain.JoinLeft,
		include: domain.Include{Receiver: true}, flatten: perRecord(withReceiver),
	},
	{
		ID: 3, Name: "cfdi_full", Description: "CFDI with issuer and receiver",
		Tables: []string{"CFDI", "Issuer", "Receiver"}, JoinType: domain.JoinInnerLeft,
		include: domain.Include{Issuer: true, Receiver: true}, flatten: perRecord(full),
	},
	{
		ID: 4, Name: "cfdi_with_concepts", Description: "CFDI with its concepts",
		Tables: []string{"CFDI", "Concept"}, JoinType: domain.JoinInner,
		include: domain.Include{Concepts: true}, flatten: concepts,
	},
	{
		ID: 5, Name: "cfdi_with_concepts_taxes", Description: "CFDI with concepts and taxes",
		Tables: []string{"CFDI", "Concept", "Taxes"}, JoinType: domain.JoinInner,
		include: domain.Include{Concepts: true, Taxes: true}, flatten: conceptTaxes,
	},
	{
		ID: 6, Name: "cfdi_tax_summary", Description: "Tax summary per CFDI",
		Tables: []string{"CFDI", "Concept", "Taxes"}, JoinType: domain.JoinInner,
		shape: shapeSummary, include: domain.Include{Concepts: true, Taxes: true}, flatten: taxSummary,
	},
	{
		ID: 7, Name: "user_reports", Description: "Reports of the user",
		Tables: []string{"Report", "CFDI"}, JoinType: domain.JoinLeft,
		shape: shapeOwned, owned: domain.OwnedReport,
	},
	{
		ID: 8, Name: "user_visualizations", Description: "Visualizations of the user",
		Tables: []string{"Visualization", "CFDI"}, JoinType: domain.JoinLeft,
		shape: shapeOwned, owned: domain.OwnedVisualization,
	},
	{
		ID: 9, Name: "user_notifications", Description: "Notifications of the user",
		Tables: []string{"Notification", "CFDI"}, JoinType: domain.JoinLeft,
		shape: shapeOwned, owned: domain.OwnedNotification,
	},
	{
		ID: 10, Name: "cfdi_with_payment_complements", Description: "CFDI with payment complements",
		Tables: []string{"CFDI", "PaymentComplement"}, JoinType: domain.JoinInner,
		include: domain.Include{PaymentComplements: true}, flatten: payments,
	},
	{
		ID: 11, Name: "cfdi_with_attachments", Description: "CFDI with attachments (without file content)",
		Tables: []string{"CFDI", "CFDIAttachment"}, JoinType: domain.JoinInner,
		include: domain.Include{Attachments: true}, flatten: attachments,
	},
	{
		ID: 12, Name: "cfdi_with_relations", Description: "CFDI with its relations",
		Tables: []string{"CFDI", "CFDIRelation"}, JoinType: domain.JoinInner,
		include: domain.Include{Relations: true}, flatten: relations,
	},
	{
		ID: 13, Name: "cfdi_monthly_summary", Description: "Monthly CFDI summary",
		Tables: []string{"CFDI"}, JoinType: domain.JoinNone, RequiresDateRange: true,
		shape: shapeSummary, flatten: monthlySummary,
	},
	{
		ID: 14, Name: "cfdi_by_issuer", Description: "Summary per issuer",
		Tables: []string{"CFDI", "Issuer"}, JoinType: domain.JoinInner, RequiresDateRange: true,
		shape: shapeSummary, include: domain.Include{Issuer: true}, orderBy: domain.FieldTotal, flatten: byIssuer,
	},
	{
		ID: 15, Name: "cfdi_by_type", Description: "Summary per CFDI type",
		Tables: []string{"CFDI"}, JoinType: domain.JoinNone, RequiresDateRange: true,
		shape: shapeSummary, orderBy: domain.FieldTotal, flatten: byType,
	},
	{
		ID: 16, Name: "user_info", Description: "User information with role and tenant",
		Tables: []string{"User", "Roles", "Tenant"}, JoinType: domain.JoinInnerLeft,
		shape: shapeOwned, owned: domain.OwnedUser,
	},
	{
		ID: 17, Name: "user_batch_jobs", Description: "Batch jobs of the user",
		Tables: []string{"BatchJob"}, JoinType: domain.JoinNone,
		shape: shapeOwned, owned: domain.OwnedBatchJob,
	},
	{
		ID: 18, Name: "cfdi_complete", Description: "Complete CFDI view with all related information",
		Tables:   []string{"CFDI", "Issuer", "Receiver", "Concept", "CFDIAttachment", "PaymentComplement"},
		JoinType: domain.JoinInnerLeft,
		include: domain.Include{
			Issuer: true, Receiver: true, Concepts: true, Attachments: true, PaymentComplements: true,
		},
		flatten: perRecord(complete),
	},
	{
		ID: 19, Name: "cfdi_by_receiver", Description: "Summary per receiver",
		Tables: []string{"CFDI", "Receiver"}, JoinType: domain.JoinInner,
		shape: shapeSummary, include: domain.Include{Receiver: true}, orderBy: domain.FieldTotal, flatten: byReceiver,
	},
	{
		ID: 20, Name: "cfdi_with_concepts_relations", Description: "CFDI with concepts and relations",
		Tables: []string{"CFDI", "Concept", "CFDIRelation"}, JoinType: domain.JoinInner,
		include: domain.Include{Concepts: true, Relations: true}, flatten: conceptRelations,
	},
	{
		ID: 21, Name: "payment_complement_monthly", Description: "Monthly payment complement summary",
		Tables: []string{"CFDI", "PaymentComplement"}, JoinType: domain.JoinInner, RequiresDateRange: true,
		shape: shapeSummary, include: domain.Include{PaymentComplements: true}, flatten: paymentMonthly,
	},
	{
		ID: 22, Name: "cfdi_with_cancellation_status", Description: "CFDI with cancellation status",
		Tables: []string{"CFDI", "Cancellation"}, JoinType: domain.JoinLeft,
		include: domain.Include{Cancellation: true}, flatten: perRecord(cancellation),
	},
}

// Catalog returns the predefined definitions ordered by id.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition with id.
func Lookup(id int) (Definition, bool) {
	if id < 1 || id > len(catalog) {
		return Definition{}, false
	}
	return catalog[id-1], true
}

// Listing is one page of the catalog.
type Listing struct {
	Joins      []Definition `json:"joins"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
	TotalCount int          `json:"total_count"`
}

// List pages through the catalog.
func List(page, pageSize int) (*Listing, error) {
	if err := domain.ValidatePage(page, pageSize); err != nil {
		return nil, err
	}
	start, end := domain.PageSlice(len(catalog), page, pageSize)
	return &Listing{
		Joins:      Catalog()[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalPages: domain.TotalPages(int64(len(catalog)), pageSize),
		TotalCount: len(catalog),
	}, nil
}
