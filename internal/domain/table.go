package domain

import "strings"

// TableType identifies a logical table a caller can name in a join or set
// operation.
type TableType string

const (
	TableCFDI              TableType = "cfdi"
	TableIssuer            TableType = "issuer"
	TableReceiver          TableType = "receiver"
	TableConcept           TableType = "concept"
	TableTaxes             TableType = "taxes"
	TableReport            TableType = "report"
	TableVisualization     TableType = "visualization"
	TableNotification      TableType = "notification"
	TablePaymentComplement TableType = "payment_complement"
	TableCFDIAttachment    TableType = "cfdi_attachment"
	TableCFDIRelation      TableType = "cfdi_relation"
	TableUser              TableType = "user"
	TableRoles             TableType = "roles"
	TableTenant            TableType = "tenant"
	TableBatchJob          TableType = "batch_job"
)

var knownTables = map[TableType]bool{
	TableCFDI: true, TableIssuer: true, TableReceiver: true, TableConcept: true,
	TableTaxes: true, TableReport: true, TableVisualization: true, TableNotification: true,
	TablePaymentComplement: true, TableCFDIAttachment: true, TableCFDIRelation: true,
	TableUser: true, TableRoles: true, TableTenant: true, TableBatchJob: true,
}

// ParseTableType normalizes a table name. The boolean is false for names
// outside the enum.
func ParseTableType(s string) (TableType, bool) {
	t := TableType(strings.ToLower(strings.TrimSpace(s)))
	return t, knownTables[t]
}
