package domain

import "time"

// CFDI is a stored tax document. The engine treats it as read-only.
// Relations are populated only when requested through Include.
type CFDI struct {
	ID            int64     `json:"id"`
	UUID          string    `json:"uuid"`
	UserID        string    `json:"user_id"`
	Version       string    `json:"version"`
	Serie         string    `json:"serie"`
	Folio         string    `json:"folio"`
	IssueDate     time.Time `json:"issue_date"`
	Type          string    `json:"type"`
	Total         float64   `json:"total"`
	Subtotal      float64   `json:"subtotal"`
	PaymentMethod string    `json:"payment_method"`
	PaymentForm   string    `json:"payment_form"`
	Currency      string    `json:"currency"`
	CFDIUse       string    `json:"cfdi_use"`
	ExportStatus  string    `json:"export_status"`
	Status        string    `json:"status"`
	PlaceOfIssue  string    `json:"place_of_issue"`
	IssuerID      string    `json:"issuer_id"`
	ReceiverID    int64     `json:"receiver_id"`

	Issuer             *Issuer             `json:"issuer,omitempty"`
	Receiver           *Receiver           `json:"receiver,omitempty"`
	Concepts           []Concept           `json:"concepts,omitempty"`
	PaymentComplements []PaymentComplement `json:"payment_complements,omitempty"`
	Attachments        []Attachment        `json:"attachments,omitempty"`
	Relations          []Relation          `json:"relations,omitempty"`
	Cancellation       *Cancellation       `json:"cancellation,omitempty"`
}

// Amount returns the value of a numeric field.
func (c *CFDI) Amount(field Field) float64 {
	if field == FieldSubtotal {
		return c.Subtotal
	}
	return c.Total
}

// Issuer is the party that emitted a CFDI, keyed by RFC.
type Issuer struct {
	RFC       string `json:"rfc_issuer"`
	Name      string `json:"name_issuer"`
	TaxRegime string `json:"tax_regime"`
}

// Receiver is the party a CFDI was issued to.
type Receiver struct {
	ID        int64  `json:"id"`
	RFC       string `json:"rfc_receiver"`
	Name      string `json:"name_receiver"`
	TaxRegime string `json:"tax_regime"`
}

// Concept is a line item of a CFDI.
type Concept struct {
	ID          int64   `json:"id"`
	FiscalKey   string  `json:"fiscal_key"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitValue   float64 `json:"unit_value"`
	Amount      float64 `json:"amount"`
	Taxes       []Tax   `json:"taxes,omitempty"`
}

// Tax is a tax applied to a concept.
type Tax struct {
	TaxType string  `json:"tax_type" yaml:"tax_type"`
	Rate    float64 `json:"rate" yaml:"rate"`
	Amount  float64 `json:"amount"`
}

// PaymentComplement records a payment against a CFDI.
type PaymentComplement struct {
	PaymentDate   time.Time `json:"payment_date"`
	PaymentForm   string    `json:"payment_form"`
	PaymentAmount float64   `json:"payment_amount"`
}

// Attachment is file metadata attached to a CFDI. Content is never loaded.
type Attachment struct {
	ID        int64     `json:"id"`
	FileType  string    `json:"file_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Relation links a CFDI to another document.
type Relation struct {
	RelatedUUID  string `json:"related_uuid"`
	RelationType string `json:"relation_type"`
}

// Cancellation holds the cancellation state of a CFDI.
type Cancellation struct {
	Status           string     `json:"status"`
	CancellationDate *time.Time `json:"cancellation_date,omitempty"`
}

// Row is one flattened output row.
type Row map[string]any
