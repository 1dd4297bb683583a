package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// Files written into every mount dir.
const (
	dataFile     = "data.json"
	conceptsFile = "concepts.json"
)

// Record is the flat form of a CFDI handed to scripts.
type Record struct {
	UUID          string  `json:"uuid"`
	Total         float64 `json:"total"`
	Subtotal      float64 `json:"subtotal"`
	IssueDate     string  `json:"issue_date"`
	Type          string  `json:"type"`
	Serie         string  `json:"serie"`
	Folio         string  `json:"folio"`
	IssuerID      string  `json:"issuer_id"`
	IssuerName    *string `json:"issuer_name"`
	ReceiverID    int64   `json:"receiver_id"`
	ReceiverName  *string `json:"receiver_name"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"payment_method"`
	PaymentForm   string  `json:"payment_form"`
	CFDIUse       string  `json:"cfdi_use"`
	ExportStatus  string  `json:"export_status"`
	Status        string  `json:"status"`
}

// ConceptRecord is one concept line, keyed by the CFDI uuid.
type ConceptRecord struct {
	CFDIUUID    string  `json:"cfdi_uuid"`
	FiscalKey   string  `json:"fiscal_key"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitValue   float64 `json:"unit_value"`
	Amount      float64 `json:"amount"`
}

func flattenRecord(c *domain.CFDI) Record {
	r := Record{
		UUID:          c.UUID,
		Total:         c.Total,
		Subtotal:      c.Subtotal,
		IssueDate:     c.IssueDate.UTC().Format(time.RFC3339),
		Type:          c.Type,
		Serie:         c.Serie,
		Folio:         c.Folio,
		IssuerID:      c.IssuerID,
		ReceiverID:    c.ReceiverID,
		Currency:      c.Currency,
		PaymentMethod: c.PaymentMethod,
		PaymentForm:   c.PaymentForm,
		CFDIUse:       c.CFDIUse,
		ExportStatus:  c.ExportStatus,
		Status:        c.Status,
	}
	if c.Issuer != nil {
		r.IssuerName = &c.Issuer.Name
	}
	if c.Receiver != nil {
		r.ReceiverName = &c.Receiver.Name
	}
	return r
}

// writeData writes data.json, concepts.json and the harness files into dir.
func writeData(dir string, records []*domain.CFDI, harness map[string][]byte) error {
	flat := make([]Record, 0, len(records))
	var concepts []ConceptRecord
	for _, rec := range records {
		flat = append(flat, flattenRecord(rec))
		for _, c := range rec.Concepts {
			concepts = append(concepts, ConceptRecord{
				CFDIUUID:    rec.UUID,
				FiscalKey:   c.FiscalKey,
				Description: c.Description,
				Quantity:    c.Quantity,
				UnitValue:   c.UnitValue,
				Amount:      c.Amount,
			})
		}
	}

	if err := writeJSONFile(filepath.Join(dir, dataFile), flat); err != nil {
		return err
	}
	if concepts == nil {
		concepts = []ConceptRecord{}
	}
	if err := writeJSONFile(filepath.Join(dir, conceptsFile), concepts); err != nil {
		return err
	}
	for name, body := range harness {
		if err := os.WriteFile(filepath.Join(dir, name), body, 0o444); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o444)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
