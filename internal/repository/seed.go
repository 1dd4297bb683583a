package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// Fixtures is a development dataset loaded by the seed command.
type Fixtures struct {
	Issuers   []IssuerFixture   `yaml:"issuers"`
	Receivers []ReceiverFixture `yaml:"receivers"`
	CFDIs     []CFDIFixture     `yaml:"cfdis"`
	Owned     []OwnedFixture    `yaml:"owned"`
}

type IssuerFixture struct {
	RFC       string `yaml:"rfc"`
	Name      string `yaml:"name"`
	TaxRegime string `yaml:"tax_regime"`
}

type ReceiverFixture struct {
	ID        int64  `yaml:"id"`
	RFC       string `yaml:"rfc"`
	Name      string `yaml:"name"`
	TaxRegime string `yaml:"tax_regime"`
}

type ConceptFixture struct {
	FiscalKey   string       `yaml:"fiscal_key"`
	Description string       `yaml:"description"`
	Quantity    float64      `yaml:"quantity"`
	UnitValue   float64      `yaml:"unit_value"`
	Amount      float64      `yaml:"amount"`
	Taxes       []domain.Tax `yaml:"taxes"`
}

type PaymentFixture struct {
	Date   time.Time `yaml:"date"`
	Form   string    `yaml:"form"`
	Amount float64   `yaml:"amount"`
}

type CFDIFixture struct {
	ID            int64            `yaml:"id"`
	UUID          string           `yaml:"uuid"`
	UserID        string           `yaml:"user_id"`
	Serie         string           `yaml:"serie"`
	Folio         string           `yaml:"folio"`
	IssueDate     time.Time        `yaml:"issue_date"`
	Type          string           `yaml:"type"`
	Total         float64          `yaml:"total"`
	Subtotal      float64          `yaml:"subtotal"`
	PaymentMethod string           `yaml:"payment_method"`
	PaymentForm   string           `yaml:"payment_form"`
	Currency      string           `yaml:"currency"`
	CFDIUse       string           `yaml:"cfdi_use"`
	Status        string           `yaml:"status"`
	IssuerID      string           `yaml:"issuer_id"`
	ReceiverID    int64            `yaml:"receiver_id"`
	Concepts      []ConceptFixture `yaml:"concepts"`
	Payments      []PaymentFixture `yaml:"payments"`
	Cancellation  string           `yaml:"cancellation"`
}

// OwnedFixture is one row of an owned-entity table.
type OwnedFixture struct {
	Kind   domain.OwnedKind `yaml:"kind"`
	ID     string           `yaml:"id"`
	UserID string           `yaml:"user_id"`
	Name   string           `yaml:"name"`
}

// LoadFixtures reads a YAML fixtures file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return &f, nil
}

// Records converts the fixtures to fully populated records, for stores
// that hold records directly.
func (f *Fixtures) Records() []*domain.CFDI {
	issuers := make(map[string]*domain.Issuer, len(f.Issuers))
	for _, i := range f.Issuers {
		issuers[i.RFC] = &domain.Issuer{RFC: i.RFC, Name: i.Name, TaxRegime: i.TaxRegime}
	}
	receivers := make(map[int64]*domain.Receiver, len(f.Receivers))
	for _, r := range f.Receivers {
		receivers[r.ID] = &domain.Receiver{ID: r.ID, RFC: r.RFC, Name: r.Name, TaxRegime: r.TaxRegime}
	}

	out := make([]*domain.CFDI, 0, len(f.CFDIs))
	var conceptID int64
	for _, c := range f.CFDIs {
		rec := &domain.CFDI{
			ID: c.ID, UUID: c.UUID, UserID: c.UserID, Version: "4.0",
			Serie: c.Serie, Folio: c.Folio, IssueDate: c.IssueDate.UTC(), Type: c.Type,
			Total: c.Total, Subtotal: c.Subtotal, PaymentMethod: c.PaymentMethod,
			PaymentForm: c.PaymentForm, Currency: c.Currency, CFDIUse: c.CFDIUse,
			Status: c.Status, IssuerID: c.IssuerID, ReceiverID: c.ReceiverID,
			Issuer: issuers[c.IssuerID], Receiver: receivers[c.ReceiverID],
		}
		for _, cf := range c.Concepts {
			conceptID++
			rec.Concepts = append(rec.Concepts, domain.Concept{
				ID: conceptID, FiscalKey: cf.FiscalKey, Description: cf.Description,
				Quantity: cf.Quantity, UnitValue: cf.UnitValue, Amount: cf.Amount, Taxes: cf.Taxes,
			})
		}
		for _, p := range c.Payments {
			rec.PaymentComplements = append(rec.PaymentComplements, domain.PaymentComplement{
				PaymentDate: p.Date.UTC(), PaymentForm: p.Form, PaymentAmount: p.Amount,
			})
		}
		if c.Cancellation != "" {
			rec.Cancellation = &domain.Cancellation{Status: c.Cancellation}
		}
		out = append(out, rec)
	}
	return out
}

// Seed inserts the fixtures in a single transaction.
func (r *SQLRepository) Seed(ctx context.Context, f *Fixtures) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, i := range f.Issuers {
		if err := r.exec(ctx, tx, `INSERT INTO issuer (rfc_issuer, name_issuer, tax_regime) VALUES (?, ?, ?)`,
			i.RFC, i.Name, i.TaxRegime); err != nil {
			return fmt.Errorf("insert issuer %s: %w", i.RFC, err)
		}
	}
	for _, rc := range f.Receivers {
		if err := r.exec(ctx, tx, `INSERT INTO receiver (id, rfc_receiver, name_receiver, tax_regime) VALUES (?, ?, ?, ?)`,
			rc.ID, rc.RFC, rc.Name, rc.TaxRegime); err != nil {
			return fmt.Errorf("insert receiver %d: %w", rc.ID, err)
		}
	}

	for _, rec := range f.Records() {
		if err := r.insertCFDI(ctx, tx, rec); err != nil {
			return fmt.Errorf("insert cfdi %s: %w", rec.UUID, err)
		}
	}

	now := time.Now().UTC()
	for _, o := range f.Owned {
		var err error
		switch o.Kind {
		case domain.OwnedVisualization:
			err = r.exec(ctx, tx, `INSERT INTO visualization (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`, o.ID, o.UserID, o.Name, now)
		case domain.OwnedNotification:
			err = r.exec(ctx, tx, `INSERT INTO notification (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`, o.ID, o.UserID, o.Name, now)
		case domain.OwnedBatchJob:
			err = r.exec(ctx, tx, `INSERT INTO batch_job (id, user_id, job_type, status, created_at) VALUES (?, ?, ?, 'completed', ?)`, o.ID, o.UserID, o.Name, now)
		case domain.OwnedUser:
			err = r.exec(ctx, tx, `INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`, o.ID, o.Name, now)
		case domain.OwnedReport:
			err = r.exec(ctx, tx, `INSERT INTO report (id, user_id, name, format, created_at) VALUES (?, ?, ?, 'json', ?)`, o.ID, o.UserID, o.Name, now)
		default:
			err = fmt.Errorf("%w: unknown owned kind %s", ErrInvalidInput, o.Kind)
		}
		if err != nil {
			return fmt.Errorf("insert %s %s: %w", o.Kind, o.ID, err)
		}
	}

	return tx.Commit()
}

// InsertCFDI stores one record with its relations.
func (r *SQLRepository) InsertCFDI(ctx context.Context, rec *domain.CFDI) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.insertCFDI(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) insertCFDI(ctx context.Context, tx *sql.Tx, c *domain.CFDI) error {
	if c.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	var receiverID any
	if c.ReceiverID != 0 {
		receiverID = c.ReceiverID
	}
	version := c.Version
	if version == "" {
		version = "4.0"
	}

	err := r.exec(ctx, tx, `
		INSERT INTO cfdi (
			id, uuid, user_id, version, serie, folio, issue_date, type, total, subtotal,
			payment_method, payment_form, currency, cfdi_use, export_status, status,
			place_of_issue, issuer_id, receiver_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UUID, c.UserID, version, c.Serie, c.Folio, c.IssueDate.UTC(), c.Type, c.Total, c.Subtotal,
		c.PaymentMethod, c.PaymentForm, c.Currency, c.CFDIUse, c.ExportStatus, c.Status,
		c.PlaceOfIssue, c.IssuerID, receiverID,
	)
	if err != nil {
		return err
	}

	for _, cp := range c.Concepts {
		query := `INSERT INTO concept (cfdi_id, fiscal_key, description, quantity, unit_value, amount)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`
		args := []any{c.ID, cp.FiscalKey, cp.Description, cp.Quantity, cp.UnitValue, cp.Amount}
		if cp.ID != 0 {
			query = `INSERT INTO concept (id, cfdi_id, fiscal_key, description, quantity, unit_value, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`
			args = append([]any{cp.ID}, args...)
		}
		var id int64
		if err := tx.QueryRowContext(ctx, r.rebind(query), args...).Scan(&id); err != nil {
			return fmt.Errorf("insert concept: %w", err)
		}
		for _, t := range cp.Taxes {
			if err := r.exec(ctx, tx, `INSERT INTO taxes (concept_id, tax_type, rate, amount) VALUES (?, ?, ?, ?)`,
				id, t.TaxType, t.Rate, t.Amount); err != nil {
				return fmt.Errorf("insert tax: %w", err)
			}
		}
	}
	for _, p := range c.PaymentComplements {
		if err := r.exec(ctx, tx, `INSERT INTO payment_complement (cfdi_id, payment_date, payment_form, payment_amount) VALUES (?, ?, ?, ?)`,
			c.ID, p.PaymentDate.UTC(), p.PaymentForm, p.PaymentAmount); err != nil {
			return fmt.Errorf("insert payment complement: %w", err)
		}
	}
	for _, a := range c.Attachments {
		if err := r.exec(ctx, tx, `INSERT INTO cfdi_attachment (cfdi_id, file_type, created_at) VALUES (?, ?, ?)`,
			c.ID, a.FileType, a.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	for _, rel := range c.Relations {
		if err := r.exec(ctx, tx, `INSERT INTO cfdi_relation (cfdi_id, related_uuid, relation_type) VALUES (?, ?, ?)`,
			c.ID, rel.RelatedUUID, rel.RelationType); err != nil {
			return fmt.Errorf("insert relation: %w", err)
		}
	}
	if c.Cancellation != nil {
		if err := r.exec(ctx, tx, `INSERT INTO cancellation (cfdi_id, status, cancellation_date) VALUES (?, ?, ?)`,
			c.ID, c.Cancellation.Status, c.Cancellation.CancellationDate); err != nil {
			return fmt.Errorf("insert cancellation: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, r.rebind(query), args...)
	return err
}
