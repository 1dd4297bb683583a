package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// columns maps predicate and order fields to SQL columns. Fields outside the
// map are rejected, so no caller-supplied text reaches the query.
var columns = map[domain.Field]string{
	domain.FieldID:            "c.id",
	domain.FieldUserID:        "c.user_id",
	domain.FieldUUID:          "c.uuid",
	domain.FieldIssueDate:     "c.issue_date",
	domain.FieldType:          "c.type",
	domain.FieldSerie:         "c.serie",
	domain.FieldFolio:         "c.folio",
	domain.FieldIssuerID:      "c.issuer_id",
	domain.FieldReceiverID:    "c.receiver_id",
	domain.FieldCurrency:      "c.currency",
	domain.FieldPaymentMethod: "c.payment_method",
	domain.FieldPaymentForm:   "c.payment_form",
	domain.FieldCFDIUse:       "c.cfdi_use",
	domain.FieldExportStatus:  "c.export_status",
	domain.FieldStatus:        "c.status",
	domain.FieldTotal:         "c.total",
	domain.FieldSubtotal:      "c.subtotal",
}

const selectCFDI = `
	SELECT c.id, c.uuid, c.user_id, c.version, c.serie, c.folio, c.issue_date,
		   c.type, c.total, c.subtotal, c.payment_method, c.payment_form,
		   c.currency, c.cfdi_use, c.export_status, c.status, c.place_of_issue,
		   c.issuer_id, c.receiver_id,
		   i.rfc_issuer, i.name_issuer, i.tax_regime,
		   r.id, r.rfc_receiver, r.name_receiver, r.tax_regime
	FROM cfdi c
	LEFT JOIN issuer i ON i.rfc_issuer = c.issuer_id
	LEFT JOIN receiver r ON r.id = c.receiver_id
`

// where renders a predicate as a parameterized WHERE clause.
func where(p domain.Predicate) (string, []any, error) {
	if _, ok := p.Owner(); !ok {
		return "", nil, domain.ErrUnscopedPredicate
	}

	var terms []string
	var args []any
	for _, node := range p.Nodes() {
		switch n := node.(type) {
		case domain.EqNode:
			col, ok := columns[n.Field]
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown field %s", ErrInvalidInput, n.Field)
			}
			terms = append(terms, col+" = ?")
			args = append(args, bindValue(n.Value))
		case domain.RangeNode:
			col, ok := columns[n.Field]
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown field %s", ErrInvalidInput, n.Field)
			}
			if n.Gte != nil {
				terms = append(terms, col+" >= ?")
				args = append(args, bindValue(n.Gte))
			}
			if n.Lte != nil {
				terms = append(terms, col+" <= ?")
				args = append(args, bindValue(n.Lte))
			}
		}
	}
	return " WHERE " + strings.Join(terms, " AND "), args, nil
}

// bindValue normalizes times to UTC so stored and bound values compare.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func orderBy(order []domain.Order) (string, error) {
	terms := make([]string, 0, len(order)+1)
	for _, o := range order {
		col, ok := columns[o.Field]
		if !ok {
			return "", fmt.Errorf("%w: unknown order field %s", ErrInvalidInput, o.Field)
		}
		if o.Desc {
			col += " DESC"
		}
		terms = append(terms, col)
	}
	terms = append(terms, "c.id DESC")
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// Count implements domain.RecordStore.
func (r *SQLRepository) Count(ctx context.Context, q domain.RecordQuery) (int64, error) {
	w, args, err := where(q.Where)
	if err != nil {
		return 0, err
	}

	var n int64
	err = r.db.QueryRowContext(ctx, r.rebind("SELECT COUNT(*) FROM cfdi c"+w), args...).Scan(&n)
	return n, err
}

// FindFirst implements domain.RecordStore.
func (r *SQLRepository) FindFirst(ctx context.Context, q domain.RecordQuery) (*domain.CFDI, error) {
	q.Take = 1
	records, err := r.FindMany(ctx, q)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// FindMany implements domain.RecordStore.
func (r *SQLRepository) FindMany(ctx context.Context, q domain.RecordQuery) ([]*domain.CFDI, error) {
	w, args, err := where(q.Where)
	if err != nil {
		return nil, err
	}
	ob, err := orderBy(q.OrderBy)
	if err != nil {
		return nil, err
	}
	limit, limitArgs := r.page(q.Skip, q.Take)

	rows, err := r.db.QueryContext(ctx, r.rebind(selectCFDI+w+ob+limit), append(args, limitArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.CFDI
	for rows.Next() {
		rec, err := scanCFDI(rows, q.Include)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadRelations(ctx, records, q.Include); err != nil {
		return nil, err
	}
	return records, nil
}

func scanCFDI(rows *sql.Rows, inc domain.Include) (*domain.CFDI, error) {
	var c domain.CFDI
	var receiverID sql.NullInt64
	var iRFC, iName, iRegime sql.NullString
	var rID sql.NullInt64
	var rRFC, rName, rRegime sql.NullString

	if err := rows.Scan(
		&c.ID, &c.UUID, &c.UserID, &c.Version, &c.Serie, &c.Folio, &c.IssueDate,
		&c.Type, &c.Total, &c.Subtotal, &c.PaymentMethod, &c.PaymentForm,
		&c.Currency, &c.CFDIUse, &c.ExportStatus, &c.Status, &c.PlaceOfIssue,
		&c.IssuerID, &receiverID,
		&iRFC, &iName, &iRegime,
		&rID, &rRFC, &rName, &rRegime,
	); err != nil {
		return nil, err
	}

	c.IssueDate = c.IssueDate.UTC()
	c.ReceiverID = receiverID.Int64
	if inc.Issuer && iRFC.Valid {
		c.Issuer = &domain.Issuer{RFC: iRFC.String, Name: iName.String, TaxRegime: iRegime.String}
	}
	if inc.Receiver && rID.Valid {
		c.Receiver = &domain.Receiver{ID: rID.Int64, RFC: rRFC.String, Name: rName.String, TaxRegime: rRegime.String}
	}
	return &c, nil
}

// loadRelations batch-loads the one-to-many relations of records.
func (r *SQLRepository) loadRelations(ctx context.Context, records []*domain.CFDI, inc domain.Include) error {
	if len(records) == 0 {
		return nil
	}

	byID := make(map[int64]*domain.CFDI, len(records))
	ids := make([]any, 0, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	if inc.Concepts || inc.Taxes {
		if err := r.loadConcepts(ctx, byID, ids, inc.Taxes); err != nil {
			return fmt.Errorf("load concepts: %w", err)
		}
	}
	if inc.PaymentComplements {
		if err := r.loadPayments(ctx, byID, ids); err != nil {
			return fmt.Errorf("load payment complements: %w", err)
		}
	}
	if inc.Attachments {
		if err := r.loadAttachments(ctx, byID, ids); err != nil {
			return fmt.Errorf("load attachments: %w", err)
		}
	}
	if inc.Relations {
		if err := r.loadCFDIRelations(ctx, byID, ids); err != nil {
			return fmt.Errorf("load relations: %w", err)
		}
	}
	if inc.Cancellation {
		if err := r.loadCancellations(ctx, byID, ids); err != nil {
			return fmt.Errorf("load cancellations: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) loadConcepts(ctx context.Context, byID map[int64]*domain.CFDI, ids []any, withTaxes bool) error {
	query := `
		SELECT id, cfdi_id, fiscal_key, description, quantity, unit_value, amount
		FROM concept
		WHERE cfdi_id IN (` + placeholders(len(ids)) + `)
		ORDER BY cfdi_id, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), ids...)
	if err != nil {
		return err
	}

	type conceptRef struct {
		cfdiID int64
		idx    int
	}
	var conceptIDs []any
	refs := make(map[int64]conceptRef)
	for rows.Next() {
		var c domain.Concept
		var cfdiID int64
		if err := rows.Scan(&c.ID, &cfdiID, &c.FiscalKey, &c.Description, &c.Quantity, &c.UnitValue, &c.Amount); err != nil {
			rows.Close()
			return err
		}
		rec := byID[cfdiID]
		rec.Concepts = append(rec.Concepts, c)
		refs[c.ID] = conceptRef{cfdiID: cfdiID, idx: len(rec.Concepts) - 1}
		conceptIDs = append(conceptIDs, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if !withTaxes || len(conceptIDs) == 0 {
		return nil
	}

	query = `
		SELECT concept_id, tax_type, rate, amount
		FROM taxes
		WHERE concept_id IN (` + placeholders(len(conceptIDs)) + `)
		ORDER BY concept_id, id
	`
	rows, err = r.db.QueryContext(ctx, r.rebind(query), conceptIDs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.Tax
		var conceptID int64
		if err := rows.Scan(&conceptID, &t.TaxType, &t.Rate, &t.Amount); err != nil {
			return err
		}
		cr := refs[conceptID]
		c := &byID[cr.cfdiID].Concepts[cr.idx]
		c.Taxes = append(c.Taxes, t)
	}
	return rows.Err()
}

func (r *SQLRepository) loadPayments(ctx context.Context, byID map[int64]*domain.CFDI, ids []any) error {
	query := `
		SELECT cfdi_id, payment_date, payment_form, payment_amount
		FROM payment_complement
		WHERE cfdi_id IN (` + placeholders(len(ids)) + `)
		ORDER BY cfdi_id, payment_date DESC, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.PaymentComplement
		var cfdiID int64
		if err := rows.Scan(&cfdiID, &p.PaymentDate, &p.PaymentForm, &p.PaymentAmount); err != nil {
			return err
		}
		p.PaymentDate = p.PaymentDate.UTC()
		byID[cfdiID].PaymentComplements = append(byID[cfdiID].PaymentComplements, p)
	}
	return rows.Err()
}

func (r *SQLRepository) loadAttachments(ctx context.Context, byID map[int64]*domain.CFDI, ids []any) error {
	query := `
		SELECT id, cfdi_id, file_type, created_at
		FROM cfdi_attachment
		WHERE cfdi_id IN (` + placeholders(len(ids)) + `)
		ORDER BY cfdi_id, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Attachment
		var cfdiID int64
		if err := rows.Scan(&a.ID, &cfdiID, &a.FileType, &a.CreatedAt); err != nil {
			return err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		byID[cfdiID].Attachments = append(byID[cfdiID].Attachments, a)
	}
	return rows.Err()
}

func (r *SQLRepository) loadCFDIRelations(ctx context.Context, byID map[int64]*domain.CFDI, ids []any) error {
	query := `
		SELECT cfdi_id, related_uuid, relation_type
		FROM cfdi_relation
		WHERE cfdi_id IN (` + placeholders(len(ids)) + `)
		ORDER BY cfdi_id, id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rel domain.Relation
		var cfdiID int64
		if err := rows.Scan(&cfdiID, &rel.RelatedUUID, &rel.RelationType); err != nil {
			return err
		}
		byID[cfdiID].Relations = append(byID[cfdiID].Relations, rel)
	}
	return rows.Err()
}

func (r *SQLRepository) loadCancellations(ctx context.Context, byID map[int64]*domain.CFDI, ids []any) error {
	query := `
		SELECT cfdi_id, status, cancellation_date
		FROM cancellation
		WHERE cfdi_id IN (` + placeholders(len(ids)) + `)
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cfdiID int64
		var status string
		var date sql.NullTime
		if err := rows.Scan(&cfdiID, &status, &date); err != nil {
			return err
		}
		c := &domain.Cancellation{Status: status}
		if date.Valid {
			t := date.Time.UTC()
			c.CancellationDate = &t
		}
		byID[cfdiID].Cancellation = c
	}
	return rows.Err()
}
