package join

import (
	"sort"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

func perRecord(fn func(*domain.CFDI) domain.Row) func([]*domain.CFDI) []domain.Row {
	return func(records []*domain.CFDI) []domain.Row {
		rows := make([]domain.Row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, fn(rec))
		}
		return rows
	}
}

func head(rec *domain.CFDI) domain.Row {
	return domain.Row{
		"id":    rec.ID,
		"uuid":  rec.UUID,
		"serie": rec.Serie,
		"folio": rec.Folio,
	}
}

func withIssuer(rec *domain.CFDI) domain.Row {
	row := head(rec)
	row["issue_date"] = rec.IssueDate
	row["total"] = rec.Total
	row["subtotal"] = rec.Subtotal
	row["issuer_name"], row["issuer_tax_regime"] = nil, nil
	if rec.Issuer != nil {
		row["issuer_name"] = rec.Issuer.Name
		row["issuer_tax_regime"] = rec.Issuer.TaxRegime
	}
	return row
}

func receiverColumns(row domain.Row, r *domain.Receiver) {
	row["receiver_rfc"], row["receiver_name"], row["receiver_tax_regime"] = nil, nil, nil
	if r != nil {
		row["receiver_rfc"] = r.RFC
		row["receiver_name"] = r.Name
		row["receiver_tax_regime"] = r.TaxRegime
	}
}

func withReceiver(rec *domain.CFDI) domain.Row {
	row := head(rec)
	row["total"] = rec.Total
	receiverColumns(row, rec.Receiver)
	return row
}

func full(rec *domain.CFDI) domain.Row {
	row := withIssuer(rec)
	row["type"] = rec.Type
	receiverColumns(row, rec.Receiver)
	return row
}

func complete(rec *domain.CFDI) domain.Row {
	row := full(rec)
	delete(row, "subtotal")
	delete(row, "receiver_tax_regime")
	row["concept_count"] = len(rec.Concepts)
	row["attachment_count"] = len(rec.Attachments)
	row["payment_complement_count"] = len(rec.PaymentComplements)
	return row
}

func cancellation(rec *domain.CFDI) domain.Row {
	row := head(rec)
	row["total"] = rec.Total
	row["cancellation_status"] = "active"
	row["cancellation_date"] = nil
	if c := rec.Cancellation; c != nil {
		row["cancellation_status"] = c.Status
		if c.CancellationDate != nil {
			row["cancellation_date"] = *c.CancellationDate
		}
	}
	return row
}

func concepts(records []*domain.CFDI) []domain.Row {
	var rows []domain.Row
	for _, rec := range records {
		for _, c := range rec.Concepts {
			row := head(rec)
			row["total"] = rec.Total
			row["fiscal_key"] = c.FiscalKey
			row["description"] = c.Description
			row["quantity"] = c.Quantity
			row["unit_value"] = c.UnitValue
			row["amount"] = c.Amount
			rows = append(rows, row)
		}
	}
	return rows
}

func conceptTaxes(records []*domain.CFDI) []domain.Row {
	var rows []domain.Row
	for _, rec := range records {
		for _, c := range rec.Concepts {
			for _, t := range c.Taxes {
				row := head(rec)
				row["description"] = c.Description
				row["concept_amount"] = c.Amount
				row["tax_type"] = t.TaxType
				row["rate"] = t.Rate
				row["tax_amount"] = t.Amount
				rows = append(rows, row)
			}
		}
	}
	return rows
}

func conceptRelations(records []*domain.CFDI) []domain.Row {
	var rows []domain.Row
	for _, rec := range records {
		for _, c := range rec.Concepts {
			for _, r := range rec.Relations {
				row := head(rec)
				row["total"] = rec.Total
				row["fiscal_key"] = c.FiscalKey
				row["concept_description"] = c.Description
				row["concept_amount"] = c.Amount
				row["related_uuid"] = r.RelatedUUID
				row["relation_type"] = r.RelationType
				rows = append(rows, row)
			}
		}
	}
	return rows
}

func payments(records []*domain.CFDI) []domain.Row {
	var rows []domain.Row
	for _, rec := range records {
		for _, p := range rec.PaymentComplements {
			row := head(rec)
			row["total"] = rec.Total
			row["payment_date"] = p.PaymentDate
			row["payment_form"] = p.PaymentForm
			row["payment_amount"] = p.PaymentAmount
			rows = append(rows, row)
		}
	}
	return rows
}

func attachments(records []*domain.CFDI) []domain.Row {
	var rows []domain.Row
	for _, rec := range records {
		for _, a := range rec.Attachments {
			row := head(rec)
			row["attachment_id"] = a.ID
			row["file_type"] = a.FileType
			row["created_at"] = a.CreatedAt
			rows = append(rows, row)
		}
	}
	return rows
}

func relations(records []*domain.CFDI) []domain.Row {
	var rows []domain.Row
	for _, rec := range records {
		for _, r := range rec.Relations {
			row := head(rec)
			row["related_uuid"] = r.RelatedUUID
			row["relation_type"] = r.RelationType
			rows = append(rows, row)
		}
	}
	return rows
}

// groups accumulates rows by key, keeping first-seen order.
type groups struct {
	keys []string
	rows map[string]domain.Row
}

func newGroups() *groups {
	return &groups{rows: make(map[string]domain.Row)}
}

// get returns the row for key, creating it with init on first use.
func (g *groups) get(key string, init func() domain.Row) domain.Row {
	row, ok := g.rows[key]
	if !ok {
		row = init()
		g.rows[key] = row
		g.keys = append(g.keys, key)
	}
	return row
}

func (g *groups) list() []domain.Row {
	out := make([]domain.Row, 0, len(g.keys))
	for _, k := range g.keys {
		out = append(out, g.rows[k])
	}
	return out
}

func taxSummary(records []*domain.CFDI) []domain.Row {
	g := newGroups()
	for _, rec := range records {
		for _, c := range rec.Concepts {
			for _, t := range c.Taxes {
				row := g.get(rec.UUID+"\x00"+t.TaxType, func() domain.Row {
					return domain.Row{
						"id": rec.ID, "uuid": rec.UUID, "total": rec.Total, "tax_type": t.TaxType,
						"total_tax_amount": 0.0, "tax_count": 0,
					}
				})
				row["total_tax_amount"] = row["total_tax_amount"].(float64) + t.Amount
				row["tax_count"] = row["tax_count"].(int) + 1
			}
		}
	}
	return g.list()
}

// monthKey truncates t to the first instant of its UTC month.
func monthKey(t time.Time) string {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

func byMonthDesc(rows []domain.Row) []domain.Row {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i]["month"].(string) > rows[j]["month"].(string)
	})
	return rows
}

func monthlySummary(records []*domain.CFDI) []domain.Row {
	g := newGroups()
	for _, rec := range records {
		month := monthKey(rec.IssueDate)
		row := g.get(month, func() domain.Row {
			return domain.Row{"month": month, "cfdi_count": 0, "total_amount": 0.0}
		})
		row["cfdi_count"] = row["cfdi_count"].(int) + 1
		row["total_amount"] = row["total_amount"].(float64) + rec.Total
	}
	rows := g.list()
	for _, row := range rows {
		row["avg_amount"] = row["total_amount"].(float64) / float64(row["cfdi_count"].(int))
	}
	return byMonthDesc(rows)
}

func paymentMonthly(records []*domain.CFDI) []domain.Row {
	g := newGroups()
	for _, rec := range records {
		for _, p := range rec.PaymentComplements {
			month := monthKey(p.PaymentDate)
			row := g.get(month, func() domain.Row {
				return domain.Row{"month": month, "payment_count": 0, "total_payment_amount": 0.0}
			})
			row["payment_count"] = row["payment_count"].(int) + 1
			row["total_payment_amount"] = row["total_payment_amount"].(float64) + p.PaymentAmount
		}
	}
	return byMonthDesc(g.list())
}

func byIssuer(records []*domain.CFDI) []domain.Row {
	g := newGroups()
	for _, rec := range records {
		if rec.Issuer == nil {
			continue
		}
		row := g.get(rec.Issuer.RFC, func() domain.Row {
			return domain.Row{
				"rfc_issuer": rec.Issuer.RFC, "name_issuer": rec.Issuer.Name,
				"cfdi_count": 0, "total_amount": 0.0,
			}
		})
		row["cfdi_count"] = row["cfdi_count"].(int) + 1
		row["total_amount"] = row["total_amount"].(float64) + rec.Total
	}
	return g.list()
}

func byReceiver(records []*domain.CFDI) []domain.Row {
	g := newGroups()
	for _, rec := range records {
		if rec.Receiver == nil {
			continue
		}
		row := g.get(rec.Receiver.RFC, func() domain.Row {
			return domain.Row{
				"rfc_receiver": rec.Receiver.RFC, "name_receiver": rec.Receiver.Name,
				"cfdi_count": 0, "total_amount": 0.0,
			}
		})
		row["cfdi_count"] = row["cfdi_count"].(int) + 1
		row["total_amount"] = row["total_amount"].(float64) + rec.Total
	}
	return g.list()
}

func byType(records []*domain.CFDI) []domain.Row {
	g := newGroups()
	for _, rec := range records {
		row := g.get(rec.Type, func() domain.Row {
			return domain.Row{"type": rec.Type, "cfdi_count": 0, "total_amount": 0.0}
		})
		row["cfdi_count"] = row["cfdi_count"].(int) + 1
		row["total_amount"] = row["total_amount"].(float64) + rec.Total
	}
	return g.list()
}
