package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

type ownedQuery struct {
	count string
	find  string
}

// ownedQueries holds the read queries for each owned kind. Every query is
// scoped by its first parameter and ordered newest first.
var ownedQueries = map[domain.OwnedKind]ownedQuery{
	domain.OwnedReport: {
		count: `SELECT COUNT(*) FROM report WHERE user_id = ?`,
		find: `
			SELECT rp.id, rp.name, rp.description, rp.format, rp.operation, rp.created_at,
				   c.uuid AS cfdi_uuid, c.serie AS cfdi_serie, c.folio AS cfdi_folio, c.total AS cfdi_total
			FROM report rp
			LEFT JOIN cfdi c ON c.id = rp.cfdi_id AND c.user_id = rp.user_id
			WHERE rp.user_id = ?
			ORDER BY rp.created_at DESC, rp.id DESC`,
	},
	domain.OwnedVisualization: {
		count: `SELECT COUNT(*) FROM visualization WHERE user_id = ?`,
		find: `
			SELECT v.id, v.name, v.chart_type, v.created_at,
				   c.uuid AS cfdi_uuid, c.total AS cfdi_total
			FROM visualization v
			LEFT JOIN cfdi c ON c.id = v.cfdi_id AND c.user_id = v.user_id
			WHERE v.user_id = ?
			ORDER BY v.created_at DESC, v.id DESC`,
	},
	domain.OwnedNotification: {
		count: `SELECT COUNT(*) FROM notification WHERE user_id = ?`,
		find: `
			SELECT n.id, n.title, n.message, n.is_read, n.created_at,
				   c.uuid AS cfdi_uuid
			FROM notification n
			LEFT JOIN cfdi c ON c.id = n.cfdi_id AND c.user_id = n.user_id
			WHERE n.user_id = ?
			ORDER BY n.created_at DESC, n.id DESC`,
	},
	domain.OwnedBatchJob: {
		count: `SELECT COUNT(*) FROM batch_job WHERE user_id = ?`,
		find: `
			SELECT id, job_type, status, created_at, completed_at
			FROM batch_job
			WHERE user_id = ?
			ORDER BY created_at DESC, id DESC`,
	},
	domain.OwnedUser: {
		count: `SELECT COUNT(*) FROM users WHERE id = ?`,
		find: `
			SELECT u.id, u.name, u.email, ro.name AS role, t.name AS tenant_name, u.created_at
			FROM users u
			LEFT JOIN roles ro ON ro.id = u.role_id
			LEFT JOIN tenant t ON t.id = u.tenant_id
			WHERE u.id = ?
			ORDER BY u.created_at DESC`,
	},
}

// CountOwned implements domain.OwnedStore.
func (r *SQLRepository) CountOwned(ctx context.Context, kind domain.OwnedKind, owner string) (int64, error) {
	q, err := ownedQueryFor(kind, owner)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.db.QueryRowContext(ctx, r.rebind(q.count), owner).Scan(&n)
	return n, err
}

// FindOwned implements domain.OwnedStore.
func (r *SQLRepository) FindOwned(ctx context.Context, kind domain.OwnedKind, owner string, skip, take int) ([]domain.Row, error) {
	q, err := ownedQueryFor(kind, owner)
	if err != nil {
		return nil, err
	}
	limit, limitArgs := r.page(skip, take)

	rows, err := r.db.QueryContext(ctx, r.rebind(q.find+limit), append([]any{owner}, limitArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

func ownedQueryFor(kind domain.OwnedKind, owner string) (ownedQuery, error) {
	if owner == "" {
		return ownedQuery{}, domain.ErrUnscopedPredicate
	}
	q, ok := ownedQueries[kind]
	if !ok {
		return ownedQuery{}, fmt.Errorf("%w: unknown owned kind %s", ErrInvalidInput, kind)
	}
	return q, nil
}

// scanRows reads every row into a column-keyed map.
func scanRows(rows *sql.Rows) ([]domain.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []domain.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(domain.Row, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.UTC()
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
