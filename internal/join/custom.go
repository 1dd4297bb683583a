package join

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
)

// forbiddenSources may never appear in a custom join.
var forbiddenSources = map[string]bool{
	string(domain.TableUser):   true,
	string(domain.TableRoles):  true,
	string(domain.TableTenant): true,
	"users":                    true,
	"session":                  true,
	"sessions":                 true,
	"token":                    true,
	"tokens":                   true,
	"credential":               true,
	"credentials":              true,
}

// keyPair is an allowed join condition, stored in one orientation.
type keyPair struct {
	left  string
	right string
}

var allowedKeys = []keyPair{
	{"cfdi.issuer_id", "issuer.rfc_issuer"},
	{"cfdi.receiver_id", "receiver.id"},
	{"concept.cfdi_id", "cfdi.id"},
	{"taxes.concept_id", "concept.id"},
	{"payment_complement.cfdi_id", "cfdi.id"},
	{"cfdi_attachment.cfdi_id", "cfdi.id"},
	{"cfdi_relation.cfdi_id", "cfdi.id"},
}

func keyAllowed(a, b string) bool {
	for _, k := range allowedKeys {
		if (k.left == a && k.right == b) || (k.left == b && k.right == a) {
			return true
		}
	}
	return false
}

// tableOf returns the table part of "table.column".
func tableOf(ref string) (domain.TableType, bool) {
	table, col, ok := strings.Cut(ref, ".")
	if !ok || col == "" {
		return "", false
	}
	return domain.ParseTableType(table)
}

// Validate checks a custom join without touching any store.
func Validate(req domain.JoinRequest) (domain.JoinType, map[domain.TableType]bool, error) {
	if len(req.Sources) == 0 {
		return "", nil, domain.NewValidationError("at least one source is required")
	}

	sources := make(map[domain.TableType]bool, len(req.Sources))
	for _, s := range req.Sources {
		name := strings.ToLower(strings.TrimSpace(s))
		if forbiddenSources[name] {
			return "", nil, domain.NewSecurityError("access to table %q is not allowed", name)
		}
		t, ok := domain.ParseTableType(name)
		if !ok {
			return "", nil, domain.NewValidationError("unknown source table %q", s)
		}
		sources[t] = true
	}

	for _, side := range []string{req.LeftTable, req.RightTable} {
		t, ok := domain.ParseTableType(side)
		if !ok || !sources[t] {
			return "", nil, domain.NewValidationError("table %q must be one of the sources", side)
		}
	}

	keys := make([]string, 0, len(req.On))
	for k := range req.On {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		a, b := strings.ToLower(strings.TrimSpace(k)), strings.ToLower(strings.TrimSpace(req.On[k]))
		if !keyAllowed(a, b) {
			return "", nil, domain.NewValidationError("join condition %s = %s is not allowed", k, req.On[k])
		}
		ta, _ := tableOf(a)
		tb, _ := tableOf(b)
		if !sources[ta] || !sources[tb] {
			return "", nil, domain.NewValidationError("join condition %s = %s references a table outside the sources", k, req.On[k])
		}
	}

	jt := req.JoinType
	if jt == "" {
		jt = domain.JoinInner
	}
	switch jt {
	case domain.JoinInner, domain.JoinLeft, domain.JoinRight, domain.JoinFull:
	default:
		return "", nil, domain.NewValidationError("join_type must be one of inner, left, right, full")
	}
	return jt, sources, nil
}

// ExecuteCustom validates req and returns one page of joined CFDI rows.
// Nothing is read from the store when validation fails.
func (e *Engine) ExecuteCustom(ctx context.Context, tenant string, req domain.JoinRequest, page, pageSize int) (*domain.Page, error) {
	jt, sources, err := Validate(req)
	if err != nil {
		if errors.Is(err, domain.ErrSecurity) {
			slog.Warn("custom join rejected",
				"tenant_id", tenant,
				"sources", req.Sources,
				"reason", err.Error(),
			)
		}
		return nil, err
	}
	if err := domain.ValidatePage(page, pageSize); err != nil {
		return nil, err
	}

	where, err := filter.Compile(req.Filter, tenant)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "join.custom")
	defer span.End()

	include := domain.Include{
		Issuer:   sources[domain.TableIssuer],
		Receiver: sources[domain.TableReceiver],
		Concepts: sources[domain.TableConcept],
	}

	total, err := e.records.Count(ctx, domain.RecordQuery{Where: where})
	if err != nil {
		return nil, domain.NewUpstreamError("count cfdi", err)
	}
	records, err := e.records.FindMany(ctx, domain.RecordQuery{
		Where:   where,
		Include: include,
		OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
		Skip:    domain.Offset(page, pageSize),
		Take:    pageSize,
	})
	if err != nil {
		return nil, domain.NewUpstreamError("find cfdi", err)
	}

	items := make([]domain.Row, 0, len(records))
	for _, rec := range records {
		row := domain.Row{
			"uuid":          rec.UUID,
			"total":         rec.Total,
			"issue_date":    rec.IssueDate,
			"issuer_name":   nil,
			"receiver_name": nil,
			"concept_count": nil,
		}
		if include.Issuer && rec.Issuer != nil {
			row["issuer_name"] = rec.Issuer.Name
		}
		if include.Receiver && rec.Receiver != nil {
			row["receiver_name"] = rec.Receiver.Name
		}
		if include.Concepts {
			row["concept_count"] = len(rec.Concepts)
		}
		items = append(items, row)
	}

	slog.Debug("custom join executed",
		"tenant_id", tenant,
		"join_type", jt,
		"rows", len(items),
	)

	return &domain.Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: domain.TotalPages(total, pageSize),
		TotalCount: total,
	}, nil
}
