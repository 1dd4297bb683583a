package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
	"github.com/opensource-finance/cfdi-analytics/internal/join"
	"github.com/opensource-finance/cfdi-analytics/internal/stats"
)

// statusClientClosedRequest is logged when the caller went away first.
const statusClientClosedRequest = 499

// maxBodyBytes bounds request bodies. Scripts are the largest payload.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{deps: deps, version: version}
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	check("repository", h.deps.Health)
	check("cache", h.deps.Cache)
	check("event_bus", h.deps.Bus)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Aggregate handles POST /aggregate.
func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	q := r.URL.Query()

	op, err := stats.ParseOp(q.Get("operation"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	field, err := stats.ParseField(q.Get("field"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	includeDetails, err := boolParam(q, "include_details")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := filterFromQuery(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := reportOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.deps.Stats.Aggregate(ctx, tenantID, stats.AggregateRequest{
		Op:             op,
		Field:          field,
		Filter:         f,
		Page:           page,
		PageSize:       pageSize,
		IncludeDetails: includeDetails,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeReport(w, r, "aggregate", res, f, opts)
}

// CentralTendency handles POST /stats/central-tendency.
func (h *Handler) CentralTendency(w http.ResponseWriter, r *http.Request) {
	h.statistic(w, r, "central_tendency", func(ctx context.Context, tenant string, field domain.Field, f *domain.Filter) (any, error) {
		return h.deps.Stats.CentralTendency(ctx, tenant, field, f)
	})
}

// BasicStats handles POST /stats/basic.
func (h *Handler) BasicStats(w http.ResponseWriter, r *http.Request) {
	h.statistic(w, r, "basic_stats", func(ctx context.Context, tenant string, field domain.Field, f *domain.Filter) (any, error) {
		return h.deps.Stats.BasicStats(ctx, tenant, field, f)
	})
}

type statFunc func(ctx context.Context, tenant string, field domain.Field, f *domain.Filter) (any, error)

func (h *Handler) statistic(w http.ResponseWriter, r *http.Request, operation string, compute statFunc) {
	ctx := r.Context()
	q := r.URL.Query()

	field, err := stats.ParseField(q.Get("field"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := filterFromQuery(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := reportOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := compute(ctx, GetTenantID(ctx), field, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeReport(w, r, operation, res, f, opts)
}

// ListJoins handles GET /join/predefined.
func (h *Handler) ListJoins(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	listing, err := join.List(page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// ExecutePredefinedJoin handles POST /join/predefined?join_id=N.
func (h *Handler) ExecutePredefinedJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	id, err := strconv.Atoi(q.Get("join_id"))
	if err != nil {
		writeError(w, r, domain.NewValidationError("join_id must be an integer"))
		return
	}
	page, pageSize, err := pageParams(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := filterFromQuery(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := reportOptions(q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.deps.Joins.ExecutePredefined(ctx, GetTenantID(ctx), id, f, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeReport(w, r, "predefined_join", res, f, opts)
}

// customJoinBody is the wire form of a custom join.
type customJoinBody struct {
	domain.JoinRequest
	Filter *domain.FilterInput `json:"filter,omitempty"`
}

// ExecuteCustomJoin handles POST /join.
func (h *Handler) ExecuteCustomJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page, pageSize, err := pageParams(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body customJoinBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req := body.JoinRequest
	if req.Filter, err = buildFilter(body.Filter); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.deps.Joins.ExecuteCustom(ctx, GetTenantID(ctx), req, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type setSourceBody struct {
	Table  string              `json:"table"`
	Filter *domain.FilterInput `json:"filter,omitempty"`
}

type setOperationBody struct {
	Operation string          `json:"operation"`
	Sources   []setSourceBody `json:"sources"`
}

// SetOperation handles POST /sets/operation.
func (h *Handler) SetOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page, pageSize, err := pageParams(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body setOperationBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req := domain.SetOperationRequest{
		Operation: domain.SetOperation(strings.ToLower(strings.TrimSpace(body.Operation))),
		Sources:   make([]domain.SetSource, 0, len(body.Sources)),
	}
	for i, src := range body.Sources {
		f, err := buildFilter(src.Filter)
		if err != nil {
			writeError(w, r, fmt.Errorf("source %d: %w", i, err))
			return
		}
		table, _ := domain.ParseTableType(src.Table)
		req.Sources = append(req.Sources, domain.SetSource{Table: table, Filter: f})
	}

	res, err := h.deps.Sets.Execute(ctx, GetTenantID(ctx), req, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeReport hands data to the report serializer and writes its content.
// A folio in the filter names the source record, which must exist.
func (h *Handler) writeReport(w http.ResponseWriter, r *http.Request, operation string, data any, f *domain.Filter, opts domain.ReportOptions) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var sourceID *int64
	if f != nil && f.Folio != nil {
		id, err := h.sourceRecord(ctx, tenantID, *f.Folio)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sourceID = &id
	}

	if h.deps.Reports == nil {
		writeJSON(w, http.StatusOK, data)
		return
	}

	out, err := h.deps.Reports.Serialize(ctx, domain.ReportInput{
		Data:           data,
		Format:         opts.Format,
		Owner:          tenantID,
		SourceRecordID: sourceID,
		Persist:        opts.SaveReport,
		Name:           opts.Name,
		Description:    opts.Description,
		Filters:        f,
		Operation:      operation,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", operation, opts.Format))
	if out.ReportID != "" {
		w.Header().Set("X-Report-ID", out.ReportID)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(out.Content)
}

func (h *Handler) sourceRecord(ctx context.Context, tenantID, folio string) (int64, error) {
	where, err := filter.Compile(&domain.Filter{Folio: &folio}, tenantID)
	if err != nil {
		return 0, err
	}
	rec, err := h.deps.Records.FindFirst(ctx, domain.RecordQuery{Where: where})
	if err != nil {
		return 0, domain.NewUpstreamError("find source record", err)
	}
	if rec == nil {
		return 0, domain.NewNotFoundError("folio %s not found", folio)
	}
	return rec.ID, nil
}

// writeError maps the error kind to a status. Upstream and unknown errors
// are logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: "internal server error"}

	var execErr *domain.ExecutionError
	switch {
	case errors.Is(err, filter.ErrMissingTenant), errors.Is(err, filter.ErrMalformedFilter):
		status, body.Error = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrValidation):
		status, body.Error = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, body.Error = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrSecurity):
		status, body.Error = http.StatusForbidden, err.Error()
	case errors.As(err, &execErr):
		status, body.Error, body.Detail = http.StatusUnprocessableEntity, execErr.Reason, execErr.Detail
	case errors.Is(err, domain.ErrTimeout):
		status, body.Error = http.StatusRequestTimeout, err.Error()
	case errors.Is(err, context.Canceled):
		slog.Info("request cancelled by client",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
		)
		status, body.Error = statusClientClosedRequest, "request cancelled"
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeBody reads a JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("request body is required")
		}
		return domain.NewValidationError("invalid JSON request body: %v", err)
	}
	return nil
}

func pageParams(q url.Values) (page, pageSize int, err error) {
	page, pageSize = 1, domain.DefaultPageSize
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil {
			return 0, 0, domain.NewValidationError("page must be an integer")
		}
	}
	if v := q.Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil {
			return 0, 0, domain.NewValidationError("page_size must be an integer")
		}
	}
	return page, pageSize, domain.ValidatePage(page, pageSize)
}

func boolParam(q url.Values, name string) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, domain.NewValidationError("%s must be true or false", name)
	}
	return b, nil
}

func floatParam(q url.Values, name string) (*float64, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, domain.NewValidationError("%s must be a number", name)
	}
	return &f, nil
}

// filterFromQuery builds a filter from query parameters.
func filterFromQuery(q url.Values) (*domain.Filter, error) {
	in := domain.FilterInput{
		StartDate:     q.Get("start_date"),
		EndDate:       q.Get("end_date"),
		Type:          q.Get("type"),
		Serie:         q.Get("serie"),
		Folio:         q.Get("folio"),
		IssuerID:      q.Get("issuer_id"),
		Currency:      q.Get("currency"),
		PaymentMethod: q.Get("payment_method"),
		PaymentForm:   q.Get("payment_form"),
		CFDIUse:       q.Get("cfdi_use"),
		ExportStatus:  q.Get("export_status"),
		Status:        q.Get("status"),
	}
	if v := q.Get("receiver_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, domain.NewValidationError("receiver_id must be an integer")
		}
		in.ReceiverID = &id
	}
	var err error
	if in.MinTotal, err = floatParam(q, "min_total"); err != nil {
		return nil, err
	}
	if in.MaxTotal, err = floatParam(q, "max_total"); err != nil {
		return nil, err
	}
	return in.Build()
}

func buildFilter(in *domain.FilterInput) (*domain.Filter, error) {
	if in == nil {
		return nil, nil
	}
	return in.Build()
}

func reportOptions(q url.Values) (domain.ReportOptions, error) {
	format, err := domain.ParseReportFormat(q.Get("format"))
	if err != nil {
		return domain.ReportOptions{}, err
	}
	save, err := boolParam(q, "save_report")
	if err != nil {
		return domain.ReportOptions{}, err
	}
	return domain.ReportOptions{
		Format:      format,
		SaveReport:  save,
		Name:        q.Get("name"),
		Description: q.Get("description"),
	}, nil
}
