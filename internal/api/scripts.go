package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/sandbox"
)

// ScriptBody is the request body for POST /scripts/execute.
type ScriptBody struct {
	Script        string              `json:"script"`
	Language      string              `json:"language"`
	AnalysisLevel string              `json:"analysis_level,omitempty"`
	Filter        *domain.FilterInput `json:"filter,omitempty"`
	// Timeout in seconds. Zero or absent uses the level ceiling.
	Timeout  int   `json:"timeout,omitempty"`
	UseCache *bool `json:"use_cache,omitempty"`
}

// SQLBody is the request body for POST /scripts/sql.
type SQLBody struct {
	Query         string              `json:"query"`
	AnalysisLevel string              `json:"analysis_level,omitempty"`
	Filter        *domain.FilterInput `json:"filter,omitempty"`
	UseCache      *bool               `json:"use_cache,omitempty"`
}

func (b ScriptBody) request() (domain.ScriptRequest, error) {
	f, err := buildFilter(b.Filter)
	if err != nil {
		return domain.ScriptRequest{}, err
	}
	// Unknown languages pass through and are rejected by the sandbox.
	lang, _ := domain.ParseLanguage(b.Language)
	useCache := true
	if b.UseCache != nil {
		useCache = *b.UseCache
	}
	return domain.ScriptRequest{
		Script:        b.Script,
		Language:      lang,
		AnalysisLevel: domain.AnalysisLevel(strings.ToLower(strings.TrimSpace(b.AnalysisLevel))),
		Filter:        f,
		Timeout:       time.Duration(b.Timeout) * time.Second,
		UseCache:      useCache,
	}, nil
}

// ExecuteScript handles POST /scripts/execute. With ?async=true the script
// is queued and 202 carries the job to poll.
func (h *Handler) ExecuteScript(w http.ResponseWriter, r *http.Request) {
	var body ScriptBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, r, err)
		return
	}

	async, err := boolParam(r.URL.Query(), "async")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if async {
		h.queueScript(w, r, req)
		return
	}
	h.runScript(w, r, req)
}

// ExecuteSQL handles POST /scripts/sql.
func (h *Handler) ExecuteSQL(w http.ResponseWriter, r *http.Request) {
	var body SQLBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := ScriptBody{
		Script:        body.Query,
		Language:      string(domain.LanguageSQL),
		AnalysisLevel: body.AnalysisLevel,
		Filter:        body.Filter,
		UseCache:      body.UseCache,
	}.request()
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.runScript(w, r, req)
}

func (h *Handler) runScript(w http.ResponseWriter, r *http.Request, req domain.ScriptRequest) {
	ctx := r.Context()
	res, err := h.deps.Scripts.Execute(ctx, GetTenantID(ctx), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) queueScript(w http.ResponseWriter, r *http.Request, req domain.ScriptRequest) {
	if h.deps.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "async execution is disabled"})
		return
	}
	ctx := r.Context()
	job, err := h.deps.Jobs.Submit(ctx, GetTenantID(ctx), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/scripts/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// GetJob handles GET /scripts/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "async execution is disabled"})
		return
	}
	ctx := r.Context()
	job, err := h.deps.Jobs.Job(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ExplainSQL handles POST /scripts/sql/explain.
func (h *Handler) ExplainSQL(w http.ResponseWriter, r *http.Request) {
	var body SQLBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	plan, err := h.deps.Scripts.ExplainQuery(ctx, GetTenantID(ctx), body.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query": body.Query,
		"plan":  plan,
	})
}

// PredefinedQueries handles GET /scripts/queries/predefined.
func (h *Handler) PredefinedQueries(w http.ResponseWriter, r *http.Request) {
	queries := sandbox.PredefinedQueries()
	writeJSON(w, http.StatusOK, map[string]any{
		"queries": queries,
		"count":   len(queries),
	})
}

// Examples handles GET /scripts/examples.
func (h *Handler) Examples(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"examples": sandbox.Examples(),
	})
}

// ScriptStatus handles GET /scripts/status.
func (h *Handler) ScriptStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scripts.Status(r.Context()))
}

// ClearScriptCache handles DELETE /scripts/cache.
func (h *Handler) ClearScriptCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.deps.Scripts.ClearCache(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
