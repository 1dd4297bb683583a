package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/filter"
)

var tracer = otel.Tracer("cfdi-analytics-sandbox")

// maxDetailBytes caps the diagnostic carried by an ExecutionError.
const maxDetailBytes = 4000

// Explainer returns the query plan of a validated SQL query.
type Explainer interface {
	Explain(ctx context.Context, query string) ([]map[string]any, error)
}

// Service runs scripts through the validating, preparing and executing
// states.
type Service struct {
	cfg       domain.SandboxConfig
	records   domain.RecordStore
	runner    Runner
	explainer Explainer
	cache     *resultCache
	limits    map[domain.AnalysisLevel]domain.ResourceLimits
	killGrace time.Duration
	now       func() time.Time
}

// NewService creates a sandbox service. cache may be nil, which disables
// the SQL result cache.
func NewService(cfg domain.SandboxConfig, records domain.RecordStore, runner Runner, cache domain.Cache) *Service {
	limits := domain.DefaultLimits()
	for level, l := range cfg.Limits {
		limits[level] = l
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	capacity := cfg.CacheMaxEntries
	if capacity <= 0 {
		capacity = 100
	}
	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Service{
		cfg:       cfg,
		records:   records,
		runner:    runner,
		explainer: NewSQLiteRunner(),
		cache:     newResultCache(cache, ttl, capacity),
		limits:    limits,
		killGrace: killGrace,
		now:       time.Now,
	}
}

// Execute validates req, prepares the tenant's filtered records and runs
// the script. Validation failures never touch the store or the runner.
func (s *Service) Execute(ctx context.Context, tenant string, req domain.ScriptRequest) (*domain.ScriptResult, error) {
	if tenant == "" {
		return nil, filter.ErrMissingTenant
	}
	start := s.now()

	// Validating
	lang, err := LanguageFor(req.Language, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := lang.Validate(req.Script); err != nil {
		if errors.Is(err, domain.ErrSecurity) {
			slog.Warn("script rejected",
				"tenant_id", tenant,
				"language", req.Language,
				"reason", err.Error(),
			)
		}
		return nil, err
	}
	level := req.AnalysisLevel
	if level == "" {
		level = domain.LevelBasic
	}
	limits, err := s.limitsFor(level, req.Timeout)
	if err != nil {
		return nil, err
	}
	where, err := filter.Compile(req.Filter, tenant)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if req.UseCache && lang.Name() == domain.LanguageSQL {
		cacheKey = resultKey(resolveQuery(req.Script), req.Filter)
		if res, ok := s.cache.get(ctx, tenant, cacheKey); ok {
			res.Cached = true
			slog.Debug("script cache hit", "tenant_id", tenant, "execution_id", res.Metadata.ExecutionID)
			return res, nil
		}
	}

	meta := domain.ScriptMetadata{
		ExecutionID:   uuid.NewString(),
		Language:      lang.Name(),
		AnalysisLevel: level,
		State:         domain.StatePreparing,
		Limits:        limits,
	}

	ctx, span := tracer.Start(ctx, "sandbox.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenant),
		attribute.String("execution_id", meta.ExecutionID),
		attribute.String("language", string(meta.Language)),
		attribute.String("analysis_level", string(level)),
	)

	// Preparing
	records, err := s.records.FindMany(ctx, domain.RecordQuery{
		Where:   where,
		Include: domain.Include{Issuer: true, Receiver: true, Concepts: lang.Name() == domain.LanguageSQL},
		OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
	})
	if err != nil {
		span.RecordError(err)
		return nil, domain.NewUpstreamError("find cfdi", err)
	}
	meta.RecordCount = len(records)

	dir, err := os.MkdirTemp(s.cfg.TempDir, "cfdi-script-")
	if err != nil {
		return nil, domain.NewUpstreamError("create mount dir", err)
	}
	defer os.RemoveAll(dir)
	// The runtime user is not the service user.
	if err := os.Chmod(dir, 0o755); err != nil {
		return nil, domain.NewUpstreamError("create mount dir", err)
	}
	if err := writeData(dir, records, lang.Harness(req.Script)); err != nil {
		return nil, domain.NewUpstreamError("write script data", err)
	}

	// Executing
	meta.State = domain.StateExecuting
	out, err := s.run(ctx, RunSpec{
		Name:     "cfdi-script-" + meta.ExecutionID,
		Image:    lang.RuntimeTag(),
		Command:  lang.Command(),
		MountDir: dir,
		CPU:      limits.CPU,
		Memory:   limits.Memory,
		Timeout:  limits.Timeout,
	})
	if err != nil {
		s.finish(span, tenant, meta, start, err)
		return nil, err
	}

	result, err := parseOutput(out)
	if err != nil {
		s.finish(span, tenant, meta, start, err)
		return nil, err
	}

	meta.State = domain.StateCompleted
	s.finish(span, tenant, meta, start, nil)

	res := &domain.ScriptResult{
		Success:       true,
		Result:        result,
		ExecutionTime: s.now().Sub(start).Seconds(),
		Timestamp:     s.now().UTC(),
		Metadata:      meta,
	}
	if cacheKey != "" {
		s.cache.put(ctx, tenant, cacheKey, res)
	}
	return res, nil
}

// run executes spec under its timeout. The execution is killed when the
// deadline passes or the caller cancels, and removed on every path.
func (s *Service) run(ctx context.Context, spec RunSpec) (*RunOutput, error) {
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	// Cleanup must survive the caller's cancellation.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(cleanupCtx, s.killGrace)
		defer rmCancel()
		if err := s.runner.Remove(rmCtx, spec.Name); err != nil {
			slog.Warn("failed to remove execution", "name", spec.Name, "error", err)
		}
	}()

	out, err := s.runner.Run(runCtx, spec)
	if runCtx.Err() != nil {
		killCtx, killCancel := context.WithTimeout(cleanupCtx, s.killGrace)
		if kerr := s.runner.Kill(killCtx, spec.Name); kerr != nil {
			slog.Warn("failed to kill execution", "name", spec.Name, "error", kerr)
		}
		killCancel()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TimeoutError{Timeout: spec.Timeout}
	}
	if err != nil {
		return nil, domain.NewUpstreamError("run script", err)
	}
	return out, nil
}

func (s *Service) finish(span trace.Span, tenant string, meta domain.ScriptMetadata, start time.Time, err error) {
	var state domain.ScriptState
	switch {
	case err == nil:
		state = domain.StateCompleted
	case errors.Is(err, domain.ErrTimeout):
		state = domain.StateTimedOut
	default:
		state = domain.StateFailed
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	slog.Info("script finished",
		"tenant_id", tenant,
		"execution_id", meta.ExecutionID,
		"language", meta.Language,
		"state", state,
		"record_count", meta.RecordCount,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
}

// limitsFor returns the ceiling for level with the caller timeout applied.
func (s *Service) limitsFor(level domain.AnalysisLevel, timeout time.Duration) (domain.ResourceLimits, error) {
	l, ok := s.limits[level]
	if !ok {
		return domain.ResourceLimits{}, domain.NewValidationError("analysis_level must be one of basic, intermediate, advanced")
	}
	if timeout < 0 {
		return domain.ResourceLimits{}, domain.NewValidationError("timeout must be positive")
	}
	if timeout > l.Timeout {
		return domain.ResourceLimits{}, domain.NewValidationError("timeout %s exceeds the %s ceiling for %s scripts", timeout, l.Timeout, level)
	}
	if timeout > 0 {
		l.Timeout = timeout
	}
	return l, nil
}

// ResultMarker prefixes the line carrying the harness payload. User output
// never reaches stdout, so the last marked line is the payload.
const ResultMarker = "__CFDI_RESULT__ "

// harnessPayload is what the python, r and sql harnesses print.
type harnessPayload struct {
	Success   *bool           `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Traceback string          `json:"traceback"`
}

// marshalPayload renders v as a marked payload line.
func marshalPayload(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(ResultMarker)+len(body)+1)
	line = append(line, ResultMarker...)
	line = append(line, body...)
	return append(line, '\n'), nil
}

// lastPayload returns the body of the last marked line of stdout.
func lastPayload(stdout []byte) ([]byte, bool) {
	marker := []byte(ResultMarker)
	for rest := bytes.TrimRight(stdout, "\r\n"); len(rest) > 0; {
		i := bytes.LastIndexByte(rest, '\n')
		line := bytes.TrimRight(rest[i+1:], "\r")
		if bytes.HasPrefix(line, marker) {
			return line[len(marker):], true
		}
		if i < 0 {
			break
		}
		rest = rest[:i]
	}
	return nil, false
}

// parseOutput turns a finished execution into the result payload. A run
// without a marked payload line failed, whatever its exit status.
func parseOutput(out *RunOutput) (json.RawMessage, error) {
	var payload harnessPayload
	body, found := lastPayload(out.Stdout)
	structured := found && json.Unmarshal(body, &payload) == nil && payload.Success != nil

	diagnostic := bytes.TrimSpace(out.Stderr)
	if len(diagnostic) == 0 {
		diagnostic = bytes.TrimSpace(out.Stdout)
	}

	if out.ExitCode != 0 {
		reason := fmt.Sprintf("script exited with status %d", out.ExitCode)
		if structured && payload.Error != "" {
			reason = payload.Error
		}
		return nil, &domain.ExecutionError{Reason: reason, Detail: truncate(string(diagnostic))}
	}
	if !structured {
		return nil, &domain.ExecutionError{Reason: "script produced no result", Detail: truncate(string(diagnostic))}
	}
	if !*payload.Success {
		reason := payload.Error
		if reason == "" {
			reason = "script failed"
		}
		return nil, &domain.ExecutionError{Reason: reason, Detail: truncate(payload.Traceback)}
	}
	if payload.Result == nil {
		return json.RawMessage("null"), nil
	}
	return payload.Result, nil
}

func truncate(s string) string {
	if len(s) <= maxDetailBytes {
		return s
	}
	return s[:maxDetailBytes]
}

// ExplainQuery validates query and returns its SQLite query plan.
func (s *Service) ExplainQuery(ctx context.Context, tenant, query string) ([]map[string]any, error) {
	if tenant == "" {
		return nil, filter.ErrMissingTenant
	}
	query = resolveQuery(query)
	if err := ValidateSQL(query); err != nil {
		if errors.Is(err, domain.ErrSecurity) {
			slog.Warn("script rejected",
				"tenant_id", tenant,
				"language", domain.LanguageSQL,
				"reason", err.Error(),
			)
		}
		return nil, err
	}
	plan, err := s.explainer.Explain(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewValidationError("explain query: %v", err)
	}
	return plan, nil
}

// ClearCache drops the tenant's cached SQL results and returns how many
// were removed.
func (s *Service) ClearCache(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		return 0, filter.ErrMissingTenant
	}
	n, err := s.cache.clear(ctx, tenant)
	if err != nil {
		return 0, domain.NewUpstreamError("clear script cache", err)
	}
	slog.Info("script cache cleared", "tenant_id", tenant, "entries", n)
	return n, nil
}

// Status describes the sandbox runtime.
type Status struct {
	Runtime   RuntimeStatus                                   `json:"runtime"`
	Cache     CacheStatus                                     `json:"cache"`
	Limits    map[domain.AnalysisLevel]domain.ResourceLimits `json:"limits"`
	Languages []domain.Language                               `json:"languages"`
}

// RuntimeStatus is the result of the runtime health check.
type RuntimeStatus struct {
	Kind      string `json:"kind"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// CacheStatus reports SQL result cache occupancy.
type CacheStatus struct {
	Entries    int `json:"entries"`
	Capacity   int `json:"capacity"`
	TTLSeconds int `json:"ttl_seconds"`
}

// Status checks the runtime and reports cache occupancy and limits.
func (s *Service) Status(ctx context.Context) *Status {
	kind := s.cfg.Runtime
	if kind == "" {
		kind = "docker"
	}
	rt := RuntimeStatus{Kind: kind, Available: true}
	if err := s.runner.Health(ctx); err != nil {
		rt.Available = false
		rt.Error = err.Error()
	}

	limits := make(map[domain.AnalysisLevel]domain.ResourceLimits, len(s.limits))
	for k, v := range s.limits {
		limits[k] = v
	}

	return &Status{
		Runtime: rt,
		Cache: CacheStatus{
			Entries:    s.cache.len(),
			Capacity:   s.cache.capacity,
			TTLSeconds: int(s.cache.ttl / time.Second),
		},
		Limits:    limits,
		Languages: []domain.Language{domain.LanguagePython, domain.LanguageR, domain.LanguageSQL},
	}
}
