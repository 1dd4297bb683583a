// Package worker runs script jobs queued on the event bus.
//
// Submit records the job in the cache and publishes it on the dispatch
// subject. The worker picks it up, runs it through the sandbox, stores the
// outcome under the caller's tenant and announces completion on the
// tenant's script.job.completed topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// JobStatus is the lifecycle state of a script job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the stored state of one async script execution.
type Job struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenant_id"`
	Status    JobStatus            `json:"status"`
	Language  domain.Language      `json:"language"`
	Result    *domain.ScriptResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Executor runs one script request.
type Executor interface {
	Execute(ctx context.Context, tenant string, req domain.ScriptRequest) (*domain.ScriptResult, error)
}

// jobMessage travels on the dispatch subject.
type jobMessage struct {
	JobID    string               `json:"job_id"`
	TenantID string               `json:"tenant_id"`
	Request  domain.ScriptRequest `json:"request"`
}

const jobKeyPrefix = "job:"

// Worker executes queued script jobs.
type Worker struct {
	bus    domain.EventBus
	cache  domain.Cache
	exec   Executor
	jobTTL time.Duration
	slots  chan struct{}

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	now           func() time.Time
}

// NewWorker creates a worker. Concurrency bounds how many jobs run at once.
func NewWorker(bus domain.EventBus, cache domain.Cache, exec Executor, cfg domain.WorkerConfig) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	ttl := cfg.JobTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		cache:  cache,
		exec:   exec,
		jobTTL: ttl,
		slots:  make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start subscribes to the dispatch subject.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.DispatchTenant, domain.TopicScriptJobQueued, w.handleMessage)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("script worker started",
		"topic", domain.TopicScriptJobQueued,
		"concurrency", cap(w.slots),
	)
	return nil
}

// Submit records a queued job and hands it to the workers.
func (w *Worker) Submit(ctx context.Context, tenant string, req domain.ScriptRequest) (*Job, error) {
	if tenant == "" {
		return nil, domain.NewValidationError("tenant is required")
	}
	now := w.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		Status:    JobQueued,
		Language:  req.Language,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.save(ctx, job); err != nil {
		return nil, domain.NewUpstreamError("save job", err)
	}

	payload, err := json.Marshal(jobMessage{JobID: job.ID, TenantID: tenant, Request: req})
	if err != nil {
		return nil, domain.NewUpstreamError("encode job", err)
	}
	if err := w.bus.Publish(ctx, domain.DispatchTenant, domain.TopicScriptJobQueued, payload); err != nil {
		return nil, domain.NewUpstreamError("queue job", err)
	}

	slog.Info("script job queued",
		"tenant_id", tenant,
		"job_id", job.ID,
		"language", req.Language,
	)
	return job, nil
}

// Job returns the stored job. Jobs of other tenants are not visible.
func (w *Worker) Job(ctx context.Context, tenant, id string) (*Job, error) {
	data, err := w.cache.Get(ctx, tenant, jobKeyPrefix+id)
	if err != nil {
		return nil, domain.NewUpstreamError("load job", err)
	}
	if data == nil {
		return nil, domain.NewNotFoundError("job %s not found", id)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, domain.NewUpstreamError("decode job", err)
	}
	return &job, nil
}

// handleMessage claims a slot and runs the job without blocking the
// subscription longer than the wait for a slot.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var jm jobMessage
	if err := json.Unmarshal(msg.Payload, &jm); err != nil {
		slog.Error("failed to parse job message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if jm.TenantID == "" || jm.JobID == "" {
		return fmt.Errorf("job message %s lacks tenant or job id", msg.ID)
	}

	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.process(ctx, jm)
	}()
	return nil
}

// process runs one job and records its outcome.
func (w *Worker) process(ctx context.Context, jm jobMessage) {
	start := w.now()
	job, err := w.Job(ctx, jm.TenantID, jm.JobID)
	if err != nil {
		slog.Error("queued job is missing",
			"tenant_id", jm.TenantID,
			"job_id", jm.JobID,
			"error", err,
		)
		return
	}

	job.Status = JobRunning
	job.UpdatedAt = w.now().UTC()
	if err := w.save(ctx, job); err != nil {
		slog.Warn("failed to mark job running", "job_id", job.ID, "error", err)
	}

	// The job outlives the request that queued it but not the worker.
	res, err := w.exec.Execute(w.ctx, jm.TenantID, jm.Request)
	job.UpdatedAt = w.now().UTC()
	if err != nil {
		job.Status = JobFailed
		job.Error = publicError(err)
	} else {
		job.Status = JobCompleted
		job.Result = res
	}
	if err := w.save(ctx, job); err != nil {
		slog.Error("failed to save job result", "job_id", job.ID, "error", err)
	}

	payload, _ := json.Marshal(job)
	if err := w.bus.Publish(ctx, jm.TenantID, domain.TopicScriptJobCompleted, payload); err != nil {
		slog.Error("failed to publish job completion",
			"tenant_id", jm.TenantID,
			"job_id", job.ID,
			"error", err,
		)
	}

	slog.Info("script job finished",
		"tenant_id", jm.TenantID,
		"job_id", job.ID,
		"status", job.Status,
		"duration_ms", w.now().Sub(start).Milliseconds(),
	)
}

// publicError hides upstream details from job readers.
func publicError(err error) string {
	if errors.Is(err, domain.ErrUpstream) {
		return "internal error"
	}
	return err.Error()
}

func (w *Worker) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return w.cache.Set(ctx, job.TenantID, jobKeyPrefix+job.ID, data, w.jobTTL)
}

// Stop unsubscribes and waits for running jobs. Running scripts see their
// context cancelled.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.cancel()
	w.wg.Wait()

	slog.Info("script worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Running           int      `json:"running"`
	Concurrency       int      `json:"concurrency"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Running:           len(w.slots),
		Concurrency:       cap(w.slots),
	}
}
