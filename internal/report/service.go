// Package report serializes analysis results and persists them on request.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// Archive stores serialized report content.
type Archive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Service is the bundled domain.ReportSerializer. Only JSON content is
// produced; the other known formats are rejected.
type Service struct {
	store   domain.ReportStore
	bus     domain.EventBus
	archive Archive
	now     func() time.Time
}

// NewService creates a report service. bus and archive may be nil.
func NewService(store domain.ReportStore, bus domain.EventBus, archive Archive) *Service {
	return &Service{store: store, bus: bus, archive: archive, now: time.Now}
}

var _ domain.ReportSerializer = (*Service)(nil)

// Serialize renders in.Data and, when in.Persist is set, records the report.
func (s *Service) Serialize(ctx context.Context, in domain.ReportInput) (*domain.ReportOutput, error) {
	format := in.Format
	if format == "" {
		format = domain.FormatJSON
	}
	if format != domain.FormatJSON {
		return nil, domain.NewValidationError("unsupported format %s", format)
	}

	content, err := json.Marshal(in.Data)
	if err != nil {
		return nil, domain.NewUpstreamError("serialize report", err)
	}
	out := &domain.ReportOutput{Content: content, ContentType: "application/json"}

	if !in.Persist {
		return out, nil
	}
	if in.Owner == "" {
		return nil, domain.NewValidationError("report owner is required")
	}

	filters, err := json.Marshal(in.Filters)
	if err != nil {
		return nil, domain.NewUpstreamError("serialize report filters", err)
	}

	now := s.now().UTC()
	rep := &domain.Report{
		ID:          uuid.NewString(),
		UserID:      in.Owner,
		CFDIID:      in.SourceRecordID,
		Name:        in.Name,
		Description: in.Description,
		Format:      string(format),
		Operation:   in.Operation,
		Filters:     string(filters),
		ContentType: out.ContentType,
		CreatedAt:   now,
	}
	if rep.Name == "" {
		rep.Name = fmt.Sprintf("%s %s", in.Operation, now.Format("2006-01-02 15:04"))
	}

	if s.archive != nil {
		key := StorageKey(in.Owner, in.Operation, now, format)
		if err := s.archive.Put(ctx, key, content, out.ContentType); err != nil {
			return nil, domain.NewUpstreamError("archive report", err)
		}
		rep.StorageKey = key
	}

	if err := s.store.SaveReport(ctx, rep); err != nil {
		return nil, domain.NewUpstreamError("save report", err)
	}
	out.ReportID = rep.ID

	s.announce(ctx, rep)

	slog.Info("report saved",
		"tenant_id", in.Owner,
		"report_id", rep.ID,
		"operation", rep.Operation,
		"storage_key", rep.StorageKey,
	)
	return out, nil
}

// announce publishes the analysis-ready event. Delivery is best effort.
func (s *Service) announce(ctx context.Context, rep *domain.Report) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.AnalysisReadyEvent{
		ReportID:    rep.ID,
		Operation:   rep.Operation,
		Format:      rep.Format,
		ContentType: rep.ContentType,
		StorageKey:  rep.StorageKey,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, rep.UserID, domain.TopicAnalysisReady, payload); err != nil {
		slog.Warn("failed to publish analysis ready event",
			"tenant_id", rep.UserID,
			"report_id", rep.ID,
			"error", err,
		)
	}
}

// StorageKey is the archive key of a report.
func StorageKey(owner, operation string, at time.Time, format domain.ReportFormat) string {
	if operation == "" {
		operation = "analysis"
	}
	return fmt.Sprintf("reports/%s/%s/%d.%s", owner, operation, at.Unix(), format)
}
