// Package bus carries analytics events between components. Every subject is
// scoped by tenant, and the publisher's trace context travels in the
// message metadata.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

var (
	// ErrTenantRequired is returned when no tenant is supplied.
	ErrTenantRequired = errors.New("tenantID is required")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	errNoResponders   = errors.New("no responders for request")
	errRequestTimeout = errors.New("request timeout")
)

// replyKey is the metadata key holding where a Request expects its reply.
const replyKey = "reply_to"

type replier interface {
	reply(ctx context.Context, msg *domain.Message, payload []byte) error
}

// Reply answers a message received through Request.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	if msg.Metadata[replyKey] == "" {
		return errors.New("message does not expect a reply")
	}
	r, ok := b.(replier)
	if !ok {
		return fmt.Errorf("%T does not support replies", b)
	}
	return r.reply(ctx, msg, payload)
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkTenant rejects tenants that are empty or would widen a subject.
func checkTenant(tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if strings.ContainsAny(tenantID, ".*> \t\n") {
		return fmt.Errorf("tenantID %q contains subject separators", tenantID)
	}
	return nil
}

// subject is the tenant-scoped name a topic is delivered on.
func subject(tenantID, topic string) string {
	return "cfdi." + tenantID + "." + topic
}

// newMessage builds the envelope for payload and injects ctx's trace
// context into its metadata.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg
}

// handlerContext returns ctx carrying the trace context stored in msg.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
