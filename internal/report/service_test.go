package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
	"github.com/opensource-finance/cfdi-analytics/internal/memstore"
)

const tenant = "AAA010101AAA"

type published struct {
	tenant  string
	topic   string
	payload []byte
}

type fakeBus struct {
	msgs []published
	err  error
}

func (b *fakeBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	b.msgs = append(b.msgs, published{tenantID, topic, payload})
	return b.err
}

func (b *fakeBus) Subscribe(ctx context.Context, tenantID, topic string, h domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) Request(ctx context.Context, tenantID, topic string, payload []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) Ping(ctx context.Context) error { return nil }
func (b *fakeBus) Close() error                   { return nil }

type fakeArchive struct {
	keys []string
	err  error
}

func (a *fakeArchive) Put(ctx context.Context, key string, body []byte, contentType string) error {
	a.keys = append(a.keys, key)
	return a.err
}

func newService(t *testing.T, archive Archive) (*Service, *memstore.Store, *fakeBus) {
	t.Helper()
	store, err := memstore.New()
	require.NoError(t, err)
	bus := &fakeBus{}
	svc := NewService(store, bus, archive)
	svc.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return svc, store, bus
}

func TestSerializeJSON(t *testing.T) {
	svc, store, bus := newService(t, nil)

	out, err := svc.Serialize(context.Background(), domain.ReportInput{
		Data:   map[string]any{"total_amount": 600},
		Format: domain.FormatJSON,
		Owner:  tenant,
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", out.ContentType)
	assert.JSONEq(t, `{"total_amount":600}`, string(out.Content))
	assert.Empty(t, out.ReportID)
	assert.Empty(t, store.Reports())
	assert.Empty(t, bus.msgs)
}

func TestSerializeUnsupportedFormats(t *testing.T) {
	svc, _, _ := newService(t, nil)
	for _, f := range []domain.ReportFormat{domain.FormatXML, domain.FormatCSV, domain.FormatSpreadsheet, domain.FormatPDF} {
		t.Run(string(f), func(t *testing.T) {
			_, err := svc.Serialize(context.Background(), domain.ReportInput{Data: 1, Format: f, Owner: tenant})
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), "unsupported format")
		})
	}
}

func TestSerializePersist(t *testing.T) {
	archive := &fakeArchive{}
	svc, store, bus := newService(t, archive)
	typ := "I"
	sourceID := int64(42)

	out, err := svc.Serialize(context.Background(), domain.ReportInput{
		Data:           []int{1, 2, 3},
		Owner:          tenant,
		Persist:        true,
		Name:           "Income totals",
		Description:    "monthly",
		Filters:        &domain.Filter{Type: &typ},
		Operation:      "aggregate",
		SourceRecordID: &sourceID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.ReportID)

	reports := store.Reports()
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, out.ReportID, rep.ID)
	assert.Equal(t, tenant, rep.UserID)
	assert.Equal(t, "Income totals", rep.Name)
	assert.Equal(t, "json", rep.Format)
	assert.JSONEq(t, `{"type":"I"}`, rep.Filters)
	assert.Equal(t, &sourceID, rep.CFDIID)
	assert.Equal(t, "reports/"+tenant+"/aggregate/1700000000.json", rep.StorageKey)
	assert.Equal(t, []string{rep.StorageKey}, archive.keys)

	require.Len(t, bus.msgs, 1)
	assert.Equal(t, tenant, bus.msgs[0].tenant)
	assert.Equal(t, domain.TopicAnalysisReady, bus.msgs[0].topic)
	var ev domain.AnalysisReadyEvent
	require.NoError(t, json.Unmarshal(bus.msgs[0].payload, &ev))
	assert.Equal(t, out.ReportID, ev.ReportID)
	assert.Equal(t, "aggregate", ev.Operation)
}

func TestSerializePersistFailures(t *testing.T) {
	t.Run("owner required", func(t *testing.T) {
		svc, _, _ := newService(t, nil)
		_, err := svc.Serialize(context.Background(), domain.ReportInput{Data: 1, Persist: true})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("archive failure is upstream and nothing is saved", func(t *testing.T) {
		svc, store, bus := newService(t, &fakeArchive{err: errors.New("bucket gone")})
		_, err := svc.Serialize(context.Background(), domain.ReportInput{Data: 1, Owner: tenant, Persist: true, Operation: "join"})
		assert.ErrorIs(t, err, domain.ErrUpstream)
		assert.Empty(t, store.Reports())
		assert.Empty(t, bus.msgs)
	})

	t.Run("bus failure does not fail the report", func(t *testing.T) {
		svc, store, bus := newService(t, nil)
		bus.err = errors.New("nats down")
		out, err := svc.Serialize(context.Background(), domain.ReportInput{Data: 1, Owner: tenant, Persist: true})
		require.NoError(t, err)
		assert.NotEmpty(t, out.ReportID)
		assert.Len(t, store.Reports(), 1)
	})
}

func TestStorageKey(t *testing.T) {
	at := time.Unix(10, 0)
	assert.Equal(t, "reports/t/setop/10.json", StorageKey("t", "setop", at, domain.FormatJSON))
	assert.Equal(t, "reports/t/analysis/10.json", StorageKey("t", "", at, domain.FormatJSON))
}

func TestNewS3Archive(t *testing.T) {
	_, err := NewS3Archive(domain.StorageConfig{})
	assert.Error(t, err)

	a, err := NewS3Archive(domain.StorageConfig{
		Endpoint:  "http://127.0.0.1:9000",
		Bucket:    "reports",
		AccessKey: "minio",
		SecretKey: "minio123",
		PathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "reports", a.bucket)
	assert.NotNil(t, a.client)
}
