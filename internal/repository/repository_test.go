package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

func ownerOf(tenant string) domain.Predicate {
	return domain.OwnerPredicate(tenant)
}

func openTemp(t *testing.T) *SQLRepository {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "cfdi-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := Open(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := openTemp(t)
	ctx := context.Background()
	tenantID := "AAA010101AAA"
	issued := time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)
	cancelled := issued.Add(48 * time.Hour)

	fixtures := &Fixtures{
		Issuers:   []IssuerFixture{{RFC: "EKU9003173C9", Name: "Escuela Kemper", TaxRegime: "601"}},
		Receivers: []ReceiverFixture{{ID: 1, RFC: "XAXX010101000", Name: "Publico", TaxRegime: "616"}},
	}
	if err := repo.Seed(ctx, fixtures); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	records := []*domain.CFDI{
		{
			ID: 1, UUID: "uuid-1", UserID: tenantID, Serie: "A", Folio: "100", IssueDate: issued,
			Type: "I", Total: 1160, Subtotal: 1000, Currency: "MXN", IssuerID: "EKU9003173C9", ReceiverID: 1,
			Concepts: []domain.Concept{{
				FiscalKey: "01010101", Description: "Consultoria", Quantity: 1, UnitValue: 1000, Amount: 1000,
				Taxes: []domain.Tax{{TaxType: "IVA", Rate: 0.16, Amount: 160}},
			}},
			PaymentComplements: []domain.PaymentComplement{{PaymentDate: issued, PaymentForm: "03", PaymentAmount: 1160}},
			Attachments:        []domain.Attachment{{FileType: "pdf", CreatedAt: issued}},
			Relations:          []domain.Relation{{RelatedUUID: "uuid-0", RelationType: "04"}},
			Cancellation:       &domain.Cancellation{Status: "cancelled", CancellationDate: &cancelled},
		},
		{ID: 2, UUID: "uuid-2", UserID: tenantID, Folio: "101", IssueDate: issued.AddDate(0, 1, 0), Type: "E", Total: 50, Currency: "USD"},
		{ID: 3, UUID: "uuid-3", UserID: "BBB010101BBB", Folio: "100", IssueDate: issued, Type: "I", Total: 999},
	}
	for _, rec := range records {
		if err := repo.InsertCFDI(ctx, rec); err != nil {
			t.Fatalf("InsertCFDI failed: %v", err)
		}
	}

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Count", func(t *testing.T) {
		n, err := repo.Count(ctx, domain.RecordQuery{Where: ownerOf(tenantID)})
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 records, got %d", n)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		where := ownerOf("BBB010101BBB")
		found, err := repo.FindMany(ctx, domain.RecordQuery{Where: where})
		if err != nil {
			t.Fatalf("FindMany failed: %v", err)
		}
		if len(found) != 1 || found[0].UUID != "uuid-3" {
			t.Errorf("expected only uuid-3, got %+v", found)
		}
	})

	t.Run("RequiresScopedPredicate", func(t *testing.T) {
		_, err := repo.FindMany(ctx, domain.RecordQuery{})
		if !errors.Is(err, domain.ErrUnscopedPredicate) {
			t.Errorf("expected ErrUnscopedPredicate, got: %v", err)
		}
		_, err = repo.Count(ctx, domain.RecordQuery{Where: domain.NewPredicateBuilder("").Build()})
		if !errors.Is(err, domain.ErrUnscopedPredicate) {
			t.Errorf("expected ErrUnscopedPredicate, got: %v", err)
		}
	})

	t.Run("RangeAndOrder", func(t *testing.T) {
		where := ownerOf(tenantID).With(domain.RangeNode{Field: domain.FieldIssueDate, Gte: issued.Add(time.Hour)})
		found, err := repo.FindMany(ctx, domain.RecordQuery{
			Where:   where,
			OrderBy: []domain.Order{{Field: domain.FieldIssueDate, Desc: true}},
		})
		if err != nil {
			t.Fatalf("FindMany failed: %v", err)
		}
		if len(found) != 1 || found[0].UUID != "uuid-2" {
			t.Errorf("expected uuid-2, got %+v", found)
		}

		all, err := repo.FindMany(ctx, domain.RecordQuery{
			Where:   ownerOf(tenantID),
			OrderBy: []domain.Order{{Field: domain.FieldTotal, Desc: true}},
			Skip:    1,
		})
		if err != nil {
			t.Fatalf("FindMany failed: %v", err)
		}
		if len(all) != 1 || all[0].UUID != "uuid-2" {
			t.Errorf("expected skip to leave uuid-2, got %+v", all)
		}
	})

	t.Run("IncludeRelations", func(t *testing.T) {
		where := ownerOf(tenantID).With(domain.EqNode{Field: domain.FieldFolio, Value: "100"})
		rec, err := repo.FindFirst(ctx, domain.RecordQuery{
			Where: where,
			Include: domain.Include{
				Issuer: true, Receiver: true, Taxes: true, PaymentComplements: true,
				Attachments: true, Relations: true, Cancellation: true,
			},
		})
		if err != nil {
			t.Fatalf("FindFirst failed: %v", err)
		}
		if rec == nil {
			t.Fatal("expected a record")
		}
		if rec.Issuer == nil || rec.Issuer.Name != "Escuela Kemper" {
			t.Errorf("expected issuer to be loaded, got %+v", rec.Issuer)
		}
		if rec.Receiver == nil || rec.Receiver.RFC != "XAXX010101000" {
			t.Errorf("expected receiver to be loaded, got %+v", rec.Receiver)
		}
		if len(rec.Concepts) != 1 || len(rec.Concepts[0].Taxes) != 1 {
			t.Fatalf("expected 1 concept with 1 tax, got %+v", rec.Concepts)
		}
		if rec.Concepts[0].Taxes[0].Amount != 160 {
			t.Errorf("expected tax amount 160, got %.2f", rec.Concepts[0].Taxes[0].Amount)
		}
		if len(rec.PaymentComplements) != 1 || len(rec.Attachments) != 1 || len(rec.Relations) != 1 {
			t.Errorf("expected one payment, attachment and relation")
		}
		if rec.Cancellation == nil || rec.Cancellation.Status != "cancelled" {
			t.Errorf("expected cancellation, got %+v", rec.Cancellation)
		}
		if !rec.IssueDate.Equal(issued) {
			t.Errorf("expected issue date %s, got %s", issued, rec.IssueDate)
		}
	})

	t.Run("IncludeNothing", func(t *testing.T) {
		rec, err := repo.FindFirst(ctx, domain.RecordQuery{Where: ownerOf(tenantID).With(domain.EqNode{Field: domain.FieldFolio, Value: "100"})})
		if err != nil {
			t.Fatalf("FindFirst failed: %v", err)
		}
		if rec.Issuer != nil || rec.Concepts != nil {
			t.Errorf("expected no relations, got %+v", rec)
		}
	})

	t.Run("FindFirstMiss", func(t *testing.T) {
		rec, err := repo.FindFirst(ctx, domain.RecordQuery{Where: ownerOf(tenantID).With(domain.EqNode{Field: domain.FieldFolio, Value: "nope"})})
		if err != nil {
			t.Fatalf("FindFirst failed: %v", err)
		}
		if rec != nil {
			t.Errorf("expected nil, got %+v", rec)
		}
	})

	t.Run("Reports", func(t *testing.T) {
		id := int64(1)
		report := &domain.Report{
			ID: "rep-1", UserID: tenantID, CFDIID: &id, Name: "monthly",
			Format: "json", Operation: "aggregate", CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveReport(ctx, report); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}

		got, err := repo.GetReport(ctx, tenantID, "rep-1")
		if err != nil {
			t.Fatalf("GetReport failed: %v", err)
		}
		if got.CFDIID == nil || *got.CFDIID != 1 {
			t.Errorf("expected cfdi_id 1, got %v", got.CFDIID)
		}

		if _, err := repo.GetReport(ctx, "BBB010101BBB", "rep-1"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}

		rows, err := repo.FindOwned(ctx, domain.OwnedReport, tenantID, 0, 10)
		if err != nil {
			t.Fatalf("FindOwned failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected 1 report row, got %d", len(rows))
		}
		if rows[0]["cfdi_uuid"] != "uuid-1" {
			t.Errorf("expected cfdi_uuid uuid-1, got %v", rows[0]["cfdi_uuid"])
		}

		n, err := repo.CountOwned(ctx, domain.OwnedReport, tenantID)
		if err != nil || n != 1 {
			t.Errorf("expected 1 owned report, got %d (%v)", n, err)
		}
	})

	t.Run("OwnedRequiresOwner", func(t *testing.T) {
		_, err := repo.FindOwned(ctx, domain.OwnedBatchJob, "", 0, 10)
		if !errors.Is(err, domain.ErrUnscopedPredicate) {
			t.Errorf("expected ErrUnscopedPredicate, got: %v", err)
		}
	})
}

func TestLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	body := `
issuers:
  - rfc: EKU9003173C9
    name: Escuela Kemper
cfdis:
  - id: 1
    uuid: uuid-1
    user_id: AAA010101AAA
    issue_date: 2024-05-10T00:00:00Z
    type: I
    total: 116
    issuer_id: EKU9003173C9
    concepts:
      - description: Consultoria
        amount: 100
        taxes:
          - tax_type: IVA
            rate: 0.16
            amount: 16
owned:
  - kind: batch_job
    id: job-1
    user_id: AAA010101AAA
    name: import
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFixtures(path)
	if err != nil {
		t.Fatalf("LoadFixtures failed: %v", err)
	}

	records := f.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Issuer == nil || records[0].Issuer.Name != "Escuela Kemper" {
		t.Errorf("expected issuer to be linked")
	}
	if len(records[0].Concepts) != 1 || records[0].Concepts[0].Taxes[0].TaxType != "IVA" {
		t.Errorf("expected concept with IVA tax, got %+v", records[0].Concepts)
	}

	repo := openTemp(t)
	if err := repo.Seed(context.Background(), f); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	n, err := repo.CountOwned(context.Background(), domain.OwnedBatchJob, "AAA010101AAA")
	if err != nil || n != 1 {
		t.Errorf("expected 1 batch job, got %d (%v)", n, err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMemoryDriver(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer repo.Close()

	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestWhereRendersPredicate(t *testing.T) {
	p := domain.NewPredicateBuilder("t1").
		Eq(domain.FieldType, "I").
		Range(domain.FieldTotal, 10.0, nil).
		Build()

	w, args, err := where(p)
	if err != nil {
		t.Fatalf("where failed: %v", err)
	}
	expected := " WHERE c.user_id = ? AND c.type = ? AND c.total >= ?"
	if w != expected {
		t.Errorf("expected %q, got %q", expected, w)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}

	if _, _, err := where(domain.OwnerPredicate("t1").With(domain.EqNode{Field: "password", Value: "x"})); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown field, got: %v", err)
	}
}

func TestPage(t *testing.T) {
	sqlite := &SQLRepository{driver: "sqlite"}
	pg := &SQLRepository{driver: "postgres"}

	if clause, _ := sqlite.page(0, 0); clause != "" {
		t.Errorf("expected no clause, got %q", clause)
	}
	if clause, _ := sqlite.page(5, 0); clause != " LIMIT -1 OFFSET ?" {
		t.Errorf("unexpected sqlite clause %q", clause)
	}
	if clause, _ := pg.page(5, 0); clause != " OFFSET ?" {
		t.Errorf("unexpected postgres clause %q", clause)
	}
	if clause, args := pg.page(10, 5); clause != " LIMIT ? OFFSET ?" || len(args) != 2 {
		t.Errorf("unexpected clause %q %v", clause, args)
	}
}
