package formance

import (
	"context"
	"errors"
	"testing"
	"time"

	"rent-ledger-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestFormanceAsset(t *testing.T) {
	if got := formanceAsset(); got != "USD/2" {
		t.Errorf("formanceAsset() = %q, want USD/2", got)
	}
}

func TestAccountSegment(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"tenant-1", "tenant-1"},
		{"ten ant@example.com", "ten_ant_example_com"},
		{"a:b", "a_b"},
	}
	for _, tt := range tests {
		if got := accountSegment(tt.input); got != tt.want {
			t.Errorf("accountSegment(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSmallestUnitRoundTrip(t *testing.T) {
	cents := toSmallestUnit(decimal.RequireFromString("-12.34"))
	if cents.String() != "1234" {
		t.Fatalf("expected 1234 cents, got %s", cents.String())
	}
	if got := bigIntToDecimal(cents); !got.Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("expected 12.34, got %s", got.String())
	}
	if !bigIntToDecimal(nil).IsZero() {
		t.Error("nil should convert to zero")
	}
}

func TestIsConflictError(t *testing.T) {
	// nil error should not be a conflict
	if isConflictError(nil) {
		t.Error("nil should not be a conflict error")
	}
	if isConflictError(errors.New("boom")) {
		t.Error("plain error should not be a conflict error")
	}
}

func TestBuildPostTransaction(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	grant := models.MonetaryTransaction{
		Id: "tx-1", Seq: 7, TenantId: "t1", Store: models.StoreReward, Kind: models.KindRewardGrant,
		Amount: decimal.RequireFromString("25.00"), Reason: "streak", TierId: "tier-3", CreatedAt: created,
	}

	post := buildPostTransaction(grant)
	if derefString(post.Reference) != "tx-1" {
		t.Errorf("expected reference tx-1, got %q", derefString(post.Reference))
	}
	if post.Script.Plain != numscriptCredit {
		t.Error("expected positive delta to use the credit script")
	}
	vars := post.Script.Vars
	if vars["amount"] != "2500" || vars["tenant"] != "tenants:t1:reward" || vars["platform"] != "platform:reward" {
		t.Errorf("unexpected vars %v", vars)
	}
	if post.Metadata["tier_id"] != "tier-3" || post.Metadata["seq"] != "7" {
		t.Errorf("unexpected metadata %v", post.Metadata)
	}
	if _, ok := post.Metadata["invoice_id"]; ok {
		t.Error("empty fields should not be exported as metadata")
	}
	if !post.Timestamp.Equal(created) {
		t.Errorf("expected timestamp %v, got %v", created, post.Timestamp)
	}

	redeem := grant
	redeem.Id, redeem.Kind, redeem.Amount = "tx-2", models.KindRewardRedeem, decimal.RequireFromString("-10")
	if buildPostTransaction(redeem).Script.Plain != numscriptDebit {
		t.Error("expected negative delta to use the debit script")
	}
}

// ---------- Exporter tests against in-memory fakes ----------

type fakeSource struct {
	transactions []models.MonetaryTransaction
	cursor       int64
	cursorWrites int
}

func (f *fakeSource) ListTransactionsAfter(_ context.Context, afterSeq int64, limit int) ([]models.MonetaryTransaction, error) {
	var out []models.MonetaryTransaction
	for _, tx := range f.transactions {
		if tx.Seq > afterSeq && len(out) < limit {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeSource) GetExportCursor(context.Context, string) (int64, error) {
	return f.cursor, nil
}

func (f *fakeSource) SetExportCursor(_ context.Context, _ string, seq int64) error {
	f.cursor = seq
	f.cursorWrites++
	return nil
}

type fakePoster struct {
	posted []string
	failOn string
}

func (f *fakePoster) Post(_ context.Context, tx shared.V2PostTransaction) error {
	ref := derefString(tx.Reference)
	if ref == f.failOn {
		return errors.New("stack unavailable")
	}
	f.posted = append(f.posted, ref)
	return nil
}

func ledgerRows(n int) []models.MonetaryTransaction {
	rows := make([]models.MonetaryTransaction, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, models.MonetaryTransaction{
			Id: "tx-" + string(rune('a'+i-1)), Seq: int64(i), TenantId: "t1",
			Store: models.StoreCredit, Kind: models.KindCreditGrant, Amount: decimal.NewFromInt(int64(i)),
		})
	}
	return rows
}

func TestExporter_RunOnce(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{transactions: ledgerRows(5)}
	source.transactions[2].Amount = decimal.Zero
	poster := &fakePoster{}

	exporter := NewExporter(source, poster, 2, time.Minute)
	exported, err := exporter.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if exported != 4 || len(poster.posted) != 4 {
		t.Errorf("expected 4 exported (zero delta skipped), got %d / %v", exported, poster.posted)
	}
	if source.cursor != 5 {
		t.Errorf("expected cursor 5, got %d", source.cursor)
	}

	exported, err = exporter.RunOnce(ctx)
	if err != nil || exported != 0 {
		t.Errorf("expected nothing left to export, got %d, %v", exported, err)
	}
}

func TestExporter_SavesProgressOnFailure(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{transactions: ledgerRows(4)}
	poster := &fakePoster{failOn: "tx-c"}

	exporter := NewExporter(source, poster, 10, time.Minute)
	exported, err := exporter.RunOnce(ctx)
	if err == nil {
		t.Fatal("expected export failure")
	}
	if exported != 2 || source.cursor != 2 {
		t.Errorf("expected 2 exported and cursor 2, got %d and %d", exported, source.cursor)
	}

	poster.failOn = ""
	exported, err = exporter.RunOnce(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if exported != 2 || source.cursor != 4 {
		t.Errorf("expected retry to export the remaining 2, got %d with cursor %d", exported, source.cursor)
	}
}
