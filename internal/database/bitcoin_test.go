package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func indexAddress(index uint32) (string, error) {
	return fmt.Sprintf("bc1qtest%04d", index), nil
}

func createTestWallet(t *testing.T, s *Service, id, propertyId string) *models.BitcoinWallet {
	t.Helper()
	wallet, err := s.CreateWallet(context.Background(), models.BitcoinWallet{
		Id:         id,
		PropertyId: propertyId,
		Xpub:       "xpub-test",
	})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	return wallet
}

func allocateTestPayment(t *testing.T, s *Service, walletId, invoiceId string, derive func(uint32) (string, error)) (*models.BitcoinPayment, error) {
	t.Helper()
	return s.AllocateBitcoinPayment(context.Background(), store.AllocateBitcoinPaymentParams{
		WalletId:         walletId,
		InvoiceId:        invoiceId,
		TenantId:         "tenant1",
		UsdAmount:        decimal.NewFromInt(1000),
		Rate:             decimal.NewFromInt(50000),
		ExpectedSatoshis: 2000000,
		Derive:           derive,
	})
}

func TestCreateWallet_Defaults(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	wallet := createTestWallet(t, service, "w1", "")
	if wallet.Network != "mainnet" || wallet.PaymentWindow != time.Hour || wallet.RequiredConfirmations != 1 {
		t.Errorf("Unexpected defaults: %+v", wallet)
	}

	again := createTestWallet(t, service, "w1", "")
	if again.Id != "w1" || again.PaymentWindow != time.Hour {
		t.Errorf("Expected stored wallet on duplicate create, got %+v", again)
	}
}

func TestResolveWallet_FallsBackToDefault(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	createTestWallet(t, service, "default", "")
	createTestWallet(t, service, "special", "prop9")

	wallet, err := service.ResolveWallet(ctx, "prop9")
	if err != nil {
		t.Fatalf("ResolveWallet failed: %v", err)
	}
	if wallet.Id != "special" {
		t.Errorf("Expected property wallet, got %s", wallet.Id)
	}

	wallet, err = service.ResolveWallet(ctx, "prop1")
	if err != nil {
		t.Fatalf("ResolveWallet failed: %v", err)
	}
	if wallet.Id != "default" {
		t.Errorf("Expected default wallet, got %s", wallet.Id)
	}
}

func TestAllocateBitcoinPayment_AdvancesIndex(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	createTestWallet(t, service, "w1", "")
	createTestInvoice(t, service, "inv1", "tenant1", "1000", time.Now().Add(72*time.Hour))

	first, err := allocateTestPayment(t, service, "w1", "inv1", indexAddress)
	if err != nil {
		t.Fatalf("AllocateBitcoinPayment failed: %v", err)
	}
	second, err := allocateTestPayment(t, service, "w1", "inv1", indexAddress)
	if err != nil {
		t.Fatalf("AllocateBitcoinPayment failed: %v", err)
	}

	if first.DerivationIndex != 0 || second.DerivationIndex != 1 {
		t.Errorf("Expected indexes 0 and 1, got %d and %d", first.DerivationIndex, second.DerivationIndex)
	}
	if first.Address == second.Address {
		t.Errorf("Expected distinct addresses, got %s twice", first.Address)
	}
	if first.Status != models.BitcoinPending {
		t.Errorf("Expected pending, got %s", first.Status)
	}
	if !first.ExpiresAt.After(first.CreatedAt) {
		t.Errorf("Expected expiry after creation, got %v <= %v", first.ExpiresAt, first.CreatedAt)
	}

	wallet, _ := service.GetWallet(context.Background(), "w1")
	if wallet.NextIndex != 2 {
		t.Errorf("Expected next index 2, got %d", wallet.NextIndex)
	}
}

func TestAllocateBitcoinPayment_ConcurrentDistinctIndexes(t *testing.T) {
	service := setupFileService(t)
	createTestWallet(t, service, "w1", "")
	createTestInvoice(t, service, "inv1", "tenant1", "1000", time.Now().Add(72*time.Hour))

	const workers = 16
	var wg sync.WaitGroup
	payments := make(chan *models.BitcoinPayment, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payment, err := allocateTestPayment(t, service, "w1", "inv1", indexAddress)
			if err != nil {
				t.Errorf("AllocateBitcoinPayment failed: %v", err)
				return
			}
			payments <- payment
		}()
	}
	wg.Wait()
	close(payments)

	indexes := map[uint32]bool{}
	addresses := map[string]bool{}
	for p := range payments {
		if indexes[p.DerivationIndex] {
			t.Errorf("Index %d allocated twice", p.DerivationIndex)
		}
		if addresses[p.Address] {
			t.Errorf("Address %s allocated twice", p.Address)
		}
		indexes[p.DerivationIndex] = true
		addresses[p.Address] = true
	}
	if len(indexes) != workers {
		t.Fatalf("Expected %d allocations, got %d", workers, len(indexes))
	}
	for i := uint32(0); i < workers; i++ {
		if !indexes[i] {
			t.Errorf("Expected index %d to be allocated", i)
		}
	}

	wallet, err := service.GetWallet(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if wallet.Halted {
		t.Errorf("Expected wallet to stay active, halted with %q", wallet.HaltReason)
	}
	if wallet.NextIndex != workers {
		t.Errorf("Expected next index %d, got %d", workers, wallet.NextIndex)
	}
}

func TestAllocateBitcoinPayment_ReusedAddressHaltsWallet(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	createTestWallet(t, service, "w1", "")
	createTestInvoice(t, service, "inv1", "tenant1", "1000", time.Now().Add(72*time.Hour))

	sameAddress := func(uint32) (string, error) { return "bc1qsame", nil }
	if _, err := allocateTestPayment(t, service, "w1", "inv1", sameAddress); err != nil {
		t.Fatalf("First allocation failed: %v", err)
	}

	_, err := allocateTestPayment(t, service, "w1", "inv1", sameAddress)
	if !errors.Is(err, store.ErrAddressAllocationConflict) {
		t.Fatalf("Expected ErrAddressAllocationConflict, got %v", err)
	}

	wallet, _ := service.GetWallet(context.Background(), "w1")
	if !wallet.Halted {
		t.Error("Expected wallet to be halted")
	}

	_, err = allocateTestPayment(t, service, "w1", "inv1", indexAddress)
	if !errors.Is(err, store.ErrWalletHalted) {
		t.Errorf("Expected ErrWalletHalted, got %v", err)
	}
}

func TestUpdateBitcoinPaymentState_GuardsTransitions(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	createTestWallet(t, service, "w1", "")
	createTestInvoice(t, service, "inv1", "tenant1", "1000", time.Now().Add(72*time.Hour))

	bp, err := allocateTestPayment(t, service, "w1", "inv1", indexAddress)
	if err != nil {
		t.Fatalf("AllocateBitcoinPayment failed: %v", err)
	}

	seen := time.Now().UTC()
	updated, err := service.UpdateBitcoinPaymentState(ctx, store.BitcoinStateUpdate{
		Id:               bp.Id,
		FromStatus:       models.BitcoinPending,
		ToStatus:         models.BitcoinMempoolSeen,
		ReceivedSatoshis: 2000000,
		TxId:             "txid1",
		MempoolSeenAt:    &seen,
	})
	if err != nil {
		t.Fatalf("UpdateBitcoinPaymentState failed: %v", err)
	}
	if updated.Status != models.BitcoinMempoolSeen || updated.MempoolSeenAt == nil {
		t.Errorf("Unexpected state after mempool: %+v", updated)
	}

	_, err = service.UpdateBitcoinPaymentState(ctx, store.BitcoinStateUpdate{
		Id:         bp.Id,
		FromStatus: models.BitcoinPending,
		ToStatus:   models.BitcoinExpired,
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification for stale status, got %v", err)
	}

	_, err = service.UpdateBitcoinPaymentState(ctx, store.BitcoinStateUpdate{
		Id:         bp.Id,
		FromStatus: models.BitcoinConfirmed,
		ToStatus:   models.BitcoinPending,
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState leaving confirmed, got %v", err)
	}
}

func TestSettleBitcoinPayment_Idempotent(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	createTestWallet(t, service, "w1", "")
	createTestInvoice(t, service, "inv1", "tenant1", "1000", time.Now().Add(72*time.Hour))

	bp, err := allocateTestPayment(t, service, "w1", "inv1", indexAddress)
	if err != nil {
		t.Fatalf("AllocateBitcoinPayment failed: %v", err)
	}

	if _, err := service.SettleBitcoinPayment(ctx, bp.Id, time.Now()); !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState settling a pending payment, got %v", err)
	}

	confirmedAt := time.Now().UTC()
	if _, err := service.UpdateBitcoinPaymentState(ctx, store.BitcoinStateUpdate{
		Id:               bp.Id,
		FromStatus:       models.BitcoinPending,
		ToStatus:         models.BitcoinConfirmed,
		ReceivedSatoshis: 2000000,
		Confirmations:    1,
		TxId:             "txid1",
		ConfirmedAt:      &confirmedAt,
	}); err != nil {
		t.Fatalf("UpdateBitcoinPaymentState failed: %v", err)
	}

	first, err := service.SettleBitcoinPayment(ctx, bp.Id, time.Now())
	if err != nil {
		t.Fatalf("SettleBitcoinPayment failed: %v", err)
	}
	if !first.Created || first.Payment == nil {
		t.Fatalf("Expected a created payment, got %+v", first)
	}
	assertDecimal(t, "payment amount", first.Payment.Amount, "1000")
	if first.Invoice.Status != models.InvoicePaid {
		t.Errorf("Expected paid, got %s", first.Invoice.Status)
	}

	second, err := service.SettleBitcoinPayment(ctx, bp.Id, time.Now())
	if err != nil {
		t.Fatalf("Second SettleBitcoinPayment failed: %v", err)
	}
	if second.Created || second.Payment.Id != first.Payment.Id {
		t.Errorf("Expected existing payment %s, got created=%v id=%s", first.Payment.Id, second.Created, second.Payment.Id)
	}

	payments, _ := service.ListPaymentsForInvoice(ctx, "inv1")
	if len(payments) != 1 {
		t.Errorf("Expected exactly one payment, got %d", len(payments))
	}
}

func TestSettleBitcoinPayment_NoBalanceDueRecordsAnomaly(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	createTestWallet(t, service, "w1", "")
	createTestInvoice(t, service, "inv1", "tenant1", "100", time.Now().Add(72*time.Hour))

	bp, err := allocateTestPayment(t, service, "w1", "inv1", indexAddress)
	if err != nil {
		t.Fatalf("AllocateBitcoinPayment failed: %v", err)
	}
	if _, err := service.RecordPayment(ctx, store.RecordPaymentParams{InvoiceId: "inv1", Method: "manual", Collected: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("RecordPayment failed: %v", err)
	}
	if _, err := service.UpdateBitcoinPaymentState(ctx, store.BitcoinStateUpdate{
		Id:               bp.Id,
		FromStatus:       models.BitcoinPending,
		ToStatus:         models.BitcoinConfirmed,
		ReceivedSatoshis: 2000000,
		Confirmations:    1,
	}); err != nil {
		t.Fatalf("UpdateBitcoinPaymentState failed: %v", err)
	}

	settlement, err := service.SettleBitcoinPayment(ctx, bp.Id, time.Now())
	if err != nil {
		t.Fatalf("SettleBitcoinPayment failed: %v", err)
	}
	if settlement.Created || settlement.Payment != nil {
		t.Errorf("Expected no payment, got %+v", settlement.Payment)
	}

	anomalies, err := service.ListAnomalies(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != models.AnomalyConfirmedWithoutBalance {
		t.Errorf("Expected one confirmed_without_balance anomaly, got %+v", anomalies)
	}

	monitored, err := service.ListMonitoredBitcoinPayments(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListMonitoredBitcoinPayments failed: %v", err)
	}
	if len(monitored) != 0 {
		t.Errorf("Expected anomalous payment to leave the watch list, got %d", len(monitored))
	}
}

func TestRecordAnomaly_OncePerKind(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	anomaly := models.BitcoinAnomaly{BitcoinPaymentId: "bp1", Kind: models.AnomalyLatePayment, Details: "late"}
	inserted, err := service.RecordAnomaly(ctx, anomaly)
	if err != nil || !inserted {
		t.Fatalf("Expected first anomaly inserted, got %v %v", inserted, err)
	}
	inserted, err = service.RecordAnomaly(ctx, anomaly)
	if err != nil || inserted {
		t.Errorf("Expected duplicate anomaly ignored, got %v %v", inserted, err)
	}
}
