package bitcoin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rent-ledger-go/internal/database"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

type fixedRate struct {
	rate decimal.Decimal
	err  error
}

func (f fixedRate) Rate(ctx context.Context) (decimal.Decimal, error) {
	return f.rate, f.err
}

// fakeIndexer serves observations by address.
type fakeIndexer struct {
	mu           sync.Mutex
	observations map[string]Observation
}

func (f *fakeIndexer) set(address string, obs Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations[address] = obs
}

func (f *fakeIndexer) Observe(ctx context.Context, address string) (*Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs := f.observations[address]
	return &obs, nil
}

func (f *fakeIndexer) TipHeight(ctx context.Context) (int64, error) {
	return 800000, nil
}

// storeConfirmer settles straight through the store.
type storeConfirmer struct {
	store store.BitcoinStore
	calls int
}

func (c *storeConfirmer) ConfirmBitcoinPayment(ctx context.Context, id string) (*store.BitcoinSettlement, error) {
	c.calls++
	return c.store.SettleBitcoinPayment(ctx, id, time.Now())
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(ctx context.Context, kind, tenantId string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

type monitorFixture struct {
	db        *database.Service
	service   *Service
	monitor   *Monitor
	indexer   *fakeIndexer
	confirmer *storeConfirmer
	notifier  *recordingNotifier
	now       time.Time
}

func setupMonitor(t *testing.T) *monitorFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, PingTimeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	xpub, _ := testXpub(t, &chaincfg.MainNetParams)
	if _, err := db.CreateWallet(ctx, models.BitcoinWallet{
		Id:                    "wallet1",
		Xpub:                  xpub,
		Network:               NetworkMainnet,
		PaymentWindow:         time.Hour,
		RequiredConfirmations: 1,
		ToleranceSatoshis:     1000,
	}); err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	if _, err := db.CreateInvoice(ctx, store.CreateInvoiceParams{
		Id:         "inv1",
		TenantId:   "tenant1",
		PropertyId: "prop1",
		Total:      decimal.NewFromInt(100),
		Status:     models.InvoiceIssued,
		DueDate:    time.Now().Add(72 * time.Hour),
	}); err != nil {
		t.Fatalf("CreateInvoice failed: %v", err)
	}

	f := &monitorFixture{
		db:        db,
		indexer:   &fakeIndexer{observations: map[string]Observation{}},
		confirmer: &storeConfirmer{store: db},
		notifier:  &recordingNotifier{},
		now:       time.Now(),
	}
	f.service = NewService(db, fixedRate{rate: decimal.NewFromInt(50000)}, f.indexer)
	f.monitor = NewMonitor(db, f.indexer, f.confirmer, f.notifier, nil, MonitorConfig{Concurrency: 2})
	f.monitor.now = func() time.Time { return f.now }
	return f
}

func TestMonitor_ConfirmsOnceAndPaysInvoice(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()

	bp, err := f.service.CreatePayment(ctx, "inv1", "tenant1", "prop1", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if bp.ExpectedSatoshis != 200000 {
		t.Fatalf("Expected 200000 sats for $100 at $50,000, got %d", bp.ExpectedSatoshis)
	}
	if bp.DerivationIndex != 0 || bp.Status != models.BitcoinPending {
		t.Errorf("Expected pending payment at index 0, got %s at %d", bp.Status, bp.DerivationIndex)
	}

	f.indexer.set(bp.Address, Observation{ReceivedSatoshis: 200000, TxId: "tx1"})
	if failed := f.monitor.Poll(ctx); failed != 0 {
		t.Fatalf("Expected clean poll, %d failed", failed)
	}
	current, _ := f.service.GetPayment(ctx, bp.Id)
	if current.Status != models.BitcoinMempoolSeen || current.MempoolSeenAt == nil {
		t.Fatalf("Expected mempool-seen, got %s", current.Status)
	}

	f.indexer.set(bp.Address, Observation{ReceivedSatoshis: 200000, Confirmations: 1, TxId: "tx1"})
	f.monitor.Poll(ctx)
	f.monitor.Poll(ctx)
	f.monitor.Poll(ctx)

	current, _ = f.service.GetPayment(ctx, bp.Id)
	if current.Status != models.BitcoinConfirmed || current.PaymentId == "" {
		t.Fatalf("Expected confirmed and linked, got %s (payment %q)", current.Status, current.PaymentId)
	}
	if f.confirmer.calls != 1 {
		t.Errorf("Expected one settlement hand-off, got %d", f.confirmer.calls)
	}

	payments, err := f.db.ListPaymentsForInvoice(ctx, "inv1")
	if err != nil {
		t.Fatalf("ListPaymentsForInvoice failed: %v", err)
	}
	if len(payments) != 1 || payments[0].Method != models.MethodBitcoin {
		t.Fatalf("Expected exactly one bitcoin payment, got %d", len(payments))
	}
	if !payments[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected payment of 100, got %s", payments[0].Amount.String())
	}

	invoice, _ := f.db.GetInvoice(ctx, "inv1")
	if invoice.Status != models.InvoicePaid {
		t.Errorf("Expected invoice paid, got %s", invoice.Status)
	}
}

func TestMonitor_ExpiresAndFlagsLatePayment(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()

	bp, err := f.service.CreatePayment(ctx, "inv1", "tenant1", "prop1", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	f.now = bp.ExpiresAt.Add(time.Minute)
	f.monitor.Poll(ctx)

	current, _ := f.service.GetPayment(ctx, bp.Id)
	if current.Status != models.BitcoinExpired {
		t.Fatalf("Expected expired, got %s", current.Status)
	}
	if f.notifier.count(models.NotifyPaymentExpired) != 1 {
		t.Errorf("Expected one expiry notification")
	}

	f.indexer.set(bp.Address, Observation{ReceivedSatoshis: 200000, Confirmations: 3, TxId: "late"})
	f.monitor.Poll(ctx)
	f.monitor.Poll(ctx)

	current, _ = f.service.GetPayment(ctx, bp.Id)
	if current.Status != models.BitcoinExpired || current.PaymentId != "" {
		t.Errorf("Expected expired payment to stay unsettled, got %s", current.Status)
	}
	anomalies, err := f.db.ListAnomalies(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != models.AnomalyLatePayment {
		t.Fatalf("Expected one late_payment anomaly, got %+v", anomalies)
	}
	if f.notifier.count(models.NotifyBitcoinAnomaly) != 1 {
		t.Errorf("Expected one anomaly notification, got %d", f.notifier.count(models.NotifyBitcoinAnomaly))
	}
	if f.confirmer.calls != 0 {
		t.Errorf("Expected no settlement for an expired payment")
	}
}

func TestService_CreatePaymentFailures(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()

	down := NewService(f.db, fixedRate{err: store.ErrPriceFeedUnavailable}, f.indexer)
	if _, err := down.CreatePayment(ctx, "inv1", "tenant1", "prop1", decimal.NewFromInt(100)); !errors.Is(err, store.ErrPriceFeedUnavailable) {
		t.Errorf("Expected ErrPriceFeedUnavailable, got %v", err)
	}

	if _, err := f.service.CreatePayment(ctx, "inv1", "tenant1", "prop1", decimal.Zero); !errors.Is(err, store.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}

	first, _ := f.service.CreatePayment(ctx, "inv1", "tenant1", "prop1", decimal.NewFromInt(10))
	second, _ := f.service.CreatePayment(ctx, "inv1", "tenant1", "prop1", decimal.NewFromInt(10))
	if first.Address == second.Address || second.DerivationIndex != first.DerivationIndex+1 {
		t.Errorf("Expected sequential distinct addresses, got %d:%s and %d:%s",
			first.DerivationIndex, first.Address, second.DerivationIndex, second.Address)
	}
}
