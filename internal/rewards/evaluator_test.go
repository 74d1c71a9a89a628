package rewards

import (
	"context"
	"sync"
	"testing"
	"time"

	"rent-ledger-go/internal/database"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(ctx context.Context, kind, tenantId string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func setupTestDB(t *testing.T) *database.Service {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, PingTimeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func day(year int, month time.Month, d, hour int) time.Time {
	return time.Date(year, month, d, hour, 0, 0, 0, time.UTC)
}

// rentPaidAt creates a $1000 invoice due on due and pays it in full at paidAt.
func rentPaidAt(t *testing.T, db *database.Service, id string, due, paidAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.CreateInvoice(ctx, store.CreateInvoiceParams{
		Id:         id,
		TenantId:   "tenant1",
		PropertyId: "prop1",
		Total:      decimal.NewFromInt(1000),
		DueDate:    due,
		IssueDate:  due.AddDate(0, 0, -14),
	}); err != nil {
		t.Fatalf("CreateInvoice %s failed: %v", id, err)
	}
	app, err := db.RecordPayment(ctx, store.RecordPaymentParams{
		InvoiceId: id,
		Method:    "manual",
		Provider:  "manual",
		Collected: decimal.NewFromInt(1000),
		Status:    models.PaymentPending,
	})
	if err != nil {
		t.Fatalf("RecordPayment %s failed: %v", id, err)
	}
	if _, err := db.CompletePayment(ctx, app.Payment.Id, paidAt); err != nil {
		t.Fatalf("CompletePayment %s failed: %v", id, err)
	}
}

func streakConfig(t *testing.T, db *database.Service, tiers ...models.StreakTier) *models.RewardConfig {
	t.Helper()
	cfg := &models.RewardConfig{
		PropertyId:     "prop1",
		RewardsEnabled: true,
		StreakEnabled:  true,
		StreakTiers:    tiers,
	}
	if err := db.SaveRewardConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveRewardConfig failed: %v", err)
	}
	saved, err := db.GetRewardConfigForProperty(context.Background(), "prop1")
	if err != nil {
		t.Fatalf("GetRewardConfigForProperty failed: %v", err)
	}
	return saved
}

func rewardBalance(t *testing.T, db *database.Service) decimal.Decimal {
	t.Helper()
	bal, err := db.GetBalance(context.Background(), "tenant1", models.StoreReward)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return bal.Balance
}

func TestEvaluateStreak_LateMonthResetsStreak(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	evaluator := NewEvaluator(db, notifier, nil)

	cfg := streakConfig(t, db,
		models.StreakTier{Name: "Three months", MonthsRequired: 3, Amount: decimal.NewFromInt(50)},
	)

	rentPaidAt(t, db, "jan", day(2026, 1, 5, 0), day(2026, 1, 3, 10))
	rentPaidAt(t, db, "feb", day(2026, 2, 5, 0), day(2026, 2, 5, 23))
	rentPaidAt(t, db, "mar", day(2026, 3, 5, 0), day(2026, 3, 20, 9))

	wantStreaks := []int{1, 2, 0}
	for i, now := range []time.Time{day(2026, 2, 10, 0), day(2026, 3, 10, 0), day(2026, 4, 10, 0)} {
		result, err := evaluator.EvaluateStreak(ctx, "tenant1", cfg, now)
		if err != nil {
			t.Fatalf("EvaluateStreak at %v failed: %v", now, err)
		}
		if result.Streak != wantStreaks[i] {
			t.Errorf("Run %d: expected streak %d, got %d", i, wantStreaks[i], result.Streak)
		}
		if len(result.Grants) != 0 {
			t.Errorf("Run %d: expected no grants, got %d", i, len(result.Grants))
		}
	}

	eval, err := db.GetStreakEvaluation(ctx, "tenant1", cfg.Id)
	if err != nil {
		t.Fatalf("GetStreakEvaluation failed: %v", err)
	}
	if eval.StreakBrokenAt == nil || !eval.StreakBrokenAt.Equal(day(2026, 3, 1, 0)) {
		t.Errorf("Expected streak broken in March, got %v", eval.StreakBrokenAt)
	}
	if !rewardBalance(t, db).IsZero() {
		t.Errorf("Expected no reward balance")
	}
	if len(notifier.kinds) != 0 {
		t.Errorf("Expected no notifications, got %v", notifier.kinds)
	}
}

func TestEvaluateStreak_GrantsOnceAndIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	evaluator := NewEvaluator(db, notifier, nil)

	cfg := streakConfig(t, db,
		models.StreakTier{Name: "Two months", MonthsRequired: 2, Amount: decimal.NewFromInt(25)},
	)
	rentPaidAt(t, db, "jan", day(2026, 1, 1, 0), day(2026, 1, 1, 8))
	rentPaidAt(t, db, "feb", day(2026, 2, 1, 0), day(2026, 1, 28, 8))
	rentPaidAt(t, db, "mar", day(2026, 3, 1, 0), day(2026, 2, 27, 8))

	now := day(2026, 4, 2, 0)
	result, err := evaluator.EvaluateStreak(ctx, "tenant1", cfg, now)
	if err != nil {
		t.Fatalf("EvaluateStreak failed: %v", err)
	}
	if result.MonthsEvaluated != 3 || result.Streak != 3 {
		t.Errorf("Expected 3 months and streak 3, got %d months and streak %d", result.MonthsEvaluated, result.Streak)
	}
	if len(result.Grants) != 1 || result.Grants[0].Source != models.RewardSourceStreak {
		t.Fatalf("Expected one streak grant, got %+v", result.Grants)
	}

	again, err := evaluator.EvaluateStreak(ctx, "tenant1", cfg, now)
	if err != nil {
		t.Fatalf("Second EvaluateStreak failed: %v", err)
	}
	if len(again.Grants) != 0 || again.MonthsEvaluated != 0 {
		t.Errorf("Expected second run to be a no-op, got %+v", again)
	}

	if !rewardBalance(t, db).Equal(decimal.NewFromInt(25)) {
		t.Errorf("Expected reward balance 25, got %s", rewardBalance(t, db).String())
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != models.NotifyRewardGranted {
		t.Errorf("Expected one reward_granted notification, got %v", notifier.kinds)
	}
}

func TestEvaluateStreak_RecurringTierAndSkippedMonths(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	evaluator := NewEvaluator(db, &recordingNotifier{}, nil)

	cfg := streakConfig(t, db,
		models.StreakTier{Name: "Every two months", MonthsRequired: 2, Amount: decimal.NewFromInt(10), Recurring: true},
	)
	rentPaidAt(t, db, "jan", day(2026, 1, 1, 0), day(2026, 1, 1, 0))
	rentPaidAt(t, db, "mar", day(2026, 3, 1, 0), day(2026, 3, 1, 0))
	rentPaidAt(t, db, "apr", day(2026, 4, 1, 0), day(2026, 4, 1, 0))
	rentPaidAt(t, db, "may", day(2026, 5, 1, 0), day(2026, 5, 1, 0))

	result, err := evaluator.EvaluateStreak(ctx, "tenant1", cfg, day(2026, 6, 15, 0))
	if err != nil {
		t.Fatalf("EvaluateStreak failed: %v", err)
	}
	// February has no invoice: it neither breaks nor extends the streak.
	if result.MonthsEvaluated != 5 || result.Streak != 4 {
		t.Errorf("Expected 5 months and streak 4, got %d months and streak %d", result.MonthsEvaluated, result.Streak)
	}
	if len(result.Grants) != 2 {
		t.Errorf("Expected two recurring grants, got %d", len(result.Grants))
	}

	eval, _ := db.GetStreakEvaluation(ctx, "tenant1", cfg.Id)
	if eval.CountAwarded(cfg.StreakTiers[0].Id) != 2 {
		t.Errorf("Expected tier awarded twice, got %v", eval.AwardedTierIds)
	}
	if !eval.LastEvaluatedMonth.Equal(day(2026, 5, 1, 0)) {
		t.Errorf("Expected cursor at May, got %v", eval.LastEvaluatedMonth)
	}
}

func TestEvaluateStreak_DisabledProgram(t *testing.T) {
	db := setupTestDB(t)
	evaluator := NewEvaluator(db, &recordingNotifier{}, nil)
	rentPaidAt(t, db, "jan", day(2026, 1, 1, 0), day(2026, 1, 1, 0))

	cfg := &models.RewardConfig{Id: "cfg", PropertyId: "prop1", RewardsEnabled: false, StreakEnabled: true,
		StreakTiers: []models.StreakTier{{Id: "t", MonthsRequired: 1, Amount: decimal.NewFromInt(5)}}}
	result, err := evaluator.EvaluateStreak(context.Background(), "tenant1", cfg, day(2026, 3, 1, 0))
	if err != nil {
		t.Fatalf("EvaluateStreak failed: %v", err)
	}
	if result.MonthsEvaluated != 0 {
		t.Errorf("Expected disabled program to evaluate nothing")
	}
}

func TestEvaluatePrepayment(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	evaluator := NewEvaluator(db, notifier, nil)

	if err := db.SaveRewardConfig(ctx, &models.RewardConfig{
		PropertyId:        "prop1",
		RewardsEnabled:    true,
		PrepaymentEnabled: true,
		PrepaymentTiers: []models.PrepaymentTier{
			{Threshold: decimal.NewFromInt(100), Amount: decimal.NewFromInt(5)},
		},
	}); err != nil {
		t.Fatalf("SaveRewardConfig failed: %v", err)
	}

	grants, err := evaluator.EvaluatePrepayment(ctx, "tenant1", "prop1", decimal.NewFromInt(250), "pay1")
	if err != nil {
		t.Fatalf("EvaluatePrepayment failed: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("Expected two threshold crossings, got %d", len(grants))
	}

	grants, err = evaluator.EvaluatePrepayment(ctx, "tenant1", "prop1", decimal.NewFromInt(250), "pay1")
	if err != nil {
		t.Fatalf("Repeated EvaluatePrepayment failed: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("Expected repeated source payment to grant nothing, got %d", len(grants))
	}

	grants, _ = evaluator.EvaluatePrepayment(ctx, "tenant1", "prop1", decimal.NewFromInt(60), "pay2")
	if len(grants) != 1 {
		t.Errorf("Expected cumulative 310 to cross a third threshold, got %d grants", len(grants))
	}

	if !rewardBalance(t, db).Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected reward balance 15, got %s", rewardBalance(t, db).String())
	}
	if len(notifier.kinds) != 3 {
		t.Errorf("Expected three notifications, got %d", len(notifier.kinds))
	}
}

func TestEvaluatePrepayment_NoProgram(t *testing.T) {
	db := setupTestDB(t)
	evaluator := NewEvaluator(db, &recordingNotifier{}, nil)

	grants, err := evaluator.EvaluatePrepayment(context.Background(), "tenant1", "unknown", decimal.NewFromInt(500), "pay1")
	if err != nil {
		t.Fatalf("Expected no error without a program, got %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("Expected no grants without a program")
	}
}
