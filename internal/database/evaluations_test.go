package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func saveTestRewardConfig(t *testing.T, s *Service) *models.RewardConfig {
	t.Helper()
	cfg := &models.RewardConfig{
		PropertyId:        "prop1",
		RewardsEnabled:    true,
		StreakEnabled:     true,
		PrepaymentEnabled: true,
		StreakTiers: []models.StreakTier{
			{Name: "six", MonthsRequired: 6, Amount: decimal.NewFromInt(50)},
			{Name: "three", MonthsRequired: 3, Amount: decimal.NewFromInt(25), Recurring: true},
		},
		PrepaymentTiers: []models.PrepaymentTier{
			{Threshold: decimal.NewFromInt(2000), Amount: decimal.NewFromInt(40)},
			{Threshold: decimal.NewFromInt(1000), Amount: decimal.NewFromInt(15)},
		},
	}
	if err := s.SaveRewardConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveRewardConfig failed: %v", err)
	}
	return cfg
}

func TestSaveRewardConfig_RoundTripSortsTiers(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	saved := saveTestRewardConfig(t, service)
	loaded, err := service.GetRewardConfigForProperty(context.Background(), "prop1")
	if err != nil {
		t.Fatalf("GetRewardConfigForProperty failed: %v", err)
	}
	if loaded.Id != saved.Id {
		t.Errorf("Expected id %s, got %s", saved.Id, loaded.Id)
	}
	if len(loaded.StreakTiers) != 2 || loaded.StreakTiers[0].MonthsRequired != 3 {
		t.Errorf("Expected streak tiers ascending by months, got %+v", loaded.StreakTiers)
	}
	if !loaded.StreakTiers[0].Recurring {
		t.Error("Expected the three month tier to be recurring")
	}
	if len(loaded.PrepaymentTiers) != 2 || !loaded.PrepaymentTiers[0].Threshold.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected prepayment tiers ascending by threshold, got %+v", loaded.PrepaymentTiers)
	}
}

func TestSaveRewardConfig_ReplacesTiers(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	first := saveTestRewardConfig(t, service)
	replacement := &models.RewardConfig{
		PropertyId:    "prop1",
		StreakEnabled: true,
		StreakTiers:   []models.StreakTier{{Name: "twelve", MonthsRequired: 12, Amount: decimal.NewFromInt(100)}},
	}
	if err := service.SaveRewardConfig(ctx, replacement); err != nil {
		t.Fatalf("SaveRewardConfig failed: %v", err)
	}
	if replacement.Id != first.Id {
		t.Errorf("Expected config id to be kept per property, got %s and %s", first.Id, replacement.Id)
	}

	configs, err := service.ListRewardConfigs(ctx)
	if err != nil {
		t.Fatalf("ListRewardConfigs failed: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("Expected one config, got %d", len(configs))
	}
	if len(configs[0].StreakTiers) != 1 || len(configs[0].PrepaymentTiers) != 0 {
		t.Errorf("Expected tiers to be replaced, got %+v", configs[0])
	}
}

func TestGetRewardConfigForProperty_NotFound(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	if _, err := service.GetRewardConfigForProperty(context.Background(), "nowhere"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceStreak_MonotonicCursor(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	cfg := saveTestRewardConfig(t, service)
	month := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	advance := func(eval *models.StreakEvaluation) ([]store.PlannedGrant, error) {
		eval.CurrentStreak++
		m := month
		eval.LastEvaluatedMonth = &m
		eval.AwardedTierIds = append(eval.AwardedTierIds, cfg.StreakTiers[0].Id)
		return []store.PlannedGrant{{
			Amount:      decimal.NewFromInt(25),
			Source:      models.RewardSourceStreak,
			TierId:      cfg.StreakTiers[0].Id,
			Description: "streak",
		}}, nil
	}

	granted, err := service.AdvanceStreak(ctx, "tenant1", cfg.Id, advance)
	if err != nil {
		t.Fatalf("AdvanceStreak failed: %v", err)
	}
	if len(granted) != 1 || granted[0].Source != models.RewardSourceStreak {
		t.Fatalf("Expected one streak grant, got %+v", granted)
	}

	_, err = service.AdvanceStreak(ctx, "tenant1", cfg.Id, advance)
	if !errors.Is(err, store.ErrAlreadyEvaluated) {
		t.Fatalf("Expected ErrAlreadyEvaluated re-running the same month, got %v", err)
	}

	eval, err := service.GetStreakEvaluation(ctx, "tenant1", cfg.Id)
	if err != nil {
		t.Fatalf("GetStreakEvaluation failed: %v", err)
	}
	if eval.CurrentStreak != 1 || len(eval.AwardedTierIds) != 1 {
		t.Errorf("Expected rejected advance to leave state unchanged, got %+v", eval)
	}
	if eval.LastEvaluatedMonth == nil || !eval.LastEvaluatedMonth.Equal(month) {
		t.Errorf("Expected cursor %v, got %v", month, eval.LastEvaluatedMonth)
	}

	balance, _ := service.GetBalance(ctx, "tenant1", models.StoreReward)
	assertDecimal(t, "reward balance", balance.Balance, "25")
}

func TestGetStreakEvaluation_Fresh(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()

	eval, err := service.GetStreakEvaluation(context.Background(), "tenant1", "cfg1")
	if err != nil {
		t.Fatalf("GetStreakEvaluation failed: %v", err)
	}
	if eval.CurrentStreak != 0 || eval.LastEvaluatedMonth != nil {
		t.Errorf("Expected a fresh evaluation, got %+v", eval)
	}
}

func TestRecordPrepayment_OncePerSourcePayment(t *testing.T) {
	service, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()
	cfg := saveTestRewardConfig(t, service)

	plan := func(tracker *models.PrepaymentRewardTracker) []store.PlannedGrant {
		if tracker.Cumulative.LessThan(decimal.NewFromInt(1000)) {
			return nil
		}
		tracker.RewardsGrantedCount++
		tracker.TierGrantCounts["t1"]++
		return []store.PlannedGrant{{Amount: decimal.NewFromInt(15), Source: models.RewardSourcePrepayment, TierId: "t1"}}
	}

	granted, err := service.RecordPrepayment(ctx, "tenant1", cfg.Id, "pay1", decimal.NewFromInt(1200), plan)
	if err != nil {
		t.Fatalf("RecordPrepayment failed: %v", err)
	}
	if len(granted) != 1 {
		t.Fatalf("Expected one grant, got %d", len(granted))
	}

	again, err := service.RecordPrepayment(ctx, "tenant1", cfg.Id, "pay1", decimal.NewFromInt(1200), plan)
	if err != nil {
		t.Fatalf("Replayed RecordPrepayment failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected replay to grant nothing, got %d", len(again))
	}

	tracker, err := service.GetPrepaymentTracker(ctx, "tenant1", cfg.Id)
	if err != nil {
		t.Fatalf("GetPrepaymentTracker failed: %v", err)
	}
	assertDecimal(t, "cumulative", tracker.Cumulative, "1200")
	if tracker.TierGrantCounts["t1"] != 1 {
		t.Errorf("Expected tier count 1, got %d", tracker.TierGrantCounts["t1"])
	}
}
