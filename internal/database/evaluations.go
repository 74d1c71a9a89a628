package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SaveRewardConfig upserts a property's reward program and replaces its tiers.
func (s *Service) SaveRewardConfig(ctx context.Context, cfg *models.RewardConfig) error {
	if cfg.PropertyId == "" {
		return fmt.Errorf("reward config property id cannot be empty")
	}
	for _, tier := range cfg.StreakTiers {
		if tier.MonthsRequired <= 0 || !tier.Amount.IsPositive() {
			return fmt.Errorf("%w: streak tier %q needs positive months and amount", store.ErrInvalidAmount, tier.Name)
		}
	}
	for _, tier := range cfg.PrepaymentTiers {
		if !tier.Threshold.IsPositive() || !tier.Amount.IsPositive() {
			return fmt.Errorf("%w: prepayment tier needs positive threshold and amount", store.ErrInvalidAmount)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		var existingId string
		err := tx.QueryRowContext(ctx, queryGetRewardConfigIdForProperty, cfg.PropertyId).Scan(&existingId)
		switch {
		case err == nil:
			cfg.Id = existingId
		case errors.Is(err, sql.ErrNoRows):
			if cfg.Id == "" {
				cfg.Id = uuid.New().String()
			}
		default:
			return fmt.Errorf("failed to look up reward config: %w", err)
		}

		_, err = tx.ExecContext(ctx, queryUpsertRewardConfig, cfg.Id, cfg.PropertyId,
			cfg.RewardsEnabled, cfg.StreakEnabled, cfg.PrepaymentEnabled, cfg.AutoApply, now)
		if err != nil {
			return fmt.Errorf("failed to save reward config: %w", err)
		}

		if _, err := tx.ExecContext(ctx, queryDeleteStreakTiers, cfg.Id); err != nil {
			return fmt.Errorf("failed to clear streak tiers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryDeletePrepaymentTiers, cfg.Id); err != nil {
			return fmt.Errorf("failed to clear prepayment tiers: %w", err)
		}

		for i := range cfg.StreakTiers {
			tier := &cfg.StreakTiers[i]
			if tier.Id == "" {
				tier.Id = uuid.New().String()
			}
			tier.ConfigId = cfg.Id
			if _, err := tx.ExecContext(ctx, queryInsertStreakTier, tier.Id, cfg.Id, tier.Name,
				tier.MonthsRequired, tier.Amount.String(), tier.Recurring); err != nil {
				return fmt.Errorf("failed to insert streak tier %s: %w", tier.Id, err)
			}
		}
		for i := range cfg.PrepaymentTiers {
			tier := &cfg.PrepaymentTiers[i]
			if tier.Id == "" {
				tier.Id = uuid.New().String()
			}
			tier.ConfigId = cfg.Id
			if _, err := tx.ExecContext(ctx, queryInsertPrepaymentTier, tier.Id, cfg.Id,
				tier.Threshold.String(), tier.Amount.String()); err != nil {
				return fmt.Errorf("failed to insert prepayment tier %s: %w", tier.Id, err)
			}
		}

		zap.L().Info("Reward config saved",
			zap.String("config_id", cfg.Id),
			zap.String("property_id", cfg.PropertyId),
			zap.Int("streak_tiers", len(cfg.StreakTiers)),
			zap.Int("prepayment_tiers", len(cfg.PrepaymentTiers)))
		return nil
	})
}

func (s *Service) GetRewardConfigForProperty(ctx context.Context, propertyId string) (*models.RewardConfig, error) {
	if propertyId == "" {
		return nil, fmt.Errorf("reward config for empty property: %w", store.ErrNotFound)
	}
	configs, err := s.loadRewardConfigs(ctx, propertyId)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("reward config for property %s: %w", propertyId, store.ErrNotFound)
	}
	return &configs[0], nil
}

func (s *Service) ListRewardConfigs(ctx context.Context) ([]models.RewardConfig, error) {
	return s.loadRewardConfigs(ctx, "")
}

// loadRewardConfigs returns configs with tiers sorted ascending, which is the
// order the evaluator walks them in.
func (s *Service) loadRewardConfigs(ctx context.Context, propertyId string) ([]models.RewardConfig, error) {
	rows, err := s.db.QueryContext(ctx, queryGetRewardConfigs, propertyId, propertyId)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward configs: %w", err)
	}
	var configs []models.RewardConfig
	for rows.Next() {
		var c models.RewardConfig
		if err := rows.Scan(&c.Id, &c.PropertyId, &c.RewardsEnabled, &c.StreakEnabled,
			&c.PrepaymentEnabled, &c.AutoApply); err != nil {
			closeRows(rows)
			return nil, fmt.Errorf("failed to scan reward config: %w", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		return nil, fmt.Errorf("error iterating reward configs: %w", err)
	}
	closeRows(rows)

	for i := range configs {
		if err := s.loadTiers(ctx, &configs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

func (s *Service) loadTiers(ctx context.Context, cfg *models.RewardConfig) error {
	rows, err := s.db.QueryContext(ctx, queryGetStreakTiers, cfg.Id)
	if err != nil {
		return fmt.Errorf("failed to list streak tiers: %w", err)
	}
	for rows.Next() {
		var t models.StreakTier
		if err := rows.Scan(&t.Id, &t.ConfigId, &t.Name, &t.MonthsRequired, &t.Amount, &t.Recurring); err != nil {
			closeRows(rows)
			return fmt.Errorf("failed to scan streak tier: %w", err)
		}
		cfg.StreakTiers = append(cfg.StreakTiers, t)
	}
	closeRows(rows)

	rows, err = s.db.QueryContext(ctx, queryGetPrepaymentTiers, cfg.Id)
	if err != nil {
		return fmt.Errorf("failed to list prepayment tiers: %w", err)
	}
	for rows.Next() {
		var t models.PrepaymentTier
		if err := rows.Scan(&t.Id, &t.ConfigId, &t.Threshold, &t.Amount); err != nil {
			closeRows(rows)
			return fmt.Errorf("failed to scan prepayment tier: %w", err)
		}
		cfg.PrepaymentTiers = append(cfg.PrepaymentTiers, t)
	}
	closeRows(rows)

	sort.SliceStable(cfg.StreakTiers, func(i, j int) bool {
		if cfg.StreakTiers[i].MonthsRequired != cfg.StreakTiers[j].MonthsRequired {
			return cfg.StreakTiers[i].MonthsRequired < cfg.StreakTiers[j].MonthsRequired
		}
		return cfg.StreakTiers[i].Id < cfg.StreakTiers[j].Id
	})
	sort.SliceStable(cfg.PrepaymentTiers, func(i, j int) bool {
		if !cfg.PrepaymentTiers[i].Threshold.Equal(cfg.PrepaymentTiers[j].Threshold) {
			return cfg.PrepaymentTiers[i].Threshold.LessThan(cfg.PrepaymentTiers[j].Threshold)
		}
		return cfg.PrepaymentTiers[i].Id < cfg.PrepaymentTiers[j].Id
	})
	return nil
}

// GetStreakEvaluation returns the stored evaluation or a fresh one that has not been persisted.
func (s *Service) GetStreakEvaluation(ctx context.Context, tenantId, configId string) (*models.StreakEvaluation, error) {
	eval, err := scanStreakEvaluation(s.db.QueryRowContext(ctx, queryGetStreakEvaluation, tenantId, configId))
	if errors.Is(err, store.ErrNotFound) {
		return &models.StreakEvaluation{TenantId: tenantId, ConfigId: configId, AwardedTierIds: []string{}}, nil
	}
	return eval, err
}

// AdvanceStreak lets advance move the evaluation forward by one month and
// persists the new cursor with the grants it planned. A cursor that does not
// move forward is rejected with ErrAlreadyEvaluated and nothing is written.
func (s *Service) AdvanceStreak(ctx context.Context, tenantId, configId string, advance func(eval *models.StreakEvaluation) ([]store.PlannedGrant, error)) ([]models.MonetaryTransaction, error) {
	var granted []models.MonetaryTransaction
	err := s.withTenantTx(ctx, tenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		eval, err := scanStreakEvaluation(tx.QueryRowContext(ctx, queryGetStreakEvaluation, tenantId, configId))
		if errors.Is(err, store.ErrNotFound) {
			eval = &models.StreakEvaluation{Id: uuid.New().String(), TenantId: tenantId, ConfigId: configId, AwardedTierIds: []string{}}
		} else if err != nil {
			return err
		}

		var previous *time.Time
		if eval.LastEvaluatedMonth != nil {
			p := *eval.LastEvaluatedMonth
			previous = &p
		}

		grants, err := advance(eval)
		if err != nil {
			return err
		}
		if eval.LastEvaluatedMonth == nil || (previous != nil && !eval.LastEvaluatedMonth.After(*previous)) {
			return fmt.Errorf("%w: tenant %s config %s", store.ErrAlreadyEvaluated, tenantId, configId)
		}

		awarded, err := json.Marshal(eval.AwardedTierIds)
		if err != nil {
			return fmt.Errorf("failed to encode awarded tiers: %w", err)
		}
		eval.UpdatedAt = now
		_, err = tx.ExecContext(ctx, queryUpsertStreakEvaluation, eval.Id, tenantId, configId,
			eval.CurrentStreak, eval.LastEvaluatedMonth.UTC(), eval.StreakBrokenAt, string(awarded), now)
		if err != nil {
			return fmt.Errorf("failed to save streak evaluation: %w", err)
		}

		for _, grant := range grants {
			transaction, err := s.grantRewardTx(ctx, tx, store.GrantRewardParams{
				TenantId:    tenantId,
				Amount:      grant.Amount,
				Source:      grant.Source,
				Description: grant.Description,
				TierId:      grant.TierId,
			})
			if err != nil {
				return err
			}
			granted = append(granted, *transaction)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// RecordPrepayment adds amount to the tracker once per source payment and
// persists the grants plan computes from the updated tracker.
func (s *Service) RecordPrepayment(ctx context.Context, tenantId, configId, sourcePaymentId string, amount decimal.Decimal, plan func(tracker *models.PrepaymentRewardTracker) []store.PlannedGrant) ([]models.MonetaryTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: prepayment must be positive, got %s", store.ErrInvalidAmount, amount.String())
	}
	if sourcePaymentId == "" {
		return nil, fmt.Errorf("prepayment source payment id cannot be empty")
	}

	var granted []models.MonetaryTransaction
	err := s.withTenantTx(ctx, tenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, queryInsertPrepaymentObservation, configId, sourcePaymentId, tenantId, amount.String(), now)
		if err != nil {
			return fmt.Errorf("failed to record prepayment observation: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		} else if n == 0 {
			zap.L().Info("Prepayment already observed, skipping",
				zap.String("tenant_id", tenantId),
				zap.String("source_payment_id", sourcePaymentId))
			return nil
		}

		tracker, err := scanPrepaymentTracker(tx.QueryRowContext(ctx, queryGetPrepaymentTracker, tenantId, configId))
		if errors.Is(err, store.ErrNotFound) {
			tracker = &models.PrepaymentRewardTracker{
				Id:              uuid.New().String(),
				TenantId:        tenantId,
				ConfigId:        configId,
				Cumulative:      decimal.Zero,
				TierGrantCounts: map[string]int{},
			}
		} else if err != nil {
			return err
		}

		tracker.Cumulative = tracker.Cumulative.Add(amount)
		grants := plan(tracker)

		counts, err := json.Marshal(tracker.TierGrantCounts)
		if err != nil {
			return fmt.Errorf("failed to encode tier counts: %w", err)
		}
		_, err = tx.ExecContext(ctx, queryUpsertPrepaymentTracker, tracker.Id, tenantId, configId,
			tracker.Cumulative.String(), tracker.RewardsGrantedCount, string(counts), now)
		if err != nil {
			return fmt.Errorf("failed to save prepayment tracker: %w", err)
		}

		for _, grant := range grants {
			transaction, err := s.grantRewardTx(ctx, tx, store.GrantRewardParams{
				TenantId:    tenantId,
				Amount:      grant.Amount,
				Source:      grant.Source,
				Description: grant.Description,
				TierId:      grant.TierId,
				PaymentId:   sourcePaymentId,
			})
			if err != nil {
				return err
			}
			granted = append(granted, *transaction)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// GetPrepaymentTracker is used by reports; a tenant with no prepayments has a zero tracker.
func (s *Service) GetPrepaymentTracker(ctx context.Context, tenantId, configId string) (*models.PrepaymentRewardTracker, error) {
	tracker, err := scanPrepaymentTracker(s.db.QueryRowContext(ctx, queryGetPrepaymentTracker, tenantId, configId))
	if errors.Is(err, store.ErrNotFound) {
		return &models.PrepaymentRewardTracker{TenantId: tenantId, ConfigId: configId, Cumulative: decimal.Zero, TierGrantCounts: map[string]int{}}, nil
	}
	return tracker, err
}

func scanStreakEvaluation(row rowScanner) (*models.StreakEvaluation, error) {
	var e models.StreakEvaluation
	var lastMonth, brokenAt sql.NullTime
	var awarded string
	err := row.Scan(&e.Id, &e.TenantId, &e.ConfigId, &e.CurrentStreak, &lastMonth, &brokenAt, &awarded, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan streak evaluation: %w", err)
	}
	if lastMonth.Valid {
		t := lastMonth.Time.UTC()
		e.LastEvaluatedMonth = &t
	}
	if brokenAt.Valid {
		t := brokenAt.Time.UTC()
		e.StreakBrokenAt = &t
	}
	if err := json.Unmarshal([]byte(awarded), &e.AwardedTierIds); err != nil {
		return nil, fmt.Errorf("failed to decode awarded tiers: %w", err)
	}
	if e.AwardedTierIds == nil {
		e.AwardedTierIds = []string{}
	}
	return &e, nil
}

func scanPrepaymentTracker(row rowScanner) (*models.PrepaymentRewardTracker, error) {
	var t models.PrepaymentRewardTracker
	var counts string
	err := row.Scan(&t.Id, &t.TenantId, &t.ConfigId, &t.Cumulative, &t.RewardsGrantedCount, &counts, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan prepayment tracker: %w", err)
	}
	t.TierGrantCounts = map[string]int{}
	if err := json.Unmarshal([]byte(counts), &t.TierGrantCounts); err != nil {
		return nil, fmt.Errorf("failed to decode tier counts: %w", err)
	}
	return &t, nil
}
