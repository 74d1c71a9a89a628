/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rewards

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/notify"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is what the evaluator reads and writes.
type Store interface {
	store.RewardProgramStore
	ListInvoicesForTenant(ctx context.Context, tenantId, propertyId string) ([]models.Invoice, error)
	ListPaymentsForInvoice(ctx context.Context, invoiceId string) ([]models.Payment, error)
	ListTenantProperties(ctx context.Context) ([]store.TenantProperty, error)
}

type Evaluator struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

func NewEvaluator(s Store, notifier notify.Notifier, m *metrics.Metrics) *Evaluator {
	return &Evaluator{store: s, notifier: notifier, metrics: m}
}

// StreakResult summarizes one streak evaluation.
type StreakResult struct {
	TenantId        string
	ConfigId        string
	MonthsEvaluated int
	Streak          int
	Grants          []models.MonetaryTransaction
}

// monthOutcome is how one calendar month counts toward the streak.
type monthOutcome int

const (
	monthNoInvoice monthOutcome = iota
	monthOnTime
	monthLate
)

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EvaluateStreak walks every fully completed month after the tenant's last
// evaluated month. Each run persists the new cursor, streak and grants in one
// transaction; a run with nothing new to evaluate is a no-op.
func (e *Evaluator) EvaluateStreak(ctx context.Context, tenantId string, cfg *models.RewardConfig, now time.Time) (*StreakResult, error) {
	result := &StreakResult{TenantId: tenantId, ConfigId: cfg.Id}
	if !cfg.RewardsEnabled || !cfg.StreakEnabled || len(cfg.StreakTiers) == 0 {
		return result, nil
	}

	lastComplete := monthStart(now).AddDate(0, -1, 0)

	invoices, err := e.store.ListInvoicesForTenant(ctx, tenantId, cfg.PropertyId)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return result, nil
	}

	outcomes, err := e.classifyMonths(ctx, invoices, lastComplete)
	if err != nil {
		return nil, err
	}
	firstMonth := monthStart(invoices[0].DueDate)
	for _, inv := range invoices[1:] {
		if m := monthStart(inv.DueDate); m.Before(firstMonth) {
			firstMonth = m
		}
	}

	tiers := make([]models.StreakTier, len(cfg.StreakTiers))
	copy(tiers, cfg.StreakTiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MonthsRequired < tiers[j].MonthsRequired })

	grants, err := e.store.AdvanceStreak(ctx, tenantId, cfg.Id, func(eval *models.StreakEvaluation) ([]store.PlannedGrant, error) {
		month := firstMonth
		if eval.LastEvaluatedMonth != nil {
			month = monthStart(*eval.LastEvaluatedMonth).AddDate(0, 1, 0)
		}

		var planned []store.PlannedGrant
		for ; !month.After(lastComplete); month = month.AddDate(0, 1, 0) {
			evaluated := month
			eval.LastEvaluatedMonth = &evaluated
			result.MonthsEvaluated++

			switch outcomes[month] {
			case monthNoInvoice:
				continue
			case monthOnTime:
				eval.CurrentStreak++
			case monthLate:
				eval.CurrentStreak = 0
				eval.StreakBrokenAt = &evaluated
				continue
			}

			for _, tier := range tiers {
				if tier.MonthsRequired <= 0 || !tier.Amount.IsPositive() {
					continue
				}
				owed := 0
				if tier.Recurring {
					owed = eval.CurrentStreak/tier.MonthsRequired - eval.CountAwarded(tier.Id)
				} else if eval.CurrentStreak >= tier.MonthsRequired && eval.CountAwarded(tier.Id) == 0 {
					owed = 1
				}
				for i := 0; i < owed; i++ {
					eval.AwardedTierIds = append(eval.AwardedTierIds, tier.Id)
					planned = append(planned, store.PlannedGrant{
						Amount:      tier.Amount,
						Source:      models.RewardSourceStreak,
						TierId:      tier.Id,
						Description: fmt.Sprintf("%s: %d month on-time streak", tier.Name, eval.CurrentStreak),
					})
				}
			}
		}
		result.Streak = eval.CurrentStreak
		return planned, nil
	})
	if errors.Is(err, store.ErrAlreadyEvaluated) {
		zap.L().Debug("Streak already evaluated through last month",
			zap.String("tenant_id", tenantId),
			zap.String("config_id", cfg.Id))
		return &StreakResult{TenantId: tenantId, ConfigId: cfg.Id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance streak for tenant %s: %w", tenantId, err)
	}

	result.Grants = grants
	e.announce(ctx, tenantId, grants)

	zap.L().Info("Streak evaluated",
		zap.String("tenant_id", tenantId),
		zap.String("config_id", cfg.Id),
		zap.Int("months", result.MonthsEvaluated),
		zap.Int("streak", result.Streak),
		zap.Int("grants", len(grants)))
	return result, nil
}

// classifyMonths marks each month up to lastComplete that has an invoice due.
// A month is on time when at least one invoice due in it was fully covered by
// payments completed on or before its due date.
func (e *Evaluator) classifyMonths(ctx context.Context, invoices []models.Invoice, lastComplete time.Time) (map[time.Time]monthOutcome, error) {
	outcomes := make(map[time.Time]monthOutcome)
	for _, inv := range invoices {
		month := monthStart(inv.DueDate)
		if month.After(lastComplete) || inv.Status == models.InvoiceCancelled || inv.Status == models.InvoiceDraft {
			continue
		}
		if outcomes[month] == monthOnTime {
			continue
		}

		payments, err := e.store.ListPaymentsForInvoice(ctx, inv.Id)
		if err != nil {
			return nil, err
		}
		if paidOnTime(inv, payments) {
			outcomes[month] = monthOnTime
		} else {
			outcomes[month] = monthLate
		}
	}
	return outcomes, nil
}

func paidOnTime(inv models.Invoice, payments []models.Payment) bool {
	due := inv.DueDate.UTC()
	deadline := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	covered := decimal.Zero
	for _, p := range payments {
		if p.Status != models.PaymentCompleted || p.CompletedAt == nil {
			continue
		}
		if p.CompletedAt.UTC().Before(deadline) {
			covered = covered.Add(p.Amount)
		}
	}
	return covered.GreaterThanOrEqual(inv.Total)
}

// EvaluatePrepayment adds an overpayment to the tenant's tracker for the
// property's program and grants one reward per threshold crossing not yet paid.
// A repeated call for the same source payment grants nothing.
func (e *Evaluator) EvaluatePrepayment(ctx context.Context, tenantId, propertyId string, amount decimal.Decimal, sourcePaymentId string) ([]models.MonetaryTransaction, error) {
	cfg, err := e.store.GetRewardConfigForProperty(ctx, propertyId)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cfg.RewardsEnabled || !cfg.PrepaymentEnabled || len(cfg.PrepaymentTiers) == 0 {
		return nil, nil
	}

	tiers := make([]models.PrepaymentTier, len(cfg.PrepaymentTiers))
	copy(tiers, cfg.PrepaymentTiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Threshold.LessThan(tiers[j].Threshold) })

	grants, err := e.store.RecordPrepayment(ctx, tenantId, cfg.Id, sourcePaymentId, amount, func(tracker *models.PrepaymentRewardTracker) []store.PlannedGrant {
		if tracker.TierGrantCounts == nil {
			tracker.TierGrantCounts = map[string]int{}
		}
		var planned []store.PlannedGrant
		for _, tier := range tiers {
			if !tier.Threshold.IsPositive() || !tier.Amount.IsPositive() {
				continue
			}
			crossings := int(tracker.Cumulative.Div(tier.Threshold).Floor().IntPart())
			for tracker.TierGrantCounts[tier.Id] < crossings {
				tracker.TierGrantCounts[tier.Id]++
				tracker.RewardsGrantedCount++
				planned = append(planned, store.PlannedGrant{
					Amount:      tier.Amount,
					Source:      models.RewardSourcePrepayment,
					TierId:      tier.Id,
					Description: fmt.Sprintf("prepayment of %s crossed %s", tracker.Cumulative.StringFixed(2), tier.Threshold.StringFixed(2)),
				})
			}
		}
		return planned
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate prepayment for tenant %s: %w", tenantId, err)
	}

	e.announce(ctx, tenantId, grants)
	if len(grants) > 0 {
		zap.L().Info("Prepayment rewards granted",
			zap.String("tenant_id", tenantId),
			zap.String("source_payment_id", sourcePaymentId),
			zap.Int("grants", len(grants)))
	}
	return grants, nil
}

func (e *Evaluator) announce(ctx context.Context, tenantId string, grants []models.MonetaryTransaction) {
	for _, g := range grants {
		e.metrics.RewardGrant(g.Source)
		e.notifier.Notify(ctx, models.NotifyRewardGranted, tenantId, map[string]interface{}{
			"transaction_id": g.Id,
			"amount":         g.Amount.String(),
			"source":         g.Source,
			"tier_id":        g.TierId,
			"balance":        g.BalanceAfter.String(),
		})
	}
}
