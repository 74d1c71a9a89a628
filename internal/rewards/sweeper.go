package rewards

import (
	"context"
	"time"

	"rent-ledger-go/internal/store"

	"go.uber.org/zap"
)

// Sweeper runs the streak evaluation for every tenant billed under a property
// that has a reward program.
type Sweeper struct {
	evaluator *Evaluator
	locks     *store.KeyedMutex
	interval  time.Duration
	now       func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

// SweepSummary counts the outcome of one sweep.
type SweepSummary struct {
	Evaluated int  `json:"evaluated"`
	Grants    int  `json:"grants"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped"`
}

func NewSweeper(evaluator *Evaluator, locks *store.KeyedMutex, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if locks == nil {
		locks = store.NewKeyedMutex()
	}
	return &Sweeper{
		evaluator: evaluator,
		locks:     locks,
		interval:  interval,
		now:       time.Now,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
	zap.L().Info("Streak sweeper started", zap.Duration("interval", s.interval))
}

func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Streak sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce evaluates every (tenant, config) pair. A sweep already in progress
// makes this call return immediately with Skipped set.
func (s *Sweeper) RunOnce(ctx context.Context) SweepSummary {
	var summary SweepSummary

	unlock, ok := s.locks.TryLock(store.SweepKey("streak"))
	if !ok {
		zap.L().Info("Streak sweep already running, skipping")
		summary.Skipped = true
		return summary
	}
	defer unlock()

	configs, err := s.evaluator.store.ListRewardConfigs(ctx)
	if err != nil {
		zap.L().Error("Failed to list reward configs", zap.Error(err))
		summary.Failed++
		return summary
	}
	pairs, err := s.evaluator.store.ListTenantProperties(ctx)
	if err != nil {
		zap.L().Error("Failed to list tenant properties", zap.Error(err))
		summary.Failed++
		return summary
	}

	now := s.now()
	for i := range configs {
		cfg := &configs[i]
		if !cfg.RewardsEnabled || !cfg.StreakEnabled {
			continue
		}
		for _, pair := range pairs {
			if pair.PropertyId != cfg.PropertyId {
				continue
			}
			if ctx.Err() != nil {
				return summary
			}

			result, err := s.evaluator.EvaluateStreak(ctx, pair.TenantId, cfg, now)
			if err != nil {
				zap.L().Error("Streak evaluation failed",
					zap.String("tenant_id", pair.TenantId),
					zap.String("config_id", cfg.Id),
					zap.Error(err))
				summary.Failed++
				continue
			}
			summary.Evaluated++
			summary.Grants += len(result.Grants)
		}
	}

	zap.L().Info("Streak sweep complete",
		zap.Int("evaluated", summary.Evaluated),
		zap.Int("grants", summary.Grants),
		zap.Int("failed", summary.Failed))
	return summary
}
