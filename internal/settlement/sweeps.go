package settlement

import (
	"context"
	"errors"
	"time"

	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AutoApply spends available credits on every open invoice, and reward
// balances too when the property's program has auto-apply enabled.
// It returns how many invoices received funds.
func (e *Engine) AutoApply(ctx context.Context) (int, error) {
	invoices, err := e.store.ListOpenInvoices(ctx)
	if err != nil {
		return 0, err
	}

	touched := 0
	autoRewards := map[string]bool{}
	for _, inv := range invoices {
		if ctx.Err() != nil {
			return touched, ctx.Err()
		}

		applyRewards, seen := autoRewards[inv.PropertyId]
		if !seen {
			cfg, err := e.store.GetRewardConfigForProperty(ctx, inv.PropertyId)
			switch {
			case err == nil:
				applyRewards = cfg.RewardsEnabled && cfg.AutoApply
			case errors.Is(err, store.ErrNotFound):
			default:
				zap.L().Warn("Failed to load reward config", zap.String("property_id", inv.PropertyId), zap.Error(err))
			}
			autoRewards[inv.PropertyId] = applyRewards
		}

		hasFunds, err := e.hasFunds(ctx, inv.TenantId, applyRewards)
		if err != nil {
			zap.L().Warn("Failed to read balances", zap.String("tenant_id", inv.TenantId), zap.Error(err))
			continue
		}
		if !hasFunds {
			continue
		}

		result, err := e.Settle(ctx, models.SettleRequest{
			InvoiceId:    inv.Id,
			TenantId:     inv.TenantId,
			ApplyCredits: true,
			ApplyRewards: applyRewards,
			Actor:        "system:auto-apply",
		})
		if err != nil {
			zap.L().Warn("Auto-apply failed", zap.String("invoice_id", inv.Id), zap.Error(err))
			continue
		}
		if result.Failure != nil {
			zap.L().Warn("Auto-apply stopped",
				zap.String("invoice_id", inv.Id),
				zap.String("source", result.Failure.Source),
				zap.String("code", result.Failure.Code))
		}
		if result.Applied().IsPositive() {
			touched++
		}
	}
	return touched, nil
}

func (e *Engine) hasFunds(ctx context.Context, tenantId string, includeRewards bool) (bool, error) {
	credit, err := e.store.GetBalance(ctx, tenantId, models.StoreCredit)
	if err != nil {
		return false, err
	}
	if e.spendable(credit.Balance) {
		return true, nil
	}
	if !includeRewards {
		return false, nil
	}
	reward, err := e.store.GetBalance(ctx, tenantId, models.StoreReward)
	if err != nil {
		return false, err
	}
	return e.spendable(reward.Balance), nil
}

func (e *Engine) spendable(balance decimal.Decimal) bool {
	return balance.IsPositive() && balance.GreaterThanOrEqual(e.minAutoApply)
}

// MarkOverdue flags issued and partially paid invoices whose due date has passed.
func (e *Engine) MarkOverdue(ctx context.Context) (int, error) {
	return e.store.MarkOverdue(ctx, e.now())
}

// ReconcileGateways asks each provider about payments still pending on it and
// confirms or fails the ones it has finished with. It returns how many moved.
func (e *Engine) ReconcileGateways(ctx context.Context) (int, error) {
	payments, err := e.store.ListPendingGatewayPayments(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, p := range payments {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		g, err := e.gateways.Get(p.GatewayProvider)
		if err != nil {
			zap.L().Warn("Pending payment has no gateway", zap.String("payment_id", p.Id), zap.String("provider", p.GatewayProvider))
			continue
		}

		status, err := g.VerifyPayment(ctx, p.GatewayTransactionId)
		e.metrics.GatewayCall(g.Provider(), "verify", err)
		if err != nil {
			zap.L().Warn("Failed to verify pending payment",
				zap.String("payment_id", p.Id),
				zap.String("provider", p.GatewayProvider),
				zap.Error(err))
			continue
		}
		if status == gateway.StatusPending {
			continue
		}

		if _, err := e.ConfirmGatewayPayment(ctx, p.Id, status); err != nil {
			zap.L().Error("Failed to confirm reconciled payment", zap.String("payment_id", p.Id), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// SweepConfig sets how often each background sweep runs. A zero interval disables it.
type SweepConfig struct {
	AutoApplyInterval time.Duration
	OverdueInterval   time.Duration
	ReconcileInterval time.Duration
}

// Sweeper runs the engine's periodic sweeps on their own tickers.
type Sweeper struct {
	engine *Engine
	cfg    SweepConfig

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewSweeper(engine *Engine, cfg SweepConfig) *Sweeper {
	return &Sweeper{
		engine:   engine,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

type sweep struct {
	name     string
	interval time.Duration
	run      func(context.Context) (int, error)
}

func (s *Sweeper) Start(ctx context.Context) {
	sweeps := []sweep{
		{"auto-apply", s.cfg.AutoApplyInterval, s.engine.AutoApply},
		{"overdue", s.cfg.OverdueInterval, s.engine.MarkOverdue},
		{"gateway-reconcile", s.cfg.ReconcileInterval, s.engine.ReconcileGateways},
	}

	done := make(chan struct{}, len(sweeps))
	running := 0
	for _, sw := range sweeps {
		if sw.interval <= 0 {
			continue
		}
		running++
		go func(sw sweep) {
			defer func() { done <- struct{}{} }()
			s.loop(ctx, sw)
		}(sw)
	}

	go func() {
		for i := 0; i < running; i++ {
			<-done
		}
		close(s.doneChan)
	}()

	zap.L().Info("Settlement sweeps started",
		zap.Duration("auto_apply_interval", s.cfg.AutoApplyInterval),
		zap.Duration("overdue_interval", s.cfg.OverdueInterval),
		zap.Duration("reconcile_interval", s.cfg.ReconcileInterval))
}

func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Settlement sweeps stopped")
}

func (s *Sweeper) loop(ctx context.Context, sw sweep) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	s.RunOnce(ctx, sw.name, sw.run)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx, sw.name, sw.run)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs one sweep unless the same sweep is already in progress.
func (s *Sweeper) RunOnce(ctx context.Context, name string, run func(context.Context) (int, error)) {
	unlock, ok := s.engine.locks.TryLock(store.SweepKey(name))
	if !ok {
		zap.L().Debug("Sweep already running", zap.String("sweep", name))
		return
	}
	defer unlock()

	started := time.Now()
	n, err := run(ctx)
	if err != nil {
		zap.L().Error("Sweep failed", zap.String("sweep", name), zap.Error(err))
		return
	}
	zap.L().Info("Sweep complete",
		zap.String("sweep", name),
		zap.Int("affected", n),
		zap.Duration("duration", time.Since(started)))
}
