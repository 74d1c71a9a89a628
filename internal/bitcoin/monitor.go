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

package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/notify"
	"rent-ledger-go/internal/store"

	"go.uber.org/zap"
)

// Confirmer turns a confirmed BitcoinPayment into an invoice Payment. It must
// be idempotent: the monitor calls it on every poll until the link exists.
type Confirmer interface {
	ConfirmBitcoinPayment(ctx context.Context, bitcoinPaymentId string) (*store.BitcoinSettlement, error)
}

type MonitorConfig struct {
	PollInterval time.Duration
	// LateWatch is how long expired payments are still checked for late transactions.
	LateWatch   time.Duration
	Concurrency int
}

// Monitor polls the indexer for every payment that is not yet settled.
type Monitor struct {
	store     store.BitcoinStore
	indexer   Indexer
	confirmer Confirmer
	notifier  notify.Notifier
	metrics   *metrics.Metrics

	pollingInterval time.Duration
	lateWatch       time.Duration
	concurrency     int
	now             func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewMonitor(s store.BitcoinStore, indexer Indexer, confirmer Confirmer, notifier notify.Notifier, m *metrics.Metrics, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.LateWatch <= 0 {
		cfg.LateWatch = 7 * 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Monitor{
		store:           s,
		indexer:         indexer,
		confirmer:       confirmer,
		notifier:        notifier,
		metrics:         m,
		pollingInterval: cfg.PollInterval,
		lateWatch:       cfg.LateWatch,
		concurrency:     cfg.Concurrency,
		now:             time.Now,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start runs the poll loop in the background. The first poll happens
// immediately so payments confirmed during downtime are picked up.
func (m *Monitor) Start(ctx context.Context) {
	go m.pollLoop(ctx)

	zap.L().Info("Bitcoin monitor started",
		zap.Duration("polling_interval", m.pollingInterval),
		zap.Duration("late_watch", m.lateWatch))
}

// Stop gracefully stops the monitor
func (m *Monitor) Stop() {
	zap.L().Info("Stopping bitcoin monitor")
	close(m.stopChan)
	<-m.doneChan
	zap.L().Info("Bitcoin monitor stopped")
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.pollingInterval)
	defer ticker.Stop()

	m.Poll(ctx)

	for {
		select {
		case <-ticker.C:
			m.Poll(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Poll runs one monitoring round and returns how many payments failed to process.
func (m *Monitor) Poll(ctx context.Context) int {
	started := m.now()
	defer func() { m.metrics.BitcoinPoll(m.now().Sub(started)) }()

	payments, err := m.store.ListMonitoredBitcoinPayments(ctx, started.Add(-m.lateWatch))
	if err != nil {
		zap.L().Error("Failed to list monitored bitcoin payments", zap.Error(err))
		return 1
	}
	if len(payments) == 0 {
		return 0
	}

	wallets := make(map[string]*models.BitcoinWallet)
	for _, p := range payments {
		if _, ok := wallets[p.WalletId]; ok {
			continue
		}
		wallet, err := m.store.GetWallet(ctx, p.WalletId)
		if err != nil {
			zap.L().Error("Failed to load wallet", zap.String("wallet_id", p.WalletId), zap.Error(err))
			continue
		}
		wallets[p.WalletId] = wallet
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	sem := make(chan struct{}, m.concurrency)

	for _, payment := range payments {
		wallet, ok := wallets[payment.WalletId]
		if !ok {
			failed++
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(p models.BitcoinPayment, w *models.BitcoinWallet) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := m.process(ctx, p, PolicyFor(w)); err != nil {
				zap.L().Error("Failed to process bitcoin payment",
					zap.String("bitcoin_payment_id", p.Id),
					zap.String("address", p.Address),
					zap.String("status", p.Status),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(payment, wallet)
	}
	wg.Wait()

	zap.L().Debug("Bitcoin monitor round complete",
		zap.Int("payments", len(payments)),
		zap.Int("failed", failed))
	return failed
}

func (m *Monitor) process(ctx context.Context, p models.BitcoinPayment, policy Policy) error {
	if p.Status == models.BitcoinConfirmed {
		return m.confirm(ctx, p)
	}

	// No locks are held while the indexer is queried.
	obs, err := m.indexer.Observe(ctx, p.Address)
	if err != nil {
		return fmt.Errorf("failed to observe address: %w", err)
	}

	t := Evaluate(p, *obs, m.now(), policy)
	if !t.Changed() && t.Anomaly == "" {
		return nil
	}

	updated := &p
	if t.Changed() {
		updated, err = m.store.UpdateBitcoinPaymentState(ctx, t.Update)
		if errors.Is(err, store.ErrConcurrentModification) {
			zap.L().Info("Bitcoin payment changed concurrently, retrying next round",
				zap.String("bitcoin_payment_id", p.Id))
			return nil
		}
		if err != nil {
			return err
		}
		if t.StatusChanged() {
			m.metrics.BitcoinTransition(t.From(), t.To())
		}
	}

	if t.Anomaly != "" {
		m.recordAnomaly(ctx, updated, t.Anomaly, t.Details)
	}

	switch {
	case t.StatusChanged() && t.To() == models.BitcoinExpired:
		m.notifier.Notify(ctx, models.NotifyPaymentExpired, p.TenantId, map[string]interface{}{
			"bitcoin_payment_id": p.Id,
			"invoice_id":         p.InvoiceId,
			"received_satoshis":  updated.ReceivedSatoshis,
			"expected_satoshis":  p.ExpectedSatoshis,
		})
	case t.To() == models.BitcoinConfirmed:
		return m.confirm(ctx, *updated)
	}
	return nil
}

func (m *Monitor) confirm(ctx context.Context, p models.BitcoinPayment) error {
	if p.PaymentId != "" {
		return nil
	}
	settlement, err := m.confirmer.ConfirmBitcoinPayment(ctx, p.Id)
	if err != nil {
		return fmt.Errorf("failed to settle confirmed payment: %w", err)
	}
	if settlement != nil && settlement.Created {
		zap.L().Info("Bitcoin payment applied to invoice",
			zap.String("bitcoin_payment_id", p.Id),
			zap.String("invoice_id", p.InvoiceId),
			zap.String("payment_id", settlement.Payment.Id))
	}
	return nil
}

func (m *Monitor) recordAnomaly(ctx context.Context, p *models.BitcoinPayment, kind, details string) {
	anomaly := models.BitcoinAnomaly{BitcoinPaymentId: p.Id, Kind: kind, Details: details}
	inserted, err := m.store.RecordAnomaly(ctx, anomaly)
	if err != nil {
		zap.L().Error("Failed to record bitcoin anomaly",
			zap.String("bitcoin_payment_id", p.Id),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}
	if !inserted {
		return
	}
	m.notifier.Notify(ctx, models.NotifyBitcoinAnomaly, p.TenantId, map[string]interface{}{
		"bitcoin_payment_id": p.Id,
		"invoice_id":         p.InvoiceId,
		"kind":               kind,
		"details":            details,
	})
}
