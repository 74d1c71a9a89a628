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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) CreateWallet(ctx context.Context, wallet models.BitcoinWallet) (*models.BitcoinWallet, error) {
	if wallet.Xpub == "" {
		return nil, fmt.Errorf("wallet xpub cannot be empty")
	}
	if wallet.Id == "" {
		wallet.Id = uuid.New().String()
	}
	if wallet.Network == "" {
		wallet.Network = "mainnet"
	}
	if wallet.PaymentWindow <= 0 {
		wallet.PaymentWindow = 60 * time.Minute
	}
	if wallet.RequiredConfirmations <= 0 {
		wallet.RequiredConfirmations = 1
	}
	wallet.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, queryInsertWallet,
		wallet.Id, wallet.PropertyId, wallet.Xpub, wallet.Network, wallet.NextIndex,
		int64(wallet.PaymentWindow/time.Second), wallet.RequiredConfirmations, wallet.ToleranceSatoshis,
		wallet.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetWallet(ctx, wallet.Id)
		}
		return nil, fmt.Errorf("failed to insert wallet: %w", err)
	}

	zap.L().Info("Bitcoin wallet created",
		zap.String("wallet_id", wallet.Id),
		zap.String("property_id", wallet.PropertyId),
		zap.String("network", wallet.Network))
	return &wallet, nil
}

// ResolveWallet returns the property's wallet, falling back to the default wallet.
func (s *Service) ResolveWallet(ctx context.Context, propertyId string) (*models.BitcoinWallet, error) {
	if propertyId != "" {
		wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryGetWalletForProperty, propertyId))
		if err == nil {
			return wallet, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryGetWalletForProperty, ""))
	if err != nil {
		return nil, fmt.Errorf("no bitcoin wallet for property %q: %w", propertyId, err)
	}
	return wallet, nil
}

func (s *Service) GetWallet(ctx context.Context, walletId string) (*models.BitcoinWallet, error) {
	wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryGetWallet, walletId))
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet %s: %w", walletId, err)
	}
	return wallet, nil
}

// AllocateBitcoinPayment takes the wallet's next index under the wallet lock,
// derives its address and inserts the payment in one transaction. If the index
// or address was already used the wallet is halted and the halt is committed.
func (s *Service) AllocateBitcoinPayment(ctx context.Context, params store.AllocateBitcoinPaymentParams) (*models.BitcoinPayment, error) {
	if params.Derive == nil {
		return nil, fmt.Errorf("address derivation func is required")
	}
	if !params.UsdAmount.IsPositive() || !params.Rate.IsPositive() || params.ExpectedSatoshis <= 0 {
		return nil, fmt.Errorf("%w: usd=%s rate=%s sats=%d", store.ErrInvalidAmount,
			params.UsdAmount.String(), params.Rate.String(), params.ExpectedSatoshis)
	}

	unlock := s.locks.Lock(store.WalletKey(params.WalletId))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	wallet, err := scanWallet(tx.QueryRowContext(ctx, queryGetWallet, params.WalletId))
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet %s: %w", params.WalletId, err)
	}
	if wallet.Halted {
		return nil, fmt.Errorf("%w: wallet %s: %s", store.ErrWalletHalted, wallet.Id, wallet.HaltReason)
	}

	index := wallet.NextIndex
	address, err := params.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address at index %d: %w", index, err)
	}

	var uses int
	if err := tx.QueryRowContext(ctx, queryCountAddressUse, address, wallet.Id, index).Scan(&uses); err != nil {
		return nil, fmt.Errorf("failed to check address use: %w", err)
	}
	if uses > 0 {
		reason := fmt.Sprintf("address %s at index %d already allocated", address, index)
		if _, err := tx.ExecContext(ctx, queryHaltWallet, reason, wallet.Id); err != nil {
			return nil, fmt.Errorf("failed to halt wallet: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit wallet halt: %w", err)
		}
		zap.L().Error("Address allocation conflict, wallet halted",
			zap.String("wallet_id", wallet.Id),
			zap.Uint32("index", index),
			zap.String("address", address))
		return nil, fmt.Errorf("%w: %s", store.ErrAddressAllocationConflict, reason)
	}

	result, err := tx.ExecContext(ctx, queryAdvanceWalletIndex, index+1, wallet.Id, index)
	if err != nil {
		return nil, fmt.Errorf("failed to advance wallet index: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("wallet index update failed - %w", store.ErrConcurrentModification)
	}

	now := params.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	payment := &models.BitcoinPayment{
		Id:               uuid.New().String(),
		WalletId:         wallet.Id,
		InvoiceId:        params.InvoiceId,
		TenantId:         params.TenantId,
		Address:          address,
		DerivationIndex:  index,
		Status:           models.BitcoinPending,
		UsdAmount:        params.UsdAmount,
		BtcUsdRate:       params.Rate,
		ExpectedSatoshis: params.ExpectedSatoshis,
		ExpiresAt:        now.Add(wallet.PaymentWindow),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = tx.ExecContext(ctx, queryInsertBitcoinPayment,
		payment.Id, payment.WalletId, payment.InvoiceId, payment.TenantId, payment.Address, payment.DerivationIndex,
		payment.Status, payment.UsdAmount.String(), payment.BtcUsdRate.String(), payment.ExpectedSatoshis,
		payment.ExpiresAt, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bitcoin payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Bitcoin payment allocated",
		zap.String("bitcoin_payment_id", payment.Id),
		zap.String("wallet_id", wallet.Id),
		zap.Uint32("index", index),
		zap.String("address", address),
		zap.Int64("expected_satoshis", payment.ExpectedSatoshis))
	return payment, nil
}

func (s *Service) GetBitcoinPayment(ctx context.Context, id string) (*models.BitcoinPayment, error) {
	payment, err := scanBitcoinPayment(s.db.QueryRowContext(ctx, queryGetBitcoinPayment, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get bitcoin payment %s: %w", id, err)
	}
	return payment, nil
}

// ListMonitoredBitcoinPayments returns payments the monitor still has to look
// at: non-terminal ones, confirmed ones not yet settled, and expired ones whose
// expiry is after expiredSince (watched for late transactions).
func (s *Service) ListMonitoredBitcoinPayments(ctx context.Context, expiredSince time.Time) ([]models.BitcoinPayment, error) {
	rows, err := s.db.QueryContext(ctx, queryGetMonitoredBitcoinPayments)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored bitcoin payments: %w", err)
	}
	defer closeRows(rows)

	var payments []models.BitcoinPayment
	for rows.Next() {
		p, err := scanBitcoinPayment(rows)
		if err != nil {
			return nil, err
		}
		if p.Status == models.BitcoinExpired && p.ExpiresAt.Before(expiredSince) {
			continue
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bitcoin payment rows: %w", err)
	}
	return payments, nil
}

// UpdateBitcoinPaymentState applies one transition, guarded by the expected current status.
func (s *Service) UpdateBitcoinPaymentState(ctx context.Context, update store.BitcoinStateUpdate) (*models.BitcoinPayment, error) {
	if update.FromStatus == models.BitcoinConfirmed || update.FromStatus == models.BitcoinExpired {
		if update.FromStatus != update.ToStatus {
			return nil, fmt.Errorf("%w: %s is terminal", store.ErrInvalidState, update.FromStatus)
		}
	}
	if update.ReceivedSatoshis < 0 || update.Confirmations < 0 {
		return nil, fmt.Errorf("%w: negative observation", store.ErrInvalidAmount)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, queryUpdateBitcoinPaymentState,
		update.ToStatus, update.ReceivedSatoshis, update.Confirmations, update.TxId,
		update.MempoolSeenAt, update.ConfirmedAt, now, update.Id, update.FromStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to update bitcoin payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("bitcoin payment %s not in status %s - %w", update.Id, update.FromStatus, store.ErrConcurrentModification)
	}

	if update.FromStatus != update.ToStatus {
		zap.L().Info("Bitcoin payment transitioned",
			zap.String("bitcoin_payment_id", update.Id),
			zap.String("from", update.FromStatus),
			zap.String("to", update.ToStatus),
			zap.Int64("received_satoshis", update.ReceivedSatoshis),
			zap.Int("confirmations", update.Confirmations))
	}
	return s.GetBitcoinPayment(ctx, update.Id)
}

// SettleBitcoinPayment creates the Payment for a confirmed BitcoinPayment. The
// payment covers the invoice's balance due at settlement time. Calling it again
// returns the already-linked Payment with Created false.
func (s *Service) SettleBitcoinPayment(ctx context.Context, id string, now time.Time) (*store.BitcoinSettlement, error) {
	bp, err := s.GetBitcoinPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	settlement := &store.BitcoinSettlement{}
	err = s.withTenantTx(ctx, bp.TenantId, func(tx *sql.Tx) error {
		now := now.UTC()
		current, err := scanBitcoinPayment(tx.QueryRowContext(ctx, queryGetBitcoinPayment, id))
		if err != nil {
			return err
		}
		settlement.BitcoinPayment = current
		if current.Status != models.BitcoinConfirmed {
			return fmt.Errorf("%w: bitcoin payment %s is %s", store.ErrInvalidState, current.Id, current.Status)
		}

		invoice, err := getInvoiceTx(ctx, tx, current.InvoiceId)
		if err != nil {
			return err
		}
		settlement.Invoice = invoice

		if current.PaymentId != "" {
			settlement.Payment, err = getPaymentTx(ctx, tx, current.PaymentId)
			return err
		}

		due := invoice.BalanceDue()
		if !due.IsPositive() {
			_, err := insertAnomalyTx(ctx, tx, models.BitcoinAnomaly{
				BitcoinPaymentId: current.Id,
				Kind:             models.AnomalyConfirmedWithoutBalance,
				Details:          fmt.Sprintf("invoice %s had no balance due when %d sats confirmed", invoice.Id, current.ReceivedSatoshis),
			}, now)
			return err
		}

		payment := &models.Payment{
			Id:                   uuid.New().String(),
			InvoiceId:            invoice.Id,
			TenantId:             invoice.TenantId,
			Amount:               due,
			Method:               models.MethodBitcoin,
			Status:               models.PaymentCompleted,
			GatewayProvider:      models.MethodBitcoin,
			GatewayTransactionId: current.TxId,
			BitcoinPaymentId:     current.Id,
			CreatedAt:            now,
			CompletedAt:          &now,
		}
		if current.ConfirmedAt != nil {
			confirmedAt := current.ConfirmedAt.UTC()
			payment.CompletedAt = &confirmedAt
		}
		if err := insertPaymentTx(ctx, tx, payment); err != nil {
			return err
		}
		if err := applyInvoicePaymentTx(ctx, tx, invoice, due, now); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, queryLinkBitcoinPayment, payment.Id, now, current.Id)
		if err != nil {
			return fmt.Errorf("failed to link bitcoin payment: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("bitcoin payment link failed - %w", store.ErrConcurrentModification)
		}

		current.PaymentId = payment.Id
		settlement.Payment = payment
		settlement.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settlement.Created {
		zap.L().Info("Bitcoin payment settled",
			zap.String("bitcoin_payment_id", id),
			zap.String("payment_id", settlement.Payment.Id),
			zap.String("amount", settlement.Payment.Amount.String()))
	}
	return settlement, nil
}

// RecordAnomaly stores an anomaly once per payment and kind. It reports whether a row was inserted.
func (s *Service) RecordAnomaly(ctx context.Context, anomaly models.BitcoinAnomaly) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertAnomalyTx(ctx, tx, anomaly, time.Now().UTC())
		return err
	})
	return inserted, err
}

func insertAnomalyTx(ctx context.Context, tx *sql.Tx, anomaly models.BitcoinAnomaly, now time.Time) (bool, error) {
	if anomaly.Id == "" {
		anomaly.Id = uuid.New().String()
	}
	result, err := tx.ExecContext(ctx, queryInsertAnomaly, anomaly.Id, anomaly.BitcoinPaymentId, anomaly.Kind, anomaly.Details, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert anomaly: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		zap.L().Warn("Bitcoin anomaly recorded",
			zap.String("bitcoin_payment_id", anomaly.BitcoinPaymentId),
			zap.String("kind", anomaly.Kind),
			zap.String("details", anomaly.Details))
	}
	return n > 0, nil
}

func (s *Service) ListAnomalies(ctx context.Context, limit int) ([]models.BitcoinAnomaly, error) {
	rows, err := s.db.QueryContext(ctx, queryGetAnomalies, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer closeRows(rows)

	var anomalies []models.BitcoinAnomaly
	for rows.Next() {
		var a models.BitcoinAnomaly
		if err := rows.Scan(&a.Id, &a.BitcoinPaymentId, &a.Kind, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

func (s *Service) RecordPriceSnapshot(ctx context.Context, snapshot models.BitcoinPriceSnapshot) error {
	if snapshot.Id == "" {
		snapshot.Id = uuid.New().String()
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, queryInsertPriceSnapshot, snapshot.Id, snapshot.Rate.String(), snapshot.Source, snapshot.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert price snapshot: %w", err)
	}
	return nil
}

func scanWallet(row rowScanner) (*models.BitcoinWallet, error) {
	var w models.BitcoinWallet
	var windowSeconds int64
	err := row.Scan(&w.Id, &w.PropertyId, &w.Xpub, &w.Network, &w.NextIndex, &windowSeconds,
		&w.RequiredConfirmations, &w.ToleranceSatoshis, &w.Halted, &w.HaltReason, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	w.PaymentWindow = time.Duration(windowSeconds) * time.Second
	return &w, nil
}

func scanBitcoinPayment(row rowScanner) (*models.BitcoinPayment, error) {
	var p models.BitcoinPayment
	var mempoolSeenAt, confirmedAt sql.NullTime
	err := row.Scan(&p.Id, &p.WalletId, &p.InvoiceId, &p.TenantId, &p.Address, &p.DerivationIndex, &p.Status,
		&p.UsdAmount, &p.BtcUsdRate, &p.ExpectedSatoshis, &p.ReceivedSatoshis, &p.Confirmations, &p.TxId,
		&p.ExpiresAt, &mempoolSeenAt, &confirmedAt, &p.PaymentId, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan bitcoin payment: %w", err)
	}
	if mempoolSeenAt.Valid {
		t := mempoolSeenAt.Time
		p.MempoolSeenAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		p.ConfirmedAt = &t
	}
	return &p, nil
}
