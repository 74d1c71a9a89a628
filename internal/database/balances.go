package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rent-ledger-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalance returns the snapshot for tenant/store. A tenant never seen before
// has a zero balance that is not persisted until the first append.
func (s *SubledgerService) GetBalance(ctx context.Context, tenantId, ledgerStore string) (*models.Balance, error) {
	zap.L().Debug("Getting balance", zap.String("tenant_id", tenantId), zap.String("store", ledgerStore))

	balance, err := scanBalance(s.db.QueryRowContext(ctx, queryGetBalance, tenantId, ledgerStore))
	if errors.Is(err, sql.ErrNoRows) {
		// No balance record means zero balance
		return &models.Balance{TenantId: tenantId, Store: ledgerStore}, nil
	}
	if err != nil {
		zap.L().Error("Failed to get balance", zap.String("tenant_id", tenantId), zap.String("store", ledgerStore), zap.Error(err))
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return balance, nil
}

// getOrCreateBalanceTx reads the snapshot inside tx, creating it on first reference.
func getOrCreateBalanceTx(ctx context.Context, tx *sql.Tx, tenantId, ledgerStore string, now time.Time) (*models.Balance, error) {
	balance, err := scanBalance(tx.QueryRowContext(ctx, queryGetBalance, tenantId, ledgerStore))
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}

	balance = &models.Balance{
		Id:        uuid.New().String(),
		TenantId:  tenantId,
		Store:     ledgerStore,
		Version:   1,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, queryInsertBalance, balance.Id, tenantId, ledgerStore, now); err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}
	return balance, nil
}

func scanBalance(row rowScanner) (*models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.Id, &b.TenantId, &b.Store, &b.Balance, &b.LifetimeGranted, &b.LifetimeRedeemed,
		&b.LastTransactionId, &b.Version, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ReconcileBalance compares the snapshot with the sum of every delta appended for tenant/store.
func (s *SubledgerService) ReconcileBalance(ctx context.Context, tenantId, ledgerStore string) (*models.ReconcileResult, error) {
	zap.L().Info("Reconciling balance", zap.String("tenant_id", tenantId), zap.String("store", ledgerStore))

	current, err := s.GetBalance(ctx, tenantId, ledgerStore)
	if err != nil {
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryGetTransactionAmounts, tenantId, ledgerStore)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate balance from transactions: %w", err)
	}
	defer closeRows(rows)

	calculated := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return nil, fmt.Errorf("failed to scan amount: %w", err)
		}
		calculated = calculated.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction amounts: %w", err)
	}

	result := &models.ReconcileResult{
		TenantId:   tenantId,
		Store:      ledgerStore,
		Snapshot:   current.Balance,
		Calculated: calculated,
		Matches:    current.Balance.Equal(calculated),
	}

	// Check if balances match (exact decimal comparison)
	if !result.Matches {
		zap.L().Error("Balance reconciliation failed",
			zap.String("tenant_id", tenantId),
			zap.String("store", ledgerStore),
			zap.String("current_balance", current.Balance.String()),
			zap.String("calculated_balance", calculated.String()),
			zap.String("difference", current.Balance.Sub(calculated).String()))
		return result, fmt.Errorf("balance mismatch: current=%s, calculated=%s", current.Balance.String(), calculated.String())
	}

	zap.L().Info("Balance reconciliation successful",
		zap.String("tenant_id", tenantId),
		zap.String("store", ledgerStore),
		zap.String("balance", current.Balance.String()))
	return result, nil
}

// ListTenants returns every tenant holding a balance row.
func (s *SubledgerService) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListTenants)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer closeRows(rows)

	var tenants []string
	for rows.Next() {
		var tenantId string
		if err := rows.Scan(&tenantId); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenantId)
	}
	return tenants, rows.Err()
}
