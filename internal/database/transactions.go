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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProcessTransaction appends one ledger row in its own SQL transaction.
// Callers that hold other state in the same unit use processTransactionTx.
func (s *SubledgerService) ProcessTransaction(ctx context.Context, params store.AppendParams) (*models.MonetaryTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	transaction, err := s.processTransactionTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return transaction, nil
}

// processTransactionTx computes the new balance, inserts the transaction row
// and updates the snapshot. It never lets a balance go negative.
func (s *SubledgerService) processTransactionTx(ctx context.Context, tx *sql.Tx, params store.AppendParams) (*models.MonetaryTransaction, error) {
	if params.Store != models.StoreCredit && params.Store != models.StoreReward {
		return nil, fmt.Errorf("unknown ledger store %q", params.Store)
	}
	if params.Amount.IsZero() {
		return nil, fmt.Errorf("%w: ledger delta must be non-zero", store.ErrInvalidAmount)
	}

	zap.L().Info("Processing transaction",
		zap.String("tenant_id", params.TenantId),
		zap.String("store", params.Store),
		zap.String("kind", params.Kind),
		zap.String("amount", params.Amount.String()))

	now := time.Now().UTC()
	balance, err := getOrCreateBalanceTx(ctx, tx, params.TenantId, params.Store, now)
	if err != nil {
		return nil, err
	}

	// Calculate new balance
	newBalance := balance.Balance.Add(params.Amount)
	if newBalance.IsNegative() {
		return nil, fmt.Errorf("%w: %s balance %s cannot cover %s",
			store.ErrInsufficientBalance, params.Store, balance.Balance.String(), params.Amount.Neg().String())
	}

	granted := balance.LifetimeGranted
	redeemed := balance.LifetimeRedeemed
	switch {
	case params.Kind == models.KindRewardReverse:
		redeemed = redeemed.Sub(params.Amount)
	case params.Kind == models.KindCreditRevoke:
		granted = granted.Add(params.Amount)
	case params.Amount.IsPositive():
		granted = granted.Add(params.Amount)
	default:
		redeemed = redeemed.Add(params.Amount.Neg())
	}

	transaction := &models.MonetaryTransaction{
		Id:            uuid.New().String(),
		TenantId:      params.TenantId,
		Store:         params.Store,
		Kind:          params.Kind,
		Amount:        params.Amount,
		BalanceBefore: balance.Balance,
		BalanceAfter:  newBalance,
		InvoiceId:     params.InvoiceId,
		PaymentId:     params.PaymentId,
		CreditId:      params.CreditId,
		TierId:        params.TierId,
		Source:        params.Source,
		Reason:        params.Reason,
		Actor:         params.Actor,
		CreatedAt:     now,
	}

	err = tx.QueryRowContext(ctx, queryInsertTransaction,
		transaction.Id, transaction.TenantId, transaction.Store, transaction.Kind,
		transaction.Amount.String(), transaction.BalanceBefore.String(), transaction.BalanceAfter.String(),
		transaction.InvoiceId, transaction.PaymentId, transaction.CreditId, transaction.TierId,
		transaction.Source, transaction.Reason, transaction.Actor, transaction.CreatedAt).
		Scan(&transaction.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	// Update balance snapshot (with optimistic locking)
	result, err := tx.ExecContext(ctx, queryUpdateBalance,
		newBalance.String(), granted.String(), redeemed.String(), transaction.Id, now,
		params.TenantId, params.Store, balance.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("balance update failed - %w", store.ErrConcurrentModification)
	}

	if err := s.addJournalEntries(ctx, tx, transaction); err != nil {
		return nil, fmt.Errorf("failed to add journal entries: %w", err)
	}

	zap.L().Info("Transaction processed successfully",
		zap.String("transaction_id", transaction.Id),
		zap.String("tenant_id", params.TenantId),
		zap.String("store", params.Store),
		zap.String("old_balance", balance.Balance.String()),
		zap.String("new_balance", newBalance.String()))

	return transaction, nil
}

type journalEntry struct {
	accountType  string
	accountId    string
	debitAmount  decimal.Decimal
	creditAmount decimal.Decimal
}

// addJournalEntries books the delta against the platform liability for the store.
// A positive delta debits the tenant account and credits the liability.
func (s *SubledgerService) addJournalEntries(ctx context.Context, tx *sql.Tx, transaction *models.MonetaryTransaction) error {
	tenantAccount := journalEntry{accountType: "tenant_" + transaction.Store, accountId: transaction.TenantId}
	platformAccount := journalEntry{accountType: "platform_liability", accountId: transaction.Store}

	if transaction.Amount.IsPositive() {
		tenantAccount.debitAmount = transaction.Amount
		platformAccount.creditAmount = transaction.Amount
	} else {
		tenantAccount.creditAmount = transaction.Amount.Neg()
		platformAccount.debitAmount = transaction.Amount.Neg()
	}

	for _, entry := range []journalEntry{tenantAccount, platformAccount} {
		_, err := tx.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), transaction.Id, entry.accountType, entry.accountId,
			entry.debitAmount.String(), entry.creditAmount.String(), transaction.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetTransactionHistory returns a tenant's transactions newest first. An empty
// ledgerStore returns both stores.
func (s *SubledgerService) GetTransactionHistory(ctx context.Context, tenantId, ledgerStore string, limit, offset int) ([]models.MonetaryTransaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("tenant_id", tenantId),
		zap.String("store", ledgerStore),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetTransactionHistory, tenantId, ledgerStore, ledgerStore, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	defer closeRows(rows)

	return scanTransactions(rows)
}

// GetTransactionsAfter streams the whole ledger in append order.
func (s *SubledgerService) GetTransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.MonetaryTransaction, error) {
	rows, err := s.db.QueryContext(ctx, queryGetTransactionsAfter, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions after %d: %w", afterSeq, err)
	}
	defer closeRows(rows)

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.MonetaryTransaction, error) {
	var transactions []models.MonetaryTransaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *transaction)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}

	return transactions, nil
}

func scanTransaction(row rowScanner) (*models.MonetaryTransaction, error) {
	var t models.MonetaryTransaction
	err := row.Scan(&t.Seq, &t.Id, &t.TenantId, &t.Store, &t.Kind,
		&t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.InvoiceId, &t.PaymentId, &t.CreditId, &t.TierId, &t.Source, &t.Reason, &t.Actor, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &t, nil
}
