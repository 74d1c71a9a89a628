package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GrantCredit creates a PrepaymentCredit and its credit-grant ledger row.
func (s *Service) GrantCredit(ctx context.Context, params store.GrantCreditParams) (*models.PrepaymentCredit, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount must be positive, got %s", store.ErrInvalidAmount, params.Amount.String())
	}

	var credit *models.PrepaymentCredit
	err := s.withTenantTx(ctx, params.TenantId, func(tx *sql.Tx) error {
		var err error
		credit, err = s.grantCreditTx(ctx, tx, params, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return credit, nil
}

func (s *Service) grantCreditTx(ctx context.Context, tx *sql.Tx, params store.GrantCreditParams, now time.Time) (*models.PrepaymentCredit, error) {
	credit := &models.PrepaymentCredit{
		Id:              uuid.New().String(),
		TenantId:        params.TenantId,
		Amount:          params.Amount,
		Remaining:       params.Amount,
		SourcePaymentId: params.SourcePaymentId,
		Reason:          params.Reason,
		CreatedAt:       now,
	}

	err := tx.QueryRowContext(ctx, queryInsertCredit,
		credit.Id, credit.TenantId, credit.Amount.String(), credit.Remaining.String(),
		credit.SourcePaymentId, credit.Reason, credit.CreatedAt).Scan(&credit.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit: %w", err)
	}

	reason := params.Reason
	if reason == "" {
		reason = "overpayment credit"
	}
	_, err = s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
		TenantId:  params.TenantId,
		Store:     models.StoreCredit,
		Kind:      models.KindCreditGrant,
		Amount:    params.Amount,
		Reason:    reason,
		Actor:     params.Actor,
		PaymentId: params.SourcePaymentId,
		CreditId:  credit.Id,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Prepayment credit granted",
		zap.String("credit_id", credit.Id),
		zap.String("tenant_id", credit.TenantId),
		zap.String("amount", credit.Amount.String()),
		zap.String("source_payment_id", credit.SourcePaymentId))
	return credit, nil
}

// ConsumeCredits drains the tenant's credits oldest first up to MaxAmount.
// With an InvoiceId the amount is also clamped to the invoice's balance due,
// one credit Payment is recorded, and the invoice is updated in the same unit.
// It returns a zero result rather than failing when nothing is available.
func (s *Service) ConsumeCredits(ctx context.Context, params store.ConsumeCreditsParams) (*store.ConsumeResult, error) {
	result := &store.ConsumeResult{Consumed: decimal.Zero}
	if params.MaxAmount.IsNegative() {
		return nil, fmt.Errorf("%w: max amount cannot be negative", store.ErrInvalidAmount)
	}
	if params.MaxAmount.IsZero() {
		return result, nil
	}

	err := s.withTenantTx(ctx, params.TenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		limit := params.MaxAmount

		var invoice *models.Invoice
		if params.InvoiceId != "" {
			var err error
			invoice, err = getInvoiceTx(ctx, tx, params.InvoiceId)
			if err != nil {
				return err
			}
			if invoice.TenantId != params.TenantId {
				return fmt.Errorf("invoice %s does not belong to tenant %s", invoice.Id, params.TenantId)
			}
			if invoice.Status == models.InvoiceCancelled || invoice.Status == models.InvoiceDraft {
				return fmt.Errorf("%w: invoice %s is %s", store.ErrInvalidState, invoice.Id, invoice.Status)
			}
			result.Invoice = invoice
			limit = decimal.Min(limit, invoice.BalanceDue())
			if !limit.IsPositive() {
				return nil
			}
		}

		credits, err := listCreditsTx(ctx, tx, params.TenantId)
		if err != nil {
			return err
		}

		paymentId := ""
		if invoice != nil {
			paymentId = uuid.New().String()
		}

		left := limit
		for _, credit := range credits {
			if !left.IsPositive() {
				break
			}
			if !credit.Remaining.IsPositive() {
				continue
			}

			take := decimal.Min(credit.Remaining, left)
			remaining := credit.Remaining.Sub(take)

			res, err := tx.ExecContext(ctx, queryUpdateCreditRemaining, remaining.String(), credit.Id, credit.Remaining.String())
			if err != nil {
				return fmt.Errorf("failed to update credit %s: %w", credit.Id, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("failed to check rows affected: %w", err)
			} else if n == 0 {
				return fmt.Errorf("credit %s update failed - %w", credit.Id, store.ErrConcurrentModification)
			}

			transaction, err := s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
				TenantId:  params.TenantId,
				Store:     models.StoreCredit,
				Kind:      models.KindCreditRedeem,
				Amount:    take.Neg(),
				Reason:    "credit applied",
				Actor:     params.Actor,
				InvoiceId: params.InvoiceId,
				PaymentId: paymentId,
				CreditId:  credit.Id,
			})
			if err != nil {
				return err
			}

			result.Transactions = append(result.Transactions, *transaction)
			result.Consumed = result.Consumed.Add(take)
			left = left.Sub(take)
		}

		if invoice == nil || !result.Consumed.IsPositive() {
			return nil
		}

		payment := &models.Payment{
			Id:          paymentId,
			InvoiceId:   invoice.Id,
			TenantId:    params.TenantId,
			Amount:      result.Consumed,
			Method:      models.MethodCredit,
			Status:      models.PaymentCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := insertPaymentTx(ctx, tx, payment); err != nil {
			return err
		}
		result.Payment = payment

		return applyInvoicePaymentTx(ctx, tx, invoice, result.Consumed, now)
	})
	if err != nil {
		return nil, err
	}

	if result.Consumed.IsPositive() {
		zap.L().Info("Credits consumed",
			zap.String("tenant_id", params.TenantId),
			zap.String("invoice_id", params.InvoiceId),
			zap.String("consumed", result.Consumed.String()),
			zap.Int("credits_touched", len(result.Transactions)))
	}
	return result, nil
}

// revokeCreditTx zeroes an unspent credit and books the matching debit.
func (s *Service) revokeCreditTx(ctx context.Context, tx *sql.Tx, credit *models.PrepaymentCredit, reason string) error {
	if !credit.Remaining.IsPositive() {
		return nil
	}
	res, err := tx.ExecContext(ctx, queryUpdateCreditRemaining, decimal.Zero.String(), credit.Id, credit.Remaining.String())
	if err != nil {
		return fmt.Errorf("failed to revoke credit %s: %w", credit.Id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("credit %s revoke failed - %w", credit.Id, store.ErrConcurrentModification)
	}

	_, err = s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
		TenantId:  credit.TenantId,
		Store:     models.StoreCredit,
		Kind:      models.KindCreditRevoke,
		Amount:    credit.Remaining.Neg(),
		Reason:    reason,
		PaymentId: credit.SourcePaymentId,
		CreditId:  credit.Id,
	})
	if err != nil {
		return err
	}
	zap.L().Info("Prepayment credit revoked",
		zap.String("credit_id", credit.Id),
		zap.String("tenant_id", credit.TenantId),
		zap.String("amount", credit.Remaining.String()))
	credit.Remaining = decimal.Zero
	return nil
}

// CreditsForPayment returns the overpayment credits a payment created.
func (s *Service) CreditsForPayment(ctx context.Context, paymentId string) ([]models.PrepaymentCredit, error) {
	rows, err := s.db.QueryContext(ctx, queryGetCreditsForPayment, paymentId)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits for payment: %w", err)
	}
	defer closeRows(rows)
	return scanCredits(rows)
}

func creditsForPaymentTx(ctx context.Context, tx *sql.Tx, paymentId string) ([]models.PrepaymentCredit, error) {
	rows, err := tx.QueryContext(ctx, queryGetCreditsForPayment, paymentId)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits for payment: %w", err)
	}
	defer closeRows(rows)
	return scanCredits(rows)
}

// ListCredits returns every credit for the tenant in consumption order.
func (s *Service) ListCredits(ctx context.Context, tenantId string) ([]models.PrepaymentCredit, error) {
	rows, err := s.db.QueryContext(ctx, queryGetCreditsFifo, tenantId)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	defer closeRows(rows)
	return scanCredits(rows)
}

func listCreditsTx(ctx context.Context, tx *sql.Tx, tenantId string) ([]models.PrepaymentCredit, error) {
	rows, err := tx.QueryContext(ctx, queryGetCreditsFifo, tenantId)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	defer closeRows(rows)
	return scanCredits(rows)
}

func scanCredits(rows *sql.Rows) ([]models.PrepaymentCredit, error) {
	var credits []models.PrepaymentCredit
	for rows.Next() {
		var c models.PrepaymentCredit
		if err := rows.Scan(&c.Seq, &c.Id, &c.TenantId, &c.Amount, &c.Remaining,
			&c.SourcePaymentId, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		credits = append(credits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit rows: %w", err)
	}
	return credits, nil
}
