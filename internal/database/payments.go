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

// RecordPayment records money a gateway collected for an invoice. A completed
// payment is applied up to the balance due and any excess becomes a
// PrepaymentCredit in the same transaction. A pending payment only records the
// attempt until CompletePayment.
func (s *Service) RecordPayment(ctx context.Context, params store.RecordPaymentParams) (*store.PaymentApplication, error) {
	if !params.Collected.IsPositive() {
		return nil, fmt.Errorf("%w: collected amount must be positive, got %s", store.ErrInvalidAmount, params.Collected.String())
	}
	if params.Method == "" {
		return nil, fmt.Errorf("payment method cannot be empty")
	}
	status := params.Status
	if status == "" {
		status = models.PaymentCompleted
	}
	if status != models.PaymentCompleted && status != models.PaymentPending {
		return nil, fmt.Errorf("%w: cannot record a payment as %s", store.ErrInvalidState, status)
	}

	invoice, err := s.GetInvoice(ctx, params.InvoiceId)
	if err != nil {
		return nil, err
	}

	var app *store.PaymentApplication
	err = s.withTenantTx(ctx, invoice.TenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		if params.GatewayTransactionId != "" {
			existing, err := scanPayment(tx.QueryRowContext(ctx, queryGetPaymentByGatewayTx, params.Provider, params.GatewayTransactionId))
			if err == nil {
				zap.L().Warn("Gateway transaction already recorded, skipping",
					zap.String("provider", params.Provider),
					zap.String("gateway_transaction_id", params.GatewayTransactionId),
					zap.String("payment_id", existing.Id))
				app = &store.PaymentApplication{Payment: existing, Invoice: invoice, AlreadyFinal: true}
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		current, err := getInvoiceTx(ctx, tx, params.InvoiceId)
		if err != nil {
			return err
		}
		if current.Status == models.InvoiceCancelled || current.Status == models.InvoiceDraft {
			return fmt.Errorf("%w: invoice %s is %s", store.ErrInvalidState, current.Id, current.Status)
		}

		payment := &models.Payment{
			Id:                   uuid.New().String(),
			InvoiceId:            current.Id,
			TenantId:             current.TenantId,
			Amount:               params.Collected,
			Method:               params.Method,
			Status:               status,
			GatewayProvider:      params.Provider,
			GatewayTransactionId: params.GatewayTransactionId,
			ReferenceNumber:      params.ReferenceNumber,
			Notes:                params.Notes,
			IdempotencyKey:       params.IdempotencyKey,
			CreatedAt:            now,
		}
		if status == models.PaymentCompleted {
			payment.CompletedAt = &now
		}
		if err := insertPaymentTx(ctx, tx, payment); err != nil {
			return err
		}

		if status == models.PaymentPending {
			app = &store.PaymentApplication{Payment: payment, Invoice: current, Applied: decimal.Zero, Overpayment: decimal.Zero}
			return nil
		}

		app, err = s.applyCompletedPaymentTx(ctx, tx, payment, current, params.Actor, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Payment recorded",
		zap.String("payment_id", app.Payment.Id),
		zap.String("invoice_id", app.Payment.InvoiceId),
		zap.String("method", app.Payment.Method),
		zap.String("status", app.Payment.Status),
		zap.String("amount", app.Payment.Amount.String()),
		zap.String("overpayment", app.Overpayment.String()))
	return app, nil
}

// CompletePayment finalizes a pending payment and applies it to its invoice.
// A payment that is no longer pending is returned unchanged with AlreadyFinal set.
func (s *Service) CompletePayment(ctx context.Context, paymentId string, completedAt time.Time) (*store.PaymentApplication, error) {
	payment, err := s.GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}

	var app *store.PaymentApplication
	err = s.withTenantTx(ctx, payment.TenantId, func(tx *sql.Tx) error {
		current, err := getPaymentTx(ctx, tx, paymentId)
		if err != nil {
			return err
		}
		invoice, err := getInvoiceTx(ctx, tx, current.InvoiceId)
		if err != nil {
			return err
		}
		if current.Status != models.PaymentPending {
			app = &store.PaymentApplication{Payment: current, Invoice: invoice, AlreadyFinal: true}
			return nil
		}

		at := completedAt.UTC()
		if err := updatePaymentStatusTx(ctx, tx, current, models.PaymentCompleted, &at, ""); err != nil {
			return err
		}

		app, err = s.applyCompletedPaymentTx(ctx, tx, current, invoice, "", at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// applyCompletedPaymentTx applies min(amount, balance due) and turns the rest into a credit.
func (s *Service) applyCompletedPaymentTx(ctx context.Context, tx *sql.Tx, payment *models.Payment, invoice *models.Invoice, actor string, now time.Time) (*store.PaymentApplication, error) {
	due := invoice.BalanceDue()
	if due.IsNegative() {
		due = decimal.Zero
	}
	applied := decimal.Min(payment.Amount, due)
	overpayment := payment.Amount.Sub(applied)

	app := &store.PaymentApplication{Payment: payment, Invoice: invoice, Applied: applied, Overpayment: overpayment}

	if applied.IsPositive() {
		if err := applyInvoicePaymentTx(ctx, tx, invoice, applied, now); err != nil {
			return nil, err
		}
	}

	if overpayment.IsPositive() {
		credit, err := s.grantCreditTx(ctx, tx, store.GrantCreditParams{
			TenantId:        payment.TenantId,
			Amount:          overpayment,
			SourcePaymentId: payment.Id,
			Reason:          fmt.Sprintf("overpayment of invoice %s", invoice.Id),
			Actor:           actor,
		}, now)
		if err != nil {
			return nil, err
		}
		app.Credit = credit
	}
	return app, nil
}

// FailPayment marks a pending payment failed. Failing an already failed payment is a no-op.
func (s *Service) FailPayment(ctx context.Context, paymentId, reason string) (*models.Payment, error) {
	payment, err := s.GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}

	err = s.withTenantTx(ctx, payment.TenantId, func(tx *sql.Tx) error {
		current, err := getPaymentTx(ctx, tx, paymentId)
		if err != nil {
			return err
		}
		payment = current
		switch current.Status {
		case models.PaymentFailed:
			return nil
		case models.PaymentPending:
			return updatePaymentStatusTx(ctx, tx, current, models.PaymentFailed, nil, reason)
		default:
			return fmt.Errorf("%w: payment %s is %s", store.ErrInvalidState, current.Id, current.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Payment failed", zap.String("payment_id", paymentId), zap.String("reason", reason))
	return payment, nil
}

// MarkPaymentRefunded flips a completed payment to refunded, revokes the
// overpayment credit it created and removes the rest of amount from its
// invoice's amount paid. A payment whose overpayment credit was already spent
// is not reversible.
func (s *Service) MarkPaymentRefunded(ctx context.Context, paymentId string, amount decimal.Decimal) (*store.PaymentApplication, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: refund amount cannot be negative", store.ErrInvalidAmount)
	}
	payment, err := s.GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}

	var app *store.PaymentApplication
	err = s.withTenantTx(ctx, payment.TenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		current, err := getPaymentTx(ctx, tx, paymentId)
		if err != nil {
			return err
		}
		if current.Status != models.PaymentCompleted {
			return fmt.Errorf("%w: payment %s is %s", store.ErrNotReversible, current.Id, current.Status)
		}
		credits, err := creditsForPaymentTx(ctx, tx, current.Id)
		if err != nil {
			return err
		}
		overpaid := decimal.Zero
		for _, credit := range credits {
			if !credit.Remaining.Equal(credit.Amount) {
				return fmt.Errorf("%w: overpayment credit %s was already applied", store.ErrNotReversible, credit.Id)
			}
			overpaid = overpaid.Add(credit.Amount)
		}
		if err := updatePaymentStatusTx(ctx, tx, current, models.PaymentRefunded, current.CompletedAt, "refunded"); err != nil {
			return err
		}
		for i := range credits {
			if err := s.revokeCreditTx(ctx, tx, &credits[i], "payment refunded"); err != nil {
				return err
			}
		}

		invoice, err := getInvoiceTx(ctx, tx, current.InvoiceId)
		if err != nil {
			return err
		}
		removed := decimal.Min(amount.Sub(overpaid), invoice.AmountPaid)
		if removed.IsPositive() {
			if err := reduceInvoicePaymentTx(ctx, tx, invoice, removed, now); err != nil {
				return err
			}
		} else {
			removed = decimal.Zero
		}
		app = &store.PaymentApplication{Payment: current, Invoice: invoice, Applied: removed.Neg(), Overpayment: overpaid.Neg()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentId string) (*models.Payment, error) {
	payment, err := scanPayment(s.db.QueryRowContext(ctx, queryGetPayment, paymentId))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", paymentId, err)
	}
	return payment, nil
}

func getPaymentTx(ctx context.Context, tx *sql.Tx, paymentId string) (*models.Payment, error) {
	payment, err := scanPayment(tx.QueryRowContext(ctx, queryGetPayment, paymentId))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", paymentId, err)
	}
	return payment, nil
}

func (s *Service) FindPaymentByGatewayTransaction(ctx context.Context, provider, transactionId string) (*models.Payment, error) {
	payment, err := scanPayment(s.db.QueryRowContext(ctx, queryGetPaymentByGatewayTx, provider, transactionId))
	if err != nil {
		return nil, fmt.Errorf("failed to find %s payment %s: %w", provider, transactionId, err)
	}
	return payment, nil
}

func (s *Service) ListPaymentsForInvoice(ctx context.Context, invoiceId string) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPaymentsForInvoice, invoiceId)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer closeRows(rows)
	return scanPayments(rows)
}

func (s *Service) ListPendingGatewayPayments(ctx context.Context) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingGatewayPayments)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer closeRows(rows)
	return scanPayments(rows)
}

func insertPaymentTx(ctx context.Context, tx *sql.Tx, p *models.Payment) error {
	_, err := tx.ExecContext(ctx, queryInsertPayment,
		p.Id, p.InvoiceId, p.TenantId, p.Amount.String(), p.Method, p.Status, p.GatewayProvider,
		p.GatewayTransactionId, p.BitcoinPaymentId, p.ReferenceNumber, p.Notes, p.IdempotencyKey,
		p.CreatedAt, p.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment for %s/%s%s", store.ErrDuplicateTransaction, p.GatewayProvider, p.GatewayTransactionId, p.BitcoinPaymentId)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func updatePaymentStatusTx(ctx context.Context, tx *sql.Tx, p *models.Payment, status string, completedAt *time.Time, notes string) error {
	result, err := tx.ExecContext(ctx, queryUpdatePaymentStatus, status, completedAt, notes, notes, p.Id, p.Status)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment update failed - %w", store.ErrConcurrentModification)
	}

	p.Status = status
	p.CompletedAt = completedAt
	if notes != "" {
		p.Notes = notes
	}
	return nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var completedAt sql.NullTime
	err := row.Scan(&p.Id, &p.InvoiceId, &p.TenantId, &p.Amount, &p.Method, &p.Status, &p.GatewayProvider,
		&p.GatewayTransactionId, &p.BitcoinPaymentId, &p.ReferenceNumber, &p.Notes, &p.IdempotencyKey,
		&p.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func scanPayments(rows *sql.Rows) ([]models.Payment, error) {
	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment rows: %w", err)
	}
	return payments, nil
}
