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

var rewardSources = map[string]bool{
	models.RewardSourceStreak:     true,
	models.RewardSourcePrepayment: true,
	models.RewardSourceManual:     true,
}

// GrantReward adds promotional balance for a tenant.
func (s *Service) GrantReward(ctx context.Context, params store.GrantRewardParams) (*models.MonetaryTransaction, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: reward amount must be positive, got %s", store.ErrInvalidAmount, params.Amount.String())
	}
	if params.Source == "" {
		params.Source = models.RewardSourceManual
	}
	if !rewardSources[params.Source] {
		return nil, fmt.Errorf("unknown reward source %q", params.Source)
	}

	var transaction *models.MonetaryTransaction
	err := s.withTenantTx(ctx, params.TenantId, func(tx *sql.Tx) error {
		var err error
		transaction, err = s.grantRewardTx(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Reward granted",
		zap.String("tenant_id", params.TenantId),
		zap.String("source", params.Source),
		zap.String("tier_id", params.TierId),
		zap.String("amount", params.Amount.String()))
	return transaction, nil
}

func (s *Service) grantRewardTx(ctx context.Context, tx *sql.Tx, params store.GrantRewardParams) (*models.MonetaryTransaction, error) {
	return s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
		TenantId:  params.TenantId,
		Store:     models.StoreReward,
		Kind:      models.KindRewardGrant,
		Amount:    params.Amount,
		Reason:    params.Description,
		Actor:     params.Actor,
		InvoiceId: params.InvoiceId,
		PaymentId: params.PaymentId,
		TierId:    params.TierId,
		Source:    params.Source,
	})
}

// ApplyRewardToInvoice spends reward balance on an invoice, clamped to
// min(balance, balance due) and to Amount when Amount is positive. A clamp to
// zero returns a result without a Payment.
func (s *Service) ApplyRewardToInvoice(ctx context.Context, params store.ApplyRewardParams) (*store.ApplyRewardResult, error) {
	if params.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: reward amount cannot be negative", store.ErrInvalidAmount)
	}

	invoice, err := s.GetInvoice(ctx, params.InvoiceId)
	if err != nil {
		return nil, err
	}

	result := &store.ApplyRewardResult{Applied: decimal.Zero}
	err = s.withTenantTx(ctx, invoice.TenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		current, err := getInvoiceTx(ctx, tx, params.InvoiceId)
		if err != nil {
			return err
		}
		if current.Status == models.InvoiceCancelled || current.Status == models.InvoiceDraft {
			return fmt.Errorf("%w: invoice %s is %s", store.ErrInvalidState, current.Id, current.Status)
		}
		result.Invoice = current

		balance, err := getOrCreateBalanceTx(ctx, tx, current.TenantId, models.StoreReward, now)
		if err != nil {
			return err
		}

		apply := decimal.Min(balance.Balance, current.BalanceDue())
		if params.Amount.IsPositive() {
			apply = decimal.Min(apply, params.Amount)
		}
		if !apply.IsPositive() {
			return nil
		}

		paymentId := uuid.New().String()
		transaction, err := s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
			TenantId:  current.TenantId,
			Store:     models.StoreReward,
			Kind:      models.KindRewardRedeem,
			Amount:    apply.Neg(),
			Reason:    fmt.Sprintf("applied to invoice %s", current.Id),
			Actor:     params.Actor,
			InvoiceId: current.Id,
			PaymentId: paymentId,
		})
		if err != nil {
			return err
		}

		payment := &models.Payment{
			Id:          paymentId,
			InvoiceId:   current.Id,
			TenantId:    current.TenantId,
			Amount:      apply,
			Method:      models.MethodReward,
			Status:      models.PaymentCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := insertPaymentTx(ctx, tx, payment); err != nil {
			return err
		}
		if err := applyInvoicePaymentTx(ctx, tx, current, apply, now); err != nil {
			return err
		}

		result.Applied = apply
		result.Payment = payment
		result.Transaction = transaction
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Applied.IsPositive() {
		zap.L().Info("Reward applied to invoice",
			zap.String("invoice_id", params.InvoiceId),
			zap.String("payment_id", result.Payment.Id),
			zap.String("amount", result.Applied.String()))
	}
	return result, nil
}

// ReverseRewardPayment credits a reward payment back to the tenant and marks it refunded.
func (s *Service) ReverseRewardPayment(ctx context.Context, paymentId, actor string) (*models.MonetaryTransaction, error) {
	payment, err := s.GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}
	if payment.Method != models.MethodReward {
		return nil, fmt.Errorf("%w: payment %s has method %s", store.ErrNotReversible, payment.Id, payment.Method)
	}

	var transaction *models.MonetaryTransaction
	err = s.withTenantTx(ctx, payment.TenantId, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		current, err := getPaymentTx(ctx, tx, paymentId)
		if err != nil {
			return err
		}
		if current.Status != models.PaymentCompleted {
			return fmt.Errorf("%w: payment %s is %s", store.ErrNotReversible, current.Id, current.Status)
		}

		transaction, err = s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
			TenantId:  current.TenantId,
			Store:     models.StoreReward,
			Kind:      models.KindRewardReverse,
			Amount:    current.Amount,
			Reason:    fmt.Sprintf("reversal of payment %s", current.Id),
			Actor:     actor,
			InvoiceId: current.InvoiceId,
			PaymentId: current.Id,
		})
		if err != nil {
			return err
		}

		if err := updatePaymentStatusTx(ctx, tx, current, models.PaymentRefunded, current.CompletedAt, "reversed"); err != nil {
			return err
		}

		invoice, err := getInvoiceTx(ctx, tx, current.InvoiceId)
		if err != nil {
			return err
		}
		return reduceInvoicePaymentTx(ctx, tx, invoice, decimal.Min(current.Amount, invoice.AmountPaid), now)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Reward payment reversed",
		zap.String("payment_id", paymentId),
		zap.String("tenant_id", payment.TenantId),
		zap.String("amount", payment.Amount.String()))
	return transaction, nil
}

// AdminAdjustReward appends a signed correction. A debit larger than the
// balance is clamped so the balance lands on zero; when nothing is left to
// adjust no row is appended and the returned transaction is nil.
func (s *Service) AdminAdjustReward(ctx context.Context, params store.AdminAdjustParams) (*models.MonetaryTransaction, error) {
	if params.Amount.IsZero() {
		return nil, fmt.Errorf("%w: adjustment cannot be zero", store.ErrInvalidAmount)
	}
	if params.Reason == "" {
		return nil, fmt.Errorf("adjustment reason cannot be empty")
	}

	var transaction *models.MonetaryTransaction
	err := s.withTenantTx(ctx, params.TenantId, func(tx *sql.Tx) error {
		balance, err := getOrCreateBalanceTx(ctx, tx, params.TenantId, models.StoreReward, time.Now().UTC())
		if err != nil {
			return err
		}

		amount := params.Amount
		if amount.IsNegative() && amount.Neg().GreaterThan(balance.Balance) {
			zap.L().Warn("Clamping reward adjustment to balance",
				zap.String("tenant_id", params.TenantId),
				zap.String("requested", amount.String()),
				zap.String("balance", balance.Balance.String()))
			amount = balance.Balance.Neg()
		}
		if amount.IsZero() {
			return nil
		}

		transaction, err = s.subledger.processTransactionTx(ctx, tx, store.AppendParams{
			TenantId: params.TenantId,
			Store:    models.StoreReward,
			Kind:     models.KindAdminAdjust,
			Amount:   amount,
			Reason:   params.Reason,
			Actor:    params.Actor,
			Source:   models.RewardSourceManual,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}
