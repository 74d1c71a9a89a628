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

package settlement

import (
	"context"
	"fmt"
	"time"

	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/notify"
	"rent-ledger-go/internal/rewards"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settlement outcomes reported to metrics.
const (
	outcomePaid           = "paid"
	outcomePartial        = "partial"
	outcomePending        = "pending"
	outcomeFailed         = "failed"
	outcomeAlreadySettled = "already_settled"
)

// Engine applies credits, rewards and gateway payments to invoices. Every
// operation that touches an invoice holds that invoice's lock for its duration.
type Engine struct {
	store     store.Store
	gateways  *gateway.Registry
	evaluator *rewards.Evaluator
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	locks     *store.KeyedMutex
	now       func() time.Time

	minAutoApply decimal.Decimal
}

func NewEngine(s store.Store, gateways *gateway.Registry, evaluator *rewards.Evaluator, notifier notify.Notifier, m *metrics.Metrics, locks *store.KeyedMutex) *Engine {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if locks == nil {
		locks = store.NewKeyedMutex()
	}
	return &Engine{
		store:     s,
		gateways:  gateways,
		evaluator: evaluator,
		notifier:  notifier,
		metrics:   m,
		locks:     locks,
		now:       time.Now,
	}
}

// SetMinAutoApply sets the smallest balance AutoApply bothers to spend.
func (e *Engine) SetMinAutoApply(amount decimal.Decimal) {
	e.minAutoApply = amount
}

// CreateInvoice records an invoice delivered by the billing collaborator.
func (e *Engine) CreateInvoice(ctx context.Context, params store.CreateInvoiceParams) (*models.Invoice, error) {
	return e.store.CreateInvoice(ctx, params)
}

// Settle pays down an invoice from credits, then rewards, then the requested
// gateway. A failing step never undoes the steps before it: the result
// reports what was applied and carries the failure of the step that stopped.
// Only a request rejected before anything was attempted returns an error.
// Manual payments are refused here; staff record them with RecordManualPayment.
func (e *Engine) Settle(ctx context.Context, req models.SettleRequest) (*models.SettlementResult, error) {
	return e.settle(ctx, req, false)
}

func (e *Engine) settle(ctx context.Context, req models.SettleRequest, allowManual bool) (*models.SettlementResult, error) {
	if req.RequestedAmount.IsNegative() {
		return nil, fmt.Errorf("%w: requested amount cannot be negative", store.ErrInvalidAmount)
	}
	if !allowManual && usesGateway(req.Method) {
		if g, err := e.gateways.Get(req.Method); err == nil && g.Kind() == gateway.KindManual {
			return nil, fmt.Errorf("%w: %s payments are recorded by staff", store.ErrMethodNotAllowed, g.Provider())
		}
	}

	// Held across the gateway call so one invoice is never charged twice.
	unlock := e.locks.Lock(store.InvoiceKey(req.InvoiceId))
	defer unlock()

	invoice, err := e.store.GetInvoice(ctx, req.InvoiceId)
	if err != nil {
		return nil, err
	}
	if req.TenantId != "" && invoice.TenantId != req.TenantId {
		return nil, fmt.Errorf("invoice %s does not belong to tenant %s: %w", invoice.Id, req.TenantId, store.ErrNotFound)
	}
	if invoice.Status == models.InvoiceCancelled || invoice.Status == models.InvoiceDraft {
		return nil, fmt.Errorf("%w: invoice %s is %s", store.ErrInvalidState, invoice.Id, invoice.Status)
	}

	result := &models.SettlementResult{
		InvoiceId:        invoice.Id,
		InvoiceStatus:    invoice.Status,
		BalanceDueBefore: invoice.BalanceDue(),
		BalanceDueAfter:  invoice.BalanceDue(),
		CreditApplied:    decimal.Zero,
		RewardApplied:    decimal.Zero,
		GatewayCollected: decimal.Zero,
		Overpayment:      decimal.Zero,
		Applications:     []models.SourceApplication{},
	}

	if !invoice.BalanceDue().IsPositive() {
		result.Failure = failure("invoice", store.ErrAlreadySettled)
		e.metrics.Settlement(outcomeAlreadySettled)
		zap.L().Info("Invoice already settled", zap.String("invoice_id", invoice.Id))
		return result, nil
	}

	e.settleLocked(ctx, invoice, req, result)

	if refreshed, err := e.store.GetInvoice(ctx, invoice.Id); err == nil {
		result.InvoiceStatus = refreshed.Status
		result.BalanceDueAfter = refreshed.BalanceDue()
	} else {
		zap.L().Warn("Failed to reload invoice after settlement", zap.String("invoice_id", invoice.Id), zap.Error(err))
	}

	e.metrics.Settlement(settlementOutcome(result))
	zap.L().Info("Settlement finished",
		zap.String("invoice_id", result.InvoiceId),
		zap.String("status", result.InvoiceStatus),
		zap.String("credit_applied", result.CreditApplied.String()),
		zap.String("reward_applied", result.RewardApplied.String()),
		zap.String("gateway_collected", result.GatewayCollected.String()),
		zap.String("balance_due_after", result.BalanceDueAfter.String()))
	return result, nil
}

func (e *Engine) settleLocked(ctx context.Context, invoice *models.Invoice, req models.SettleRequest, result *models.SettlementResult) {
	if req.ApplyCredits {
		consumed, err := e.store.ConsumeCredits(ctx, store.ConsumeCreditsParams{
			TenantId:  invoice.TenantId,
			InvoiceId: invoice.Id,
			MaxAmount: invoice.BalanceDue(),
			Actor:     req.Actor,
		})
		if err != nil {
			result.Failure = failure(models.SourceCredit, err)
			return
		}
		if consumed.Payment != nil {
			result.CreditApplied = consumed.Consumed
			result.Applications = append(result.Applications, models.SourceApplication{
				Source:    models.SourceCredit,
				Method:    models.MethodCredit,
				Amount:    consumed.Consumed,
				PaymentId: consumed.Payment.Id,
				Status:    consumed.Payment.Status,
			})
			e.metrics.SourceApplied(models.SourceCredit, consumed.Consumed.InexactFloat64())
		}
		if consumed.Invoice != nil {
			invoice = consumed.Invoice
		}
	}

	if req.ApplyRewards && invoice.BalanceDue().IsPositive() {
		applied, err := e.store.ApplyRewardToInvoice(ctx, store.ApplyRewardParams{
			InvoiceId: invoice.Id,
			Actor:     req.Actor,
		})
		if err != nil {
			result.Failure = failure(models.SourceReward, err)
			return
		}
		if applied.Payment != nil {
			result.RewardApplied = applied.Applied
			result.Applications = append(result.Applications, models.SourceApplication{
				Source:    models.SourceReward,
				Method:    models.MethodReward,
				Amount:    applied.Applied,
				PaymentId: applied.Payment.Id,
				Status:    applied.Payment.Status,
			})
			e.metrics.SourceApplied(models.SourceReward, applied.Applied.InexactFloat64())
		}
		if applied.Invoice != nil {
			invoice = applied.Invoice
		}
	}

	remaining := invoice.BalanceDue()
	if !remaining.IsPositive() || !usesGateway(req.Method) {
		return
	}

	g, err := e.gateways.Get(req.Method)
	if err != nil {
		result.Failure = failure(models.SourceGateway, err)
		return
	}

	charge := remaining
	if req.RequestedAmount.IsPositive() {
		if g.Kind() == gateway.KindManual {
			charge = req.RequestedAmount
		} else {
			charge = decimal.Min(remaining, req.RequestedAmount)
		}
	}

	e.collect(ctx, g, invoice, charge, req, result)
}

// collect runs the gateway step and records its Payment.
func (e *Engine) collect(ctx context.Context, g gateway.Gateway, invoice *models.Invoice, charge decimal.Decimal, req models.SettleRequest, result *models.SettlementResult) {
	initiated, err := g.InitiatePayment(ctx, gateway.InitiateRequest{
		InvoiceId:      invoice.Id,
		TenantId:       invoice.TenantId,
		PropertyId:     invoice.PropertyId,
		Amount:         charge,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	e.metrics.GatewayCall(g.Provider(), "initiate", err)
	if err != nil {
		zap.L().Warn("Gateway payment failed",
			zap.String("provider", g.Provider()),
			zap.String("invoice_id", invoice.Id),
			zap.String("amount", charge.String()),
			zap.Error(err))
		result.Failure = failure(models.SourceGateway, err)
		return
	}

	if initiated.BitcoinPayment != nil {
		result.BitcoinPayment = initiated.BitcoinPayment
		result.Applications = append(result.Applications, models.SourceApplication{
			Source: models.SourceGateway,
			Method: g.Provider(),
			Amount: charge,
			Status: models.PaymentPending,
		})
		result.ClientConfig = map[string]interface{}{
			"deposit_address":   initiated.DepositAddress,
			"expected_satoshis": initiated.BitcoinPayment.ExpectedSatoshis,
			"expires_at":        initiated.BitcoinPayment.ExpiresAt,
		}
		return
	}

	var status string
	switch initiated.Status {
	case gateway.StatusSucceeded:
		status = models.PaymentCompleted
	case gateway.StatusPending:
		status = models.PaymentPending
	default:
		result.Failure = failure(models.SourceGateway, fmt.Errorf("%w: %s reported %s", store.ErrGatewayDeclined, g.Provider(), initiated.Status))
		return
	}

	collected := initiated.Collected
	if status == models.PaymentPending || !collected.IsPositive() {
		collected = charge
	}

	app, err := e.store.RecordPayment(ctx, store.RecordPaymentParams{
		InvoiceId:            invoice.Id,
		Method:               g.Provider(),
		Provider:             g.Provider(),
		GatewayTransactionId: initiated.TransactionId,
		Collected:            collected,
		Status:               status,
		IdempotencyKey:       req.IdempotencyKey,
		ReferenceNumber:      req.ReferenceNumber,
		Notes:                req.Metadata["notes"],
		Actor:                req.Actor,
	})
	if err != nil {
		zap.L().Error("Failed to record gateway payment",
			zap.String("provider", g.Provider()),
			zap.String("transaction_id", initiated.TransactionId),
			zap.Error(err))
		result.Failure = failure(models.SourceGateway, err)
		return
	}

	result.Applications = append(result.Applications, models.SourceApplication{
		Source:    models.SourceGateway,
		Method:    g.Provider(),
		Amount:    app.Payment.Amount,
		PaymentId: app.Payment.Id,
		Status:    app.Payment.Status,
	})

	if status == models.PaymentPending {
		result.ClientConfig = map[string]interface{}{"transaction_id": initiated.TransactionId}
		if initiated.ClientSecret != "" {
			result.ClientConfig["client_secret"] = initiated.ClientSecret
		}
		if initiated.DepositAddress != "" {
			result.ClientConfig["deposit_address"] = initiated.DepositAddress
		}
		return
	}

	result.GatewayCollected = app.Payment.Amount
	if app.AlreadyFinal {
		return
	}
	result.Overpayment = app.Overpayment
	e.metrics.SourceApplied(models.SourceGateway, app.Applied.InexactFloat64())
	e.afterCompleted(ctx, app)
}

// afterCompleted announces a completed Payment and feeds any overpayment to
// the prepayment reward program.
func (e *Engine) afterCompleted(ctx context.Context, app *store.PaymentApplication) {
	payment := app.Payment
	e.notifier.Notify(ctx, models.NotifyPaymentConfirmed, payment.TenantId, map[string]interface{}{
		"payment_id": payment.Id,
		"invoice_id": payment.InvoiceId,
		"method":     payment.Method,
		"amount":     payment.Amount.String(),
	})

	if app.Credit == nil || !app.Overpayment.IsPositive() {
		return
	}
	e.notifier.Notify(ctx, models.NotifyCreditGranted, payment.TenantId, map[string]interface{}{
		"credit_id":         app.Credit.Id,
		"amount":            app.Credit.Amount.String(),
		"source_payment_id": payment.Id,
	})

	if e.evaluator == nil || app.Invoice == nil {
		return
	}
	if _, err := e.evaluator.EvaluatePrepayment(ctx, payment.TenantId, app.Invoice.PropertyId, app.Overpayment, payment.Id); err != nil {
		zap.L().Error("Prepayment reward evaluation failed",
			zap.String("tenant_id", payment.TenantId),
			zap.String("payment_id", payment.Id),
			zap.Error(err))
	}
}

// ManualPayment is cash, check or money order taken by staff.
type ManualPayment struct {
	InvoiceId       string
	TenantId        string
	Amount          decimal.Decimal
	ReferenceNumber string
	Notes           string
	Actor           string
}

// RecordManualPayment settles through the manual gateway. The amount handed
// over may exceed the balance due; the excess becomes a credit.
func (e *Engine) RecordManualPayment(ctx context.Context, p ManualPayment) (*models.SettlementResult, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: manual payment must be positive, got %s", store.ErrInvalidAmount, p.Amount.String())
	}
	req := models.SettleRequest{
		InvoiceId:       p.InvoiceId,
		TenantId:        p.TenantId,
		Method:          "manual",
		RequestedAmount: p.Amount,
		Actor:           p.Actor,
		ReferenceNumber: p.ReferenceNumber,
	}
	if p.Notes != "" {
		req.Metadata = map[string]string{"notes": p.Notes}
	}
	return e.settle(ctx, req, true)
}

// ConfirmGatewayPayment moves a pending gateway Payment to its final state.
// Completing it applies it to the invoice; a repeated confirmation is a no-op.
func (e *Engine) ConfirmGatewayPayment(ctx context.Context, paymentId string, status gateway.PaymentStatus) (*models.Payment, error) {
	payment, err := e.store.GetPayment(ctx, paymentId)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(store.InvoiceKey(payment.InvoiceId))
	defer unlock()

	switch status {
	case gateway.StatusSucceeded:
		app, err := e.store.CompletePayment(ctx, paymentId, e.now())
		if err != nil {
			return nil, err
		}
		if app.AlreadyFinal {
			return app.Payment, nil
		}
		e.metrics.SourceApplied(models.SourceGateway, app.Applied.InexactFloat64())
		zap.L().Info("Gateway payment confirmed",
			zap.String("payment_id", paymentId),
			zap.String("invoice_id", app.Payment.InvoiceId),
			zap.String("applied", app.Applied.String()))
		e.afterCompleted(ctx, app)
		return app.Payment, nil
	case gateway.StatusFailed:
		return e.store.FailPayment(ctx, paymentId, "gateway reported failure")
	default:
		return payment, nil
	}
}

// ConfirmBitcoinPayment creates the invoice Payment for a confirmed
// BitcoinPayment. It is safe to call repeatedly.
func (e *Engine) ConfirmBitcoinPayment(ctx context.Context, bitcoinPaymentId string) (*store.BitcoinSettlement, error) {
	bp, err := e.store.GetBitcoinPayment(ctx, bitcoinPaymentId)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(store.InvoiceKey(bp.InvoiceId))
	defer unlock()

	settlement, err := e.store.SettleBitcoinPayment(ctx, bitcoinPaymentId, e.now())
	if err != nil {
		return nil, err
	}
	if !settlement.Created || settlement.Payment == nil {
		return settlement, nil
	}

	e.metrics.SourceApplied(models.SourceGateway, settlement.Payment.Amount.InexactFloat64())
	e.notifier.Notify(ctx, models.NotifyPaymentConfirmed, bp.TenantId, map[string]interface{}{
		"payment_id":         settlement.Payment.Id,
		"invoice_id":         bp.InvoiceId,
		"method":             models.MethodBitcoin,
		"amount":             settlement.Payment.Amount.String(),
		"bitcoin_payment_id": bp.Id,
		"txid":               bp.TxId,
	})
	return settlement, nil
}

// RefundPayment reverses a reward Payment or refunds a gateway Payment.
// Credit payments cannot be refunded.
func (e *Engine) RefundPayment(ctx context.Context, paymentId, actor string) (*models.RefundResult, error) {
	result := &models.RefundResult{PaymentId: paymentId}
	fail := func(err error) (*models.RefundResult, error) {
		result.Error = store.Code(err)
		return result, err
	}

	payment, err := e.store.GetPayment(ctx, paymentId)
	if err != nil {
		return fail(err)
	}

	unlock := e.locks.Lock(store.InvoiceKey(payment.InvoiceId))
	defer unlock()

	switch payment.Method {
	case models.MethodReward:
		transaction, err := e.store.ReverseRewardPayment(ctx, paymentId, actor)
		if err != nil {
			return fail(err)
		}
		result.Success = true
		result.Amount = transaction.Amount
		return result, nil
	case models.MethodCredit:
		return fail(fmt.Errorf("%w: credit payments are not refundable", store.ErrNotReversible))
	}

	if payment.Status != models.PaymentCompleted {
		return fail(fmt.Errorf("%w: payment %s is %s", store.ErrNotReversible, payment.Id, payment.Status))
	}
	g, err := e.gateways.Get(payment.GatewayProvider)
	if err != nil {
		return fail(err)
	}
	credits, err := e.store.CreditsForPayment(ctx, paymentId)
	if err != nil {
		return fail(err)
	}
	for _, credit := range credits {
		if !credit.Remaining.Equal(credit.Amount) {
			return fail(fmt.Errorf("%w: overpayment credit %s was already applied", store.ErrNotReversible, credit.Id))
		}
	}

	refund, err := g.RefundPayment(ctx, payment.GatewayTransactionId, payment.Amount)
	e.metrics.GatewayCall(g.Provider(), "refund", err)
	if err != nil {
		return fail(err)
	}
	if refund.Status == gateway.StatusFailed {
		return fail(fmt.Errorf("%w: refund %s failed", store.ErrGatewayDeclined, refund.RefundId))
	}

	app, err := e.store.MarkPaymentRefunded(ctx, paymentId, payment.Amount)
	if err != nil {
		zap.L().Error("Refund issued but payment not marked refunded",
			zap.String("payment_id", paymentId),
			zap.String("refund_id", refund.RefundId),
			zap.Error(err))
		return fail(err)
	}

	zap.L().Info("Payment refunded",
		zap.String("payment_id", paymentId),
		zap.String("provider", g.Provider()),
		zap.String("refund_id", refund.RefundId),
		zap.String("credit_revoked", app.Overpayment.Neg().String()),
		zap.String("actor", actor))
	result.Success = true
	result.Amount = payment.Amount
	result.RefundId = refund.RefundId
	return result, nil
}

// usesGateway reports whether method names a gateway step.
func usesGateway(method string) bool {
	return method != "" && method != models.MethodCredit && method != models.MethodReward
}

func failure(source string, err error) *models.SettlementFailure {
	return &models.SettlementFailure{Source: source, Code: store.Code(err), Message: err.Error()}
}

func settlementOutcome(r *models.SettlementResult) string {
	switch {
	case r.Failure != nil:
		return outcomeFailed
	case r.BalanceDueAfter.IsZero() || r.BalanceDueAfter.IsNegative():
		return outcomePaid
	case r.BitcoinPayment != nil || hasPending(r.Applications):
		return outcomePending
	default:
		return outcomePartial
	}
}

func hasPending(apps []models.SourceApplication) bool {
	for _, a := range apps {
		if a.Status == models.PaymentPending {
			return true
		}
	}
	return false
}
