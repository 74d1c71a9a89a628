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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/retry"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// stripeClient wraps the stripe-go API client. It is shared by the card
// gateway and the ACH gateway. The SDK's own retries are off; every call goes
// through retry.DoValue instead.
type stripeClient struct {
	api   *client.API
	retry retry.Policy
}

func newStripeClient(baseURL, secretKey string, httpClient *http.Client) *stripeClient {
	config := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     zap.S(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if baseURL != "" {
		config.URL = stripe.String(strings.TrimRight(baseURL, "/"))
	}
	backends := &stripe.Backends{API: stripe.GetBackendWithConfig(stripe.APIBackend, config)}
	return &stripeClient{
		api:   client.New(secretKey, backends),
		retry: retry.DefaultPolicy(),
	}
}

// stripeFailure maps an SDK error onto the store taxonomy and marks 429, 5xx
// and transport failures as retryable.
func stripeFailure(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeCard || stripeErr.HTTPStatusCode == http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", store.ErrGatewayDeclined, stripeErr.Msg)
		case retry.RetryableStatus(stripeErr.HTTPStatusCode):
			return retry.Transient(fmt.Errorf("stripe %s returned status %d: %s", op, stripeErr.HTTPStatusCode, stripeErr.Msg))
		default:
			return fmt.Errorf("stripe %s returned status %d: %s", op, stripeErr.HTTPStatusCode, stripeErr.Msg)
		}
	}
	if retry.IsNetworkError(err) {
		return retry.Transient(fmt.Errorf("stripe %s failed: %w", op, err))
	}
	return fmt.Errorf("stripe %s failed: %w", op, err)
}

// createPaymentIntent pins one idempotency key across retries so a retried
// create can never charge twice.
func (c *stripeClient) createPaymentIntent(ctx context.Context, params *stripe.PaymentIntentParams, idempotencyKey string) (*stripe.PaymentIntent, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	return retry.DoValue(ctx, c.retry, "stripe.create_payment_intent", func() (*stripe.PaymentIntent, error) {
		intent, err := c.api.PaymentIntents.New(params)
		if err != nil {
			return nil, stripeFailure("create payment intent", err)
		}
		return intent, nil
	})
}

func (c *stripeClient) getPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return retry.DoValue(ctx, c.retry, "stripe.get_payment_intent", func() (*stripe.PaymentIntent, error) {
		intent, err := c.api.PaymentIntents.Get(id, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, stripeFailure("get payment intent", err)
		}
		return intent, nil
	})
}

func (c *stripeClient) refund(ctx context.Context, intentId string, amount decimal.Decimal) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx, IdempotencyKey: stripe.String(uuid.New().String())},
		PaymentIntent: stripe.String(intentId),
	}
	if amount.IsPositive() {
		params.Amount = stripe.Int64(toCents(amount))
	}
	refund, err := retry.DoValue(ctx, c.retry, "stripe.refund", func() (*stripe.Refund, error) {
		refund, err := c.api.Refunds.New(params)
		if err != nil {
			return nil, stripeFailure("refund", err)
		}
		return refund, nil
	})
	if err != nil {
		return nil, err
	}

	status := StatusPending
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		status = StatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = StatusFailed
	}
	return &RefundResult{RefundId: refund.ID, Amount: fromCents(refund.Amount), Status: status}, nil
}

func (c *stripeClient) ping(ctx context.Context) error {
	return retry.Do(ctx, c.retry, "stripe.balance", func() error {
		if _, err := c.api.Balance.Get(&stripe.BalanceParams{Params: stripe.Params{Context: ctx}}); err != nil {
			return stripeFailure("balance", err)
		}
		return nil
	})
}

func intentStatus(status stripe.PaymentIntentStatus) PaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func intentParams(req InitiateRequest) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toCents(req.Amount)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.AddMetadata("invoice_id", req.InvoiceId)
	params.AddMetadata("tenant_id", req.TenantId)
	if req.PropertyId != "" {
		params.AddMetadata("property_id", req.PropertyId)
	}
	return params
}

func parseStripeEvent(header http.Header, body []byte, secret string, tolerance time.Duration) (*WebhookEvent, error) {
	event, err := ConstructStripeEvent(header.Get(stripeSignatureHeader), body, secret, tolerance)
	if err != nil {
		return nil, err
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", store.ErrWebhookVerificationFailed)
	}

	var object map[string]interface{}
	if event.Data != nil {
		object = event.Data.Object
	}
	field := func(key string) string {
		value, _ := object[key].(string)
		return value
	}

	transactionId := field("id")
	if field("object") == "charge" && field("payment_intent") != "" {
		transactionId = field("payment_intent")
	}

	result := &WebhookEvent{
		EventId:       event.ID,
		EventType:     string(event.Type),
		TransactionId: transactionId,
	}
	switch event.Type {
	case "payment_intent.succeeded":
		result.Status = StatusSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		result.Status = StatusFailed
		result.Message = string(event.Type)
	}
	return result, nil
}

// StripeGateway charges cards synchronously through PaymentIntents.
type StripeGateway struct {
	client         *stripeClient
	publishableKey string
	webhookSecret  string
	tolerance      time.Duration
}

func NewStripeGateway(cfg models.StripeConfig, httpClient *http.Client) *StripeGateway {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeGateway{
		client:         newStripeClient(cfg.BaseURL, cfg.SecretKey, httpClient),
		publishableKey: cfg.PublishableKey,
		webhookSecret:  cfg.WebhookSecret,
		tolerance:      tolerance,
	}
}

func (g *StripeGateway) Provider() string { return "stripe" }
func (g *StripeGateway) Kind() Kind       { return KindCard }

func (g *StripeGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidAmount, req.Amount.String())
	}
	paymentMethod := req.Metadata["payment_method"]
	if paymentMethod == "" {
		return nil, fmt.Errorf("payment_method is required for card payments")
	}

	params := intentParams(req)
	params.PaymentMethod = stripe.String(paymentMethod)
	params.Confirm = stripe.Bool(true)
	params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
		Enabled:        stripe.Bool(true),
		AllowRedirects: stripe.String("never"),
	}

	intent, err := g.client.createPaymentIntent(ctx, params, req.IdempotencyKey)
	if err != nil {
		zap.L().Error("Stripe payment failed",
			zap.String("invoice_id", req.InvoiceId),
			zap.String("amount", req.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	status := intentStatus(intent.Status)
	if status == StatusFailed {
		msg := string(intent.Status)
		if intent.LastPaymentError != nil {
			msg = intent.LastPaymentError.Msg
		}
		return nil, fmt.Errorf("%w: %s", store.ErrGatewayDeclined, msg)
	}

	collected := fromCents(intent.AmountReceived)
	if status == StatusSucceeded && collected.IsZero() {
		collected = fromCents(intent.Amount)
	}

	zap.L().Info("Stripe payment intent created",
		zap.String("invoice_id", req.InvoiceId),
		zap.String("intent_id", intent.ID),
		zap.String("status", string(intent.Status)))

	return &InitiateResult{
		TransactionId: intent.ID,
		Status:        status,
		Collected:     collected,
		ClientSecret:  intent.ClientSecret,
	}, nil
}

func (g *StripeGateway) VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error) {
	intent, err := g.client.getPaymentIntent(ctx, transactionId)
	if err != nil {
		return "", err
	}
	return intentStatus(intent.Status), nil
}

func (g *StripeGateway) RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error) {
	return g.client.refund(ctx, transactionId, amount)
}

func (g *StripeGateway) ClientConfig(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"publishable_key": g.publishableKey}, nil
}

func (g *StripeGateway) VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error) {
	return parseStripeEvent(header, body, g.webhookSecret, g.tolerance)
}

func (g *StripeGateway) TestConnection(ctx context.Context) error {
	return g.client.ping(ctx)
}
