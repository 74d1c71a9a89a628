package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"go.uber.org/zap"
)

// WebhookOutcome is what HandleWebhook did with one delivery.
type WebhookOutcome struct {
	EventId   string `json:"event_id"`
	Status    string `json:"status"`
	PaymentId string `json:"payment_id,omitempty"`
}

// HandleWebhook verifies a provider callback, logs it whatever the outcome,
// and confirms or fails the matching pending Payment. A redelivered event is
// logged as duplicate and changes nothing.
func (e *Engine) HandleWebhook(ctx context.Context, provider string, header http.Header, body []byte) (*WebhookOutcome, error) {
	if provider == "" {
		return nil, fmt.Errorf("%w: empty provider", gateway.ErrUnknownProvider)
	}
	g, err := e.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	record := &models.WebhookEvent{Provider: provider, Payload: string(body)}

	event, err := g.VerifyWebhook(ctx, header, body)
	if err != nil {
		record.Status = models.WebhookRejected
		record.Error = err.Error()
		if logErr := e.store.RecordWebhookEvent(ctx, record); logErr != nil {
			zap.L().Error("Failed to log rejected webhook", zap.String("provider", provider), zap.Error(logErr))
		}
		e.metrics.WebhookEvent(provider, models.WebhookRejected)
		zap.L().Warn("Webhook rejected", zap.String("provider", provider), zap.Error(err))
		if !errors.Is(err, store.ErrWebhookVerificationFailed) {
			err = fmt.Errorf("%w: %v", store.ErrWebhookVerificationFailed, err)
		}
		return &WebhookOutcome{EventId: record.Id, Status: models.WebhookRejected}, err
	}

	record.EventType = event.EventType
	record.ProviderEventId = event.EventId
	if err := e.store.RecordWebhookEvent(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			e.metrics.WebhookEvent(provider, models.WebhookDuplicate)
			return &WebhookOutcome{EventId: record.Id, Status: models.WebhookDuplicate}, nil
		}
		return nil, err
	}

	outcome := &WebhookOutcome{EventId: record.Id, Status: models.WebhookProcessed}
	processErr := e.applyWebhook(ctx, provider, event, outcome)

	status, message := models.WebhookProcessed, ""
	if processErr != nil {
		status, message = models.WebhookFailed, processErr.Error()
		outcome.Status = status
	}
	if err := e.store.UpdateWebhookEvent(ctx, record.Id, status, message); err != nil {
		zap.L().Error("Failed to update webhook event", zap.String("event_id", record.Id), zap.Error(err))
	}
	e.metrics.WebhookEvent(provider, status)

	zap.L().Info("Webhook handled",
		zap.String("provider", provider),
		zap.String("event_type", event.EventType),
		zap.String("provider_event_id", event.EventId),
		zap.String("status", status))
	return outcome, processErr
}

func (e *Engine) applyWebhook(ctx context.Context, provider string, event *gateway.WebhookEvent, outcome *WebhookOutcome) error {
	if event.EventType == gateway.EventPollCheck || event.Status == "" || event.TransactionId == "" {
		return nil
	}

	payment, err := e.store.FindPaymentByGatewayTransaction(ctx, provider, event.TransactionId)
	if errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("Webhook for unknown transaction",
			zap.String("provider", provider),
			zap.String("transaction_id", event.TransactionId))
		return nil
	}
	if err != nil {
		return err
	}
	outcome.PaymentId = payment.Id

	if payment.Status != models.PaymentPending {
		return nil
	}
	_, err = e.ConfirmGatewayPayment(ctx, payment.Id, event.Status)
	return err
}
