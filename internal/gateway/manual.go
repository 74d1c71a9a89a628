package gateway

import (
	"context"
	"fmt"
	"net/http"

	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ManualGateway records cash, check and money order payments taken by staff.
// The collected amount is whatever was handed over and may exceed the balance due.
type ManualGateway struct{}

func NewManualGateway() *ManualGateway {
	return &ManualGateway{}
}

func (g *ManualGateway) Provider() string { return "manual" }
func (g *ManualGateway) Kind() Kind       { return KindManual }

func (g *ManualGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidAmount, req.Amount.String())
	}
	return &InitiateResult{
		TransactionId: "manual_" + uuid.New().String(),
		Status:        StatusSucceeded,
		Collected:     req.Amount,
	}, nil
}

func (g *ManualGateway) VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error) {
	return StatusSucceeded, nil
}

// RefundPayment records that staff returned the money by hand.
func (g *ManualGateway) RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error) {
	return &RefundResult{
		RefundId: "manual_refund_" + uuid.New().String(),
		Amount:   amount,
		Status:   StatusSucceeded,
	}, nil
}

func (g *ManualGateway) ClientConfig(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"methods": []string{"cash", "check", "money_order"}}, nil
}

func (g *ManualGateway) VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error) {
	return nil, fmt.Errorf("%w: manual payments have no webhooks", store.ErrWebhookVerificationFailed)
}

func (g *ManualGateway) TestConnection(ctx context.Context) error {
	return nil
}
