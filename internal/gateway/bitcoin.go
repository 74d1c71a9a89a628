package gateway

import (
	"context"
	"fmt"
	"net/http"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

// BitcoinIssuer creates and looks up address-based payments.
type BitcoinIssuer interface {
	CreatePayment(ctx context.Context, invoiceId, tenantId, propertyId string, usd decimal.Decimal) (*models.BitcoinPayment, error)
	GetPayment(ctx context.Context, id string) (*models.BitcoinPayment, error)
	CheckIndexer(ctx context.Context) error
}

// BitcoinGateway hands out a pending BitcoinPayment; confirmation comes from
// the monitor, never from a webhook.
type BitcoinGateway struct {
	issuer  BitcoinIssuer
	network string
}

func NewBitcoinGateway(issuer BitcoinIssuer, network string) *BitcoinGateway {
	return &BitcoinGateway{issuer: issuer, network: network}
}

func (g *BitcoinGateway) Provider() string { return models.MethodBitcoin }
func (g *BitcoinGateway) Kind() Kind       { return KindBitcoin }

func (g *BitcoinGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payment, err := g.issuer.CreatePayment(ctx, req.InvoiceId, req.TenantId, req.PropertyId, req.Amount)
	if err != nil {
		return nil, err
	}
	return &InitiateResult{
		TransactionId:  payment.Id,
		Status:         StatusPending,
		DepositAddress: payment.Address,
		BitcoinPayment: payment,
	}, nil
}

func (g *BitcoinGateway) VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error) {
	payment, err := g.issuer.GetPayment(ctx, transactionId)
	if err != nil {
		return "", err
	}
	switch payment.Status {
	case models.BitcoinConfirmed:
		return StatusSucceeded, nil
	case models.BitcoinExpired:
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

func (g *BitcoinGateway) RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error) {
	return nil, fmt.Errorf("%w: bitcoin refunds must be processed manually", store.ErrNotReversible)
}

func (g *BitcoinGateway) ClientConfig(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"network": g.network}, nil
}

func (g *BitcoinGateway) VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error) {
	return &WebhookEvent{EventType: EventPollCheck}, nil
}

func (g *BitcoinGateway) TestConnection(ctx context.Context) error {
	return g.issuer.CheckIndexer(ctx)
}
