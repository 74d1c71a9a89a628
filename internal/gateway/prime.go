package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PrimeClient is the part of the Coinbase Prime API the wallet gateway uses.
type PrimeClient interface {
	ListPortfolios(ctx context.Context) ([]models.Portfolio, error)
	CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error)
	ListWalletDeposits(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeDeposit, error)
}

// PrimeGateway collects stablecoin payments into a Prime wallet. Every
// payment gets its own deposit address, which doubles as its transaction id,
// and is confirmed by polling the wallet's deposits.
type PrimeGateway struct {
	client      PrimeClient
	portfolioId string
	walletId    string
	asset       string
	network     string
	lookback    time.Duration
	now         func() time.Time
}

func NewPrimeGateway(client PrimeClient, cfg models.PrimeConfig) *PrimeGateway {
	return &PrimeGateway{
		client:      client,
		portfolioId: cfg.PortfolioId,
		walletId:    cfg.WalletId,
		asset:       cfg.Asset,
		network:     cfg.NetworkId,
		lookback:    7 * 24 * time.Hour,
		now:         time.Now,
	}
}

func (g *PrimeGateway) Provider() string { return "prime" }
func (g *PrimeGateway) Kind() Kind       { return KindRedirect }

func (g *PrimeGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidAmount, req.Amount.String())
	}
	address, err := g.client.CreateDepositAddress(ctx, g.portfolioId, g.walletId, g.asset, g.network)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Prime deposit address issued",
		zap.String("invoice_id", req.InvoiceId),
		zap.String("address", address.Address),
		zap.String("asset", g.asset),
		zap.String("amount", req.Amount.String()))

	return &InitiateResult{
		TransactionId:  address.Address,
		Status:         StatusPending,
		DepositAddress: address.Address,
	}, nil
}

func (g *PrimeGateway) VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error) {
	deposits, err := g.client.ListWalletDeposits(ctx, g.portfolioId, g.walletId, g.now().Add(-g.lookback))
	if err != nil {
		return "", err
	}

	status := StatusPending
	for _, d := range deposits {
		if d.Address != transactionId {
			continue
		}
		switch {
		case d.Status == models.PrimeImported:
			return StatusSucceeded, nil
		case d.Status == models.PrimeImportPending:
			status = StatusPending
		case strings.HasSuffix(d.Status, "FAILED"), strings.HasSuffix(d.Status, "REJECTED"),
			strings.HasSuffix(d.Status, "CANCELLED"), strings.HasSuffix(d.Status, "EXPIRED"):
			status = StatusFailed
		}
	}
	return status, nil
}

func (g *PrimeGateway) RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error) {
	return nil, fmt.Errorf("%w: prime deposits are refunded manually", store.ErrNotReversible)
}

func (g *PrimeGateway) ClientConfig(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{
		"asset":   g.asset,
		"network": g.network,
	}, nil
}

func (g *PrimeGateway) VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error) {
	return &WebhookEvent{EventType: EventPollCheck}, nil
}

func (g *PrimeGateway) TestConnection(ctx context.Context) error {
	_, err := g.client.ListPortfolios(ctx)
	return err
}
