package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrimeClient struct {
	deposits []models.PrimeDeposit
	issued   int
}

func (f *fakePrimeClient) ListPortfolios(ctx context.Context) ([]models.Portfolio, error) {
	return []models.Portfolio{{Id: "p1", Name: "Default Portfolio"}}, nil
}

func (f *fakePrimeClient) CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error) {
	f.issued++
	return &models.DepositAddress{Id: "acct", Address: "0xabc", Network: network, Asset: asset}, nil
}

func (f *fakePrimeClient) ListWalletDeposits(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeDeposit, error) {
	return f.deposits, nil
}

func TestPrime_DepositLifecycle(t *testing.T) {
	client := &fakePrimeClient{}
	g := NewPrimeGateway(client, models.PrimeConfig{PortfolioId: "p1", WalletId: "w1", Asset: "USDC", NetworkId: "base-mainnet"})

	result, err := g.InitiatePayment(context.Background(), InitiateRequest{InvoiceId: "inv1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", result.TransactionId)
	assert.Equal(t, StatusPending, result.Status)

	status, err := g.VerifyPayment(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	client.deposits = []models.PrimeDeposit{
		{Id: "d0", Address: "0xother", Status: models.PrimeImported},
		{Id: "d1", Address: "0xabc", Status: models.PrimeImportPending},
	}
	status, _ = g.VerifyPayment(context.Background(), "0xabc")
	assert.Equal(t, StatusPending, status)

	client.deposits[1].Status = models.PrimeImported
	status, _ = g.VerifyPayment(context.Background(), "0xabc")
	assert.Equal(t, StatusSucceeded, status)
}

func TestPrime_PollOnlyWebhookAndManualRefund(t *testing.T) {
	g := NewPrimeGateway(&fakePrimeClient{}, models.PrimeConfig{})

	event, err := g.VerifyWebhook(context.Background(), http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, EventPollCheck, event.EventType)

	_, err = g.RefundPayment(context.Background(), "0xabc", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, store.ErrNotReversible)
	assert.NoError(t, g.TestConnection(context.Background()))
}
