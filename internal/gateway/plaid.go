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

	"github.com/plaid/plaid-go/v29/plaid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// PlaidACHGateway links a bank account through Plaid and debits it with a
// Stripe us_bank_account PaymentIntent. ACH settles over several days, so a
// successful initiate is always pending.
type PlaidACHGateway struct {
	plaid          *plaid.APIClient
	stripe         *stripeClient
	retry          retry.Policy
	publishableKey string
	webhookSecret  string
}

func NewPlaidACHGateway(cfg models.PlaidACHConfig, httpClient *http.Client) *PlaidACHGateway {
	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.PlaidClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.PlaidSecret)
	if cfg.PlaidBaseURL != "" {
		configuration.Servers = plaid.ServerConfigurations{
			{URL: strings.TrimRight(cfg.PlaidBaseURL, "/"), Description: "Plaid API"},
		}
	}
	configuration.HTTPClient = httpClient

	return &PlaidACHGateway{
		plaid:          plaid.NewAPIClient(configuration),
		stripe:         newStripeClient(cfg.StripeBaseURL, cfg.StripeSecretKey, httpClient),
		retry:          retry.DefaultPolicy(),
		publishableKey: cfg.StripePublishableKey,
		webhookSecret:  cfg.StripeWebhookSecret,
	}
}

func (g *PlaidACHGateway) Provider() string { return "plaid_ach" }
func (g *PlaidACHGateway) Kind() Kind       { return KindBank }

// plaidFailure keeps Plaid's error code and marks 429, 5xx and transport
// failures as retryable.
func plaidFailure(op string, resp *http.Response, err error) error {
	msg := err.Error()
	if perr, convErr := plaid.ToPlaidError(err); convErr == nil && perr.ErrorCode != "" {
		msg = fmt.Sprintf("(%s) %s", perr.ErrorCode, perr.ErrorMessage)
	}
	failure := fmt.Errorf("plaid %s failed: %s", op, msg)
	switch {
	case resp == nil:
		if retry.IsNetworkError(err) {
			return retry.Transient(fmt.Errorf("plaid %s failed: %w", op, err))
		}
		return fmt.Errorf("plaid %s failed: %w", op, err)
	case retry.RetryableStatus(resp.StatusCode):
		return retry.Transient(failure)
	default:
		return failure
	}
}

// callPlaid runs one Plaid request under the retry policy.
func callPlaid[T any](ctx context.Context, p retry.Policy, op string, execute func() (T, *http.Response, error)) (T, error) {
	return retry.DoValue(ctx, p, "plaid."+op, func() (T, error) {
		result, resp, err := execute()
		if err != nil {
			return result, plaidFailure(op, resp, err)
		}
		return result, nil
	})
}

func (g *PlaidACHGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidAmount, req.Amount.String())
	}
	publicToken := req.Metadata["public_token"]
	accountId := req.Metadata["account_id"]
	if publicToken == "" || accountId == "" {
		return nil, fmt.Errorf("public_token and account_id are required for bank payments")
	}

	exchange, err := callPlaid(ctx, g.retry, "public_token_exchange", func() (plaid.ItemPublicTokenExchangeResponse, *http.Response, error) {
		return g.plaid.PlaidApi.ItemPublicTokenExchange(ctx).
			ItemPublicTokenExchangeRequest(*plaid.NewItemPublicTokenExchangeRequest(publicToken)).
			Execute()
	})
	if err != nil {
		return nil, err
	}

	processor, err := callPlaid(ctx, g.retry, "stripe_bank_account_token", func() (plaid.ProcessorStripeBankAccountTokenCreateResponse, *http.Response, error) {
		return g.plaid.PlaidApi.ProcessorStripeBankAccountTokenCreate(ctx).
			ProcessorStripeBankAccountTokenCreateRequest(*plaid.NewProcessorStripeBankAccountTokenCreateRequest(exchange.GetAccessToken(), accountId)).
			Execute()
	})
	if err != nil {
		return nil, err
	}

	params := intentParams(req)
	params.PaymentMethodTypes = stripe.StringSlice([]string{"us_bank_account"})
	params.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{
		Type: stripe.String("us_bank_account"),
		USBankAccount: &stripe.PaymentIntentPaymentMethodDataUSBankAccountParams{
			FinancialConnectionsAccount: stripe.String(processor.GetStripeBankAccountToken()),
		},
	}

	intent, err := g.stripe.createPaymentIntent(ctx, params, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if intentStatus(intent.Status) == StatusFailed {
		return nil, fmt.Errorf("%w: %s", store.ErrGatewayDeclined, intent.Status)
	}

	zap.L().Info("ACH payment initiated",
		zap.String("invoice_id", req.InvoiceId),
		zap.String("intent_id", intent.ID),
		zap.String("amount", req.Amount.String()))

	return &InitiateResult{
		TransactionId: intent.ID,
		Status:        StatusPending,
		ClientSecret:  intent.ClientSecret,
	}, nil
}

func (g *PlaidACHGateway) VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error) {
	intent, err := g.stripe.getPaymentIntent(ctx, transactionId)
	if err != nil {
		return "", err
	}
	return intentStatus(intent.Status), nil
}

func (g *PlaidACHGateway) RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error) {
	return g.stripe.refund(ctx, transactionId, amount)
}

// ClientConfig creates a Link token for the bank account picker.
func (g *PlaidACHGateway) ClientConfig(ctx context.Context) (map[string]interface{}, error) {
	request := plaid.NewLinkTokenCreateRequest(
		"Rent Ledger",
		"en",
		[]plaid.CountryCode{plaid.COUNTRYCODE_US},
		plaid.LinkTokenCreateRequestUser{ClientUserId: "rent-ledger"},
	)
	request.SetProducts([]plaid.Products{plaid.PRODUCTS_AUTH})

	link, err := callPlaid(ctx, g.retry, "link_token_create", func() (plaid.LinkTokenCreateResponse, *http.Response, error) {
		return g.plaid.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"link_token":             link.GetLinkToken(),
		"stripe_publishable_key": g.publishableKey,
	}, nil
}

func (g *PlaidACHGateway) VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error) {
	return parseStripeEvent(header, body, g.webhookSecret, 5*time.Minute)
}

func (g *PlaidACHGateway) TestConnection(ctx context.Context) error {
	var errs []error
	request := plaid.NewInstitutionsGetByIdRequest("ins_109508", []plaid.CountryCode{plaid.COUNTRYCODE_US})
	_, err := callPlaid(ctx, g.retry, "institutions_get_by_id", func() (plaid.InstitutionsGetByIdResponse, *http.Response, error) {
		return g.plaid.PlaidApi.InstitutionsGetById(ctx).InstitutionsGetByIdRequest(*request).Execute()
	})
	if err != nil {
		errs = append(errs, err)
	}
	if err := g.stripe.ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stripe: %w", err))
	}
	return errors.Join(errs...)
}
