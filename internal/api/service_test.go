package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rent-ledger-go/internal/database"
	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/notify"
	"rent-ledger-go/internal/rewards"
	"rent-ledger-go/internal/settlement"
	"rent-ledger-go/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret        = "test-secret"
	testIssuer        = "rent-ledger"
	testWebhookSecret = "whsec_test"
)

type apiFixture struct {
	db      *database.Service
	service *LedgerService
	handler http.Handler
}

func setupAPI(t *testing.T, cfg models.ServerConfig) *apiFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, PingTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	m := metrics.New()
	outbox := notify.NewOutbox(db)
	locks := store.NewKeyedMutex()

	registry := gateway.NewRegistry("stripe")
	registry.Register(gateway.NewManualGateway())
	registry.Register(gateway.NewStripeGateway(models.StripeConfig{
		BaseURL:       "http://127.0.0.1:1",
		WebhookSecret: testWebhookSecret,
	}, &http.Client{Timeout: time.Second}))

	evaluator := rewards.NewEvaluator(db, outbox, m)
	engine := settlement.NewEngine(db, registry, evaluator, outbox, m, locks)

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = testIssuer
	}

	service := NewLedgerService(cfg, Deps{
		Store:    db,
		Engine:   engine,
		Sweeper:  rewards.NewSweeper(evaluator, locks, time.Hour),
		Outbox:   outbox,
		Gateways: registry,
		Metrics:  m,
	})
	return &apiFixture{db: db, service: service, handler: service.Router()}
}

func token(t *testing.T, subject, role, issuer string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iss":  issuer,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:4321"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createInvoice(t *testing.T, id, tenantId string, total int64) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/invoices", token(t, "billing", "service", testIssuer), map[string]interface{}{
		"id":             id,
		"invoice_number": "INV-" + id,
		"tenant_id":      tenantId,
		"property_id":    "property-1",
		"total_amount":   decimal.NewFromInt(total),
		"issue_date":     "2026-03-01",
		"due_date":       "2026-03-05",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthz(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuthentication(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})

	rec := f.do(t, http.MethodGet, "/v1/tenants/tenant-1/balances", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/balances", token(t, "tenant-1", "tenant", "someone-else"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/balances", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/balances", token(t, "tenant-1", "tenant", testIssuer), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-2/balances", token(t, "tenant-1", "tenant", testIssuer), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvoiceAccess(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/v1/invoices", token(t, "tenant-1", "tenant", testIssuer), map[string]interface{}{
		"tenant_id": "tenant-1", "property_id": "property-1", "total_amount": "100", "due_date": "2026-03-05",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.createInvoice(t, "inv-1", "tenant-1", 1200)

	rec = f.do(t, http.MethodGet, "/v1/invoices/inv-1", token(t, "tenant-1", "tenant", testIssuer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status     string          `json:"status"`
		BalanceDue decimal.Decimal `json:"balance_due"`
		Payments   []interface{}   `json:"payments"`
	}
	decode(t, rec, &body)
	assert.Equal(t, models.InvoiceIssued, body.Status)
	assert.True(t, body.BalanceDue.Equal(decimal.NewFromInt(1200)))
	assert.Empty(t, body.Payments)

	rec = f.do(t, http.MethodGet, "/v1/invoices/inv-1", token(t, "tenant-2", "tenant", testIssuer), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/invoices/missing", token(t, "admin-1", "admin", testIssuer), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualOverpaymentThenCreditSettlement(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	admin := token(t, "admin-1", "admin", testIssuer)
	tenant := token(t, "tenant-1", "tenant", testIssuer)

	f.createInvoice(t, "inv-1", "tenant-1", 200)
	f.createInvoice(t, "inv-2", "tenant-1", 80)

	rec := f.do(t, http.MethodPost, "/v1/invoices/inv-1/manual-payments", tenant, map[string]interface{}{"amount": "300"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/invoices/inv-1/manual-payments", admin, map[string]interface{}{
		"amount": "300", "reference_number": "CHK-1001", "notes": "check",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var manual models.SettlementResult
	decode(t, rec, &manual)
	assert.Equal(t, models.InvoicePaid, manual.InvoiceStatus)
	assert.True(t, manual.Overpayment.Equal(decimal.NewFromInt(100)), manual.Overpayment.String())

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/balances", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balances models.TenantBalances
	decode(t, rec, &balances)
	assert.True(t, balances.Credit.Balance.Equal(decimal.NewFromInt(100)), balances.Credit.Balance.String())

	rec = f.do(t, http.MethodPost, "/v1/invoices/inv-2/settle", tenant, map[string]interface{}{"method": "credit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var settled models.SettlementResult
	decode(t, rec, &settled)
	assert.Equal(t, models.InvoicePaid, settled.InvoiceStatus)
	assert.True(t, settled.CreditApplied.Equal(decimal.NewFromInt(80)))
	assert.Nil(t, settled.Failure)

	rec = f.do(t, http.MethodPost, "/v1/invoices/inv-2/settle", tenant, map[string]interface{}{"method": "credit"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/transactions?store=credit", tenant, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var transactions []models.MonetaryTransaction
	decode(t, rec, &transactions)
	assert.Len(t, transactions, 2)

	rec = f.do(t, http.MethodGet, "/v1/tenants/tenant-1/transactions?store=bogus", tenant, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleRejectsNegativeAmount(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	f.createInvoice(t, "inv-1", "tenant-1", 100)

	rec := f.do(t, http.MethodPost, "/v1/invoices/inv-1/settle", token(t, "tenant-1", "tenant", testIssuer), map[string]interface{}{
		"method": "manual", "requested_amount": "-5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_amount")
}

func TestSettleRefusesManualMethod(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	f.createInvoice(t, "inv-1", "tenant-1", 100)

	for _, bearer := range []string{
		token(t, "tenant-1", "tenant", testIssuer),
		token(t, "admin-1", "admin", testIssuer),
	} {
		rec := f.do(t, http.MethodPost, "/v1/invoices/inv-1/settle", bearer, map[string]interface{}{
			"method": "manual", "requested_amount": "10000",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "method_not_allowed")
	}

	invoice, err := f.db.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceIssued, invoice.Status)
	assert.True(t, invoice.AmountPaid.IsZero(), invoice.AmountPaid.String())

	credit, err := f.db.GetBalance(context.Background(), "tenant-1", models.StoreCredit)
	require.NoError(t, err)
	assert.True(t, credit.Balance.IsZero(), credit.Balance.String())
}

func TestAdminRewardRoutes(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	admin := token(t, "admin-1", "admin", testIssuer)
	tenant := token(t, "tenant-1", "tenant", testIssuer)

	rec := f.do(t, http.MethodPost, "/v1/admin/rewards/grant", tenant, map[string]interface{}{"tenant_id": "tenant-1", "amount": "50"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/rewards/grant", admin, map[string]interface{}{
		"tenant_id": "tenant-1", "amount": "50", "description": "Welcome bonus",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/admin/rewards/grant", admin, map[string]interface{}{"tenant_id": "tenant-1", "amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/rewards/adjust", admin, map[string]interface{}{
		"tenant_id": "tenant-1", "amount": "-20", "reason": "duplicate grant",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/admin/rewards/adjust", admin, map[string]interface{}{"tenant_id": "tenant-1", "amount": "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	balance, err := f.db.GetBalance(context.Background(), "tenant-1", models.StoreReward)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(30)), balance.Balance.String())

	rec = f.do(t, http.MethodPost, "/v1/admin/rewards/evaluate", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary rewards.SweepSummary
	decode(t, rec, &summary)
	assert.False(t, summary.Skipped)

	rec = f.do(t, http.MethodGet, "/v1/notifications?after=0", token(t, "mailer", "service", testIssuer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var notifications []models.Notification
	decode(t, rec, &notifications)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.NotifyRewardGranted, notifications[0].Kind)

	rec = f.do(t, http.MethodGet, "/v1/notifications?after=abc", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/notifications", tenant, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRefundRoutes(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	admin := token(t, "admin-1", "admin", testIssuer)

	rec := f.do(t, http.MethodPost, "/v1/payments/missing/refund", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.createInvoice(t, "inv-1", "tenant-1", 100)
	_, err := f.db.GrantReward(context.Background(), store.GrantRewardParams{
		TenantId: "tenant-1", Amount: decimal.NewFromInt(40), Source: models.RewardSourceManual, Description: "seed",
	})
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/v1/invoices/inv-1/settle", token(t, "tenant-1", "tenant", testIssuer), map[string]interface{}{
		"method": "reward", "apply_rewards": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result models.SettlementResult
	decode(t, rec, &result)
	require.Len(t, result.Applications, 1)
	paymentId := result.Applications[0].PaymentId

	rec = f.do(t, http.MethodPost, "/v1/payments/"+paymentId+"/refund", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refund models.RefundResult
	decode(t, rec, &refund)
	assert.True(t, refund.Success)

	rec = f.do(t, http.MethodPost, "/v1/payments/"+paymentId+"/refund", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminOperationalRoutes(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	admin := token(t, "admin-1", "admin", testIssuer)

	rec := f.do(t, http.MethodGet, "/v1/admin/anomalies", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/admin/gateways/manual/test", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var test gatewayTestResponse
	decode(t, rec, &test)
	assert.True(t, test.Ok)
	assert.Equal(t, "manual", test.Kind)

	rec = f.do(t, http.MethodGet, "/v1/admin/gateways/nope/test", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/bitcoin-payments/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRoute(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_unknown","object":"payment_intent","status":"succeeded"}}}`)
	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signature)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(gateway.SignStripePayload(payload, testWebhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome settlement.WebhookOutcome
	decode(t, rec, &outcome)
	assert.Equal(t, models.WebhookProcessed, outcome.Status)

	rec = send(gateway.SignStripePayload(payload, testWebhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &outcome)
	assert.Equal(t, models.WebhookDuplicate, outcome.Status)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/unknown", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	events, err := f.db.ListWebhookEvents(context.Background(), "stripe", 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRateLimit(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{RateLimitPerSec: 0.001, RateLimitBurst: 2})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupAPI(t, models.ServerConfig{})
	f.do(t, http.MethodGet, "/healthz", "", nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/healthz")
}
