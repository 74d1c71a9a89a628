package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaidACH_InitiateIsPending(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/item/public_token/exchange":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "plaid-client", r.Header.Get("Plaid-Client-Id"))
			assert.Equal(t, "plaid-secret", r.Header.Get("Plaid-Secret"))
			assert.Equal(t, "public-sandbox-1", body["public_token"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"access-sandbox-1","item_id":"item-1","request_id":"req-1"}`)
		case "/processor/stripe/bank_account_token/create":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "access-sandbox-1", body["access_token"])
			assert.Equal(t, "acc_1", body["account_id"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"stripe_bank_account_token":"btok_1","request_id":"req-2"}`)
		case "/v1/payment_intents":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "us_bank_account", r.PostForm.Get("payment_method_types[0]"))
			assert.Equal(t, "btok_1", r.PostForm.Get("payment_method_data[us_bank_account][financial_connections_account]"))
			fmt.Fprint(w, `{"id":"pi_ach","status":"processing","client_secret":"secret"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := NewPlaidACHGateway(models.PlaidACHConfig{
		PlaidBaseURL:    server.URL,
		PlaidClientID:   "plaid-client",
		PlaidSecret:     "plaid-secret",
		StripeBaseURL:   server.URL,
		StripeSecretKey: "sk_test",
	}, server.Client())

	result, err := g.InitiatePayment(context.Background(), InitiateRequest{
		InvoiceId: "inv1",
		Amount:    decimal.NewFromInt(1200),
		Metadata:  map[string]string{"public_token": "public-sandbox-1", "account_id": "acc_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_ach", result.TransactionId)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, []string{"/item/public_token/exchange", "/processor/stripe/bank_account_token/create", "/v1/payment_intents"}, paths)
}

func TestPlaidACH_RetriesPlaidOutage(t *testing.T) {
	var exchanges int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/link/token/create":
			if atomic.AddInt32(&exchanges, 1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"error_type":"API_ERROR","error_code":"INTERNAL_SERVER_ERROR","error_message":"try again","request_id":"req-1"}`)
				return
			}
			fmt.Fprint(w, `{"link_token":"link-sandbox-1","expiration":"2026-01-01T00:00:00Z","request_id":"req-2"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := NewPlaidACHGateway(models.PlaidACHConfig{
		PlaidBaseURL:         server.URL,
		PlaidClientID:        "plaid-client",
		PlaidSecret:          "plaid-secret",
		StripeBaseURL:        server.URL,
		StripePublishableKey: "pk_test",
	}, server.Client())
	g.retry = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 2}

	cfg, err := g.ClientConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "link-sandbox-1", cfg["link_token"])
	assert.Equal(t, "pk_test", cfg["stripe_publishable_key"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&exchanges))
}

func TestPlaidACH_DoesNotRetryInvalidRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error_type":"INVALID_INPUT","error_code":"INVALID_PUBLIC_TOKEN","error_message":"bad token","request_id":"req-1"}`)
	}))
	defer server.Close()

	g := NewPlaidACHGateway(models.PlaidACHConfig{PlaidBaseURL: server.URL, StripeBaseURL: server.URL}, server.Client())
	g.retry = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 2}

	_, err := g.InitiatePayment(context.Background(), InitiateRequest{
		InvoiceId: "inv1",
		Amount:    decimal.NewFromInt(5),
		Metadata:  map[string]string{"public_token": "bad", "account_id": "acc_1"},
	})
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPlaidACH_RequiresTokens(t *testing.T) {
	g := NewPlaidACHGateway(models.PlaidACHConfig{}, http.DefaultClient)
	_, err := g.InitiatePayment(context.Background(), InitiateRequest{InvoiceId: "inv1", Amount: decimal.NewFromInt(5)})
	assert.Error(t, err)
}
