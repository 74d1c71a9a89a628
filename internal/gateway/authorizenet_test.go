package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/retry"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthorizeNet(t *testing.T, response string) (*AuthorizeNetGateway, *map[string]interface{}) {
	t.Helper()
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		fmt.Fprint(w, "\xef\xbb\xbf"+response)
	}))
	t.Cleanup(server.Close)
	return NewAuthorizeNetGateway(models.AuthorizeNetConfig{
		Endpoint:       server.URL,
		LoginID:        "login",
		TransactionKey: "txkey",
		SignatureKey:   "SIGKEY",
		ClientKey:      "client",
	}, server.Client()), &received
}

var anetRequest = InitiateRequest{
	InvoiceId: "inv1",
	Amount:    decimal.RequireFromString("650.5"),
	Metadata:  map[string]string{"data_descriptor": "COMMON.ACCEPT.INAPP.PAYMENT", "data_value": "nonce"},
}

func TestAuthorizeNet_Approved(t *testing.T) {
	g, received := newTestAuthorizeNet(t, `{"transactionResponse":{"responseCode":"1","transId":"6000001"},"messages":{"resultCode":"Ok","message":[{"code":"I00001","text":"Successful."}]}}`)

	result, err := g.InitiatePayment(context.Background(), anetRequest)
	require.NoError(t, err)
	assert.Equal(t, "6000001", result.TransactionId)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.True(t, result.Collected.Equal(decimal.RequireFromString("650.50")))

	body := (*received)["createTransactionRequest"].(map[string]interface{})
	txRequest := body["transactionRequest"].(map[string]interface{})
	assert.Equal(t, "authCaptureTransaction", txRequest["transactionType"])
	assert.Equal(t, "650.50", txRequest["amount"])
}

func TestAuthorizeNet_Declined(t *testing.T) {
	g, _ := newTestAuthorizeNet(t, `{"transactionResponse":{"responseCode":"2","transId":"0","errors":[{"errorCode":"2","errorText":"This transaction has been declined."}]},"messages":{"resultCode":"Error","message":[{"code":"E00027","text":"The transaction was unsuccessful."}]}}`)

	_, err := g.InitiatePayment(context.Background(), anetRequest)
	require.ErrorIs(t, err, store.ErrGatewayDeclined)
	assert.Contains(t, err.Error(), "has been declined")
}

func newFlakyAuthorizeNet(t *testing.T, failures int32, failStatus int, response string) (*AuthorizeNetGateway, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= failures {
			w.WriteHeader(failStatus)
			return
		}
		fmt.Fprint(w, response)
	}))
	t.Cleanup(server.Close)
	g := NewAuthorizeNetGateway(models.AuthorizeNetConfig{Endpoint: server.URL, LoginID: "login", TransactionKey: "txkey"}, server.Client())
	g.retry = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 2}
	return g, &calls
}

func TestAuthorizeNet_RetriesServerErrors(t *testing.T) {
	g, calls := newFlakyAuthorizeNet(t, 1, http.StatusBadGateway, `{"transaction":{"transactionStatus":"settledSuccessfully"},"messages":{"resultCode":"Ok"}}`)

	status, err := g.VerifyPayment(context.Background(), "6000001")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestAuthorizeNet_GivesUpAfterRetries(t *testing.T) {
	g, calls := newFlakyAuthorizeNet(t, 10, http.StatusServiceUnavailable, `{}`)

	_, err := g.InitiatePayment(context.Background(), anetRequest)
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestAuthorizeNet_DoesNotRetryClientErrors(t *testing.T) {
	g, calls := newFlakyAuthorizeNet(t, 10, http.StatusBadRequest, `{}`)

	err := g.TestConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestAuthorizeNet_VerifyPayment(t *testing.T) {
	g, _ := newTestAuthorizeNet(t, `{"transaction":{"transactionStatus":"voided"},"messages":{"resultCode":"Ok"}}`)

	status, err := g.VerifyPayment(context.Background(), "6000001")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestAuthorizeNet_VerifyWebhook(t *testing.T) {
	g, _ := newTestAuthorizeNet(t, `{}`)
	body := []byte(`{"notificationId":"n-1","eventType":"net.authorize.payment.authcapture.created","payload":{"id":"6000001","responseCode":1}}`)
	header := http.Header{}
	header.Set("X-Anet-Signature", "sha512="+ComputeAuthorizeNetSignature(body, "SIGKEY"))

	event, err := g.VerifyWebhook(context.Background(), header, body)
	require.NoError(t, err)
	assert.Equal(t, "n-1", event.EventId)
	assert.Equal(t, "6000001", event.TransactionId)
	assert.Equal(t, StatusSucceeded, event.Status)

	header.Set("X-Anet-Signature", "sha512=00")
	_, err = g.VerifyWebhook(context.Background(), header, body)
	assert.ErrorIs(t, err, store.ErrWebhookVerificationFailed)
}
