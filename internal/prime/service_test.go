package prime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rent-ledger-go/internal/retry"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := NewService(&credentials.Credentials{AccessKey: "key", Passphrase: "pass", SigningKey: "secret"}, server.Client())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	svc.client.SetBaseUrl(server.URL)
	svc.retry = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 2}
	return svc
}

func TestListPortfolios_RetriesServerErrors(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"message":"unavailable"}`)
			return
		}
		fmt.Fprint(w, `{"portfolios":[{"id":"p1","name":"Default Portfolio"}]}`)
	})

	portfolio, err := svc.FindDefaultPortfolio(context.Background())
	if err != nil {
		t.Fatalf("FindDefaultPortfolio failed: %v", err)
	}
	if portfolio.Id != "p1" || calls != 2 {
		t.Errorf("Expected portfolio p1 after one retry, got %s after %d calls", portfolio.Id, calls)
	}
}

func TestListWalletDeposits_DoesNotRetryUnauthorized(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid signature"}`)
	})

	if _, err := svc.ListWalletDeposits(context.Background(), "p1", "w1", time.Now().Add(-time.Hour)); err == nil {
		t.Fatal("Expected error for unauthorized response")
	}
	if calls != 1 {
		t.Errorf("Expected a single call for a 401, got %d", calls)
	}
}

func TestCreateDepositAddress_RunsOnce(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	if _, err := svc.CreateDepositAddress(context.Background(), "p1", "w1", "USDC", "ethereum-mainnet"); err == nil {
		t.Fatal("Expected error for bad gateway")
	}
	if calls != 1 {
		t.Errorf("Expected address creation to run once, got %d calls", calls)
	}
}
