package bitcoin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rent-ledger-go/internal/retry"

	"golang.org/x/time/rate"
)

func newTestIndexer(t *testing.T, mux *http.ServeMux) *MempoolIndexer {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	idx := NewMempoolIndexer(server.URL, server.Client(), 0)
	idx.limiter = rate.NewLimiter(rate.Inf, 1)
	idx.retry = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 2}
	return idx
}

func TestMempoolIndexer_ConfirmedAndMempool(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/address/bc1qaddr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chain_stats":{"funded_txo_sum":150000,"tx_count":1},"mempool_stats":{"funded_txo_sum":50000,"tx_count":1}}`)
	})
	mux.HandleFunc("/address/bc1qaddr/txs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"txid":"newer","status":{"confirmed":false},"vout":[{"scriptpubkey_address":"bc1qaddr","value":50000}]},
			{"txid":"older","status":{"confirmed":true,"block_height":800000},"vout":[{"scriptpubkey_address":"bc1qchange","value":9},{"scriptpubkey_address":"bc1qaddr","value":150000}]}
		]`)
	})
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "800002")
	})

	obs, err := newTestIndexer(t, mux).Observe(context.Background(), "bc1qaddr")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if obs.ReceivedSatoshis != 200000 {
		t.Errorf("Expected 200000 sats, got %d", obs.ReceivedSatoshis)
	}
	if obs.TxId != "older" {
		t.Errorf("Expected earliest funding txid, got %s", obs.TxId)
	}
	if obs.Confirmations != 0 {
		t.Errorf("Expected 0 confirmations while a funding tx is unconfirmed, got %d", obs.Confirmations)
	}
}

func TestMempoolIndexer_Confirmations(t *testing.T) {
	tipCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/address/bc1qaddr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chain_stats":{"funded_txo_sum":200000,"tx_count":1},"mempool_stats":{"funded_txo_sum":0,"tx_count":0}}`)
	})
	mux.HandleFunc("/address/bc1qaddr/txs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"txid":"tx1","status":{"confirmed":true,"block_height":800000},"vout":[{"scriptpubkey_address":"bc1qaddr","value":200000}]}]`)
	})
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		tipCalls++
		fmt.Fprint(w, "800000\n")
	})

	obs, err := newTestIndexer(t, mux).Observe(context.Background(), "bc1qaddr")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if obs.Confirmations != 1 {
		t.Errorf("Expected 1 confirmation in the tip block, got %d", obs.Confirmations)
	}
	if tipCalls != 1 {
		t.Errorf("Expected one tip lookup, got %d", tipCalls)
	}
}

func TestMempoolIndexer_UnusedAddress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/address/bc1qaddr", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chain_stats":{"funded_txo_sum":0},"mempool_stats":{"funded_txo_sum":0}}`)
	})
	mux.HandleFunc("/address/bc1qaddr/txs", func(w http.ResponseWriter, r *http.Request) {
		t.Error("txs must not be fetched for an unused address")
	})

	obs, err := newTestIndexer(t, mux).Observe(context.Background(), "bc1qaddr")
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if obs.Seen() {
		t.Errorf("Expected nothing seen")
	}
}

func TestMempoolIndexer_Errors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/address/bc1qaddr", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not-a-number")
	})
	idx := newTestIndexer(t, mux)

	if _, err := idx.Observe(context.Background(), "bc1qaddr"); err == nil {
		t.Errorf("Expected error on non-200 response")
	}
	if _, err := idx.TipHeight(context.Background()); err == nil {
		t.Errorf("Expected error on malformed tip height")
	}
}

func TestMempoolIndexer_RetriesServerErrors(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "800100")
	})

	height, err := newTestIndexer(t, mux).TipHeight(context.Background())
	if err != nil {
		t.Fatalf("TipHeight failed: %v", err)
	}
	if height != 800100 || calls != 3 {
		t.Errorf("Expected height 800100 after two retries, got %d after %d calls", height, calls)
	}
}

func TestMempoolIndexer_RateLimitRetriesThenFails(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/address/bc1qaddr", func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	if _, err := newTestIndexer(t, mux).Observe(context.Background(), "bc1qaddr"); err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("Expected 1 call plus 2 retries, got %d", calls)
	}
}
