package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bitcoin.PriceTTL != 5*time.Minute {
		t.Errorf("Expected price TTL 5m, got %v", cfg.Bitcoin.PriceTTL)
	}
	if cfg.Bitcoin.PaymentWindow != time.Hour {
		t.Errorf("Expected payment window 1h, got %v", cfg.Bitcoin.PaymentWindow)
	}
	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("Expected 25 open conns, got %d", cfg.Database.MaxOpenConns)
	}
	if !cfg.Workers.MinAutoApply.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Expected min auto apply 0.01, got %s", cfg.Workers.MinAutoApply.String())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BTC_POLL_INTERVAL", "30s")
	t.Setenv("BTC_NETWORK", "testnet")
	t.Setenv("API_RATE_LIMIT_PER_SEC", "2.5")
	t.Setenv("WORKER_MIN_AUTO_APPLY", "1.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bitcoin.PollInterval != 30*time.Second {
		t.Errorf("Expected poll interval 30s, got %v", cfg.Bitcoin.PollInterval)
	}
	if cfg.Bitcoin.Network != "testnet" {
		t.Errorf("Expected testnet, got %s", cfg.Bitcoin.Network)
	}
	if cfg.Server.RateLimitPerSec != 2.5 {
		t.Errorf("Expected rate 2.5, got %v", cfg.Server.RateLimitPerSec)
	}
	if !cfg.Workers.MinAutoApply.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("Expected min auto apply 1.25, got %s", cfg.Workers.MinAutoApply.String())
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "BTC_PRICE_TTL", "five minutes"},
		{"bad decimal", "WORKER_MIN_AUTO_APPLY", "one cent"},
		{"bad network", "BTC_NETWORK", "regtest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
