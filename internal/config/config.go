/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"rent-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// durations collects parse errors so Load can report the first bad variable.
type durations struct {
	err error
}

func (d *durations) get(key string, defaultValue time.Duration) time.Duration {
	value, err := getEnvDuration(key, defaultValue)
	if err != nil && d.err == nil {
		d.err = err
	}
	return value
}

func Load() (*models.Config, error) {
	d := &durations{}

	minAutoApply, err := getEnvDecimal("WORKER_MIN_AUTO_APPLY", decimal.RequireFromString("0.01"))
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "ledger.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: d.get("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: d.get("DB_CONN_MAX_IDLE_TIME", 30*time.Second),
			PingTimeout:     d.get("DB_PING_TIMEOUT", 5*time.Second),
		},
		Server: models.ServerConfig{
			Addr:            getEnvString("SERVER_ADDR", ":8080"),
			ReadTimeout:     d.get("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    d.get("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: d.get("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			JWTSecret:       getEnvString("JWT_SECRET", ""),
			JWTIssuer:       getEnvString("JWT_ISSUER", "rent-ledger"),
			RateLimitPerSec: getEnvFloat("API_RATE_LIMIT_PER_SEC", 10),
			RateLimitBurst:  getEnvInt("API_RATE_LIMIT_BURST", 20),
		},
		Logging: models.LoggingConfig{
			File:       getEnvString("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
			Debug:      getEnvBool("LOG_DEBUG", false),
		},
		Bitcoin: models.BitcoinConfig{
			IndexerURL:            getEnvString("BTC_INDEXER_URL", "https://mempool.space/api"),
			PriceURL:              getEnvString("BTC_PRICE_URL", "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"),
			PriceTTL:              d.get("BTC_PRICE_TTL", 5*time.Minute),
			PollInterval:          d.get("BTC_POLL_INTERVAL", 2*time.Minute),
			HTTPTimeout:           d.get("BTC_HTTP_TIMEOUT", 10*time.Second),
			IndexerRatePerSec:     getEnvFloat("BTC_INDEXER_RATE_PER_SEC", 2),
			Network:               getEnvString("BTC_NETWORK", "mainnet"),
			PaymentWindow:         d.get("BTC_PAYMENT_WINDOW", 60*time.Minute),
			RequiredConfirmations: getEnvInt("BTC_REQUIRED_CONFIRMATIONS", 1),
			ToleranceSatoshis:     int64(getEnvInt("BTC_TOLERANCE_SATOSHIS", 0)),
		},
		Gateways: models.GatewaysConfig{
			DefaultProvider: getEnvString("GATEWAY_DEFAULT_PROVIDER", "stripe"),
			HTTPTimeout:     d.get("GATEWAY_HTTP_TIMEOUT", 10*time.Second),
			Stripe: models.StripeConfig{
				BaseURL:          getEnvString("STRIPE_BASE_URL", "https://api.stripe.com"),
				SecretKey:        getEnvString("STRIPE_SECRET_KEY", ""),
				PublishableKey:   getEnvString("STRIPE_PUBLISHABLE_KEY", ""),
				WebhookSecret:    getEnvString("STRIPE_WEBHOOK_SECRET", ""),
				WebhookTolerance: d.get("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			},
			AuthorizeNet: models.AuthorizeNetConfig{
				Endpoint:       getEnvString("AUTHORIZENET_ENDPOINT", "https://apitest.authorize.net/xml/v1/request.api"),
				LoginID:        getEnvString("AUTHORIZENET_LOGIN_ID", ""),
				TransactionKey: getEnvString("AUTHORIZENET_TRANSACTION_KEY", ""),
				SignatureKey:   getEnvString("AUTHORIZENET_SIGNATURE_KEY", ""),
				ClientKey:      getEnvString("AUTHORIZENET_CLIENT_KEY", ""),
			},
			PlaidACH: models.PlaidACHConfig{
				PlaidBaseURL:         getEnvString("PLAID_BASE_URL", "https://sandbox.plaid.com"),
				PlaidClientID:        getEnvString("PLAID_CLIENT_ID", ""),
				PlaidSecret:          getEnvString("PLAID_SECRET", ""),
				StripeBaseURL:        getEnvString("PLAID_STRIPE_BASE_URL", "https://api.stripe.com"),
				StripeSecretKey:      getEnvString("PLAID_STRIPE_SECRET_KEY", ""),
				StripePublishableKey: getEnvString("PLAID_STRIPE_PUBLISHABLE_KEY", ""),
				StripeWebhookSecret:  getEnvString("PLAID_STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Rewards: models.RewardsConfig{
			SeedFile:      getEnvString("SEED_FILE", "seed.yaml"),
			SweepInterval: d.get("REWARD_SWEEP_INTERVAL", 24*time.Hour),
		},
		Workers: models.WorkersConfig{
			AutoApplyInterval: d.get("WORKER_AUTO_APPLY_INTERVAL", time.Hour),
			OverdueInterval:   d.get("WORKER_OVERDUE_INTERVAL", time.Hour),
			ReconcileInterval: d.get("WORKER_RECONCILE_INTERVAL", 15*time.Minute),
			MinAutoApply:      minAutoApply,
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER_NAME", "rent-ledger"),
			BatchSize:    getEnvInt("FORMANCE_BATCH_SIZE", 100),
		},
		Prime: models.PrimeConfig{
			AccessKey:   getEnvString("PRIME_ACCESS_KEY", ""),
			Passphrase:  getEnvString("PRIME_PASSPHRASE", ""),
			SigningKey:  getEnvString("PRIME_SIGNING_KEY", ""),
			PortfolioId: getEnvString("PRIME_PORTFOLIO_ID", ""),
			WalletId:    getEnvString("PRIME_WALLET_ID", ""),
			NetworkId:   getEnvString("PRIME_NETWORK_ID", "bitcoin-mainnet"),
			Asset:       getEnvString("PRIME_ASSET", "USDC"),
		},
	}
	if d.err != nil {
		return nil, d.err
	}

	if cfg.Bitcoin.Network != "mainnet" && cfg.Bitcoin.Network != "testnet" {
		return nil, fmt.Errorf("invalid BTC_NETWORK %q: must be mainnet or testnet", cfg.Bitcoin.Network)
	}
	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return amount, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
