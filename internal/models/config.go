package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Logging  LoggingConfig
	Bitcoin  BitcoinConfig
	Gateways GatewaysConfig
	Rewards  RewardsConfig
	Workers  WorkersConfig
	Formance FormanceConfig
	Prime    PrimeConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	JWTSecret       string
	JWTIssuer       string
	RateLimitPerSec float64
	RateLimitBurst  int
}

// LoggingConfig controls the optional rotating log file
type LoggingConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

// BitcoinConfig holds defaults for wallets and the external services the monitor polls
type BitcoinConfig struct {
	IndexerURL            string
	PriceURL              string
	PriceTTL              time.Duration
	PollInterval          time.Duration
	HTTPTimeout           time.Duration
	IndexerRatePerSec     float64
	Network               string
	PaymentWindow         time.Duration
	RequiredConfirmations int
	ToleranceSatoshis     int64
}

// GatewaysConfig holds credentials for every supported processor
type GatewaysConfig struct {
	DefaultProvider string
	HTTPTimeout     time.Duration
	Stripe          StripeConfig
	AuthorizeNet    AuthorizeNetConfig
	PlaidACH        PlaidACHConfig
}

// StripeConfig holds card processor credentials
type StripeConfig struct {
	BaseURL          string
	SecretKey        string
	PublishableKey   string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// AuthorizeNetConfig holds card processor credentials
type AuthorizeNetConfig struct {
	Endpoint       string
	LoginID        string
	TransactionKey string
	SignatureKey   string
	ClientKey      string
}

// PlaidACHConfig holds bank-transfer credentials
type PlaidACHConfig struct {
	PlaidBaseURL         string
	PlaidClientID        string
	PlaidSecret          string
	StripeBaseURL        string
	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
}

// RewardsConfig holds reward evaluator settings
type RewardsConfig struct {
	SeedFile      string
	SweepInterval time.Duration
}

// WorkersConfig holds intervals for the background sweeps
type WorkersConfig struct {
	AutoApplyInterval time.Duration
	OverdueInterval   time.Duration
	ReconcileInterval time.Duration
	MinAutoApply      decimal.Decimal
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
	BatchSize    int
}

// PrimeConfig holds Coinbase Prime credentials for the wallet gateway
type PrimeConfig struct {
	AccessKey   string
	Passphrase  string
	SigningKey  string
	PortfolioId string
	WalletId    string
	NetworkId   string
	Asset       string
}

// Enabled reports whether Prime credentials are present
func (c PrimeConfig) Enabled() bool {
	return c.AccessKey != "" && c.Passphrase != "" && c.SigningKey != ""
}
