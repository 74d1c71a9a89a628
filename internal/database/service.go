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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.Store.
var _ store.Store = (*Service)(nil)

// Service is the SQLite backend. Every balance-mutating method holds the
// tenant's lock for the duration of a single SQL transaction.
type Service struct {
	db        *sql.DB
	subledger *SubledgerService
	locks     *store.KeyedMutex
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service, err := newService(db)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, err
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// newService wires a Service around an open handle and creates the schema.
func newService(db *sql.DB) (*Service, error) {
	subledger := NewSubledgerService(db)
	service := &Service{db: db, subledger: subledger, locks: store.NewKeyedMutex()}

	if err := subledger.InitSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize subledger schema: %w", err)
	}
	if err := service.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) initSchema() error {
	schema := `
	-- Invoices produced by the billing collaborator
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL,
		property_id TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		issue_date TIMESTAMP NOT NULL,
		due_date TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_tenant ON invoices(tenant_id, property_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);

	-- Payments: one row per funding source contribution
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		gateway_provider TEXT NOT NULL DEFAULT '',
		gateway_transaction_id TEXT NOT NULL DEFAULT '',
		bitcoin_payment_id TEXT NOT NULL DEFAULT '',
		reference_number TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice ON payments(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_bitcoin_payment
		ON payments(bitcoin_payment_id) WHERE bitcoin_payment_id != '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_gateway_tx
		ON payments(gateway_provider, gateway_transaction_id) WHERE gateway_transaction_id != '';

	-- Bitcoin wallets (xpub only, never private keys)
	CREATE TABLE IF NOT EXISTS bitcoin_wallets (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL DEFAULT '',
		xpub TEXT NOT NULL,
		network TEXT NOT NULL,
		next_index INTEGER NOT NULL DEFAULT 0,
		payment_window_seconds INTEGER NOT NULL,
		required_confirmations INTEGER NOT NULL,
		tolerance_satoshis INTEGER NOT NULL DEFAULT 0,
		halted BOOLEAN NOT NULL DEFAULT 0,
		halt_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bitcoin_wallets_property ON bitcoin_wallets(property_id);

	CREATE TABLE IF NOT EXISTS bitcoin_payments (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		btc_address TEXT NOT NULL UNIQUE,
		derivation_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		usd_amount TEXT NOT NULL,
		btc_usd_rate TEXT NOT NULL,
		expected_satoshis INTEGER NOT NULL,
		received_satoshis INTEGER NOT NULL DEFAULT 0,
		confirmations INTEGER NOT NULL DEFAULT 0,
		txid TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP NOT NULL,
		mempool_seen_at TIMESTAMP,
		confirmed_at TIMESTAMP,
		payment_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(wallet_id, derivation_index)
	);

	CREATE INDEX IF NOT EXISTS idx_bitcoin_payments_status ON bitcoin_payments(status);
	CREATE INDEX IF NOT EXISTS idx_bitcoin_payments_invoice ON bitcoin_payments(invoice_id);

	CREATE TABLE IF NOT EXISTS bitcoin_anomalies (
		id TEXT PRIMARY KEY,
		bitcoin_payment_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(bitcoin_payment_id, kind)
	);

	CREATE TABLE IF NOT EXISTS bitcoin_price_snapshots (
		id TEXT PRIMARY KEY,
		btc_usd_rate TEXT NOT NULL,
		source TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL
	);

	-- Reward programs
	CREATE TABLE IF NOT EXISTS reward_configs (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL UNIQUE,
		rewards_enabled BOOLEAN NOT NULL DEFAULT 1,
		streak_reward_enabled BOOLEAN NOT NULL DEFAULT 0,
		prepayment_reward_enabled BOOLEAN NOT NULL DEFAULT 0,
		auto_apply_rewards BOOLEAN NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS streak_tiers (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		months_required INTEGER NOT NULL,
		reward_amount TEXT NOT NULL,
		is_recurring BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS prepayment_tiers (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		threshold_amount TEXT NOT NULL,
		reward_amount TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS streak_evaluations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		config_id TEXT NOT NULL,
		current_streak_months INTEGER NOT NULL DEFAULT 0,
		last_evaluated_month TIMESTAMP,
		streak_broken_at TIMESTAMP,
		awarded_tier_ids TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, config_id)
	);

	CREATE TABLE IF NOT EXISTS prepayment_trackers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		config_id TEXT NOT NULL,
		cumulative_prepayment TEXT NOT NULL DEFAULT '0',
		rewards_granted_count INTEGER NOT NULL DEFAULT 0,
		tier_grant_counts TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, config_id)
	);

	CREATE TABLE IF NOT EXISTS prepayment_observations (
		config_id TEXT NOT NULL,
		source_payment_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (config_id, source_payment_id)
	);

	-- Inbound webhook log; a provider event id may hold one live slot
	CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		provider_event_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_events_dedupe
		ON webhook_events(provider, provider_event_id)
		WHERE provider_event_id != '' AND status IN ('received', 'processed');
	CREATE INDEX IF NOT EXISTS idx_webhook_events_received ON webhook_events(received_at);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		scope TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (scope, idem_key)
	);

	-- Outbound notification outbox
	CREATE TABLE IF NOT EXISTS notifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS export_cursors (
		name TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTenantTx runs fn inside one SQL transaction while holding the tenant lock.
func (s *Service) withTenantTx(ctx context.Context, tenantId string, fn func(tx *sql.Tx) error) error {
	unlock := s.locks.Lock(store.TenantKey(tenantId))
	defer unlock()
	return s.withTx(ctx, fn)
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
