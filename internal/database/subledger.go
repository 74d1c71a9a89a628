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
	"database/sql"
)

// SubledgerService owns the append-only ledger: balances, monetary
// transactions and their journal entries.
type SubledgerService struct {
	db *sql.DB
}

func NewSubledgerService(db *sql.DB) *SubledgerService {
	return &SubledgerService{
		db: db,
	}
}

func (s *SubledgerService) InitSchema() error {
	schema := `
	-- Balance snapshots (current state, one row per tenant per store)
	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		store TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		lifetime_granted TEXT NOT NULL DEFAULT '0',
		lifetime_redeemed TEXT NOT NULL DEFAULT '0',
		last_transaction_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, store)
	);

	-- Monetary transactions (audit trail, never updated or deleted)
	CREATE TABLE IF NOT EXISTS monetary_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		store TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		payment_id TEXT NOT NULL DEFAULT '',
		credit_id TEXT NOT NULL DEFAULT '',
		tier_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_monetary_transactions_tenant_store ON monetary_transactions(tenant_id, store);
	CREATE INDEX IF NOT EXISTS idx_monetary_transactions_invoice ON monetary_transactions(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_monetary_transactions_payment ON monetary_transactions(payment_id);

	-- Prepayment credits, drained oldest first
	CREATE TABLE IF NOT EXISTS prepayment_credits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		source_payment_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prepayment_credits_tenant ON prepayment_credits(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_prepayment_credits_source ON prepayment_credits(source_payment_id);

	-- Double-entry journal: tenant account against the platform liability account
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit_amount TEXT NOT NULL DEFAULT '0',
		credit_amount TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_transaction_id ON journal_entries(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_type, account_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
