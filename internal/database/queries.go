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

const (
	transactionColumns = `seq, id, tenant_id, store, kind, amount, balance_before, balance_after,
		invoice_id, payment_id, credit_id, tier_id, source, reason, actor, created_at`

	balanceColumns = `id, tenant_id, store, balance, lifetime_granted, lifetime_redeemed,
		last_transaction_id, version, updated_at`

	creditColumns = `seq, id, tenant_id, amount, remaining_amount, source_payment_id, reason, created_at`

	invoiceColumns = `id, invoice_number, tenant_id, property_id, total_amount, amount_paid, status,
		issue_date, due_date, created_at, updated_at`

	paymentColumns = `id, invoice_id, tenant_id, amount, method, status, gateway_provider,
		gateway_transaction_id, bitcoin_payment_id, reference_number, notes, idempotency_key,
		created_at, completed_at`

	walletColumns = `id, property_id, xpub, network, next_index, payment_window_seconds,
		required_confirmations, tolerance_satoshis, halted, halt_reason, created_at`

	bitcoinPaymentColumns = `id, wallet_id, invoice_id, tenant_id, btc_address, derivation_index, status,
		usd_amount, btc_usd_rate, expected_satoshis, received_satoshis, confirmations, txid,
		expires_at, mempool_seen_at, confirmed_at, payment_id, created_at, updated_at`

	webhookColumns = `id, provider, event_type, provider_event_id, payload, status, error, received_at, processed_at`
)

const (
	// Ledger queries
	queryGetBalance = `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE tenant_id = ? AND store = ?`

	queryInsertBalance = `
		INSERT INTO balances (id, tenant_id, store, balance, lifetime_granted, lifetime_redeemed, version, updated_at)
		VALUES (?, ?, ?, '0', '0', '0', 1, ?)`

	queryUpdateBalance = `
		UPDATE balances
		SET balance = ?, lifetime_granted = ?, lifetime_redeemed = ?, last_transaction_id = ?,
		    version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND store = ? AND version = ?`

	queryInsertTransaction = `
		INSERT INTO monetary_transactions (
			id, tenant_id, store, kind, amount, balance_before, balance_after,
			invoice_id, payment_id, credit_id, tier_id, source, reason, actor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, transaction_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetTransactionHistory = `
		SELECT ` + transactionColumns + `
		FROM monetary_transactions
		WHERE tenant_id = ? AND (? = '' OR store = ?)
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`

	queryGetTransactionsAfter = `
		SELECT ` + transactionColumns + `
		FROM monetary_transactions
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`

	queryGetTransactionAmounts = `
		SELECT amount
		FROM monetary_transactions
		WHERE tenant_id = ? AND store = ?`

	queryListTenants = `
		SELECT DISTINCT tenant_id FROM balances ORDER BY tenant_id`

	// Credit queries
	queryInsertCredit = `
		INSERT INTO prepayment_credits (id, tenant_id, amount, remaining_amount, source_payment_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`

	queryGetCreditsFifo = `
		SELECT ` + creditColumns + `
		FROM prepayment_credits
		WHERE tenant_id = ?
		ORDER BY created_at ASC, seq ASC`

	queryGetCreditsForPayment = `
		SELECT ` + creditColumns + `
		FROM prepayment_credits
		WHERE source_payment_id = ?
		ORDER BY seq ASC`

	queryUpdateCreditRemaining = `
		UPDATE prepayment_credits
		SET remaining_amount = ?
		WHERE id = ? AND remaining_amount = ?`

	// Invoice queries
	queryInsertInvoice = `
		INSERT INTO invoices (id, invoice_number, tenant_id, property_id, total_amount, amount_paid, status,
			issue_date, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '0', ?, ?, ?, ?, ?)`

	queryGetInvoice = `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE id = ?`

	queryGetInvoicesForTenant = `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE tenant_id = ? AND (? = '' OR property_id = ?)
		ORDER BY due_date ASC, id ASC`

	queryGetOpenInvoices = `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status IN ('issued', 'partially-paid', 'overdue')
		ORDER BY due_date ASC, id ASC`

	queryGetTenantProperties = `
		SELECT DISTINCT tenant_id, property_id
		FROM invoices
		ORDER BY tenant_id, property_id`

	queryUpdateInvoicePaid = `
		UPDATE invoices
		SET amount_paid = ?, status = ?, updated_at = ?
		WHERE id = ? AND amount_paid = ?`

	queryUpdateInvoiceStatus = `
		UPDATE invoices
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	// Payment queries
	queryInsertPayment = `
		INSERT INTO payments (id, invoice_id, tenant_id, amount, method, status, gateway_provider,
			gateway_transaction_id, bitcoin_payment_id, reference_number, notes, idempotency_key,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetPayment = `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE id = ?`

	queryGetPaymentByGatewayTx = `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE gateway_provider = ? AND gateway_transaction_id = ?`

	queryGetPaymentsForInvoice = `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE invoice_id = ?
		ORDER BY created_at ASC, id ASC`

	queryGetPendingGatewayPayments = `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'pending' AND method NOT IN ('credit', 'reward', 'bitcoin')
		ORDER BY created_at ASC`

	queryUpdatePaymentStatus = `
		UPDATE payments
		SET status = ?, completed_at = ?, notes = CASE WHEN ? = '' THEN notes ELSE ? END
		WHERE id = ? AND status = ?`

	// Bitcoin queries
	queryInsertWallet = `
		INSERT INTO bitcoin_wallets (id, property_id, xpub, network, next_index, payment_window_seconds,
			required_confirmations, tolerance_satoshis, halted, halt_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`

	queryGetWallet = `
		SELECT ` + walletColumns + `
		FROM bitcoin_wallets
		WHERE id = ?`

	queryGetWalletForProperty = `
		SELECT ` + walletColumns + `
		FROM bitcoin_wallets
		WHERE property_id = ?
		ORDER BY created_at ASC
		LIMIT 1`

	queryHaltWallet = `
		UPDATE bitcoin_wallets SET halted = 1, halt_reason = ? WHERE id = ?`

	queryAdvanceWalletIndex = `
		UPDATE bitcoin_wallets SET next_index = ? WHERE id = ? AND next_index = ?`

	queryCountAddressUse = `
		SELECT COUNT(*)
		FROM bitcoin_payments
		WHERE btc_address = ? OR (wallet_id = ? AND derivation_index = ?)`

	queryInsertBitcoinPayment = `
		INSERT INTO bitcoin_payments (id, wallet_id, invoice_id, tenant_id, btc_address, derivation_index, status,
			usd_amount, btc_usd_rate, expected_satoshis, received_satoshis, confirmations, txid,
			expires_at, payment_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?, '', ?, ?)`

	queryGetBitcoinPayment = `
		SELECT ` + bitcoinPaymentColumns + `
		FROM bitcoin_payments
		WHERE id = ?`

	queryGetMonitoredBitcoinPayments = `
		SELECT ` + bitcoinPaymentColumns + `
		FROM bitcoin_payments bp
		WHERE bp.status NOT IN ('confirmed', 'expired')
		   OR bp.status = 'expired'
		   OR (bp.status = 'confirmed' AND bp.payment_id = ''
		       AND NOT EXISTS (SELECT 1 FROM bitcoin_anomalies a
		                       WHERE a.bitcoin_payment_id = bp.id AND a.kind = 'confirmed_without_balance'))
		ORDER BY bp.created_at ASC`

	queryUpdateBitcoinPaymentState = `
		UPDATE bitcoin_payments
		SET status = ?, received_satoshis = ?, confirmations = ?, txid = ?,
		    mempool_seen_at = COALESCE(mempool_seen_at, ?), confirmed_at = COALESCE(confirmed_at, ?),
		    updated_at = ?
		WHERE id = ? AND status = ?`

	queryLinkBitcoinPayment = `
		UPDATE bitcoin_payments SET payment_id = ?, updated_at = ? WHERE id = ? AND payment_id = ''`

	queryInsertAnomaly = `
		INSERT OR IGNORE INTO bitcoin_anomalies (id, bitcoin_payment_id, kind, details, created_at)
		VALUES (?, ?, ?, ?, ?)`

	queryGetAnomalies = `
		SELECT id, bitcoin_payment_id, kind, details, created_at
		FROM bitcoin_anomalies
		ORDER BY created_at DESC
		LIMIT ?`

	queryInsertPriceSnapshot = `
		INSERT INTO bitcoin_price_snapshots (id, btc_usd_rate, source, fetched_at)
		VALUES (?, ?, ?, ?)`

	// Reward program queries
	queryGetRewardConfigIdForProperty = `
		SELECT id FROM reward_configs WHERE property_id = ?`

	queryUpsertRewardConfig = `
		INSERT INTO reward_configs (id, property_id, rewards_enabled, streak_reward_enabled,
			prepayment_reward_enabled, auto_apply_rewards, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rewards_enabled = excluded.rewards_enabled,
			streak_reward_enabled = excluded.streak_reward_enabled,
			prepayment_reward_enabled = excluded.prepayment_reward_enabled,
			auto_apply_rewards = excluded.auto_apply_rewards,
			updated_at = excluded.updated_at`

	queryDeleteStreakTiers     = `DELETE FROM streak_tiers WHERE config_id = ?`
	queryDeletePrepaymentTiers = `DELETE FROM prepayment_tiers WHERE config_id = ?`

	queryInsertStreakTier = `
		INSERT INTO streak_tiers (id, config_id, name, months_required, reward_amount, is_recurring)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryInsertPrepaymentTier = `
		INSERT INTO prepayment_tiers (id, config_id, threshold_amount, reward_amount)
		VALUES (?, ?, ?, ?)`

	queryGetRewardConfigs = `
		SELECT id, property_id, rewards_enabled, streak_reward_enabled, prepayment_reward_enabled, auto_apply_rewards
		FROM reward_configs
		WHERE (? = '' OR property_id = ?)
		ORDER BY property_id`

	queryGetStreakTiers = `
		SELECT id, config_id, name, months_required, reward_amount, is_recurring
		FROM streak_tiers
		WHERE config_id = ?`

	queryGetPrepaymentTiers = `
		SELECT id, config_id, threshold_amount, reward_amount
		FROM prepayment_tiers
		WHERE config_id = ?`

	queryGetStreakEvaluation = `
		SELECT id, tenant_id, config_id, current_streak_months, last_evaluated_month, streak_broken_at,
		       awarded_tier_ids, updated_at
		FROM streak_evaluations
		WHERE tenant_id = ? AND config_id = ?`

	queryUpsertStreakEvaluation = `
		INSERT INTO streak_evaluations (id, tenant_id, config_id, current_streak_months, last_evaluated_month,
			streak_broken_at, awarded_tier_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, config_id) DO UPDATE SET
			current_streak_months = excluded.current_streak_months,
			last_evaluated_month = excluded.last_evaluated_month,
			streak_broken_at = excluded.streak_broken_at,
			awarded_tier_ids = excluded.awarded_tier_ids,
			updated_at = excluded.updated_at`

	queryInsertPrepaymentObservation = `
		INSERT OR IGNORE INTO prepayment_observations (config_id, source_payment_id, tenant_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`

	queryGetPrepaymentTracker = `
		SELECT id, tenant_id, config_id, cumulative_prepayment, rewards_granted_count, tier_grant_counts, updated_at
		FROM prepayment_trackers
		WHERE tenant_id = ? AND config_id = ?`

	queryUpsertPrepaymentTracker = `
		INSERT INTO prepayment_trackers (id, tenant_id, config_id, cumulative_prepayment, rewards_granted_count,
			tier_grant_counts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, config_id) DO UPDATE SET
			cumulative_prepayment = excluded.cumulative_prepayment,
			rewards_granted_count = excluded.rewards_granted_count,
			tier_grant_counts = excluded.tier_grant_counts,
			updated_at = excluded.updated_at`

	// Webhook, idempotency and outbox queries
	queryInsertWebhookEvent = `
		INSERT INTO webhook_events (id, provider, event_type, provider_event_id, payload, status, error, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpdateWebhookEvent = `
		UPDATE webhook_events SET status = ?, error = ?, processed_at = ? WHERE id = ?`

	queryGetWebhookEvents = `
		SELECT ` + webhookColumns + `
		FROM webhook_events
		WHERE (? = '' OR provider = ?)
		ORDER BY received_at DESC
		LIMIT ?`

	queryGetIdempotencyRecord = `
		SELECT scope, idem_key, request_hash, response, created_at
		FROM idempotency_keys
		WHERE scope = ? AND idem_key = ?`

	queryInsertIdempotencyRecord = `
		INSERT INTO idempotency_keys (scope, idem_key, request_hash, response, created_at)
		VALUES (?, ?, ?, ?, ?)`

	queryInsertNotification = `
		INSERT INTO notifications (id, tenant_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`

	queryGetNotificationsAfter = `
		SELECT seq, id, tenant_id, kind, payload, created_at
		FROM notifications
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?`

	queryGetExportCursor = `
		SELECT seq FROM export_cursors WHERE name = ?`

	queryUpsertExportCursor = `
		INSERT INTO export_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`
)
