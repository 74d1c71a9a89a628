package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger stores. Each tenant has one Balance per store.
const (
	StoreCredit = "credit"
	StoreReward = "reward"
)

// MonetaryTransaction kinds
const (
	KindCreditGrant   = "credit-grant"
	KindCreditRedeem  = "credit-redeem"
	KindCreditRevoke  = "credit-revoke"
	KindRewardGrant   = "reward-grant"
	KindRewardRedeem  = "reward-redeem"
	KindRewardReverse = "reward-reverse"
	KindAdminAdjust   = "admin-adjust"
)

// Reward grant sources
const (
	RewardSourceStreak     = "streak_earned"
	RewardSourcePrepayment = "prepayment_earned"
	RewardSourceManual     = "manual_grant"
)

// Invoice statuses
const (
	InvoiceDraft         = "draft"
	InvoiceIssued        = "issued"
	InvoicePartiallyPaid = "partially-paid"
	InvoicePaid          = "paid"
	InvoiceOverdue       = "overdue"
	InvoiceCancelled     = "cancelled"
)

// Payment statuses
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// Payment methods that are not gateway providers
const (
	MethodCredit  = "credit"
	MethodReward  = "reward"
	MethodBitcoin = "bitcoin"
)

// BitcoinPayment statuses
const (
	BitcoinPending     = "pending"
	BitcoinMempoolSeen = "mempool-seen"
	BitcoinConfirmed   = "confirmed"
	BitcoinExpired     = "expired"
	BitcoinOverpaid    = "overpaid"
	BitcoinUnderpaid   = "underpaid"
)

// MonetaryTransaction is an immutable ledger row. Amount is the signed delta.
type MonetaryTransaction struct {
	Id            string          `db:"id" json:"id"`
	Seq           int64           `db:"seq" json:"seq"`
	TenantId      string          `db:"tenant_id" json:"tenant_id"`
	Store         string          `db:"store" json:"store"`
	Kind          string          `db:"kind" json:"kind"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	InvoiceId     string          `db:"invoice_id" json:"invoice_id,omitempty"`
	PaymentId     string          `db:"payment_id" json:"payment_id,omitempty"`
	CreditId      string          `db:"credit_id" json:"credit_id,omitempty"`
	TierId        string          `db:"tier_id" json:"tier_id,omitempty"`
	Source        string          `db:"source" json:"source,omitempty"`
	Reason        string          `db:"reason" json:"reason"`
	Actor         string          `db:"actor" json:"actor,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Balance is the mutable snapshot for one tenant in one store.
type Balance struct {
	Id                string          `db:"id" json:"id"`
	TenantId          string          `db:"tenant_id" json:"tenant_id"`
	Store             string          `db:"store" json:"store"`
	Balance           decimal.Decimal `db:"balance" json:"balance"`
	LifetimeGranted   decimal.Decimal `db:"lifetime_granted" json:"lifetime_granted"`
	LifetimeRedeemed  decimal.Decimal `db:"lifetime_redeemed" json:"lifetime_redeemed"`
	LastTransactionId string          `db:"last_transaction_id" json:"last_transaction_id,omitempty"`
	Version           int64           `db:"version" json:"version"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// PrepaymentCredit is one slice of a tenant overpayment.
type PrepaymentCredit struct {
	Id              string          `db:"id" json:"id"`
	Seq             int64           `db:"seq" json:"seq"`
	TenantId        string          `db:"tenant_id" json:"tenant_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Remaining       decimal.Decimal `db:"remaining_amount" json:"remaining_amount"`
	SourcePaymentId string          `db:"source_payment_id" json:"source_payment_id,omitempty"`
	Reason          string          `db:"reason" json:"reason"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Invoice is produced by the billing collaborator and mutated by settlement.
type Invoice struct {
	Id         string          `db:"id" json:"id"`
	Number     string          `db:"invoice_number" json:"invoice_number"`
	TenantId   string          `db:"tenant_id" json:"tenant_id"`
	PropertyId string          `db:"property_id" json:"property_id"`
	Total      decimal.Decimal `db:"total_amount" json:"total_amount"`
	AmountPaid decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	Status     string          `db:"status" json:"status"`
	IssueDate  time.Time       `db:"issue_date" json:"issue_date"`
	DueDate    time.Time       `db:"due_date" json:"due_date"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// BalanceDue is total minus amount already paid.
func (i *Invoice) BalanceDue() decimal.Decimal {
	return i.Total.Sub(i.AmountPaid)
}

// StatusAfterPayment returns the status an invoice takes once amountPaid is recorded.
func StatusAfterPayment(total, amountPaid decimal.Decimal, current string) string {
	if amountPaid.GreaterThanOrEqual(total) {
		return InvoicePaid
	}
	if amountPaid.IsPositive() && current != InvoiceOverdue {
		return InvoicePartiallyPaid
	}
	return current
}

// Payment is created whenever a funding source contributes to an invoice.
type Payment struct {
	Id                   string          `db:"id" json:"id"`
	InvoiceId            string          `db:"invoice_id" json:"invoice_id"`
	TenantId             string          `db:"tenant_id" json:"tenant_id"`
	Amount               decimal.Decimal `db:"amount" json:"amount"`
	Method               string          `db:"method" json:"method"`
	Status               string          `db:"status" json:"status"`
	GatewayProvider      string          `db:"gateway_provider" json:"gateway_provider,omitempty"`
	GatewayTransactionId string          `db:"gateway_transaction_id" json:"gateway_transaction_id,omitempty"`
	BitcoinPaymentId     string          `db:"bitcoin_payment_id" json:"bitcoin_payment_id,omitempty"`
	ReferenceNumber      string          `db:"reference_number" json:"reference_number,omitempty"`
	Notes                string          `db:"notes" json:"notes,omitempty"`
	IdempotencyKey       string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	CompletedAt          *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// BitcoinWallet is an xpub-backed receiving wallet. A nil PropertyId marks the default wallet.
type BitcoinWallet struct {
	Id                    string        `db:"id" json:"id"`
	PropertyId            string        `db:"property_id" json:"property_id,omitempty"`
	Xpub                  string        `db:"xpub" json:"-"`
	Network               string        `db:"network" json:"network"`
	NextIndex             uint32        `db:"next_index" json:"next_index"`
	PaymentWindow         time.Duration `db:"payment_window_seconds" json:"payment_window"`
	RequiredConfirmations int           `db:"required_confirmations" json:"required_confirmations"`
	ToleranceSatoshis     int64         `db:"tolerance_satoshis" json:"tolerance_satoshis"`
	Halted                bool          `db:"halted" json:"halted"`
	HaltReason            string        `db:"halt_reason" json:"halt_reason,omitempty"`
	CreatedAt             time.Time     `db:"created_at" json:"created_at"`
}

// BitcoinPayment tracks one address-based payment attempt.
type BitcoinPayment struct {
	Id               string          `db:"id" json:"id"`
	WalletId         string          `db:"wallet_id" json:"wallet_id"`
	InvoiceId        string          `db:"invoice_id" json:"invoice_id"`
	TenantId         string          `db:"tenant_id" json:"tenant_id"`
	Address          string          `db:"btc_address" json:"btc_address"`
	DerivationIndex  uint32          `db:"derivation_index" json:"derivation_index"`
	Status           string          `db:"status" json:"status"`
	UsdAmount        decimal.Decimal `db:"usd_amount" json:"usd_amount"`
	BtcUsdRate       decimal.Decimal `db:"btc_usd_rate" json:"btc_usd_rate"`
	ExpectedSatoshis int64           `db:"expected_satoshis" json:"expected_satoshis"`
	ReceivedSatoshis int64           `db:"received_satoshis" json:"received_satoshis"`
	Confirmations    int             `db:"confirmations" json:"confirmations"`
	TxId             string          `db:"txid" json:"txid,omitempty"`
	ExpiresAt        time.Time       `db:"expires_at" json:"expires_at"`
	MempoolSeenAt    *time.Time      `db:"mempool_seen_at" json:"mempool_seen_at,omitempty"`
	ConfirmedAt      *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	PaymentId        string          `db:"payment_id" json:"payment_id,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether no further transition is allowed.
func (p *BitcoinPayment) IsTerminal() bool {
	return p.Status == BitcoinConfirmed || p.Status == BitcoinExpired
}

// BitcoinAnomaly kinds
const (
	AnomalyLatePayment             = "late_payment"
	AnomalyUnderpaidExpired        = "underpaid_expired"
	AnomalyOverpaid                = "overpaid"
	AnomalyConfirmedWithoutBalance = "confirmed_without_balance"
)

// BitcoinAnomaly is surfaced to administrators and never auto-resolved.
type BitcoinAnomaly struct {
	Id               string    `db:"id" json:"id"`
	BitcoinPaymentId string    `db:"bitcoin_payment_id" json:"bitcoin_payment_id"`
	Kind             string    `db:"kind" json:"kind"`
	Details          string    `db:"details" json:"details"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// BitcoinPriceSnapshot records every successful rate fetch.
type BitcoinPriceSnapshot struct {
	Id        string          `db:"id" json:"id"`
	Rate      decimal.Decimal `db:"btc_usd_rate" json:"btc_usd_rate"`
	Source    string          `db:"source" json:"source"`
	FetchedAt time.Time       `db:"fetched_at" json:"fetched_at"`
}

// StreakTier grants Amount once a tenant reaches MonthsRequired on-time months.
type StreakTier struct {
	Id             string          `db:"id" json:"id"`
	ConfigId       string          `db:"config_id" json:"config_id"`
	Name           string          `db:"name" json:"name"`
	MonthsRequired int             `db:"months_required" json:"months_required"`
	Amount         decimal.Decimal `db:"reward_amount" json:"reward_amount"`
	Recurring      bool            `db:"is_recurring" json:"is_recurring"`
}

// PrepaymentTier grants Amount for every Threshold of cumulative prepayment.
type PrepaymentTier struct {
	Id        string          `db:"id" json:"id"`
	ConfigId  string          `db:"config_id" json:"config_id"`
	Threshold decimal.Decimal `db:"threshold_amount" json:"threshold_amount"`
	Amount    decimal.Decimal `db:"reward_amount" json:"reward_amount"`
}

// RewardConfig is the per-property reward program.
type RewardConfig struct {
	Id                string           `db:"id" json:"id"`
	PropertyId        string           `db:"property_id" json:"property_id"`
	RewardsEnabled    bool             `db:"rewards_enabled" json:"rewards_enabled"`
	StreakEnabled     bool             `db:"streak_reward_enabled" json:"streak_reward_enabled"`
	PrepaymentEnabled bool             `db:"prepayment_reward_enabled" json:"prepayment_reward_enabled"`
	AutoApply         bool             `db:"auto_apply_rewards" json:"auto_apply_rewards"`
	StreakTiers       []StreakTier     `json:"streak_tiers"`
	PrepaymentTiers   []PrepaymentTier `json:"prepayment_tiers"`
}

// StreakEvaluation is the per tenant, per config streak cursor.
type StreakEvaluation struct {
	Id                 string     `db:"id" json:"id"`
	TenantId           string     `db:"tenant_id" json:"tenant_id"`
	ConfigId           string     `db:"config_id" json:"config_id"`
	CurrentStreak      int        `db:"current_streak_months" json:"current_streak_months"`
	LastEvaluatedMonth *time.Time `db:"last_evaluated_month" json:"last_evaluated_month,omitempty"`
	StreakBrokenAt     *time.Time `db:"streak_broken_at" json:"streak_broken_at,omitempty"`
	AwardedTierIds     []string   `db:"awarded_tier_ids" json:"awarded_tier_ids"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// CountAwarded returns how many times tierId has been granted.
func (e *StreakEvaluation) CountAwarded(tierId string) int {
	n := 0
	for _, id := range e.AwardedTierIds {
		if id == tierId {
			n++
		}
	}
	return n
}

// PrepaymentRewardTracker accumulates observed prepayments per tenant and config.
type PrepaymentRewardTracker struct {
	Id                  string          `db:"id" json:"id"`
	TenantId            string          `db:"tenant_id" json:"tenant_id"`
	ConfigId            string          `db:"config_id" json:"config_id"`
	Cumulative          decimal.Decimal `db:"cumulative_prepayment" json:"cumulative_prepayment"`
	RewardsGrantedCount int             `db:"rewards_granted_count" json:"rewards_granted_count"`
	TierGrantCounts     map[string]int  `db:"tier_grant_counts" json:"tier_grant_counts"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// WebhookEvent statuses
const (
	WebhookReceived  = "received"
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookRejected  = "rejected"
	WebhookFailed    = "failed"
)

// WebhookEvent is the unconditional audit record of an inbound callback.
type WebhookEvent struct {
	Id              string     `db:"id" json:"id"`
	Provider        string     `db:"provider" json:"provider"`
	EventType       string     `db:"event_type" json:"event_type"`
	ProviderEventId string     `db:"provider_event_id" json:"provider_event_id"`
	Payload         string     `db:"payload" json:"payload"`
	Status          string     `db:"status" json:"status"`
	Error           string     `db:"error" json:"error,omitempty"`
	ReceivedAt      time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt     *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Notification kinds
const (
	NotifyRewardGranted    = "reward_granted"
	NotifyCreditGranted    = "credit_granted"
	NotifyPaymentConfirmed = "payment_confirmed"
	NotifyPaymentExpired   = "payment_expired"
	NotifyBitcoinAnomaly   = "bitcoin_anomaly"
)

// Notification is an outbound event for the communications collaborator.
type Notification struct {
	Id        string    `db:"id" json:"id"`
	Seq       int64     `db:"seq" json:"seq"`
	TenantId  string    `db:"tenant_id" json:"tenant_id,omitempty"`
	Kind      string    `db:"kind" json:"kind"`
	Payload   string    `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
