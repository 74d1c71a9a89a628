package store

import (
	"context"
	"time"

	"rent-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// AppendParams describes one ledger mutation.
type AppendParams struct {
	TenantId  string
	Store     string // models.StoreCredit or models.StoreReward
	Kind      string
	Amount    decimal.Decimal // signed delta
	Reason    string
	Actor     string
	InvoiceId string
	PaymentId string
	CreditId  string
	TierId    string
	Source    string
}

// GrantCreditParams creates a PrepaymentCredit.
type GrantCreditParams struct {
	TenantId        string
	Amount          decimal.Decimal
	SourcePaymentId string
	Reason          string
	Actor           string
}

// ConsumeCreditsParams drains credits FIFO against an invoice.
type ConsumeCreditsParams struct {
	TenantId  string
	InvoiceId string
	MaxAmount decimal.Decimal
	Actor     string
}

// ConsumeResult is what ConsumeCredits applied. Payment is nil when nothing was consumed.
type ConsumeResult struct {
	Consumed     decimal.Decimal
	Payment      *models.Payment
	Invoice      *models.Invoice
	Transactions []models.MonetaryTransaction
}

// GrantRewardParams adds promotional balance.
type GrantRewardParams struct {
	TenantId    string
	Amount      decimal.Decimal
	Source      string // models.RewardSource*
	Description string
	InvoiceId   string
	PaymentId   string
	TierId      string
	Actor       string
}

// ApplyRewardParams applies reward balance to an invoice. A zero Amount means the full balance.
type ApplyRewardParams struct {
	InvoiceId string
	Amount    decimal.Decimal
	Actor     string
}

// ApplyRewardResult is nil-Payment when the clamp left nothing to apply.
type ApplyRewardResult struct {
	Applied     decimal.Decimal
	Payment     *models.Payment
	Invoice     *models.Invoice
	Transaction *models.MonetaryTransaction
}

// AdminAdjustParams is a signed correction to a reward balance. A debit larger
// than the balance is clamped to the balance.
type AdminAdjustParams struct {
	TenantId string
	Amount   decimal.Decimal
	Reason   string
	Actor    string
}

// CreateInvoiceParams is the inbound invoice creation event.
type CreateInvoiceParams struct {
	Id         string
	Number     string
	TenantId   string
	PropertyId string
	Total      decimal.Decimal
	Status     string
	IssueDate  time.Time
	DueDate    time.Time
}

// TenantProperty pairs a tenant with a property they are billed for.
type TenantProperty struct {
	TenantId   string
	PropertyId string
}

// RecordPaymentParams records money collected by a gateway against an invoice.
type RecordPaymentParams struct {
	InvoiceId            string
	Method               string
	Provider             string
	GatewayTransactionId string
	Collected            decimal.Decimal
	Status               string // models.PaymentCompleted or models.PaymentPending
	IdempotencyKey       string
	ReferenceNumber      string
	Notes                string
	Actor                string
}

// PaymentApplication is the effect of a completed payment on its invoice.
type PaymentApplication struct {
	Payment     *models.Payment
	Invoice     *models.Invoice
	Applied     decimal.Decimal
	Overpayment decimal.Decimal
	Credit      *models.PrepaymentCredit
	// AlreadyFinal is set when the payment was not pending and nothing changed.
	AlreadyFinal bool
}

// AllocateBitcoinPaymentParams creates a BitcoinPayment at the wallet's next index.
type AllocateBitcoinPaymentParams struct {
	WalletId         string
	InvoiceId        string
	TenantId         string
	UsdAmount        decimal.Decimal
	Rate             decimal.Decimal
	ExpectedSatoshis int64
	Now              time.Time
	// Derive maps an index to its address; it must not block on I/O.
	Derive func(index uint32) (string, error)
}

// BitcoinStateUpdate moves a BitcoinPayment from FromStatus to ToStatus.
type BitcoinStateUpdate struct {
	Id               string
	FromStatus       string
	ToStatus         string
	ReceivedSatoshis int64
	Confirmations    int
	TxId             string
	MempoolSeenAt    *time.Time
	ConfirmedAt      *time.Time
}

// BitcoinSettlement is the result of applying a confirmed BitcoinPayment.
type BitcoinSettlement struct {
	BitcoinPayment *models.BitcoinPayment
	Payment        *models.Payment
	Invoice        *models.Invoice
	Created        bool
}

// PlannedGrant is a reward grant computed by the evaluator and persisted by the store.
type PlannedGrant struct {
	Amount      decimal.Decimal
	Source      string
	TierId      string
	Description string
}

// IdempotencyRecord stores the response for a replayed request.
type IdempotencyRecord struct {
	Scope       string
	Key         string
	RequestHash string
	Response    string
	CreatedAt   time.Time
}

// LedgerStore is the append-only ledger primitive.
type LedgerStore interface {
	Append(ctx context.Context, params AppendParams) (*models.MonetaryTransaction, error)
	GetBalance(ctx context.Context, tenantId, store string) (*models.Balance, error)
	ListTransactions(ctx context.Context, tenantId, store string, limit, offset int) ([]models.MonetaryTransaction, error)
	ListTransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.MonetaryTransaction, error)
	Reconcile(ctx context.Context, tenantId, store string) (*models.ReconcileResult, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// CreditStore tracks real-money prepayment credits.
type CreditStore interface {
	GrantCredit(ctx context.Context, params GrantCreditParams) (*models.PrepaymentCredit, error)
	ConsumeCredits(ctx context.Context, params ConsumeCreditsParams) (*ConsumeResult, error)
	ListCredits(ctx context.Context, tenantId string) ([]models.PrepaymentCredit, error)
	CreditsForPayment(ctx context.Context, paymentId string) ([]models.PrepaymentCredit, error)
}

// RewardStore tracks promotional balances.
type RewardStore interface {
	GrantReward(ctx context.Context, params GrantRewardParams) (*models.MonetaryTransaction, error)
	ApplyRewardToInvoice(ctx context.Context, params ApplyRewardParams) (*ApplyRewardResult, error)
	ReverseRewardPayment(ctx context.Context, paymentId, actor string) (*models.MonetaryTransaction, error)
	AdminAdjustReward(ctx context.Context, params AdminAdjustParams) (*models.MonetaryTransaction, error)
}

// InvoiceStore holds invoices and the payments recorded against them.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*models.Invoice, error)
	GetInvoice(ctx context.Context, invoiceId string) (*models.Invoice, error)
	ListInvoicesForTenant(ctx context.Context, tenantId, propertyId string) ([]models.Invoice, error)
	ListOpenInvoices(ctx context.Context) ([]models.Invoice, error)
	ListTenantProperties(ctx context.Context) ([]TenantProperty, error)
	MarkOverdue(ctx context.Context, now time.Time) (int, error)

	RecordPayment(ctx context.Context, params RecordPaymentParams) (*PaymentApplication, error)
	CompletePayment(ctx context.Context, paymentId string, completedAt time.Time) (*PaymentApplication, error)
	FailPayment(ctx context.Context, paymentId, reason string) (*models.Payment, error)
	MarkPaymentRefunded(ctx context.Context, paymentId string, amount decimal.Decimal) (*PaymentApplication, error)
	GetPayment(ctx context.Context, paymentId string) (*models.Payment, error)
	FindPaymentByGatewayTransaction(ctx context.Context, provider, transactionId string) (*models.Payment, error)
	ListPaymentsForInvoice(ctx context.Context, invoiceId string) ([]models.Payment, error)
	ListPendingGatewayPayments(ctx context.Context) ([]models.Payment, error)
}

// BitcoinStore persists wallets and the BitcoinPayment state machine.
type BitcoinStore interface {
	CreateWallet(ctx context.Context, wallet models.BitcoinWallet) (*models.BitcoinWallet, error)
	ResolveWallet(ctx context.Context, propertyId string) (*models.BitcoinWallet, error)
	GetWallet(ctx context.Context, walletId string) (*models.BitcoinWallet, error)
	AllocateBitcoinPayment(ctx context.Context, params AllocateBitcoinPaymentParams) (*models.BitcoinPayment, error)
	GetBitcoinPayment(ctx context.Context, id string) (*models.BitcoinPayment, error)
	ListMonitoredBitcoinPayments(ctx context.Context, expiredSince time.Time) ([]models.BitcoinPayment, error)
	UpdateBitcoinPaymentState(ctx context.Context, update BitcoinStateUpdate) (*models.BitcoinPayment, error)
	SettleBitcoinPayment(ctx context.Context, id string, now time.Time) (*BitcoinSettlement, error)
	RecordAnomaly(ctx context.Context, anomaly models.BitcoinAnomaly) (bool, error)
	ListAnomalies(ctx context.Context, limit int) ([]models.BitcoinAnomaly, error)
	RecordPriceSnapshot(ctx context.Context, snapshot models.BitcoinPriceSnapshot) error
}

// RewardProgramStore holds reward configuration and evaluator state.
type RewardProgramStore interface {
	SaveRewardConfig(ctx context.Context, cfg *models.RewardConfig) error
	GetRewardConfigForProperty(ctx context.Context, propertyId string) (*models.RewardConfig, error)
	ListRewardConfigs(ctx context.Context) ([]models.RewardConfig, error)
	GetStreakEvaluation(ctx context.Context, tenantId, configId string) (*models.StreakEvaluation, error)
	// AdvanceStreak loads the evaluation, lets advance mutate it and plan grants,
	// then persists both in one transaction.
	AdvanceStreak(ctx context.Context, tenantId, configId string, advance func(eval *models.StreakEvaluation) ([]PlannedGrant, error)) ([]models.MonetaryTransaction, error)
	// RecordPrepayment adds amount to the tracker once per source payment and
	// persists the grants plan returns.
	RecordPrepayment(ctx context.Context, tenantId, configId, sourcePaymentId string, amount decimal.Decimal, plan func(tracker *models.PrepaymentRewardTracker) []PlannedGrant) ([]models.MonetaryTransaction, error)
}

// WebhookStore is the unconditional inbound event log.
type WebhookStore interface {
	RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, id, status, errMsg string) error
	ListWebhookEvents(ctx context.Context, provider string, limit int) ([]models.WebhookEvent, error)
}

// IdempotencyStore backs gateway initiate retries.
type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, scope, key string) (*IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
}

// NotificationStore is the outbound event outbox.
type NotificationStore interface {
	AppendNotification(ctx context.Context, n models.Notification) error
	ListNotificationsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Notification, error)
}

// ExportCursorStore remembers how far an exporter has read the ledger.
type ExportCursorStore interface {
	GetExportCursor(ctx context.Context, name string) (int64, error)
	SetExportCursor(ctx context.Context, name string, seq int64) error
}

// Store is everything the SQLite backend provides.
type Store interface {
	LedgerStore
	CreditStore
	RewardStore
	InvoiceStore
	BitcoinStore
	RewardProgramStore
	WebhookStore
	IdempotencyStore
	NotificationStore
	ExportCursorStore
	Ping(ctx context.Context) error
	Close()
}
