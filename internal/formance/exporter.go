package formance

import (
	"context"
	"fmt"
	"time"

	"rent-ledger-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// CursorName is the export cursor the mirror advances.
const CursorName = "formance"

const defaultBatchSize = 100

// Positive deltas move funds from the platform liability to the tenant,
// negative ones move them back.
const numscriptCredit = `vars {
  asset $asset
  number $amount
  account $tenant
  account $platform
  string $kind
}

send [$asset $amount] (
  source = $platform allowing unbounded overdraft
  destination = $tenant
)

set_tx_meta("event_type", $kind)
`

const numscriptDebit = `vars {
  asset $asset
  number $amount
  account $tenant
  account $platform
  string $kind
}

send [$asset $amount] (
  source = $tenant
  destination = $platform
)

set_tx_meta("event_type", $kind)
`

// Poster writes one transaction to the mirror.
type Poster interface {
	Post(ctx context.Context, tx shared.V2PostTransaction) error
}

// ExportSource is the part of the local store the exporter reads.
type ExportSource interface {
	ListTransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.MonetaryTransaction, error)
	GetExportCursor(ctx context.Context, name string) (int64, error)
	SetExportCursor(ctx context.Context, name string, seq int64) error
}

// Exporter replays the append-only ledger into Formance in seq order.
type Exporter struct {
	source    ExportSource
	poster    Poster
	batchSize int
	interval  time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewExporter(source ExportSource, poster Poster, batchSize int, interval time.Duration) *Exporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Exporter{
		source:    source,
		poster:    poster,
		batchSize: batchSize,
		interval:  interval,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// RunOnce exports everything after the cursor and returns how many
// transactions were posted. The cursor is saved after every batch, and on
// failure it points at the last transaction that was posted.
func (e *Exporter) RunOnce(ctx context.Context) (int, error) {
	cursor, err := e.source.GetExportCursor(ctx, CursorName)
	if err != nil {
		return 0, fmt.Errorf("failed to read export cursor: %w", err)
	}

	exported := 0
	for {
		batch, err := e.source.ListTransactionsAfter(ctx, cursor, e.batchSize)
		if err != nil {
			return exported, fmt.Errorf("failed to list transactions after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return exported, nil
		}

		last := cursor
		var postErr error
		for _, tx := range batch {
			if tx.Amount.IsZero() {
				last = tx.Seq
				continue
			}
			if err := e.poster.Post(ctx, buildPostTransaction(tx)); err != nil {
				postErr = fmt.Errorf("failed to export transaction %s: %w", tx.Id, err)
				break
			}
			last = tx.Seq
			exported++
		}

		if last != cursor {
			if err := e.source.SetExportCursor(ctx, CursorName, last); err != nil {
				return exported, fmt.Errorf("failed to save export cursor: %w", err)
			}
			cursor = last
		}
		if postErr != nil {
			return exported, postErr
		}

		zap.L().Info("Exported batch to Formance",
			zap.Int("count", len(batch)),
			zap.Int64("cursor", cursor))

		if len(batch) < e.batchSize {
			return exported, nil
		}
	}
}

func (e *Exporter) Start(ctx context.Context) {
	go e.loop(ctx)
	zap.L().Info("Formance exporter started", zap.Duration("interval", e.interval))
}

func (e *Exporter) Stop() {
	close(e.stopChan)
	<-e.doneChan
	zap.L().Info("Formance exporter stopped")
}

func (e *Exporter) loop(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil {
			zap.L().Error("Formance export failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func tenantAccount(tenantId, ledgerStore string) string {
	return fmt.Sprintf("tenants:%s:%s", accountSegment(tenantId), ledgerStore)
}

func platformAccount(ledgerStore string) string {
	return "platform:" + ledgerStore
}

// buildPostTransaction maps a ledger row to a Formance transaction whose
// reference is the local transaction id.
func buildPostTransaction(tx models.MonetaryTransaction) shared.V2PostTransaction {
	script := numscriptCredit
	if tx.Amount.IsNegative() {
		script = numscriptDebit
	}

	metadata := map[string]string{
		"tenant_id":      tx.TenantId,
		"store":          tx.Store,
		"seq":            fmt.Sprintf("%d", tx.Seq),
		"amount_human":   tx.Amount.String(),
		"balance_before": tx.BalanceBefore.String(),
		"balance_after":  tx.BalanceAfter.String(),
		"reason":         tx.Reason,
	}
	for key, value := range map[string]string{
		"invoice_id": tx.InvoiceId,
		"payment_id": tx.PaymentId,
		"credit_id":  tx.CreditId,
		"tier_id":    tx.TierId,
		"source":     tx.Source,
		"actor":      tx.Actor,
	} {
		if value != "" {
			metadata[key] = value
		}
	}

	timestamp := tx.CreatedAt
	return shared.V2PostTransaction{
		Reference: strPtr(tx.Id),
		Timestamp: &timestamp,
		Metadata:  metadata,
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars: map[string]string{
				"asset":    formanceAsset(),
				"amount":   toSmallestUnit(tx.Amount).String(),
				"tenant":   tenantAccount(tx.TenantId, tx.Store),
				"platform": platformAccount(tx.Store),
				"kind":     tx.Kind,
			},
		},
	}
}
