package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateInvoice records an inbound invoice. Redelivery of the same id returns the stored invoice.
func (s *Service) CreateInvoice(ctx context.Context, params store.CreateInvoiceParams) (*models.Invoice, error) {
	if !params.Total.IsPositive() {
		return nil, fmt.Errorf("%w: invoice total must be positive, got %s", store.ErrInvalidAmount, params.Total.String())
	}
	if params.TenantId == "" {
		return nil, fmt.Errorf("invoice tenant id cannot be empty")
	}
	if params.DueDate.IsZero() {
		return nil, fmt.Errorf("invoice due date cannot be empty")
	}

	if params.Id != "" {
		existing, err := s.GetInvoice(ctx, params.Id)
		if err == nil {
			zap.L().Info("Invoice already recorded", zap.String("invoice_id", params.Id))
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	invoice := &models.Invoice{
		Id:         params.Id,
		Number:     params.Number,
		TenantId:   params.TenantId,
		PropertyId: params.PropertyId,
		Total:      params.Total,
		AmountPaid: decimal.Zero,
		Status:     params.Status,
		IssueDate:  params.IssueDate.UTC(),
		DueDate:    params.DueDate.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if invoice.Id == "" {
		invoice.Id = uuid.New().String()
	}
	if invoice.Status == "" {
		invoice.Status = models.InvoiceIssued
	}
	if invoice.IssueDate.IsZero() {
		invoice.IssueDate = now
	}

	_, err := s.db.ExecContext(ctx, queryInsertInvoice,
		invoice.Id, invoice.Number, invoice.TenantId, invoice.PropertyId, invoice.Total.String(),
		invoice.Status, invoice.IssueDate, invoice.DueDate, invoice.CreatedAt, invoice.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert invoice: %w", err)
	}

	zap.L().Info("Invoice created",
		zap.String("invoice_id", invoice.Id),
		zap.String("tenant_id", invoice.TenantId),
		zap.String("total", invoice.Total.String()),
		zap.Time("due_date", invoice.DueDate))
	return invoice, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceId string) (*models.Invoice, error) {
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, queryGetInvoice, invoiceId))
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", invoiceId, err)
	}
	return invoice, nil
}

func getInvoiceTx(ctx context.Context, tx *sql.Tx, invoiceId string) (*models.Invoice, error) {
	invoice, err := scanInvoice(tx.QueryRowContext(ctx, queryGetInvoice, invoiceId))
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", invoiceId, err)
	}
	return invoice, nil
}

func (s *Service) ListInvoicesForTenant(ctx context.Context, tenantId, propertyId string) ([]models.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, queryGetInvoicesForTenant, tenantId, propertyId, propertyId)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer closeRows(rows)
	return scanInvoices(rows)
}

func (s *Service) ListOpenInvoices(ctx context.Context) ([]models.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, queryGetOpenInvoices)
	if err != nil {
		return nil, fmt.Errorf("failed to list open invoices: %w", err)
	}
	defer closeRows(rows)
	return scanInvoices(rows)
}

func (s *Service) ListTenantProperties(ctx context.Context) ([]store.TenantProperty, error) {
	rows, err := s.db.QueryContext(ctx, queryGetTenantProperties)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant properties: %w", err)
	}
	defer closeRows(rows)

	var pairs []store.TenantProperty
	for rows.Next() {
		var p store.TenantProperty
		if err := rows.Scan(&p.TenantId, &p.PropertyId); err != nil {
			return nil, fmt.Errorf("failed to scan tenant property: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// MarkOverdue moves issued and partially-paid invoices whose due date has passed to overdue.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	open, err := s.ListOpenInvoices(ctx)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, invoice := range open {
		if invoice.Status == models.InvoiceOverdue || !invoice.DueDate.Before(now) {
			continue
		}
		err := s.withTenantTx(ctx, invoice.TenantId, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, queryUpdateInvoiceStatus,
				models.InvoiceOverdue, now.UTC(), invoice.Id, invoice.Status)
			if err != nil {
				return err
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			marked += int(n)
			return nil
		})
		if err != nil {
			return marked, fmt.Errorf("failed to mark invoice %s overdue: %w", invoice.Id, err)
		}
	}

	if marked > 0 {
		zap.L().Info("Marked invoices overdue", zap.Int("count", marked))
	}
	return marked, nil
}

// applyInvoicePaymentTx adds amount to the invoice's amount paid and recomputes its status.
func applyInvoicePaymentTx(ctx context.Context, tx *sql.Tx, invoice *models.Invoice, amount decimal.Decimal, now time.Time) error {
	newPaid := invoice.AmountPaid.Add(amount)
	if newPaid.GreaterThan(invoice.Total) {
		return fmt.Errorf("invoice %s would be overpaid: paid %s + %s > total %s",
			invoice.Id, invoice.AmountPaid.String(), amount.String(), invoice.Total.String())
	}
	status := models.StatusAfterPayment(invoice.Total, newPaid, invoice.Status)
	return updateInvoicePaidTx(ctx, tx, invoice, newPaid, status, now)
}

// reduceInvoicePaymentTx removes amount from the invoice after a refund or reversal.
func reduceInvoicePaymentTx(ctx context.Context, tx *sql.Tx, invoice *models.Invoice, amount decimal.Decimal, now time.Time) error {
	newPaid := invoice.AmountPaid.Sub(amount)
	if newPaid.IsNegative() {
		newPaid = decimal.Zero
	}

	var status string
	switch {
	case newPaid.GreaterThanOrEqual(invoice.Total):
		status = models.InvoicePaid
	case invoice.DueDate.Before(now):
		status = models.InvoiceOverdue
	case newPaid.IsPositive():
		status = models.InvoicePartiallyPaid
	default:
		status = models.InvoiceIssued
	}
	return updateInvoicePaidTx(ctx, tx, invoice, newPaid, status, now)
}

func updateInvoicePaidTx(ctx context.Context, tx *sql.Tx, invoice *models.Invoice, newPaid decimal.Decimal, status string, now time.Time) error {
	result, err := tx.ExecContext(ctx, queryUpdateInvoicePaid,
		newPaid.String(), status, now, invoice.Id, invoice.AmountPaid.String())
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("invoice update failed - %w", store.ErrConcurrentModification)
	}

	zap.L().Info("Invoice updated",
		zap.String("invoice_id", invoice.Id),
		zap.String("amount_paid", newPaid.String()),
		zap.String("old_status", invoice.Status),
		zap.String("new_status", status))

	invoice.AmountPaid = newPaid
	invoice.Status = status
	invoice.UpdatedAt = now
	return nil
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var inv models.Invoice
	err := row.Scan(&inv.Id, &inv.Number, &inv.TenantId, &inv.PropertyId, &inv.Total, &inv.AmountPaid,
		&inv.Status, &inv.IssueDate, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return &inv, nil
}

func scanInvoices(rows *sql.Rows) ([]models.Invoice, error) {
	var invoices []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoice rows: %w", err)
	}
	return invoices, nil
}
