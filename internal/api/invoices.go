package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/settlement"
	"rent-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type createInvoiceRequest struct {
	Id         string          `json:"id"`
	Number     string          `json:"invoice_number"`
	TenantId   string          `json:"tenant_id"`
	PropertyId string          `json:"property_id"`
	Total      decimal.Decimal `json:"total_amount"`
	Status     string          `json:"status"`
	IssueDate  string          `json:"issue_date"`
	DueDate    string          `json:"due_date"`
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func (s *LedgerService) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	actor := models.GetActor(r.Context())
	if actor.Role == "tenant" {
		writeError(w, http.StatusForbidden, "forbidden", "tenants cannot create invoices")
		return
	}

	var req createInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.TenantId == "" || req.PropertyId == "" {
		writeBadRequest(w, fmt.Errorf("tenant_id and property_id are required"))
		return
	}

	issueDate := time.Now().UTC()
	if req.IssueDate != "" {
		parsed, err := parseDate(req.IssueDate)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid issue_date: %w", err))
			return
		}
		issueDate = parsed
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid due_date: %w", err))
		return
	}

	invoice, err := s.engine.CreateInvoice(r.Context(), store.CreateInvoiceParams{
		Id:         req.Id,
		Number:     req.Number,
		TenantId:   req.TenantId,
		PropertyId: req.PropertyId,
		Total:      req.Total,
		Status:     req.Status,
		IssueDate:  issueDate,
		DueDate:    dueDate,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, invoice)
}

type invoiceResponse struct {
	*models.Invoice
	BalanceDue decimal.Decimal  `json:"balance_due"`
	Payments   []models.Payment `json:"payments"`
}

func (s *LedgerService) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}
	payments, err := s.store.ListPaymentsForInvoice(r.Context(), invoice.Id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	writeJSON(w, http.StatusOK, invoiceResponse{Invoice: invoice, BalanceDue: invoice.BalanceDue(), Payments: payments})
}

// loadInvoice fetches the path invoice and hides other tenants' invoices.
func (s *LedgerService) loadInvoice(w http.ResponseWriter, r *http.Request) (*models.Invoice, bool) {
	invoice, err := s.store.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if !canAccessTenant(models.GetActor(r.Context()), invoice.TenantId) {
		writeStoreError(w, store.ErrNotFound)
		return nil, false
	}
	return invoice, true
}

type settleRequest struct {
	TenantId        string            `json:"tenant_id"`
	Method          string            `json:"method"`
	RequestedAmount decimal.Decimal   `json:"requested_amount"`
	ApplyCredits    *bool             `json:"apply_credits"`
	ApplyRewards    bool              `json:"apply_rewards"`
	IdempotencyKey  string            `json:"idempotency_key"`
	ReferenceNumber string            `json:"reference_number"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *LedgerService) handleSettle(w http.ResponseWriter, r *http.Request) {
	invoice, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}

	var body settleRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	applyCredits := true
	if body.ApplyCredits != nil {
		applyCredits = *body.ApplyCredits
	}
	idempotencyKey := body.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = r.Header.Get("Idempotency-Key")
	}

	req := models.SettleRequest{
		InvoiceId:       invoice.Id,
		TenantId:        invoice.TenantId,
		Method:          strings.TrimSpace(body.Method),
		RequestedAmount: body.RequestedAmount,
		ApplyCredits:    applyCredits,
		ApplyRewards:    body.ApplyRewards,
		Actor:           models.ActorId(r.Context()),
		IdempotencyKey:  idempotencyKey,
		ReferenceNumber: body.ReferenceNumber,
		Metadata:        body.Metadata,
	}
	if body.TenantId != "" && body.TenantId != invoice.TenantId {
		writeStoreError(w, store.ErrNotFound)
		return
	}

	result, err := s.engine.Settle(r.Context(), req)
	if err != nil {
		zap.L().Warn("Settle rejected", zap.String("invoice_id", invoice.Id), zap.Error(err))
		writeStoreError(w, err)
		return
	}
	writeJSON(w, settleStatus(result), result)
}

// settleStatus is 200 unless nothing could be applied at all.
func settleStatus(result *models.SettlementResult) int {
	if result.Failure == nil || result.Applied().IsPositive() || len(result.Applications) > 0 {
		return http.StatusOK
	}
	switch result.Failure.Code {
	case "already_settled":
		return http.StatusConflict
	case "gateway_declined":
		return http.StatusPaymentRequired
	case "wallet_halted", "price_feed_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

type manualPaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	ReferenceNumber string          `json:"reference_number"`
	Notes           string          `json:"notes"`
}

func (s *LedgerService) handleManualPayment(w http.ResponseWriter, r *http.Request) {
	actor := models.GetActor(r.Context())
	if actor.Role == "tenant" {
		writeError(w, http.StatusForbidden, "forbidden", "manual payments are recorded by staff")
		return
	}
	invoice, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}

	var body manualPaymentRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}

	result, err := s.engine.RecordManualPayment(r.Context(), settlement.ManualPayment{
		InvoiceId:       invoice.Id,
		TenantId:        invoice.TenantId,
		Amount:          body.Amount,
		ReferenceNumber: body.ReferenceNumber,
		Notes:           body.Notes,
		Actor:           actor.Id,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, settleStatus(result), result)
}
