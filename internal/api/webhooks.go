package api

import (
	"errors"
	"io"
	"net/http"

	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
)

// handleWebhook answers 2xx for processed and duplicate deliveries so the
// provider stops retrying, and 5xx when processing failed so it retries.
func (s *LedgerService) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	outcome, err := s.engine.HandleWebhook(r.Context(), provider, r.Header, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.Is(err, gateway.ErrUnknownProvider):
		writeStoreError(w, err)
	case errors.Is(err, store.ErrWebhookVerificationFailed):
		writeError(w, http.StatusBadRequest, store.Code(err), "signature verification failed")
	case outcome != nil && outcome.Status == models.WebhookFailed:
		writeJSON(w, http.StatusInternalServerError, outcome)
	default:
		writeStoreError(w, err)
	}
}
