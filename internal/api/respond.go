package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/store"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeStoreError maps the domain error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, gateway.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, "unknown_provider", err.Error())
		return
	}

	code := store.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case "not_found":
		status = http.StatusNotFound
	case "invalid_amount":
		status = http.StatusBadRequest
	case "webhook_verification_failed":
		status = http.StatusBadRequest
	case "invalid_state", "already_settled", "not_reversible", "idempotency_conflict", "concurrent_modification", "address_allocation_conflict":
		status = http.StatusConflict
	case "method_not_allowed":
		status = http.StatusForbidden
	case "insufficient_balance":
		status = http.StatusUnprocessableEntity
	case "gateway_declined":
		status = http.StatusPaymentRequired
	case "wallet_halted", "price_feed_unavailable":
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("Request failed", zap.Error(err))
		message = "internal error"
	}
	writeError(w, status, code, message)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "bad_request", err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
