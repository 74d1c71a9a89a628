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

package store

import (
	"errors"
)

// Domain error taxonomy. Callers match with errors.Is.
var (
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrAlreadySettled            = errors.New("invoice already settled")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrNotReversible             = errors.New("payment is not reversible")
	ErrGatewayDeclined           = errors.New("gateway declined payment")
	ErrWebhookVerificationFailed = errors.New("webhook verification failed")
	ErrAddressAllocationConflict = errors.New("address allocation conflict")
	ErrPriceFeedUnavailable      = errors.New("price feed unavailable")
)

// Storage sentinels shared across backends.
var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different request")
	ErrDuplicateEvent         = errors.New("duplicate webhook event")
	ErrWalletHalted           = errors.New("wallet issuance halted")
	ErrAlreadyEvaluated       = errors.New("month already evaluated")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrMethodNotAllowed       = errors.New("payment method not allowed")
)

// Code maps an error to the stable string used in API results.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNotReversible):
		return "not_reversible"
	case errors.Is(err, ErrGatewayDeclined):
		return "gateway_declined"
	case errors.Is(err, ErrWebhookVerificationFailed):
		return "webhook_verification_failed"
	case errors.Is(err, ErrAddressAllocationConflict):
		return "address_allocation_conflict"
	case errors.Is(err, ErrWalletHalted):
		return "wallet_halted"
	case errors.Is(err, ErrPriceFeedUnavailable):
		return "price_feed_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrMethodNotAllowed):
		return "method_not_allowed"
	default:
		return "internal_error"
	}
}
