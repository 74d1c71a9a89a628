package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"rent-ledger-go/internal/store"

	"go.uber.org/zap"
)

type idempotentGateway struct {
	Gateway
	records store.IdempotencyStore
}

// Idempotent wraps g so that InitiatePayment calls carrying the same
// idempotency key replay the first response instead of charging again.
// Reusing a key with a different request fails with store.ErrIdempotencyConflict.
func Idempotent(g Gateway, records store.IdempotencyStore) Gateway {
	return &idempotentGateway{Gateway: g, records: records}
}

func (g *idempotentGateway) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.IdempotencyKey == "" {
		return g.Gateway.InitiatePayment(ctx, req)
	}

	hash, err := hashInitiateRequest(req)
	if err != nil {
		return nil, err
	}

	record, err := g.records.GetIdempotencyRecord(ctx, g.Provider(), req.IdempotencyKey)
	switch {
	case err == nil:
		if record.RequestHash != hash {
			return nil, fmt.Errorf("%w: key %s", store.ErrIdempotencyConflict, req.IdempotencyKey)
		}
		var result InitiateResult
		if err := json.Unmarshal([]byte(record.Response), &result); err != nil {
			return nil, fmt.Errorf("failed to decode stored response: %w", err)
		}
		zap.L().Info("Replaying idempotent gateway response",
			zap.String("provider", g.Provider()),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("transaction_id", result.TransactionId))
		return &result, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	result, err := g.Gateway.InitiatePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway response: %w", err)
	}
	err = g.records.SaveIdempotencyRecord(ctx, store.IdempotencyRecord{
		Scope:       g.Provider(),
		Key:         req.IdempotencyKey,
		RequestHash: hash,
		Response:    string(response),
	})
	if errors.Is(err, store.ErrIdempotencyConflict) {
		return nil, err
	}
	if err != nil {
		// The charge already happened; return it regardless.
		zap.L().Warn("Failed to save idempotency record",
			zap.String("provider", g.Provider()),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
	}
	return result, nil
}

func hashInitiateRequest(req InitiateRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
