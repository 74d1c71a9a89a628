package api

import (
	"fmt"
	"net/http"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *LedgerService) handleRefund(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.RefundPayment(r.Context(), chi.URLParam(r, "id"), models.ActorId(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type grantRewardRequest struct {
	TenantId    string          `json:"tenant_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (s *LedgerService) handleGrantReward(w http.ResponseWriter, r *http.Request) {
	var req grantRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.TenantId == "" {
		writeBadRequest(w, fmt.Errorf("tenant_id is required"))
		return
	}

	transaction, err := s.store.GrantReward(r.Context(), store.GrantRewardParams{
		TenantId:    req.TenantId,
		Amount:      req.Amount,
		Source:      models.RewardSourceManual,
		Description: req.Description,
		Actor:       models.ActorId(r.Context()),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.metrics.RewardGrant(models.RewardSourceManual)
	s.notifier.Notify(r.Context(), models.NotifyRewardGranted, req.TenantId, map[string]interface{}{
		"transaction_id": transaction.Id,
		"amount":         transaction.Amount.String(),
		"source":         models.RewardSourceManual,
		"description":    req.Description,
	})
	writeJSON(w, http.StatusCreated, transaction)
}

type adjustRewardRequest struct {
	TenantId string          `json:"tenant_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

func (s *LedgerService) handleAdjustReward(w http.ResponseWriter, r *http.Request) {
	var req adjustRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.TenantId == "" || req.Reason == "" {
		writeBadRequest(w, fmt.Errorf("tenant_id and reason are required"))
		return
	}

	transaction, err := s.store.AdminAdjustReward(r.Context(), store.AdminAdjustParams{
		TenantId: req.TenantId,
		Amount:   req.Amount,
		Reason:   req.Reason,
		Actor:    models.ActorId(r.Context()),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	zap.L().Info("Reward balance adjusted",
		zap.String("tenant_id", req.TenantId),
		zap.String("amount", transaction.Amount.String()),
		zap.String("actor", models.ActorId(r.Context())))
	writeJSON(w, http.StatusOK, transaction)
}

func (s *LedgerService) handleEvaluateRewards(w http.ResponseWriter, r *http.Request) {
	summary := s.sweeper.RunOnce(r.Context())
	if summary.Skipped {
		writeError(w, http.StatusConflict, "sweep_running", "a reward sweep is already running")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *LedgerService) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	anomalies, err := s.store.ListAnomalies(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if anomalies == nil {
		anomalies = []models.BitcoinAnomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

type gatewayTestResponse struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Ok       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

func (s *LedgerService) handleGatewayTest(w http.ResponseWriter, r *http.Request) {
	g, err := s.gateways.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	err = g.TestConnection(r.Context())
	s.metrics.GatewayCall(g.Provider(), "test", err)

	resp := gatewayTestResponse{Provider: g.Provider(), Kind: string(g.Kind()), Ok: err == nil}
	if err != nil {
		zap.L().Warn("Gateway connection test failed", zap.String("provider", g.Provider()), zap.Error(err))
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
