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

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleTenantBalances returns the credit and reward balances for a tenant
func (s *LedgerService) handleTenantBalances(w http.ResponseWriter, r *http.Request) {
	tenantId := chi.URLParam(r, "id")
	if !canAccessTenant(models.GetActor(r.Context()), tenantId) {
		writeStoreError(w, store.ErrNotFound)
		return
	}

	credit, err := s.store.GetBalance(r.Context(), tenantId, models.StoreCredit)
	if err != nil {
		zap.L().Error("Failed to get credit balance", zap.String("tenant_id", tenantId), zap.Error(err))
		writeStoreError(w, err)
		return
	}
	reward, err := s.store.GetBalance(r.Context(), tenantId, models.StoreReward)
	if err != nil {
		zap.L().Error("Failed to get reward balance", zap.String("tenant_id", tenantId), zap.Error(err))
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.TenantBalances{TenantId: tenantId, Credit: credit, Reward: reward})
}

// handleTenantTransactions returns paginated ledger history for one store
func (s *LedgerService) handleTenantTransactions(w http.ResponseWriter, r *http.Request) {
	tenantId := chi.URLParam(r, "id")
	if !canAccessTenant(models.GetActor(r.Context()), tenantId) {
		writeStoreError(w, store.ErrNotFound)
		return
	}

	storeName := r.URL.Query().Get("store")
	if storeName != models.StoreCredit && storeName != models.StoreReward {
		writeBadRequest(w, fmt.Errorf("store must be %q or %q", models.StoreCredit, models.StoreReward))
		return
	}

	limit := queryInt(r, "limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	transactions, err := s.store.ListTransactions(r.Context(), tenantId, storeName, limit, offset)
	if err != nil {
		zap.L().Error("Failed to get transaction history",
			zap.String("tenant_id", tenantId),
			zap.String("store", storeName),
			zap.Error(err))
		writeStoreError(w, err)
		return
	}
	if transactions == nil {
		transactions = []models.MonetaryTransaction{}
	}
	writeJSON(w, http.StatusOK, transactions)
}

// handleGetBitcoinPayment lets the portal poll an address-based payment
func (s *LedgerService) handleGetBitcoinPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.store.GetBitcoinPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !canAccessTenant(models.GetActor(r.Context()), payment.TenantId) {
		writeStoreError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// handleNotifications pages through the outbound notification feed
func (s *LedgerService) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var after int64
	if value := r.URL.Query().Get("after"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			writeBadRequest(w, fmt.Errorf("invalid after cursor %q", value))
			return
		}
		after = parsed
	}

	notifications, err := s.outbox.List(r.Context(), after, queryInt(r, "limit", 100))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}
