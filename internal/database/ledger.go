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

package database

import (
	"context"
	"database/sql"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"
)

// Ledger convenience methods

func (s *Service) Append(ctx context.Context, params store.AppendParams) (*models.MonetaryTransaction, error) {
	var transaction *models.MonetaryTransaction
	err := s.withTenantTx(ctx, params.TenantId, func(tx *sql.Tx) error {
		var err error
		transaction, err = s.subledger.processTransactionTx(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantId, ledgerStore string) (*models.Balance, error) {
	return s.subledger.GetBalance(ctx, tenantId, ledgerStore)
}

func (s *Service) ListTransactions(ctx context.Context, tenantId, ledgerStore string, limit, offset int) ([]models.MonetaryTransaction, error) {
	return s.subledger.GetTransactionHistory(ctx, tenantId, ledgerStore, limit, offset)
}

func (s *Service) ListTransactionsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.MonetaryTransaction, error) {
	return s.subledger.GetTransactionsAfter(ctx, afterSeq, limit)
}

func (s *Service) Reconcile(ctx context.Context, tenantId, ledgerStore string) (*models.ReconcileResult, error) {
	return s.subledger.ReconcileBalance(ctx, tenantId, ledgerStore)
}

func (s *Service) ListTenants(ctx context.Context) ([]string, error) {
	return s.subledger.ListTenants(ctx)
}
