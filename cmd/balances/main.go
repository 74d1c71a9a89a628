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

package main

import (
	"context"
	"flag"
	"fmt"

	"rent-ledger-go/internal/common"
	"rent-ledger-go/internal/config"
	"rent-ledger-go/internal/database"
	"rent-ledger-go/internal/models"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalTenants       int
	tenantsWithBalance int
	mismatches         int
}

func printBalance(balance *models.Balance, reconcile *models.ReconcileResult, isLast bool) {
	symbol := common.BoxPrefix(isLast)
	status := "ok"
	if !reconcile.Matches {
		status = "MISMATCH ledger=" + common.FormatMoney(reconcile.Calculated)
	}

	fmt.Printf("%s %-8s: %14s (v%d, last_tx: %s, updated: %s) %s\n",
		symbol,
		balance.Store,
		common.FormatMoney(balance.Balance),
		balance.Version,
		common.ShortId(balance.LastTransactionId),
		balance.UpdatedAt.Format("2006-01-02 15:04:05"),
		status)
}

func printTenantHeader(tenantId string) {
	fmt.Printf("\n┌─ Tenant: %s\n", tenantId)
	common.PrintBoxSeparator(78)
}

// processTenant prints both stores and returns whether any balance is
// non-zero and how many stores failed reconciliation.
func processTenant(ctx context.Context, tenantId string, dbService *database.Service) (bool, int, error) {
	stores := []string{models.StoreCredit, models.StoreReward}
	balances := make([]*models.Balance, 0, len(stores))
	reconciled := make([]*models.ReconcileResult, 0, len(stores))

	hasBalance := false
	for _, ledgerStore := range stores {
		balance, err := dbService.GetBalance(ctx, tenantId, ledgerStore)
		if err != nil {
			return false, 0, fmt.Errorf("failed to get %s balance: %w", ledgerStore, err)
		}
		result, err := dbService.Reconcile(ctx, tenantId, ledgerStore)
		if err != nil {
			return false, 0, fmt.Errorf("failed to reconcile %s balance: %w", ledgerStore, err)
		}
		if !balance.Balance.IsZero() {
			hasBalance = true
		}
		balances = append(balances, balance)
		reconciled = append(reconciled, result)
	}

	mismatches := 0
	printTenantHeader(tenantId)
	for i := range balances {
		printBalance(balances[i], reconciled[i], i == len(balances)-1)
		if !reconciled[i].Matches {
			mismatches++
			zap.L().Warn("Balance snapshot does not match ledger",
				zap.String("tenant_id", tenantId),
				zap.String("store", reconciled[i].Store),
				zap.String("snapshot", reconciled[i].Snapshot.String()),
				zap.String("calculated", reconciled[i].Calculated.String()))
		}
	}

	return hasBalance, mismatches, nil
}

func processTenantsAndGenerateReport(ctx context.Context, tenants []string, dbService *database.Service) balanceStats {
	stats := balanceStats{}

	for _, tenantId := range tenants {
		stats.totalTenants++

		hasBalance, mismatches, err := processTenant(ctx, tenantId, dbService)
		if err != nil {
			zap.L().Error("Failed to process tenant",
				zap.String("tenant_id", tenantId),
				zap.Error(err))
			continue
		}

		if hasBalance {
			stats.tenantsWithBalance++
		}
		stats.mismatches += mismatches
	}

	return stats
}

func main() {
	ctx := context.Background()

	tenantFlag := flag.String("tenant", "", "Filter by specific tenant id (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Logging)
	defer loggerCleanup()

	zap.L().Info("Starting balance query")

	// Read-only: no gateways or workers needed
	zap.L().Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	tenants, err := common.InitializeTenants(ctx, dbService, *tenantFlag)
	if err != nil {
		zap.L().Fatal("Failed to initialize tenants", zap.Error(err))
	}

	common.PrintHeader("TENANT BALANCE REPORT", common.DefaultWidth)

	stats := processTenantsAndGenerateReport(ctx, tenants, dbService)

	summary := fmt.Sprintf("SUMMARY: %d of %d tenants hold credit or rewards, %d reconciliation mismatches",
		stats.tenantsWithBalance, stats.totalTenants, stats.mismatches)
	common.PrintFooter(summary, common.DefaultWidth)

	zap.L().Info("Balance query completed",
		zap.Int("tenants_queried", stats.totalTenants),
		zap.Int("tenants_with_balance", stats.tenantsWithBalance),
		zap.Int("mismatches", stats.mismatches))
}
