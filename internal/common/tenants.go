package common

import (
	"context"
	"fmt"

	"rent-ledger-go/internal/store"

	"go.uber.org/zap"
)

// InitializeTenants returns the tenant ids a report should cover. With a
// filter only that tenant is returned; otherwise every tenant with ledger rows.
func InitializeTenants(ctx context.Context, ledger store.LedgerStore, tenantFilter string) ([]string, error) {
	if tenantFilter != "" {
		zap.L().Info("Reporting on a single tenant", zap.String("tenant_id", tenantFilter))
		return []string{tenantFilter}, nil
	}

	tenants, err := ledger.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	zap.L().Info("Retrieved tenants", zap.Int("count", len(tenants)))
	return tenants, nil
}
