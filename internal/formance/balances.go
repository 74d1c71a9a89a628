package formance

import (
	"context"
	"fmt"
	"math/big"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TenantBalance returns what the mirror holds for a tenant store.
// An account Formance has never seen has a zero balance.
func (s *Service) TenantBalance(ctx context.Context, tenantId, ledgerStore string) (decimal.Decimal, error) {
	address := tenantAccount(tenantId, ledgerStore)
	zap.L().Debug("Getting tenant balance from Formance", zap.String("address", address))

	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if isNotFoundError(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get account %s: %w", address, err)
	}

	return bigIntToDecimal(volumeBalance(resp.V2AccountResponse.Data.Volumes, formanceAsset())), nil
}

// Verify compares the mirrored balance of every tenant store with the local
// snapshot and returns one result per store.
func (s *Service) Verify(ctx context.Context, ledger store.LedgerStore, tenants []string) ([]models.ReconcileResult, error) {
	var results []models.ReconcileResult
	for _, tenantId := range tenants {
		for _, ledgerStore := range []string{models.StoreCredit, models.StoreReward} {
			local, err := ledger.GetBalance(ctx, tenantId, ledgerStore)
			if err != nil {
				return nil, err
			}
			mirrored, err := s.TenantBalance(ctx, tenantId, ledgerStore)
			if err != nil {
				return nil, err
			}
			results = append(results, models.ReconcileResult{
				TenantId:   tenantId,
				Store:      ledgerStore,
				Snapshot:   local.Balance,
				Calculated: mirrored,
				Matches:    local.Balance.Equal(mirrored),
			})
		}
	}
	return results, nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// bigIntToDecimal converts cents to dollars.
func bigIntToDecimal(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -usdPrecision)
}

// toSmallestUnit converts an absolute dollar amount to cents.
func toSmallestUnit(amount decimal.Decimal) *big.Int {
	return amount.Abs().Round(usdPrecision).Shift(usdPrecision).BigInt()
}
