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

package bitcoin

import (
	"context"
	"fmt"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RateSource provides the BTC/USD rate used to price a new payment.
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Service issues address-based payments.
type Service struct {
	store   store.BitcoinStore
	prices  RateSource
	indexer Indexer
}

func NewService(s store.BitcoinStore, prices RateSource, indexer Indexer) *Service {
	return &Service{store: s, prices: prices, indexer: indexer}
}

// CreatePayment prices usd at the current rate and allocates the wallet's
// next address. The rate is fetched before any lock is taken.
func (s *Service) CreatePayment(ctx context.Context, invoiceId, tenantId, propertyId string, usd decimal.Decimal) (*models.BitcoinPayment, error) {
	if !usd.IsPositive() {
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidAmount, usd.String())
	}

	wallet, err := s.store.ResolveWallet(ctx, propertyId)
	if err != nil {
		return nil, err
	}
	if wallet.Halted {
		return nil, fmt.Errorf("%w: wallet %s: %s", store.ErrWalletHalted, wallet.Id, wallet.HaltReason)
	}

	rate, err := s.prices.Rate(ctx)
	if err != nil {
		return nil, err
	}
	sats := UsdToSatoshis(usd, rate)
	if sats <= 0 {
		return nil, fmt.Errorf("%w: %s USD is below one satoshi at %s", store.ErrInvalidAmount, usd.String(), rate.String())
	}

	payment, err := s.store.AllocateBitcoinPayment(ctx, store.AllocateBitcoinPaymentParams{
		WalletId:         wallet.Id,
		InvoiceId:        invoiceId,
		TenantId:         tenantId,
		UsdAmount:        usd,
		Rate:             rate,
		ExpectedSatoshis: sats,
		Derive: func(index uint32) (string, error) {
			return DeriveAddress(wallet.Xpub, wallet.Network, index)
		},
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Bitcoin payment created",
		zap.String("bitcoin_payment_id", payment.Id),
		zap.String("invoice_id", invoiceId),
		zap.String("usd", usd.String()),
		zap.String("rate", rate.String()),
		zap.Int64("expected_satoshis", sats),
		zap.Time("expires_at", payment.ExpiresAt))
	return payment, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*models.BitcoinPayment, error) {
	return s.store.GetBitcoinPayment(ctx, id)
}

func (s *Service) CheckIndexer(ctx context.Context) error {
	height, err := s.indexer.TipHeight(ctx)
	if err != nil {
		return err
	}
	zap.L().Debug("Indexer reachable", zap.Int64("tip_height", height))
	return nil
}
