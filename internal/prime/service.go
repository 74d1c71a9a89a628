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

package prime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/retry"

	"github.com/coinbase-samples/core-go"
	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/portfolios"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

type Service struct {
	client          client.RestClient
	retry           retry.Policy
	portfoliosSvc   portfolios.PortfoliosService
	walletsSvc      wallets.WalletsService
	transactionsSvc transactions.TransactionsService
}

// NewService builds the Prime client on the shared HTTP client. A nil
// client gets a dedicated one with a 60 second timeout.
func NewService(creds *credentials.Credentials, httpClient *http.Client) (*Service, error) {
	if httpClient == nil {
		var err error
		httpClient, err = NewHttpClient(60 * time.Second)
		if err != nil {
			return nil, fmt.Errorf("unable to create custom http client: %w", err)
		}
	}

	restClient := client.NewRestClient(creds, *httpClient)

	return &Service{
		client:          restClient,
		retry:           retry.DefaultPolicy(),
		portfoliosSvc:   portfolios.NewPortfoliosService(restClient),
		walletsSvc:      wallets.NewWalletsService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
	}, nil
}

// NewHttpClient builds the HTTP/2 capable client shared by every outbound
// integration (Prime, card processors, the blockchain indexer, the price feed).
func NewHttpClient(timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// transient marks 429, 5xx and transport failures as retryable. Read calls
// go through it; address and wallet creation run once.
func (s *Service) transient(ctx context.Context, err error) error {
	var apiErr *core.ApiError
	if err == nil || ctx.Err() != nil || !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.CodeReceived == 0 || retry.RetryableStatus(apiErr.CodeReceived) {
		return retry.Transient(err)
	}
	return err
}

func (s *Service) ListPortfolios(ctx context.Context) ([]models.Portfolio, error) {
	request := &portfolios.ListPortfoliosRequest{}

	response, err := retry.DoValue(ctx, s.retry, "prime.list_portfolios", func() (*portfolios.ListPortfoliosResponse, error) {
		response, err := s.portfoliosSvc.ListPortfolios(ctx, request)
		return response, s.transient(ctx, err)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list portfolios: %w", err)
	}

	portfolioList := make([]models.Portfolio, len(response.Portfolios))
	for i, p := range response.Portfolios {
		portfolioList[i] = models.Portfolio{
			Id:   p.Id,
			Name: p.Name,
		}
	}

	return portfolioList, nil
}

func (s *Service) FindDefaultPortfolio(ctx context.Context) (*models.Portfolio, error) {
	portfolioList, err := s.ListPortfolios(ctx)
	if err != nil {
		return nil, err
	}

	for _, portfolio := range portfolioList {
		if portfolio.Name == "Default Portfolio" {
			return &portfolio, nil
		}
	}

	return nil, fmt.Errorf("default portfolio not found")
}

func (s *Service) ListWallets(ctx context.Context, portfolioId, walletType string, symbols []string) ([]models.Wallet, error) {
	request := &wallets.ListWalletsRequest{
		PortfolioId: portfolioId,
		Type:        walletType,
		Symbols:     symbols,
	}

	response, err := retry.DoValue(ctx, s.retry, "prime.list_wallets", func() (*wallets.ListWalletsResponse, error) {
		response, err := s.walletsSvc.ListWallets(ctx, request)
		return response, s.transient(ctx, err)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list wallets: %w", err)
	}

	walletList := make([]models.Wallet, len(response.Wallets))
	for i, w := range response.Wallets {
		walletList[i] = models.Wallet{
			Id:     w.Id,
			Name:   w.Name,
			Symbol: w.Symbol,
			Type:   w.Type,
		}
	}

	return walletList, nil
}

// CreateDepositAddress issues a fresh address on the wallet; the wallet
// gateway gives one to every payment so deposits can be matched by address.
func (s *Service) CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error) {
	request := &wallets.CreateWalletAddressRequest{
		PortfolioId: portfolioId,
		WalletId:    walletId,
		NetworkId:   network,
	}

	response, err := s.walletsSvc.CreateWalletAddress(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("unable to create wallet address: %w", err)
	}

	return &models.DepositAddress{
		Id:      response.AccountIdentifier,
		Address: response.Address,
		Network: network,
		Asset:   asset,
	}, nil
}

func (s *Service) CreateWallet(ctx context.Context, portfolioId, name, symbol, walletType string) (*models.Wallet, error) {
	request := &wallets.CreateWalletRequest{
		PortfolioId:    portfolioId,
		Name:           name,
		Symbol:         symbol,
		Type:           walletType,
		IdempotencyKey: uuid.New().String(),
	}

	response, err := s.walletsSvc.CreateWallet(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("unable to create wallet: %w", err)
	}

	return &models.Wallet{
		Id:     response.ActivityId,
		Name:   response.Name,
		Symbol: response.Symbol,
		Type:   response.Type,
	}, nil
}

// ListWalletDeposits fetches deposits into a wallet since startTime
func (s *Service) ListWalletDeposits(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeDeposit, error) {
	zap.L().Debug("Making Prime API request",
		zap.String("portfolio_id", portfolioId),
		zap.String("wallet_id", walletId),
		zap.String("start_time", startTime.UTC().Format("2006-01-02T15:04:05Z")))

	request := &transactions.ListWalletTransactionsRequest{
		PortfolioId: portfolioId,
		WalletId:    walletId,
		Start:       startTime,
		Types:       []string{"DEPOSIT"},
		Pagination: &model.PaginationParams{
			Limit: 500,
		},
	}

	response, err := retry.DoValue(ctx, s.retry, "prime.list_wallet_transactions", func() (*transactions.ListWalletTransactionsResponse, error) {
		response, err := s.transactionsSvc.ListWalletTransactions(ctx, request)
		return response, s.transient(ctx, err)
	})
	if err != nil {
		zap.L().Error("Failed to list wallet transactions",
			zap.String("wallet_id", walletId),
			zap.Error(err))
		return nil, fmt.Errorf("unable to list wallet transactions: %w", err)
	}

	deposits := make([]models.PrimeDeposit, 0, len(response.Transactions))
	for _, tx := range response.Transactions {
		deposit := models.PrimeDeposit{
			Id:          tx.Id,
			WalletId:    walletId,
			Status:      tx.Status,
			Symbol:      tx.Symbol,
			Amount:      tx.Amount,
			CreatedAt:   tx.Created,
			CompletedAt: tx.Completed,
		}
		if tx.TransferTo != nil {
			deposit.Address = tx.TransferTo.Address
		}
		deposits = append(deposits, deposit)
	}

	zap.L().Debug("Prime API response received",
		zap.String("wallet_id", walletId),
		zap.Int("count", len(deposits)))

	return deposits, nil
}
