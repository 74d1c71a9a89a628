package main

import (
	"context"
	"flag"
	"fmt"

	"rent-ledger-go/internal/common"
	"rent-ledger-go/internal/config"
	"rent-ledger-go/internal/models"

	"go.uber.org/zap"
)

// getOrCreateWallet retrieves an existing trading wallet or creates a new one
func getOrCreateWallet(ctx context.Context, services *common.Services, portfolioId, assetSymbol string) (*models.Wallet, error) {
	zap.L().Debug("Listing wallets for asset", zap.String("asset", assetSymbol))
	wallets, err := services.PrimeService.ListWallets(ctx, portfolioId, "TRADING", []string{assetSymbol})
	if err != nil {
		zap.L().Error("Error listing wallets",
			zap.String("asset", assetSymbol),
			zap.Error(err))
		return nil, err
	}

	if len(wallets) > 0 {
		wallet := &wallets[0]
		zap.L().Info("Using existing wallet",
			zap.String("asset", assetSymbol),
			zap.String("wallet_name", wallet.Name),
			zap.String("wallet_id", wallet.Id))
		return wallet, nil
	}

	walletName := fmt.Sprintf("%s Rent Collection Wallet", assetSymbol)
	zap.L().Info("Creating new wallet",
		zap.String("asset", assetSymbol),
		zap.String("wallet_name", walletName))

	wallet, err := services.PrimeService.CreateWallet(ctx, portfolioId, walletName, assetSymbol, "TRADING")
	if err != nil {
		zap.L().Error("Error creating wallet",
			zap.String("asset", assetSymbol),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Created new wallet",
		zap.String("asset", assetSymbol),
		zap.String("wallet_name", wallet.Name),
		zap.String("wallet_id", wallet.Id))
	return wallet, nil
}

// provisionPrimeWallet makes sure a Prime wallet exists for the configured
// asset and prints the ids the wallet gateway needs.
func provisionPrimeWallet(ctx context.Context, services *common.Services) error {
	if services.PrimeService == nil {
		return fmt.Errorf("prime credentials are not configured")
	}
	cfg := services.Config.Prime

	portfolioId := cfg.PortfolioId
	if portfolioId == "" {
		portfolio, err := services.PrimeService.FindDefaultPortfolio(ctx)
		if err != nil {
			return fmt.Errorf("failed to find default portfolio: %w", err)
		}
		portfolioId = portfolio.Id
		zap.L().Info("Using default portfolio",
			zap.String("portfolio_id", portfolio.Id),
			zap.String("portfolio_name", portfolio.Name))
	}

	wallet, err := getOrCreateWallet(ctx, services, portfolioId, cfg.Asset)
	if err != nil {
		return err
	}

	fmt.Printf("PRIME_PORTFOLIO_ID=%s\n", portfolioId)
	fmt.Printf("PRIME_WALLET_ID=%s\n", wallet.Id)
	return nil
}

// checkGateways calls TestConnection on every provider the seed lists.
func checkGateways(ctx context.Context, services *common.Services, providers []string) int {
	failed := 0
	for _, provider := range providers {
		g, err := services.Gateways.Get(provider)
		if err != nil {
			zap.L().Error("Gateway not registered", zap.String("provider", provider), zap.Error(err))
			failed++
			continue
		}
		if err := g.TestConnection(ctx); err != nil {
			zap.L().Error("Gateway connectivity check failed", zap.String("provider", provider), zap.Error(err))
			failed++
			continue
		}
		zap.L().Info("Gateway reachable", zap.String("provider", provider))
	}
	return failed
}

func main() {
	ctx := context.Background()

	seedFlag := flag.String("seed", "", "Path to the seed YAML (defaults to SEED_FILE)")
	skipChecks := flag.Bool("skip-gateway-checks", false, "Do not test gateway connectivity")
	primeWallet := flag.Bool("prime-wallet", false, "Find or create the Prime wallet used by the prime gateway")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Logging)
	defer loggerCleanup()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	seedFile := *seedFlag
	if seedFile == "" {
		seedFile = cfg.Rewards.SeedFile
	}

	zap.L().Info("Loading seed", zap.String("file", seedFile))
	seed, err := common.LoadSeed(seedFile, cfg.Bitcoin)
	if err != nil {
		zap.L().Fatal("Failed to load seed", zap.Error(err))
	}
	zap.L().Info("Seed loaded",
		zap.Int("wallets", len(seed.Wallets)),
		zap.Int("reward_configs", len(seed.RewardConfigs)),
		zap.Strings("gateways", seed.Gateways))

	if err := common.ApplySeed(ctx, services.DbService, seed); err != nil {
		zap.L().Fatal("Failed to apply seed", zap.Error(err))
	}

	if *primeWallet {
		if err := provisionPrimeWallet(ctx, services); err != nil {
			zap.L().Fatal("Failed to provision Prime wallet", zap.Error(err))
		}
	}

	if *skipChecks {
		zap.L().Info("Setup complete, gateway checks skipped")
		return
	}

	if failed := checkGateways(ctx, services, seed.Gateways); failed > 0 {
		zap.L().Warn("Setup completed with unreachable gateways",
			zap.Int("failed", failed),
			zap.Int("checked", len(seed.Gateways)))
		return
	}
	zap.L().Info("Setup complete", zap.Int("gateways_checked", len(seed.Gateways)))
}
