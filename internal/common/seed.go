package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rent-ledger-go/internal/bitcoin"
	"rent-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type WalletSeed struct {
	Id                    string `yaml:"id"`
	PropertyId            string `yaml:"property_id"`
	Xpub                  string `yaml:"xpub"`
	Network               string `yaml:"network"`
	PaymentWindow         string `yaml:"payment_window"`
	RequiredConfirmations int    `yaml:"required_confirmations"`
	ToleranceSatoshis     int64  `yaml:"tolerance_satoshis"`
}

type StreakTierSeed struct {
	Name           string `yaml:"name"`
	MonthsRequired int    `yaml:"months_required"`
	Amount         string `yaml:"amount"`
	Recurring      bool   `yaml:"recurring"`
}

type PrepaymentTierSeed struct {
	Threshold string `yaml:"threshold"`
	Amount    string `yaml:"amount"`
}

type RewardConfigSeed struct {
	PropertyId        string               `yaml:"property_id"`
	RewardsEnabled    bool                 `yaml:"rewards_enabled"`
	StreakEnabled     bool                 `yaml:"streak_enabled"`
	PrepaymentEnabled bool                 `yaml:"prepayment_enabled"`
	AutoApply         bool                 `yaml:"auto_apply"`
	StreakTiers       []StreakTierSeed     `yaml:"streak_tiers"`
	PrepaymentTiers   []PrepaymentTierSeed `yaml:"prepayment_tiers"`
}

// SeedFile is the YAML document cmd/setup applies.
type SeedFile struct {
	Wallets       []WalletSeed       `yaml:"wallets"`
	RewardConfigs []RewardConfigSeed `yaml:"reward_configs"`
	// Gateways lists providers whose connectivity setup should check.
	Gateways []string `yaml:"gateways"`
}

// Seed is a validated SeedFile converted to domain models.
type Seed struct {
	Wallets       []models.BitcoinWallet
	RewardConfigs []models.RewardConfig
	Gateways      []string
}

func LoadSeed(seedFile string, defaults models.BitcoinConfig) (*Seed, error) {
	seedPath := seedFile
	if !filepath.IsAbs(seedFile) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		seedPath = filepath.Join(wd, seedFile)
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", seedFile, err)
	}
	return ParseSeed(data, defaults)
}

// ParseSeed validates a seed document. Wallet fields left out take the
// configured bitcoin defaults.
func ParseSeed(data []byte, defaults models.BitcoinConfig) (*Seed, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse seed: %w", err)
	}

	seed := &Seed{Gateways: file.Gateways}

	for i, w := range file.Wallets {
		network := w.Network
		if network == "" {
			network = defaults.Network
		}
		if err := bitcoin.ValidateXpub(w.Xpub, network); err != nil {
			return nil, fmt.Errorf("wallet at index %d: %w", i, err)
		}

		window := defaults.PaymentWindow
		if w.PaymentWindow != "" {
			parsed, err := time.ParseDuration(w.PaymentWindow)
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("wallet at index %d has invalid payment_window %q", i, w.PaymentWindow)
			}
			window = parsed
		}
		confirmations := w.RequiredConfirmations
		if confirmations <= 0 {
			confirmations = defaults.RequiredConfirmations
		}
		tolerance := w.ToleranceSatoshis
		if tolerance == 0 {
			tolerance = defaults.ToleranceSatoshis
		}
		if tolerance < 0 {
			return nil, fmt.Errorf("wallet at index %d has negative tolerance", i)
		}

		id := w.Id
		if id == "" {
			id = "wallet-default"
			if w.PropertyId != "" {
				id = "wallet-" + w.PropertyId
			}
		}

		seed.Wallets = append(seed.Wallets, models.BitcoinWallet{
			Id:                    id,
			PropertyId:            w.PropertyId,
			Xpub:                  w.Xpub,
			Network:               network,
			PaymentWindow:         window,
			RequiredConfirmations: confirmations,
			ToleranceSatoshis:     tolerance,
		})
	}

	for i, rc := range file.RewardConfigs {
		if rc.PropertyId == "" {
			return nil, fmt.Errorf("reward config at index %d missing property_id", i)
		}
		cfg := models.RewardConfig{
			PropertyId:        rc.PropertyId,
			RewardsEnabled:    rc.RewardsEnabled,
			StreakEnabled:     rc.StreakEnabled,
			PrepaymentEnabled: rc.PrepaymentEnabled,
			AutoApply:         rc.AutoApply,
		}
		for j, tier := range rc.StreakTiers {
			amount, err := seedAmount(tier.Amount)
			if err != nil {
				return nil, fmt.Errorf("reward config %s streak tier %d: %w", rc.PropertyId, j, err)
			}
			if tier.MonthsRequired <= 0 {
				return nil, fmt.Errorf("reward config %s streak tier %d: months_required must be positive", rc.PropertyId, j)
			}
			cfg.StreakTiers = append(cfg.StreakTiers, models.StreakTier{
				Name:           tier.Name,
				MonthsRequired: tier.MonthsRequired,
				Amount:         amount,
				Recurring:      tier.Recurring,
			})
		}
		for j, tier := range rc.PrepaymentTiers {
			threshold, err := seedAmount(tier.Threshold)
			if err != nil {
				return nil, fmt.Errorf("reward config %s prepayment tier %d threshold: %w", rc.PropertyId, j, err)
			}
			amount, err := seedAmount(tier.Amount)
			if err != nil {
				return nil, fmt.Errorf("reward config %s prepayment tier %d amount: %w", rc.PropertyId, j, err)
			}
			cfg.PrepaymentTiers = append(cfg.PrepaymentTiers, models.PrepaymentTier{Threshold: threshold, Amount: amount})
		}
		seed.RewardConfigs = append(seed.RewardConfigs, cfg)
	}

	return seed, nil
}

func seedAmount(value string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", value)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount %q must be positive", value)
	}
	return amount, nil
}

// SeedStore is what ApplySeed writes to.
type SeedStore interface {
	CreateWallet(ctx context.Context, wallet models.BitcoinWallet) (*models.BitcoinWallet, error)
	SaveRewardConfig(ctx context.Context, cfg *models.RewardConfig) error
}

// ApplySeed creates wallets and upserts reward configs. Re-running it is safe.
func ApplySeed(ctx context.Context, s SeedStore, seed *Seed) error {
	for _, w := range seed.Wallets {
		wallet, err := s.CreateWallet(ctx, w)
		if err != nil {
			return fmt.Errorf("failed to create wallet for property %q: %w", w.PropertyId, err)
		}
		zap.L().Info("Wallet ready",
			zap.String("wallet_id", wallet.Id),
			zap.String("property_id", wallet.PropertyId),
			zap.Uint32("next_index", wallet.NextIndex))
	}

	for i := range seed.RewardConfigs {
		cfg := &seed.RewardConfigs[i]
		if err := s.SaveRewardConfig(ctx, cfg); err != nil {
			return fmt.Errorf("failed to save reward config for property %s: %w", cfg.PropertyId, err)
		}
	}
	return nil
}
