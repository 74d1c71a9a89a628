package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"rent-ledger-go/internal/bitcoin"
	"rent-ledger-go/internal/database"
	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/notify"
	"rent-ledger-go/internal/prime"
	"rent-ledger-go/internal/rewards"
	"rent-ledger-go/internal/settlement"
	"rent-ledger-go/internal/store"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	Config            *models.Config
	DbService         *database.Service
	Metrics           *metrics.Metrics
	Outbox            *notify.Outbox
	Locks             *store.KeyedMutex
	Gateways          *gateway.Registry
	PrimeService      *prime.Service
	Prices            *bitcoin.PriceFeed
	Indexer           *bitcoin.MempoolIndexer
	Bitcoin           *bitcoin.Service
	Monitor           *bitcoin.Monitor
	Evaluator         *rewards.Evaluator
	RewardSweeper     *rewards.Sweeper
	Engine            *settlement.Engine
	SettlementSweeper *settlement.Sweeper
}

// InitializeLogger installs the global zap logger. When a log file is
// configured, JSON output is teed into a size-rotated file as well.
func InitializeLogger(cfg models.LoggingConfig) (*zap.Logger, func()) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(os.Stderr), level),
	}

	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
		if rotator != nil {
			_ = rotator.Close()
		}
	}

	return logger, cleanup
}

// InitializeServices wires the store, gateways, bitcoin payment machinery,
// reward evaluator and settlement engine. Nothing is started here.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	svc := &Services{
		Config:    cfg,
		DbService: dbService,
		Metrics:   metrics.New(),
		Outbox:    notify.NewOutbox(dbService),
		Locks:     store.NewKeyedMutex(),
	}

	httpClient, err := prime.NewHttpClient(cfg.Gateways.HTTPTimeout)
	if err != nil {
		dbService.Close()
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}
	btcClient, err := prime.NewHttpClient(cfg.Bitcoin.HTTPTimeout)
	if err != nil {
		dbService.Close()
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	svc.Prices = bitcoin.NewPriceFeed(cfg.Bitcoin.PriceURL, cfg.Bitcoin.PriceTTL, btcClient, dbService, svc.Metrics)
	svc.Indexer = bitcoin.NewMempoolIndexer(cfg.Bitcoin.IndexerURL, btcClient, cfg.Bitcoin.IndexerRatePerSec)
	svc.Bitcoin = bitcoin.NewService(dbService, svc.Prices, svc.Indexer)

	svc.Gateways = gateway.NewRegistry(cfg.Gateways.DefaultProvider)
	register := func(g gateway.Gateway) {
		svc.Gateways.Register(gateway.Idempotent(g, dbService))
	}
	register(gateway.NewStripeGateway(cfg.Gateways.Stripe, httpClient))
	register(gateway.NewAuthorizeNetGateway(cfg.Gateways.AuthorizeNet, httpClient))
	register(gateway.NewPlaidACHGateway(cfg.Gateways.PlaidACH, httpClient))
	register(gateway.NewManualGateway())
	register(gateway.NewBitcoinGateway(svc.Bitcoin, cfg.Bitcoin.Network))

	if cfg.Prime.Enabled() {
		zap.L().Info("Loading Prime API credentials")
		primeService, err := prime.NewService(&credentials.Credentials{
			AccessKey:  cfg.Prime.AccessKey,
			Passphrase: cfg.Prime.Passphrase,
			SigningKey: cfg.Prime.SigningKey,
		}, httpClient)
		if err != nil {
			dbService.Close()
			return nil, err
		}
		svc.PrimeService = primeService
		register(gateway.NewPrimeGateway(primeService, cfg.Prime))
	} else {
		zap.L().Info("Prime credentials not set, wallet gateway disabled")
	}

	svc.Evaluator = rewards.NewEvaluator(dbService, svc.Outbox, svc.Metrics)
	svc.RewardSweeper = rewards.NewSweeper(svc.Evaluator, svc.Locks, cfg.Rewards.SweepInterval)

	svc.Engine = settlement.NewEngine(dbService, svc.Gateways, svc.Evaluator, svc.Outbox, svc.Metrics, svc.Locks)
	svc.Engine.SetMinAutoApply(cfg.Workers.MinAutoApply)
	svc.SettlementSweeper = settlement.NewSweeper(svc.Engine, settlement.SweepConfig{
		AutoApplyInterval: cfg.Workers.AutoApplyInterval,
		OverdueInterval:   cfg.Workers.OverdueInterval,
		ReconcileInterval: cfg.Workers.ReconcileInterval,
	})

	svc.Monitor = bitcoin.NewMonitor(dbService, svc.Indexer, svc.Engine, svc.Outbox, svc.Metrics, bitcoin.MonitorConfig{
		PollInterval: cfg.Bitcoin.PollInterval,
	})

	zap.L().Info("Services initialized",
		zap.Strings("gateways", svc.Gateways.Providers()),
		zap.String("default_gateway", cfg.Gateways.DefaultProvider),
		zap.String("bitcoin_network", cfg.Bitcoin.Network))
	return svc, nil
}

// InitializeDatabaseOnly initializes just the database service
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

// StartWorkers launches the bitcoin monitor, the streak sweep and the
// settlement sweeps. The returned function stops them all.
func (cs *Services) StartWorkers(ctx context.Context) func() {
	cs.Monitor.Start(ctx)
	cs.RewardSweeper.Start(ctx)
	cs.SettlementSweeper.Start(ctx)

	return func() {
		var wg sync.WaitGroup
		for _, stop := range []func(){cs.Monitor.Stop, cs.RewardSweeper.Stop, cs.SettlementSweeper.Stop} {
			wg.Add(1)
			go func(stop func()) {
				defer wg.Done()
				stop()
			}(stop)
		}
		wg.Wait()
	}
}

// WaitForShutdown blocks until ctx is done, then gives stop at most timeout.
func WaitForShutdown(ctx context.Context, timeout time.Duration, stop func()) {
	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		zap.L().Warn("Shutdown timed out", zap.Duration("timeout", timeout))
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
