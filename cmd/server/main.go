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
	"os"
	"os/signal"
	"syscall"

	"rent-ledger-go/internal/api"
	"rent-ledger-go/internal/common"
	"rent-ledger-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	apiOnly := flag.Bool("api-only", false, "Serve the HTTP API without starting background workers")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Logging)
	defer loggerCleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	zap.L().Info("Starting rent ledger server", zap.String("addr", cfg.Server.Addr))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	stopWorkers := func() {}
	if *apiOnly {
		zap.L().Info("Background workers disabled (--api-only)")
	} else {
		stopWorkers = services.StartWorkers(ctx)
	}

	service := api.NewLedgerService(cfg.Server, api.Deps{
		Store:    services.DbService,
		Engine:   services.Engine,
		Sweeper:  services.RewardSweeper,
		Outbox:   services.Outbox,
		Gateways: services.Gateways,
		Metrics:  services.Metrics,
	})

	if err := service.Run(ctx); err != nil {
		zap.L().Error("HTTP server stopped with error", zap.Error(err))
	}
	cancel()

	zap.L().Info("Stopping workers...")
	common.WaitForShutdown(ctx, cfg.Server.ShutdownTimeout, stopWorkers)
	zap.L().Info("Server stopped")
}
