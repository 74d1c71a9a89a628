package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rent-ledger-go/internal/common"
	"rent-ledger-go/internal/config"
	"rent-ledger-go/internal/formance"

	"go.uber.org/zap"
)

func main() {
	follow := flag.Bool("follow", false, "Keep exporting on an interval until interrupted")
	interval := flag.Duration("interval", time.Minute, "Export interval when --follow is set")
	verify := flag.Bool("verify", false, "Compare mirrored balances with local snapshots after exporting")
	tenantFlag := flag.String("tenant", "", "Limit --verify to one tenant id (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Logging)
	defer loggerCleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	mirror, err := formance.NewService(ctx, cfg.Formance)
	if err != nil {
		zap.L().Fatal("Failed to connect to Formance", zap.Error(err))
	}
	defer mirror.Close()

	exporter := formance.NewExporter(dbService, mirror, cfg.Formance.BatchSize, *interval)

	if *follow {
		exporter.Start(ctx)
		<-ctx.Done()
		exporter.Stop()
		return
	}

	exported, err := exporter.RunOnce(ctx)
	if err != nil {
		zap.L().Fatal("Export failed", zap.Int("exported", exported), zap.Error(err))
	}
	zap.L().Info("Export complete", zap.Int("exported", exported))

	if !*verify {
		return
	}

	tenants, err := common.InitializeTenants(ctx, dbService, *tenantFlag)
	if err != nil {
		zap.L().Fatal("Failed to initialize tenants", zap.Error(err))
	}
	results, err := mirror.Verify(ctx, dbService, tenants)
	if err != nil {
		zap.L().Fatal("Verification failed", zap.Error(err))
	}

	common.PrintHeader("FORMANCE MIRROR VERIFICATION", common.DefaultWidth)
	mismatches := 0
	for _, r := range results {
		status := "ok"
		if !r.Matches {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("%-36s %-7s local %14s  mirror %14s  %s\n",
			r.TenantId, r.Store, common.FormatMoney(r.Snapshot), common.FormatMoney(r.Calculated), status)
	}
	common.PrintFooter(fmt.Sprintf("SUMMARY: %d stores checked, %d mismatches", len(results), mismatches), common.DefaultWidth)

	if mismatches > 0 {
		os.Exit(1)
	}
}
