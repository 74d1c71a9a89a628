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

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rent-ledger-go/internal/gateway"
	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/notify"
	"rent-ledger-go/internal/rewards"
	"rent-ledger-go/internal/settlement"
	"rent-ledger-go/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Deps are the services the HTTP surface fronts.
type Deps struct {
	Store    store.Store
	Engine   *settlement.Engine
	Sweeper  *rewards.Sweeper
	Outbox   *notify.Outbox
	Gateways *gateway.Registry
	Metrics  *metrics.Metrics
}

// LedgerService serves the settlement, balance, admin and webhook routes.
type LedgerService struct {
	cfg      models.ServerConfig
	store    store.Store
	engine   *settlement.Engine
	sweeper  *rewards.Sweeper
	outbox   *notify.Outbox
	gateways *gateway.Registry
	metrics  *metrics.Metrics
	notifier notify.Notifier
	auth     *authenticator
	limiter  *rateLimiter
}

func NewLedgerService(cfg models.ServerConfig, deps Deps) *LedgerService {
	var notifier notify.Notifier = notify.Discard{}
	if deps.Outbox != nil {
		notifier = deps.Outbox
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &LedgerService{
		cfg:      cfg,
		store:    deps.Store,
		engine:   deps.Engine,
		sweeper:  deps.Sweeper,
		outbox:   deps.Outbox,
		gateways: deps.Gateways,
		metrics:  deps.Metrics,
		notifier: notifier,
		auth:     newAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		limiter:  newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}
}

// Router builds the route tree. Webhooks and health checks are unauthenticated.
func (s *LedgerService) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(s.limiter.middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Post("/invoices", s.handleCreateInvoice)
		r.Get("/invoices/{id}", s.handleGetInvoice)
		r.Post("/invoices/{id}/settle", s.handleSettle)
		r.Post("/invoices/{id}/manual-payments", s.handleManualPayment)

		r.Get("/tenants/{id}/balances", s.handleTenantBalances)
		r.Get("/tenants/{id}/transactions", s.handleTenantTransactions)

		r.Get("/bitcoin-payments/{id}", s.handleGetBitcoinPayment)

		r.Group(func(r chi.Router) {
			r.Use(requireRole("admin", "service"))
			r.Get("/notifications", s.handleNotifications)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole("admin"))
			r.Post("/payments/{id}/refund", s.handleRefund)
			r.Post("/admin/rewards/grant", s.handleGrantReward)
			r.Post("/admin/rewards/adjust", s.handleAdjustReward)
			r.Post("/admin/rewards/evaluate", s.handleEvaluateRewards)
			r.Get("/admin/anomalies", s.handleAnomalies)
			r.Get("/admin/gateways/{provider}/test", s.handleGatewayTest)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *LedgerService) Run(ctx context.Context) error {
	if s.cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set to serve the API")
	}

	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	zap.L().Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errChan
}

func (s *LedgerService) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
