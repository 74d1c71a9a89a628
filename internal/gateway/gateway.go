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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"rent-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// Kind groups providers by how they settle.
type Kind string

const (
	KindCard     Kind = "card"
	KindRedirect Kind = "redirect"
	KindBank     Kind = "bank"
	KindManual   Kind = "manual"
	KindBitcoin  Kind = "bitcoin"
)

// PaymentStatus is the provider-side state of a payment.
type PaymentStatus string

const (
	StatusSucceeded PaymentStatus = "succeeded"
	StatusPending   PaymentStatus = "pending"
	StatusFailed    PaymentStatus = "failed"
)

// EventPollCheck marks webhook deliveries from providers that are confirmed by polling.
const EventPollCheck = "poll_check"

var ErrUnknownProvider = errors.New("unknown gateway provider")

// InitiateRequest asks a provider to collect Amount for an invoice. Metadata
// carries provider specific tokens (payment_method, public_token, account_id).
type InitiateRequest struct {
	InvoiceId      string            `json:"invoice_id"`
	TenantId       string            `json:"tenant_id"`
	PropertyId     string            `json:"property_id"`
	Amount         decimal.Decimal   `json:"amount"`
	IdempotencyKey string            `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// InitiateResult is what the provider reported. Collected is only meaningful
// when Status is StatusSucceeded.
type InitiateResult struct {
	TransactionId  string                 `json:"transaction_id"`
	Status         PaymentStatus          `json:"status"`
	Collected      decimal.Decimal        `json:"collected"`
	ClientSecret   string                 `json:"client_secret,omitempty"`
	DepositAddress string                 `json:"deposit_address,omitempty"`
	BitcoinPayment *models.BitcoinPayment `json:"bitcoin_payment,omitempty"`
}

type RefundResult struct {
	RefundId string          `json:"refund_id"`
	Amount   decimal.Decimal `json:"amount"`
	Status   PaymentStatus   `json:"status"`
}

// WebhookEvent is a verified inbound callback. Status is empty when the
// event does not move a payment.
type WebhookEvent struct {
	EventId       string
	EventType     string
	TransactionId string
	Status        PaymentStatus
	Message       string
}

// Gateway is the capability set every payment provider implements.
type Gateway interface {
	Provider() string
	Kind() Kind
	InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	VerifyPayment(ctx context.Context, transactionId string) (PaymentStatus, error)
	RefundPayment(ctx context.Context, transactionId string, amount decimal.Decimal) (*RefundResult, error)
	ClientConfig(ctx context.Context) (map[string]interface{}, error)
	VerifyWebhook(ctx context.Context, header http.Header, body []byte) (*WebhookEvent, error)
	TestConnection(ctx context.Context) error
}

// Registry resolves providers by name, falling back to the configured default.
type Registry struct {
	mu              sync.RWMutex
	gateways        map[string]Gateway
	defaultProvider string
}

func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		gateways:        make(map[string]Gateway),
		defaultProvider: defaultProvider,
	}
}

func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Provider()] = g
}

// Get returns the gateway for provider, or the default one when provider is empty.
func (r *Registry) Get(provider string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if provider == "" {
		provider = r.defaultProvider
	}
	g, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return g, nil
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toCents converts a dollar amount to the integer minor units processors expect.
func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
