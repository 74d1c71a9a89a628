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

package models

import (
	"github.com/shopspring/decimal"
)

// Settlement source names used in SourceApplication.Source
const (
	SourceCredit  = "credit"
	SourceReward  = "reward"
	SourceGateway = "gateway"
)

// SettleRequest is the inbound settlement request from the portal collaborator
type SettleRequest struct {
	InvoiceId       string            `json:"invoice_id"`
	TenantId        string            `json:"tenant_id"`
	Method          string            `json:"method"`
	RequestedAmount decimal.Decimal   `json:"requested_amount"`
	ApplyCredits    bool              `json:"apply_credits"`
	ApplyRewards    bool              `json:"apply_rewards"`
	Actor           string            `json:"actor,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SourceApplication records what one funding source contributed
type SourceApplication struct {
	Source    string          `json:"source"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	PaymentId string          `json:"payment_id,omitempty"`
	Status    string          `json:"status"`
}

// SettlementFailure describes the step that could not satisfy the remainder
type SettlementFailure struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SettlementResult is returned by every settle call, including partial ones
type SettlementResult struct {
	InvoiceId        string                 `json:"invoice_id"`
	InvoiceStatus    string                 `json:"invoice_status"`
	BalanceDueBefore decimal.Decimal        `json:"balance_due_before"`
	BalanceDueAfter  decimal.Decimal        `json:"balance_due_after"`
	CreditApplied    decimal.Decimal        `json:"credit_applied"`
	RewardApplied    decimal.Decimal        `json:"reward_applied"`
	GatewayCollected decimal.Decimal        `json:"gateway_collected"`
	Overpayment      decimal.Decimal        `json:"overpayment"`
	Applications     []SourceApplication    `json:"applications"`
	BitcoinPayment   *BitcoinPayment        `json:"bitcoin_payment,omitempty"`
	ClientConfig     map[string]interface{} `json:"client_config,omitempty"`
	Failure          *SettlementFailure     `json:"failure,omitempty"`
}

// Applied is the total contributed by every completed source
func (r *SettlementResult) Applied() decimal.Decimal {
	return r.CreditApplied.Add(r.RewardApplied).Add(r.GatewayCollected)
}

// TenantBalances is the balance view returned to the UI collaborator
type TenantBalances struct {
	TenantId string   `json:"tenant_id"`
	Credit   *Balance `json:"credit"`
	Reward   *Balance `json:"reward"`
}

// ReconcileResult compares a snapshot against the sum of its ledger rows
type ReconcileResult struct {
	TenantId   string          `json:"tenant_id"`
	Store      string          `json:"store"`
	Snapshot   decimal.Decimal `json:"snapshot"`
	Calculated decimal.Decimal `json:"calculated"`
	Matches    bool            `json:"matches"`
}

// RefundResult reports the outcome of a refund or reward reversal
type RefundResult struct {
	Success   bool            `json:"success"`
	PaymentId string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	RefundId  string          `json:"refund_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}
