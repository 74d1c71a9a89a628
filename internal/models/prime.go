package models

import "time"

// Prime deposit statuses
const (
	PrimeImportPending = "TRANSACTION_IMPORT_PENDING"
	PrimeImported      = "TRANSACTION_IMPORTED"
)

// Portfolio represents a Prime portfolio
type Portfolio struct {
	Id   string
	Name string
}

// Wallet represents a Prime wallet
type Wallet struct {
	Id     string
	Name   string
	Symbol string
	Type   string
}

// DepositAddress represents a Prime deposit address
type DepositAddress struct {
	Id      string
	Address string
	Network string
	Asset   string
}

// PrimeDeposit is a wallet deposit as reported by Prime
type PrimeDeposit struct {
	Id          string    `json:"id"`
	WalletId    string    `json:"wallet_id"`
	Status      string    `json:"status"`
	Symbol      string    `json:"symbol"`
	Amount      string    `json:"amount"`
	Address     string    `json:"address"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}
