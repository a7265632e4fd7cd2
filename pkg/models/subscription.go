package models

import (
	"time"
)

// SubscriptionStatus mirrors the status kept by the autopay contract.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionCompleted SubscriptionStatus = "completed"
)

// AutopaySubscription is the off-chain view of a recurring billing agreement.
// Strikes and cancellation are decided by the contract; these fields only cache its outcome.
type AutopaySubscription struct {
	ID              string `json:"id"`
	Subscriber      string `json:"subscriber"`
	Merchant        string `json:"merchant"`
	ContractAddress string `json:"contract_address"`
	// EscrowBalance is a display-only cache of the contract's escrow, raised by verified
	// deposits and lowered as charges broadcast. Besides display it only feeds the advisory
	// low-balance notice. Whether a charge succeeds is up to the contract's own balance.
	EscrowBalance     int64              `json:"escrow_balance"`
	AmountPerInterval int64              `json:"amount_per_interval"`
	IntervalBlocks    uint64             `json:"interval_blocks"`
	Strikes           int                `json:"strikes"`
	Status            SubscriptionStatus `json:"status"`
	NextChargeBlock   uint64             `json:"next_charge_block"`
	LastChargeBlock   *uint64            `json:"last_charge_block,omitempty"`
	LastTxID          *string            `json:"last_tx_id,omitempty"`
	LastError         *string            `json:"last_error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// SubscriberContact is where notifications for a subscriber are delivered
type SubscriberContact struct {
	ID         string    `json:"id"`
	Subscriber string    `json:"subscriber"`
	Email      string    `json:"email"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
}
