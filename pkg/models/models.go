package models

import (
	"time"
)

// Asset identifiers accepted by the paywall contract.
const (
	AssetSTX   = "STX"
	AssetSBTC  = "sBTC"
	AssetUSDCx = "USDCx"
)

// AnonymousRequester is recorded when a caller does not identify itself.
const AnonymousRequester = "anonymous"

// ChallengeStatus is the lifecycle state of a payment challenge.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePaid    ChallengeStatus = "paid"
	ChallengeExpired ChallengeStatus = "expired"
)

// Resource is a priced item in the catalog
type Resource struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Asset    string `json:"asset"`
	Payee    string `json:"payee"`
	Contract string `json:"contract,omitempty"`
}

// Challenge is a one-time, time-limited payment demand for a resource.
// Once paid or expired it never changes again.
type Challenge struct {
	ID         string          `json:"id"`
	ResourceID string          `json:"resource_id"`
	Requester  string          `json:"requester"`
	IsAgent    bool            `json:"is_agent"`
	Recipient  string          `json:"recipient"`
	Amount     int64           `json:"amount"`
	Asset      string          `json:"asset"`
	Contract   string          `json:"contract,omitempty"`
	Token      string          `json:"token"`
	Status     ChallengeStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	PaidTxID   *string         `json:"paid_tx_id,omitempty"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

// IsExpired reports whether the challenge deadline has passed at the given instant.
func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Payment is a verified on-chain settlement, keyed by transaction id
type Payment struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	ResourceID    string    `json:"resource_id"`
	Payer         string    `json:"payer"`
	Payee         string    `json:"payee"`
	Amount        int64     `json:"amount"`
	Asset         string    `json:"asset"`
	IsAgent       bool      `json:"is_agent"`
	Status        string    `json:"status"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// PaymentConfirmed is the only status the settlement engine writes.
const PaymentConfirmed = "confirmed"

// AccessGrant entitles a requester to a resource. At most one exists per pair.
type AccessGrant struct {
	ID         string     `json:"id"`
	ResourceID string     `json:"resource_id"`
	Requester  string     `json:"requester"`
	PaymentID  string     `json:"payment_id"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// AnalyticsEvent records an agent-originated payment
type AnalyticsEvent struct {
	PaymentID  string            `json:"payment_id"`
	ResourceID string            `json:"resource_id"`
	Payee      string            `json:"payee"`
	Payer      string            `json:"payer"`
	Amount     int64             `json:"amount"`
	Asset      string            `json:"asset"`
	IsAgent    bool              `json:"is_agent"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}
