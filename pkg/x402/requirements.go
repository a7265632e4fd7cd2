// Package x402 encodes payment requirements and decodes payment receipts for
// the HTTP 402 protocol, in both the legacy X-Payment-* form and the v2
// base64 envelope form.
package x402

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	Version     = 2
	SchemeExact = "exact"

	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentReceipt   = "X-Payment-Receipt"

	HeaderAddress  = "X-Payment-Address"
	HeaderAmount   = "X-Payment-Amount"
	HeaderAsset    = "X-Payment-Asset"
	HeaderContract = "X-Payment-Contract"
	HeaderToken    = "X-Payment-Token"
	HeaderExpires  = "X-Payment-Expires"
)

// Network identifiers in CAIP-2 form.
const (
	NetworkStacksMainnet = "stacks:1"
	NetworkStacksTestnet = "stacks:2147483648"
)

// ExposedHeaders lists the response headers browsers must be allowed to read.
var ExposedHeaders = []string{
	HeaderAddress, HeaderAmount, HeaderAsset, HeaderContract, HeaderToken, HeaderExpires,
	HeaderPaymentRequired, HeaderPaymentResponse,
}

// ErrIncompleteRequirements is returned by Build when a mandatory field is unset.
var ErrIncompleteRequirements = errors.New("x402: incomplete payment requirements")

// Requirements is the single description of what a client must pay to unlock a resource.
type Requirements struct {
	Network     string
	ResourceURL string
	Description string
	PayTo       string
	Amount      int64
	Asset       string
	Contract    string
	Token       string
	ExpiresAt   time.Time
}

// Builder assembles Requirements field by field.
type Builder struct {
	r Requirements
}

func NewBuilder() *Builder {
	return &Builder{r: Requirements{Network: NetworkStacksMainnet}}
}

func (b *Builder) Network(network string) *Builder {
	if network != "" {
		b.r.Network = network
	}
	return b
}

func (b *Builder) Resource(url, description string) *Builder {
	b.r.ResourceURL = url
	b.r.Description = description
	return b
}

func (b *Builder) PayTo(address string) *Builder {
	b.r.PayTo = address
	return b
}

func (b *Builder) Price(amount int64, asset string) *Builder {
	b.r.Amount = amount
	b.r.Asset = asset
	return b
}

func (b *Builder) Contract(contract string) *Builder {
	b.r.Contract = contract
	return b
}

func (b *Builder) Challenge(token string, expiresAt time.Time) *Builder {
	b.r.Token = token
	b.r.ExpiresAt = expiresAt
	return b
}

// Build validates and returns the requirements.
func (b *Builder) Build() (Requirements, error) {
	r := b.r
	if r.PayTo == "" || r.Amount <= 0 || r.Asset == "" || r.Token == "" || r.ExpiresAt.IsZero() {
		return Requirements{}, ErrIncompleteRequirements
	}
	return r, nil
}

// ExpiresString formats the expiry as RFC 3339 with millisecond precision in UTC.
func (r Requirements) ExpiresString() string {
	return r.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// WriteLegacyHeaders sets the X-Payment-* headers.
func (r Requirements) WriteLegacyHeaders(h http.Header) {
	h.Set(HeaderAddress, r.PayTo)
	h.Set(HeaderAmount, strconv.FormatInt(r.Amount, 10))
	h.Set(HeaderAsset, r.Asset)
	h.Set(HeaderContract, r.Contract)
	h.Set(HeaderToken, r.Token)
	h.Set(HeaderExpires, r.ExpiresString())
}

// PaymentOption is one entry of the envelope's accepts list.
type PaymentOption struct {
	Scheme  string         `json:"scheme"`
	Network string         `json:"network"`
	Amount  string         `json:"amount"`
	Asset   string         `json:"asset"`
	PayTo   string         `json:"payTo"`
	Extra   map[string]any `json:"extra,omitempty"`
}

type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

type ChallengeExtra struct {
	ChallengeToken string `json:"challengeToken"`
	Expires        string `json:"expires"`
}

// PaymentRequired is the JSON carried base64 encoded in the PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Resource    ResourceInfo    `json:"resource"`
	Accepts     []PaymentOption `json:"accepts"`
	Extra       *ChallengeExtra `json:"extra,omitempty"`
}

// Envelope converts the requirements to the v2 structure.
func (r Requirements) Envelope() PaymentRequired {
	opt := PaymentOption{
		Scheme:  SchemeExact,
		Network: r.Network,
		Amount:  strconv.FormatInt(r.Amount, 10),
		Asset:   r.Asset,
		PayTo:   r.PayTo,
	}
	if r.Contract != "" {
		opt.Extra = map[string]any{"contractAddress": r.Contract}
	}

	return PaymentRequired{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     r.Network,
		Resource:    ResourceInfo{URL: r.ResourceURL, Description: r.Description},
		Accepts:     []PaymentOption{opt},
		Extra:       &ChallengeExtra{ChallengeToken: r.Token, Expires: r.ExpiresString()},
	}
}

// WriteHeaders sets both the legacy headers and PAYMENT-REQUIRED.
func (r Requirements) WriteHeaders(h http.Header) error {
	r.WriteLegacyHeaders(h)
	encoded, err := EncodeHeader(r.Envelope())
	if err != nil {
		return err
	}
	h.Set(HeaderPaymentRequired, encoded)
	return nil
}
