package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrMissingReceipt   = errors.New("x402: token and transactionId are required")
	ErrMalformedPayload = errors.New("x402: malformed payment payload")
)

// EncodeHeader returns base64(JSON(v)).
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader. Unpadded and URL-safe alphabets are accepted.
func DecodeHeader(value string, v any) error {
	value = strings.TrimSpace(value)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		raw, err = enc.DecodeString(value)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// Receipt names the challenge being redeemed and the transaction that paid it.
type Receipt struct {
	Token string
	TxID  string
}

// receiptFields accepts the field spellings clients send.
type receiptFields struct {
	Token         string `json:"token"`
	TransactionID string `json:"transactionId"`
	TxID          string `json:"txId"`
}

func (f receiptFields) receipt() Receipt {
	tx := f.TransactionID
	if tx == "" {
		tx = f.TxID
	}
	return Receipt{Token: strings.TrimSpace(f.Token), TxID: strings.TrimSpace(tx)}
}

// PaymentPayload is the JSON carried in PAYMENT-SIGNATURE.
type PaymentPayload struct {
	Scheme  string        `json:"scheme"`
	Network string        `json:"network"`
	Payload receiptFields `json:"payload"`
}

// ParseReceipt extracts a receipt from PAYMENT-SIGNATURE, X-Payment-Receipt or the
// JSON body, in that order. The first source carrying both fields wins.
func ParseReceipt(h http.Header, body []byte) (Receipt, error) {
	if v := h.Get(HeaderPaymentSignature); v != "" {
		var p PaymentPayload
		if err := DecodeHeader(v, &p); err != nil {
			return Receipt{}, err
		}
		if r := p.Payload.receipt(); r.Token != "" && r.TxID != "" {
			return r, nil
		}
	}

	if v := h.Get(HeaderPaymentReceipt); v != "" {
		var f receiptFields
		if err := DecodeHeader(v, &f); err != nil {
			return Receipt{}, err
		}
		if r := f.receipt(); r.Token != "" && r.TxID != "" {
			return r, nil
		}
	}

	if len(strings.TrimSpace(string(body))) > 0 {
		var f receiptFields
		if err := json.Unmarshal(body, &f); err != nil {
			return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if r := f.receipt(); r.Token != "" && r.TxID != "" {
			return r, nil
		}
	}

	return Receipt{}, ErrMissingReceipt
}

// Settlement describes a completed payment to the client.
type Settlement struct {
	TxID      string `json:"txId"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	PayTo     string `json:"payTo"`
	SettledAt string `json:"settledAt"`
}

func NewSettlement(txID string, amount int64, asset, payTo string, settledAt time.Time) Settlement {
	return Settlement{
		TxID:      txID,
		Status:    "confirmed",
		Amount:    fmt.Sprintf("%d", amount),
		Asset:     asset,
		PayTo:     payTo,
		SettledAt: settledAt.UTC().Format(time.RFC3339),
	}
}

// PaymentResponse is the JSON carried in PAYMENT-RESPONSE.
type PaymentResponse struct {
	Success    bool       `json:"success"`
	Network    string     `json:"network,omitempty"`
	PaymentID  string     `json:"paymentId"`
	Settlement Settlement `json:"settlement"`
	Receipt    string     `json:"receipt,omitempty"`
}

// WritePaymentResponse sets the PAYMENT-RESPONSE header.
func WritePaymentResponse(h http.Header, resp PaymentResponse) error {
	encoded, err := EncodeHeader(resp)
	if err != nil {
		return err
	}
	h.Set(HeaderPaymentResponse, encoded)
	return nil
}
