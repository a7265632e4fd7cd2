package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/speedrun-hq/paygate/pkg/models"
)

// microUnits is the number of smallest units in one STX.
const microUnits = 1_000_000

type payloadFields struct {
	Remaining         *int64 `json:"remaining"`
	Strikes           *int   `json:"strikes"`
	Attempts          *int   `json:"attempts"`
	Error             string `json:"error"`
	Amount            *int64 `json:"amount"`
	Asset             string `json:"asset"`
	ResourceID        string `json:"resource_id"`
	TxID              string `json:"tx_id"`
	AmountPerInterval *int64 `json:"amount_per_interval"`
}

// BuildBody renders the plain-text message for a queued notification.
func BuildBody(n *models.NotificationQueueEntry) string {
	var p payloadFields
	if len(n.Payload) > 0 {
		_ = json.Unmarshal(n.Payload, &p)
	}

	switch n.Type {
	case models.NotificationLowBalance:
		remaining := "low"
		if p.Remaining != nil {
			remaining = FormatSTX(*p.Remaining)
		}
		return fmt.Sprintf("⚠️ Low Balance\n\nYou have %s STX remaining in your subscription escrow. Top up to avoid cancellation.", remaining)
	case models.NotificationStrikeWarning:
		strikes := 1
		if p.Strikes != nil {
			strikes = *p.Strikes
		}
		return fmt.Sprintf("Strike %d/3: We could not process your subscription charge. Please top up your escrow.", strikes)
	case models.NotificationCancelled:
		return "Your subscription was cancelled after multiple failed charges. Deposit funds and resubscribe to reactivate."
	case models.NotificationChargeFailed:
		attempts := 0
		if p.Attempts != nil {
			attempts = *p.Attempts
		}
		msg := fmt.Sprintf("We could not process your subscription charge after %d attempts.", attempts)
		if p.Error != "" {
			msg += "\n\nLast error: " + p.Error
		}
		return msg + "\n\nPlease top up your escrow."
	case models.NotificationPaymentReceived:
		var b strings.Builder
		b.WriteString("Payment received")
		if p.ResourceID != "" {
			b.WriteString(" for " + p.ResourceID)
		}
		if p.Amount != nil {
			asset := p.Asset
			if asset == "" {
				asset = "STX"
			}
			fmt.Fprintf(&b, ": %d %s", *p.Amount, asset)
		}
		b.WriteString(".")
		if p.TxID != "" {
			b.WriteString("\n\nTransaction: " + p.TxID)
		}
		return b.String()
	default:
		return "Subscription update"
	}
}

// FormatSTX renders an amount of micro-STX as a decimal STX string.
func FormatSTX(micro int64) string {
	sign := ""
	if micro < 0 {
		sign = "-"
		micro = -micro
	}
	whole := micro / microUnits
	frac := micro % microUnits
	if frac == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return sign + strconv.FormatInt(whole, 10) + "." + fs
}
