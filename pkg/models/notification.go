package models

import (
	"encoding/json"
	"time"
)

// NotificationType selects the message template.
type NotificationType string

const (
	NotificationLowBalance      NotificationType = "low_balance"
	NotificationStrikeWarning   NotificationType = "strike_warning"
	NotificationCancelled       NotificationType = "cancelled"
	NotificationChargeFailed    NotificationType = "charge_failed"
	NotificationPaymentReceived NotificationType = "payment_received"
)

// NotificationStatus is the delivery state of a queued notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSending NotificationStatus = "sending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationQueueEntry is a pending outbound message. Contact is joined in
// when the entry is read for delivery and is nil if none exists.
type NotificationQueueEntry struct {
	ID             string             `json:"id"`
	SubscriptionID *string            `json:"subscription_id,omitempty"`
	ContactID      *string            `json:"contact_id,omitempty"`
	Recipient      string             `json:"recipient"`
	Type           NotificationType   `json:"notification_type"`
	Subject        string             `json:"subject"`
	Payload        json.RawMessage    `json:"payload"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	LastError      *string            `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	Contact        *SubscriberContact `json:"contact,omitempty"`
}
