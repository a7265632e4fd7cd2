package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/speedrun-hq/paygate/pkg/models"
)

// EnqueueNotification queues a message for the notifier. ID is assigned when empty.
func (s *Store) EnqueueNotification(ctx context.Context, n *models.NotificationQueueEntry) error {
	return insertNotification(ctx, s.pool, n)
}

// FetchPendingNotifications returns up to limit pending entries in creation order,
// each joined with the recipient's contact when one exists.
func (s *Store) FetchPendingNotifications(ctx context.Context, limit int) ([]*models.NotificationQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT n.id, n.subscription_id, n.contact_id, n.recipient, n.notification_type, n.subject, n.payload,
       n.status, n.attempts, n.last_error, n.created_at, n.sent_at,
       c.id, c.subscriber, c.email, c.verified
FROM notification_queue n
LEFT JOIN subscriber_contacts c
       ON (n.contact_id IS NOT NULL AND c.id = n.contact_id)
       OR (n.contact_id IS NULL AND c.subscriber = n.recipient)
WHERE n.status = 'pending'
ORDER BY n.created_at ASC, n.id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch notifications: %w", err)
	}
	defer rows.Close()

	var entries []*models.NotificationQueueEntry
	for rows.Next() {
		var (
			n               models.NotificationQueueEntry
			nType, status   string
			payload         []byte
			contactID       *string
			contactSub      *string
			contactEmail    *string
			contactVerified *bool
		)
		err := rows.Scan(&n.ID, &n.SubscriptionID, &n.ContactID, &n.Recipient, &nType, &n.Subject, &payload,
			&status, &n.Attempts, &n.LastError, &n.CreatedAt, &n.SentAt,
			&contactID, &contactSub, &contactEmail, &contactVerified)
		if err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		n.Type = models.NotificationType(nType)
		n.Status = models.NotificationStatus(status)
		n.Payload = payload
		if contactID != nil {
			n.Contact = &models.SubscriberContact{
				ID:         *contactID,
				Subscriber: deref(contactSub),
				Email:      deref(contactEmail),
				Verified:   contactVerified != nil && *contactVerified,
			}
		}
		entries = append(entries, &n)
	}
	return entries, rows.Err()
}

// MarkNotificationSending claims a pending entry and increments its attempts.
// It returns models.ErrConflict when the entry is no longer pending.
func (s *Store) MarkNotificationSending(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE notification_queue SET status = 'sending', attempts = attempts + 1, last_error = NULL, claimed_at = now()
WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("store: mark notification sending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// RequeueStaleNotifications returns entries claimed before cutoff and still sending to pending.
func (s *Store) RequeueStaleNotifications(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE notification_queue SET status = 'pending', last_error = $2, claimed_at = NULL
WHERE status = 'sending' AND claimed_at < $1`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE notification_queue SET status = 'sent', sent_at = now(), last_error = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark notification sent: %w", err)
	}
	return nil
}

// MarkNotificationFailed records a failed delivery with its reason.
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE notification_queue SET status = 'failed', last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("store: mark notification failed: %w", err)
	}
	return nil
}

func insertNotification(ctx context.Context, q queryer, n *models.NotificationQueueEntry) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = models.NotificationPending
	}
	payload := n.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := q.Exec(ctx, `
INSERT INTO notification_queue (id, subscription_id, contact_id, recipient, notification_type, subject, payload, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.SubscriptionID, n.ContactID, n.Recipient, string(n.Type), n.Subject, payload, string(n.Status))
	if err != nil {
		return fmt.Errorf("store: insert notification: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
