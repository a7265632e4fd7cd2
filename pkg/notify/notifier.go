// Package notify delivers queued subscriber notifications by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/metrics"
	"github.com/speedrun-hq/paygate/pkg/models"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultBatchSize    = 50
	DefaultSendTimeout  = 30 * time.Second
	DefaultStaleAfter   = 10 * time.Minute

	reasonNoContact   = "no verified contact"
	reasonInterrupted = "delivery interrupted"
)

// Store is the queue the notifier drains.
type Store interface {
	FetchPendingNotifications(ctx context.Context, limit int) ([]*models.NotificationQueueEntry, error)
	MarkNotificationSending(ctx context.Context, id string) error
	MarkNotificationSent(ctx context.Context, id string) error
	MarkNotificationFailed(ctx context.Context, id string, reason string) error
	RequeueStaleNotifications(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
	CallTimeout  time.Duration
	// StaleAfter is how long an entry may stay sending before it is requeued.
	// Keep it well above SendTimeout.
	StaleAfter time.Duration
}

// DrainResult counts the outcomes of one drain pass.
type DrainResult struct {
	Sent    int
	Failed  int
	Skipped int
}

// Notifier moves queue entries from pending to sent or failed.
type Notifier struct {
	store  Store
	sender Sender
	logger logger.Logger
	cfg    Config
	now    func() time.Time
}

func NewNotifier(store Store, sender Sender, cfg Config, log logger.Logger) *Notifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Notifier{store: store, sender: sender, logger: log, cfg: cfg, now: time.Now}
}

// Start drains the queue every PollInterval until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.logger.InfoWith(logger.Notifier, "Starting notifier with polling interval %v, batch size %d", n.cfg.PollInterval, n.cfg.BatchSize)
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.InfoWith(logger.Notifier, "Context cancelled, shutting down notifier")
			return
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Tick requeues interrupted deliveries and drains one batch.
func (n *Notifier) Tick(ctx context.Context) {
	if _, err := n.RecoverStale(ctx); err != nil {
		n.logger.ErrorWith(logger.Notifier, "recover stale notifications: %v", err)
	}
	if _, err := n.DrainPending(ctx, n.cfg.BatchSize); err != nil {
		n.logger.ErrorWith(logger.Notifier, "drain: %v", err)
	}
}

// RecoverStale returns entries left sending by a crashed notifier to pending.
// Such an entry may be delivered twice if the crash came after the send.
func (n *Notifier) RecoverStale(ctx context.Context) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()

	count, err := n.store.RequeueStaleNotifications(callCtx, n.now().Add(-n.cfg.StaleAfter), reasonInterrupted)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		n.logger.NoticeWith(logger.Notifier, "requeued %d interrupted notifications", count)
	}
	return count, nil
}

// DrainPending processes up to limit pending entries, oldest first. Delivery
// failures are recorded on the entry; only queue read errors are returned.
func (n *Notifier) DrainPending(ctx context.Context, limit int) (DrainResult, error) {
	var res DrainResult

	fetchCtx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	entries, err := n.store.FetchPendingNotifications(fetchCtx, limit)
	cancel()
	if err != nil {
		return res, fmt.Errorf("fetch pending notifications: %w", err)
	}
	if len(entries) == 0 {
		n.logger.DebugWith(logger.Notifier, "No pending notifications")
		return res, nil
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch n.deliver(ctx, entry) {
		case models.NotificationSent:
			res.Sent++
		case models.NotificationFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// deliver returns the status the entry ended in, or "" when it was left alone.
func (n *Notifier) deliver(ctx context.Context, entry *models.NotificationQueueEntry) models.NotificationStatus {
	contact := entry.Contact
	if contact == nil || contact.Email == "" || !contact.Verified {
		n.markFailed(ctx, entry, reasonNoContact)
		return models.NotificationFailed
	}

	claimCtx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	err := n.store.MarkNotificationSending(claimCtx, entry.ID)
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			n.logger.DebugWith(logger.Notifier, "notification %s claimed elsewhere, skipping", entry.ID)
		} else {
			n.logger.ErrorWith(logger.Notifier, "claim notification %s: %v", entry.ID, err)
		}
		return ""
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	err = n.sender.Send(sendCtx, contact.Email, entry.Subject, BuildBody(entry))
	cancel()
	if err != nil {
		n.logger.ErrorWith(logger.Notifier, "notification %s failed: %v", entry.ID, err)
		n.markFailed(ctx, entry, err.Error())
		return models.NotificationFailed
	}

	storeCtx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()
	if err := n.store.MarkNotificationSent(storeCtx, entry.ID); err != nil {
		n.logger.ErrorWith(logger.Notifier, "mark notification %s sent: %v", entry.ID, err)
	}
	metrics.Notifications.WithLabelValues(string(entry.Type), string(models.NotificationSent)).Inc()
	n.logger.InfoWith(logger.Notifier, "notification %s sent to %s", entry.ID, contact.Email)
	return models.NotificationSent
}

func (n *Notifier) markFailed(ctx context.Context, entry *models.NotificationQueueEntry, reason string) {
	storeCtx, cancel := context.WithTimeout(ctx, n.cfg.CallTimeout)
	defer cancel()
	if err := n.store.MarkNotificationFailed(storeCtx, entry.ID, reason); err != nil {
		n.logger.ErrorWith(logger.Notifier, "mark notification %s failed: %v", entry.ID, err)
	}
	metrics.Notifications.WithLabelValues(string(entry.Type), string(models.NotificationFailed)).Inc()
}
