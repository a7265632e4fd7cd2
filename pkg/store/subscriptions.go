package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speedrun-hq/paygate/pkg/models"
)

const subscriptionColumns = `id, subscriber, merchant, contract_address, escrow_balance, amount_per_interval,
interval_blocks, strikes, status, next_charge_block, last_charge_block, last_tx_id, last_error, created_at, updated_at`

// Kinds of subscription transaction recorded in subscription_transactions.
const (
	SubscriptionTxCreate = "create"
	SubscriptionTxTopUp  = "top_up"
	SubscriptionTxCancel = "cancel"
)

// CreateSubscription inserts an active subscription with its first charge job and, optionally,
// the subscriber's contact. It returns models.ErrConflict if the subscriber already has an active one,
// and models.ErrTxConsumed if the deposit transaction already backs another mutation.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.AutopaySubscription, firstJob *models.RelayerJob, contact *models.SubscriberContact) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = models.SubscriptionActive
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
INSERT INTO autopay_subscriptions (id, subscriber, merchant, contract_address, escrow_balance, amount_per_interval,
    interval_blocks, status, next_charge_block, last_tx_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at, updated_at`,
			sub.ID, sub.Subscriber, sub.Merchant, sub.ContractAddress, sub.EscrowBalance, sub.AmountPerInterval,
			int64(sub.IntervalBlocks), string(sub.Status), int64(sub.NextChargeBlock), sub.LastTxID)
		if err := row.Scan(&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return models.ErrConflict
			}
			return fmt.Errorf("store: insert subscription: %w", err)
		}

		if sub.LastTxID != nil {
			inserted, err := consumeTx(ctx, tx, *sub.LastTxID, sub.ID, SubscriptionTxCreate, sub.EscrowBalance)
			if err != nil {
				return err
			}
			if !inserted {
				return models.ErrTxConsumed
			}
		}

		if firstJob != nil {
			firstJob.SubscriptionID = sub.ID
			if err := insertJob(ctx, tx, firstJob); err != nil {
				return err
			}
		}

		if contact != nil {
			if err := upsertContact(ctx, tx, contact); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSubscription returns a subscription by id, or models.ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.AutopaySubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM autopay_subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// GetLatestSubscription returns the most recent subscription of a subscriber, or models.ErrNotFound.
func (s *Store) GetLatestSubscription(ctx context.Context, subscriber string) (*models.AutopaySubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+` FROM autopay_subscriptions
WHERE subscriber = $1 ORDER BY created_at DESC LIMIT 1`, subscriber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: get latest subscription: %w", err)
	}
	return sub, nil
}

// TopUpSubscription adds amount to the cached escrow balance and records txID as consumed.
// Replaying a top-up already applied to this subscription returns it unchanged with replayed=true;
// a txID consumed by anything else yields models.ErrTxConsumed.
func (s *Store) TopUpSubscription(ctx context.Context, id string, amount int64, txID string) (*models.AutopaySubscription, bool, error) {
	var (
		sub      *models.AutopaySubscription
		replayed bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		sub, err = scanSubscription(tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM autopay_subscriptions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrNotFound
			}
			return fmt.Errorf("store: lock subscription: %w", err)
		}

		inserted, err := consumeTx(ctx, tx, txID, id, SubscriptionTxTopUp, amount)
		if err != nil {
			return err
		}
		if !inserted {
			var owner, kind string
			if err := tx.QueryRow(ctx, `SELECT subscription_id, kind FROM subscription_transactions WHERE tx_id = $1`, txID).Scan(&owner, &kind); err != nil {
				return fmt.Errorf("store: load consumed tx: %w", err)
			}
			if owner != id || kind != SubscriptionTxTopUp {
				return models.ErrTxConsumed
			}
			replayed = true
			return nil
		}

		sub, err = scanSubscription(tx.QueryRow(ctx, `
UPDATE autopay_subscriptions
SET escrow_balance = escrow_balance + $2, last_tx_id = $3, updated_at = now()
WHERE id = $1
RETURNING `+subscriptionColumns, id, amount, txID))
		if err != nil {
			return fmt.Errorf("store: top up subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, replayed, nil
}

// CancelSubscription marks an active or paused subscription cancelled and cancels its pending jobs.
// It returns the number of jobs cancelled, or models.ErrTxConsumed if txID already backs another mutation.
func (s *Store) CancelSubscription(ctx context.Context, id string, txID string) (int64, error) {
	var cancelled int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE autopay_subscriptions
SET status = 'cancelled', last_tx_id = $2, updated_at = now()
WHERE id = $1 AND status IN ('active', 'paused')`, id, txID)
		if err != nil {
			return fmt.Errorf("store: cancel subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM autopay_subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("store: check subscription: %w", err)
			}
			if !exists {
				return models.ErrNotFound
			}
			return models.ErrConflict
		}

		inserted, err := consumeTx(ctx, tx, txID, id, SubscriptionTxCancel, 0)
		if err != nil {
			return err
		}
		if !inserted {
			return models.ErrTxConsumed
		}

		tag, err = tx.Exec(ctx, `
UPDATE relayer_jobs SET status = 'cancelled', updated_at = now()
WHERE subscription_id = $1 AND status = 'pending'`, id)
		if err != nil {
			return fmt.Errorf("store: cancel pending jobs: %w", err)
		}
		cancelled = tag.RowsAffected()
		return nil
	})
	return cancelled, err
}

// consumeTx records txID as spent by a subscription mutation. It reports false,
// without error, when the id was already recorded.
func consumeTx(ctx context.Context, tx pgx.Tx, txID, subscriptionID, kind string, amount int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
INSERT INTO subscription_transactions (tx_id, subscription_id, kind, amount)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tx_id) DO NOTHING`, txID, subscriptionID, kind, amount)
	if err != nil {
		return false, fmt.Errorf("store: record subscription tx: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertContact stores the contact for a subscriber, replacing any previous one.
func (s *Store) UpsertContact(ctx context.Context, c *models.SubscriberContact) error {
	return upsertContact(ctx, s.pool, c)
}

func upsertContact(ctx context.Context, q queryer, c *models.SubscriberContact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := q.QueryRow(ctx, `
INSERT INTO subscriber_contacts (id, subscriber, email, verified)
VALUES ($1, $2, $3, $4)
ON CONFLICT (subscriber) DO UPDATE SET email = EXCLUDED.email, verified = EXCLUDED.verified
RETURNING id, created_at`, c.ID, c.Subscriber, c.Email, c.Verified).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert contact: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*models.AutopaySubscription, error) {
	var (
		sub        models.AutopaySubscription
		status     string
		interval   int64
		nextBlock  int64
		lastCharge *int64
	)
	err := row.Scan(&sub.ID, &sub.Subscriber, &sub.Merchant, &sub.ContractAddress, &sub.EscrowBalance, &sub.AmountPerInterval,
		&interval, &sub.Strikes, &status, &nextBlock, &lastCharge, &sub.LastTxID, &sub.LastError, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.IntervalBlocks = uint64(interval)
	sub.NextChargeBlock = uint64(nextBlock)
	if lastCharge != nil {
		b := uint64(*lastCharge)
		sub.LastChargeBlock = &b
	}
	return &sub, nil
}
