package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/speedrun-hq/paygate/pkg/models"
)

const challengeColumns = `id, resource_id, requester, is_agent, recipient, amount, asset, COALESCE(contract, ''),
token, status, created_at, expires_at, paid_tx_id, paid_at`

const paymentColumns = `id, transaction_id, resource_id, payer, payee, amount, asset, is_agent, status, processed_at`

// GetResource returns a catalog entry, or models.ErrNotFound.
func (s *Store) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	var r models.Resource
	err := s.pool.QueryRow(ctx, `
SELECT id, title, price, asset, payee, COALESCE(contract, '')
FROM resources WHERE id = $1`, id).Scan(&r.ID, &r.Title, &r.Price, &r.Asset, &r.Payee, &r.Contract)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: get resource: %w", err)
	}
	return &r, nil
}

// UpsertResource creates or reprices a catalog entry.
func (s *Store) UpsertResource(ctx context.Context, r *models.Resource) error {
	if r.ID == "" {
		return fmt.Errorf("store: missing resource id")
	}
	if r.Asset == "" {
		r.Asset = models.AssetSTX
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO resources (id, title, price, asset, payee, contract)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title, price = EXCLUDED.price, asset = EXCLUDED.asset,
    payee = EXCLUDED.payee, contract = EXCLUDED.contract`,
		r.ID, r.Title, r.Price, r.Asset, r.Payee, r.Contract)
	if err != nil {
		return fmt.Errorf("store: upsert resource: %w", err)
	}
	return nil
}

// HasGrant reports whether an unexpired access grant exists for the pair.
func (s *Store) HasGrant(ctx context.Context, resourceID, requester string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM access_grants
    WHERE resource_id = $1 AND requester = $2 AND (expires_at IS NULL OR expires_at > now())
)`, resourceID, requester).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check grant: %w", err)
	}
	return exists, nil
}

// CreateChallenge persists a new pending challenge. ID is assigned when empty.
func (s *Store) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ChallengePending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO challenges (id, resource_id, requester, is_agent, recipient, amount, asset, contract, token, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)`,
		c.ID, c.ResourceID, c.Requester, c.IsAgent, c.Recipient, c.Amount, c.Asset, c.Contract,
		c.Token, string(c.Status), c.CreatedAt, c.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: duplicate challenge token: %w", models.ErrConflict)
		}
		return fmt.Errorf("store: insert challenge: %w", err)
	}
	return nil
}

// GetChallengeByToken returns the challenge in whatever state it is in, or models.ErrNotFound.
func (s *Store) GetChallengeByToken(ctx context.Context, token string) (*models.Challenge, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE token = $1`, token)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: get challenge: %w", err)
	}
	return c, nil
}

// ExpireChallenge moves a pending challenge to expired. It reports whether this call made the change.
func (s *Store) ExpireChallenge(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE challenges SET status = 'expired' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("store: expire challenge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOverdueChallenges flips up to limit pending challenges whose deadline is before now.
func (s *Store) ExpireOverdueChallenges(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE challenges SET status = 'expired'
WHERE status = 'pending' AND id IN (
    SELECT id FROM challenges
    WHERE status = 'pending' AND expires_at < $1
    ORDER BY expires_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("store: expire overdue challenges: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetPaymentByTxID returns the payment recorded for a transaction, or models.ErrNotFound.
func (s *Store) GetPaymentByTxID(ctx context.Context, txID string) (*models.Payment, error) {
	return getPaymentByTxID(ctx, s.pool, txID)
}

// SettleChallenge marks the challenge paid, records the payment and grants access atomically.
// Anonymous requesters receive no grant row.
//
// When the transaction id is already recorded, nothing is written and the stored
// payment is returned with replayed=true. When the challenge is no longer pending
// and the transaction id is unknown, models.ErrConflict is returned.
func (s *Store) SettleChallenge(ctx context.Context, c *models.Challenge, p *models.Payment) (*models.Payment, bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PaymentConfirmed
	}

	errReplay := errors.New("replay")
	var recorded *models.Payment

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE challenges SET status = 'paid', paid_tx_id = $2, paid_at = now()
WHERE id = $1 AND status = 'pending'`, c.ID, p.TransactionID)
		if err != nil {
			return fmt.Errorf("store: mark challenge paid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errReplay
		}

		row := tx.QueryRow(ctx, `
INSERT INTO payments (id, transaction_id, resource_id, payer, payee, amount, asset, is_agent, status, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (transaction_id) DO NOTHING
RETURNING `+paymentColumns,
			p.ID, p.TransactionID, p.ResourceID, p.Payer, p.Payee, p.Amount, p.Asset, p.IsAgent, p.Status)
		recorded, err = scanPayment(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errReplay
			}
			return fmt.Errorf("store: insert payment: %w", err)
		}

		if c.Requester == models.AnonymousRequester {
			return nil
		}
		_, err = tx.Exec(ctx, `
INSERT INTO access_grants (id, resource_id, requester, payment_id, granted_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (resource_id, requester) DO NOTHING`,
			uuid.NewString(), c.ResourceID, c.Requester, recorded.ID)
		if err != nil {
			return fmt.Errorf("store: insert access grant: %w", err)
		}
		return nil
	})

	if errors.Is(err, errReplay) {
		existing, err := getPaymentByTxID(ctx, s.pool, p.TransactionID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, false, models.ErrConflict
		}
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return recorded, false, nil
}

// RecordAnalyticsEvent appends an analytics row.
func (s *Store) RecordAnalyticsEvent(ctx context.Context, e *models.AnalyticsEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode analytics metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO analytics_events (payment_id, resource_id, payee, payer, amount, asset, is_agent, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.PaymentID, e.ResourceID, e.Payee, e.Payer, e.Amount, e.Asset, e.IsAgent, meta)
	if err != nil {
		return fmt.Errorf("store: insert analytics event: %w", err)
	}
	return nil
}

func getPaymentByTxID(ctx context.Context, q queryer, txID string) (*models.Payment, error) {
	row := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, txID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: get payment: %w", err)
	}
	return p, nil
}

func scanChallenge(row pgx.Row) (*models.Challenge, error) {
	var (
		c      models.Challenge
		status string
	)
	err := row.Scan(&c.ID, &c.ResourceID, &c.Requester, &c.IsAgent, &c.Recipient, &c.Amount, &c.Asset, &c.Contract,
		&c.Token, &status, &c.CreatedAt, &c.ExpiresAt, &c.PaidTxID, &c.PaidAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.ChallengeStatus(status)
	return &c, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.TransactionID, &p.ResourceID, &p.Payer, &p.Payee, &p.Amount, &p.Asset, &p.IsAgent, &p.Status, &p.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
