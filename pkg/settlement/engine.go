// Package settlement issues payment challenges for gated resources and turns
// confirmed on-chain payments into access grants.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/metrics"
	"github.com/speedrun-hq/paygate/pkg/models"
)

const (
	DefaultChallengeTTL = 15 * time.Minute
	DefaultCallTimeout  = 10 * time.Second
)

// Store is the persistence the engine needs.
type Store interface {
	CreateChallenge(ctx context.Context, c *models.Challenge) error
	GetChallengeByToken(ctx context.Context, token string) (*models.Challenge, error)
	ExpireChallenge(ctx context.Context, id string) (bool, error)
	ExpireOverdueChallenges(ctx context.Context, now time.Time, limit int) (int64, error)
	SettleChallenge(ctx context.Context, c *models.Challenge, p *models.Payment) (*models.Payment, bool, error)
	GetPaymentByTxID(ctx context.Context, txID string) (*models.Payment, error)
	RecordAnalyticsEvent(ctx context.Context, e *models.AnalyticsEvent) error
	EnqueueNotification(ctx context.Context, n *models.NotificationQueueEntry) error
}

// Catalog resolves prices and existing entitlements.
type Catalog interface {
	GetPriceInfo(ctx context.Context, resourceID string) (*models.Resource, error)
	HasAccess(ctx context.Context, resourceID, requester string) (bool, error)
}

// Config holds the engine's policy knobs.
type Config struct {
	ChallengeTTL time.Duration
	// PayFunction is the contract entry point a paying transaction must invoke.
	PayFunction string
	// Contract is used for resources that do not name their own.
	Contract    string
	CallTimeout time.Duration
}

// AccessDecision is the outcome of RequestAccess. Challenge is nil when Granted.
type AccessDecision struct {
	Granted   bool
	Resource  *models.Resource
	Challenge *models.Challenge
}

// Receipt summarizes a settled payment for the payer.
type Receipt struct {
	Amount    int64
	Asset     string
	Payee     string
	TxID      string
	SettledAt time.Time
}

// SettlementResult is returned by a successful RedeemChallenge.
type SettlementResult struct {
	PaymentID string
	Receipt   Receipt
	Challenge *models.Challenge
	// Replayed is true when the payment had already been recorded by an earlier call.
	Replayed bool
}

// Engine runs the challenge and settlement protocol.
type Engine struct {
	store   Store
	catalog Catalog
	chain   chain.Adapter
	logger  logger.Logger
	cfg     Config
	now     func() time.Time

	sideEffects sync.WaitGroup
}

func NewEngine(store Store, catalog Catalog, adapter chain.Adapter, cfg Config, log logger.Logger) *Engine {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Engine{
		store:   store,
		catalog: catalog,
		chain:   adapter,
		logger:  log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// RequestAccess returns Granted when the requester already holds a grant, and
// otherwise persists and returns a fresh pending challenge.
// Anonymous requesters are always challenged.
func (e *Engine) RequestAccess(ctx context.Context, resourceID, requester string, isAgent bool) (*AccessDecision, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrMissingFields
	}
	requester = normalizeRequester(requester)

	if requester != models.AnonymousRequester {
		granted, err := e.catalog.HasAccess(ctx, resourceID, requester)
		if err != nil {
			return nil, err
		}
		if granted {
			metrics.AccessChecks.WithLabelValues("granted").Inc()
			return &AccessDecision{Granted: true}, nil
		}
	}

	resource, err := e.catalog.GetPriceInfo(ctx, resourceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			metrics.AccessChecks.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		return nil, err
	}

	contract := resource.Contract
	if contract == "" {
		contract = e.cfg.Contract
	}

	now := e.now().UTC()
	c := &models.Challenge{
		ResourceID: resource.ID,
		Requester:  requester,
		IsAgent:    isAgent,
		Recipient:  resource.Payee,
		Amount:     resource.Price,
		Asset:      resource.Asset,
		Contract:   contract,
		Token:      uuid.NewString(),
		Status:     models.ChallengePending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.ChallengeTTL),
	}
	if err := e.store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("settlement: persist challenge: %w", err)
	}

	metrics.AccessChecks.WithLabelValues("challenged").Inc()
	metrics.ChallengesIssued.WithLabelValues(c.Asset, strconv.FormatBool(isAgent)).Inc()
	e.logger.DebugWith(logger.Gateway, "challenge %s issued for %s by %s (agent=%v)", c.ID, resource.ID, requester, isAgent)

	return &AccessDecision{Resource: resource, Challenge: c}, nil
}

// RedeemChallenge verifies txID against the challenge identified by token and,
// when it checks out, settles it. Verification failures leave the challenge pending.
func (e *Engine) RedeemChallenge(ctx context.Context, token, txID string) (*SettlementResult, error) {
	res, err := e.redeem(ctx, strings.TrimSpace(token), strings.TrimSpace(txID))
	label := resultLabel(err)
	if err == nil && res.Replayed {
		label = "replayed"
	}
	metrics.Settlements.WithLabelValues(label).Inc()
	return res, err
}

func (e *Engine) redeem(ctx context.Context, token, txID string) (*SettlementResult, error) {
	if token == "" || txID == "" {
		return nil, ErrMissingFields
	}
	txID = chain.CanonicalTxID(txID)

	c, err := e.store.GetChallengeByToken(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrInvalidOrExpired
		}
		return nil, fmt.Errorf("settlement: load challenge: %w", err)
	}

	if c.Status != models.ChallengePending {
		if paidBy(c, txID) {
			return e.paidResult(ctx, c, txID)
		}
		return nil, ErrInvalidOrExpired
	}

	if c.IsExpired(e.now()) {
		changed, err := e.store.ExpireChallenge(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("settlement: expire challenge: %w", err)
		}
		if changed {
			metrics.ChallengesExpired.Inc()
		}
		return nil, ErrExpired
	}

	tx, err := e.verify(ctx, c, txID)
	if err != nil {
		e.logger.InfoWith(logger.Gateway, "challenge %s: tx %s rejected: %v", c.ID, txID, err)
		return nil, err
	}
	// The adapter's id is the idempotency key, whatever spelling the payer sent.
	if id := chain.CanonicalTxID(tx.TxID); id != "" {
		txID = id
	}

	payment := &models.Payment{
		TransactionID: txID,
		ResourceID:    c.ResourceID,
		Payer:         c.Requester,
		Payee:         c.Recipient,
		Amount:        c.Amount,
		Asset:         c.Asset,
		IsAgent:       c.IsAgent,
	}
	recorded, replayed, err := e.store.SettleChallenge(ctx, c, payment)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Lost the pending->paid race to a different transaction.
			return nil, ErrInvalidOrExpired
		}
		return nil, fmt.Errorf("settlement: settle challenge: %w", err)
	}
	if replayed {
		return e.replay(ctx, c, txID)
	}

	e.logger.InfoWith(logger.Gateway, "challenge %s settled by tx %s (payment %s)", c.ID, txID, recorded.ID)
	e.enqueueSideEffects(c, recorded)

	paidAt := recorded.ProcessedAt
	c.Status = models.ChallengePaid
	c.PaidTxID = &txID
	c.PaidAt = &paidAt
	return newResult(c, recorded, false), nil
}

// replay resolves a settlement the store had already recorded. The transaction is
// only accepted if it is the one that paid this very challenge.
func (e *Engine) replay(ctx context.Context, c *models.Challenge, txID string) (*SettlementResult, error) {
	current, err := e.store.GetChallengeByToken(ctx, c.Token)
	if err != nil {
		return nil, fmt.Errorf("settlement: reload challenge: %w", err)
	}
	if !paidBy(current, txID) {
		return nil, ErrTxAlreadyUsed
	}
	return e.paidResult(ctx, current, txID)
}

func (e *Engine) paidResult(ctx context.Context, c *models.Challenge, txID string) (*SettlementResult, error) {
	p, err := e.store.GetPaymentByTxID(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("settlement: load payment %s: %w", txID, err)
	}
	return newResult(c, p, true), nil
}

func paidBy(c *models.Challenge, txID string) bool {
	return c.Status == models.ChallengePaid && c.PaidTxID != nil && *c.PaidTxID == txID
}

func newResult(c *models.Challenge, p *models.Payment, replayed bool) *SettlementResult {
	return &SettlementResult{
		PaymentID: p.ID,
		Challenge: c,
		Replayed:  replayed,
		Receipt: Receipt{
			Amount:    p.Amount,
			Asset:     p.Asset,
			Payee:     p.Payee,
			TxID:      p.TransactionID,
			SettledAt: p.ProcessedAt,
		},
	}
}

// verify checks the transaction against the challenge: success status first,
// then what was invoked and where it went, then who paid and how much.
func (e *Engine) verify(ctx context.Context, c *models.Challenge, txID string) (*chain.TxDetail, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	tx, err := e.chain.GetTransaction(callCtx, txID)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrChainUnavailable, err)
	}

	switch tx.Status {
	case chain.TxStatusSuccess:
	case chain.TxStatusPending:
		return nil, ErrTransactionPending
	default:
		return nil, ErrTransactionNotSuccessful
	}

	switch tx.Type {
	case chain.TxTypeContractCall:
		if e.cfg.PayFunction != "" && tx.Function != e.cfg.PayFunction {
			return nil, fmt.Errorf("%w: %s", ErrWrongFunction, tx.Function)
		}
		contract := c.Contract
		if contract == "" {
			contract = e.cfg.Contract
		}
		if contract == "" || !strings.EqualFold(tx.Contract, contract) {
			return nil, fmt.Errorf("%w: %s", ErrWrongContract, tx.Contract)
		}
	case chain.TxTypeTokenTransfer:
		if !strings.EqualFold(tx.Contract, c.Recipient) {
			return nil, fmt.Errorf("%w: %s", ErrWrongRecipient, tx.Contract)
		}
	default:
		return nil, fmt.Errorf("%w: %s transaction", ErrWrongFunction, tx.Type)
	}

	if c.Requester != models.AnonymousRequester && !strings.EqualFold(tx.Sender, c.Requester) {
		return nil, fmt.Errorf("%w: %s", ErrWrongSender, tx.Sender)
	}

	if tx.Amount != nil && tx.Amount.Cmp(big.NewInt(c.Amount)) < 0 {
		return nil, fmt.Errorf("%w: paid %s, want %d", ErrInsufficientAmount, tx.Amount, c.Amount)
	}
	return tx, nil
}

// enqueueSideEffects records analytics and the payee notification in the background.
// Failures are logged and counted only.
func (e *Engine) enqueueSideEffects(c *models.Challenge, p *models.Payment) {
	e.sideEffects.Add(1)
	go func() {
		defer e.sideEffects.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		defer cancel()

		if c.IsAgent {
			event := &models.AnalyticsEvent{
				PaymentID:  p.ID,
				ResourceID: p.ResourceID,
				Payee:      p.Payee,
				Payer:      p.Payer,
				Amount:     p.Amount,
				Asset:      p.Asset,
				IsAgent:    true,
				Metadata:   map[string]string{"source": "x402", "challenge_token": c.Token},
				RecordedAt: e.now().UTC(),
			}
			if err := e.store.RecordAnalyticsEvent(ctx, event); err != nil {
				metrics.SideEffectErrors.WithLabelValues("analytics").Inc()
				e.logger.ErrorWith(logger.Gateway, "analytics for payment %s: %v", p.ID, err)
			}
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"resource_id": p.ResourceID,
			"payer":       p.Payer,
			"amount":      p.Amount,
			"asset":       p.Asset,
			"tx_id":       p.TransactionID,
			"is_agent":    p.IsAgent,
		})
		note := &models.NotificationQueueEntry{
			Recipient: p.Payee,
			Type:      models.NotificationPaymentReceived,
			Subject:   "Payment received",
			Payload:   payload,
		}
		if err := e.store.EnqueueNotification(ctx, note); err != nil {
			metrics.SideEffectErrors.WithLabelValues("notification").Inc()
			e.logger.ErrorWith(logger.Gateway, "payment notification for %s: %v", p.ID, err)
		}
	}()
}

// Wait blocks until background side effects have finished.
func (e *Engine) Wait() {
	e.sideEffects.Wait()
}

// SweepExpired flips up to limit overdue pending challenges to expired.
func (e *Engine) SweepExpired(ctx context.Context, limit int) (int64, error) {
	n, err := e.store.ExpireOverdueChallenges(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("settlement: sweep expired: %w", err)
	}
	if n > 0 {
		metrics.ChallengesExpired.Add(float64(n))
		e.logger.DebugWith(logger.Gateway, "expired %d overdue challenges", n)
	}
	return n, nil
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration, limit int) {
	e.logger.InfoWith(logger.Gateway, "challenge sweeper started with interval %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoWith(logger.Gateway, "challenge sweeper shutting down")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			if _, err := e.SweepExpired(sweepCtx, limit); err != nil {
				e.logger.ErrorWith(logger.Gateway, "%v", err)
			}
			cancel()
		}
	}
}

func normalizeRequester(requester string) string {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return models.AnonymousRequester
	}
	return requester
}
