// Package relayer drives recurring subscription charges: it claims due jobs,
// calls the subscription contract and records every outcome.
package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/circuitbreaker"
	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/metrics"
	"github.com/speedrun-hq/paygate/pkg/models"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultBatchSize    = 25
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = 60 * time.Second
	DefaultCallTimeout  = 10 * time.Second
	DefaultBlockTime    = 10 * time.Minute
	DefaultStaleAfter   = 15 * time.Minute

	reasonNotFound     = "subscription not found"
	reasonLeaseExpired = "lease expired"
)

// Store is the persistence the relayer needs.
type Store interface {
	FetchDueJobs(ctx context.Context, jobType models.JobType, now time.Time, limit int) ([]*models.RelayerJob, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (*models.RelayerJob, error)
	GetSubscription(ctx context.Context, id string) (*models.AutopaySubscription, error)
	MarkJobSucceeded(ctx context.Context, job *models.RelayerJob, receipt *models.ChargeReceipt) error
	MarkJobFailed(ctx context.Context, job *models.RelayerJob, reason string, notes []*models.NotificationQueueEntry) error
	RescheduleJob(ctx context.Context, job *models.RelayerJob, runAt time.Time, reason string) error
	RequeueStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// Config holds the relayer's scheduling and signing parameters.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	// MaxDelay caps the backoff. Zero leaves it unbounded.
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// StaleAfter is how long a job may stay running before it is requeued.
	StaleAfter time.Duration
	// BlockTime converts interval blocks to wall-clock time when scheduling the next charge.
	BlockTime      time.Duration
	ChargeFunction string
	// DefaultContract is used for subscriptions that do not record their own.
	DefaultContract string
	SignerKey       string
	Fee             *big.Int
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.BlockTime <= 0 {
		c.BlockTime = DefaultBlockTime
	}
}

// ChargePayload is the JSON stored on each charge job.
type ChargePayload struct {
	SubscriberPrincipal string `json:"subscriber_principal,omitempty"`
	ExpectedBlock       uint64 `json:"expected_block,omitempty"`
}

// Engine processes charge jobs.
type Engine struct {
	store   Store
	chain   chain.Adapter
	breaker *circuitbreaker.CircuitBreaker
	logger  logger.Logger
	cfg     Config
	now     func() time.Time
}

// NewEngine builds a relayer. breaker may be nil.
func NewEngine(store Store, adapter chain.Adapter, breaker *circuitbreaker.CircuitBreaker, cfg Config, log logger.Logger) *Engine {
	cfg.setDefaults()
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Engine{
		store:   store,
		chain:   adapter,
		breaker: breaker,
		logger:  log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start polls every PollInterval until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.logger.InfoWith(logger.Relayer, "Starting relayer with polling interval %v, batch size %d, max attempts %d",
		e.cfg.PollInterval, e.cfg.BatchSize, e.cfg.MaxAttempts)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoWith(logger.Relayer, "Context cancelled, shutting down relayer")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick requeues stale jobs and dispatches one batch.
func (e *Engine) Tick(ctx context.Context) {
	if _, err := e.RecoverStale(ctx); err != nil {
		e.logger.ErrorWith(logger.Relayer, "recover stale jobs: %v", err)
	}
	if _, err := e.PollAndDispatch(ctx, e.cfg.BatchSize); err != nil {
		e.logger.ErrorWith(logger.Relayer, "poll: %v", err)
	}
}

// RecoverStale returns jobs left running by a crashed worker to pending.
func (e *Engine) RecoverStale(ctx context.Context) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	n, err := e.store.RequeueStaleJobs(callCtx, e.now().Add(-e.cfg.StaleAfter), reasonLeaseExpired)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.NoticeWith(logger.Relayer, "requeued %d stale running jobs", n)
	}
	return n, nil
}

// PollAndDispatch claims and processes up to batchSize due charge jobs, oldest first.
// It returns the number of jobs this worker processed.
func (e *Engine) PollAndDispatch(ctx context.Context, batchSize int) (int, error) {
	if e.circuitOpen() {
		e.logger.NoticeWith(logger.Relayer, "circuit breaker open, skipping dispatch")
		return 0, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	jobs, err := e.store.FetchDueJobs(fetchCtx, models.JobTypeCharge, e.now(), batchSize)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch due jobs: %w", err)
	}
	metrics.DueJobs.Set(float64(len(jobs)))
	if len(jobs) > 0 {
		e.logger.DebugWith(logger.Relayer, "found %d due jobs", len(jobs))
	}

	processed := 0
	for _, due := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if e.circuitOpen() {
			e.logger.NoticeWith(logger.Relayer, "circuit breaker opened mid-batch, leaving %d jobs pending", len(jobs)-processed)
			break
		}

		claimCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		job, err := e.store.ClaimJob(claimCtx, due.ID, e.now())
		cancel()
		if err != nil {
			if errors.Is(err, models.ErrConflict) {
				metrics.ClaimsLost.Inc()
				e.logger.DebugWith(logger.Relayer, "job %s claimed elsewhere, skipping", due.ID)
				continue
			}
			e.logger.ErrorWith(logger.Relayer, "claim job %s: %v", due.ID, err)
			continue
		}

		if err := e.ProcessJob(ctx, job); err != nil {
			e.logger.ErrorWith(logger.Relayer, "job %s: %v", job.ID, err)
		}
		processed++
	}
	return processed, nil
}

// ProcessJob charges the job's subscription and records the outcome. job must
// already be claimed. The returned error only reports failures to record state.
func (e *Engine) ProcessJob(ctx context.Context, job *models.RelayerJob) error {
	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	sub, err := e.store.GetSubscription(loadCtx, job.SubscriptionID)
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return e.fail(ctx, job, reasonNotFound, nil)
		}
		// The job stays running and is picked up again by RecoverStale.
		return fmt.Errorf("load subscription %s: %w", job.SubscriptionID, err)
	}

	if sub.Status != models.SubscriptionActive {
		reason := fmt.Sprintf("subscription status %s", sub.Status)
		var notes []*models.NotificationQueueEntry
		if sub.Status == models.SubscriptionCancelled {
			notes = append(notes, notification(sub, models.NotificationCancelled, "Subscription cancelled", nil))
		}
		return e.fail(ctx, job, reason, notes)
	}

	payload := decodePayload(job.Payload)
	principal := payload.SubscriberPrincipal
	if principal == "" {
		principal = sub.Subscriber
	}
	contract := sub.ContractAddress
	if contract == "" {
		contract = e.cfg.DefaultContract
	}

	start := e.now()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	txID, chargeErr := e.chain.SubmitContractCall(callCtx, chain.ContractCall{
		Contract: contract,
		Function: e.cfg.ChargeFunction,
		Args:     []interface{}{principal},
	}, e.cfg.SignerKey, e.cfg.Fee)
	cancel()
	metrics.ChargeDuration.Observe(time.Since(start).Seconds())

	if chargeErr != nil {
		return e.handleChargeFailure(ctx, job, sub, chargeErr)
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	return e.succeed(ctx, job, sub, txID)
}

func (e *Engine) succeed(ctx context.Context, job *models.RelayerJob, sub *models.AutopaySubscription, txID string) error {
	receipt := &models.ChargeReceipt{
		TxID:    txID,
		Charged: sub.AmountPerInterval,
	}

	heightCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	height, err := e.chain.GetCurrentBlockHeight(heightCtx)
	cancel()
	base := sub.NextChargeBlock
	if err != nil {
		e.logger.DebugWith(logger.Relayer, "block height unavailable after charge %s: %v", txID, err)
	} else {
		receipt.ChargedAtBlock = &height
		if height > base {
			base = height
		}
	}
	receipt.NextChargeBlock = base + sub.IntervalBlocks

	next := e.now().Add(time.Duration(sub.IntervalBlocks) * e.cfg.BlockTime)
	nextPayload, _ := json.Marshal(ChargePayload{
		SubscriberPrincipal: sub.Subscriber,
		ExpectedBlock:       receipt.NextChargeBlock,
	})
	receipt.NextJob = &models.RelayerJob{
		SubscriptionID: sub.ID,
		JobType:        models.JobTypeCharge,
		RunAt:          next,
		Payload:        nextPayload,
	}

	remaining := sub.EscrowBalance - sub.AmountPerInterval
	if remaining < 0 {
		remaining = 0
	}
	if remaining < sub.AmountPerInterval {
		receipt.Notifications = append(receipt.Notifications, notification(sub, models.NotificationLowBalance, "Low balance", map[string]interface{}{
			"remaining":           remaining,
			"amount_per_interval": sub.AmountPerInterval,
		}))
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.store.MarkJobSucceeded(storeCtx, job, receipt); err != nil {
		return fmt.Errorf("record charge %s: %w", txID, err)
	}

	metrics.JobsProcessed.WithLabelValues(string(job.JobType), string(models.JobResultSucceeded)).Inc()
	e.logger.InfoWith(logger.Relayer, "charged subscription %s in tx %s, next charge at block %d", sub.ID, txID, receipt.NextChargeBlock)
	return nil
}

func (e *Engine) handleChargeFailure(ctx context.Context, job *models.RelayerJob, sub *models.AutopaySubscription, chargeErr error) error {
	transient, errorType := chain.ClassifyError(chargeErr)
	e.logger.ErrorWith(logger.Relayer, "charge for subscription %s failed on attempt %d (class %s, transient %v): %v",
		sub.ID, job.Attempts, errorType, transient, chargeErr)

	if e.breaker != nil && transient {
		if e.breaker.RecordFailure() {
			metrics.CircuitOpen.Set(1)
		}
	}

	reason := chargeErr.Error()
	if job.Attempts >= e.cfg.MaxAttempts {
		note := notification(sub, models.NotificationChargeFailed, "Subscription charge failed", map[string]interface{}{
			"attempts": job.Attempts,
			"error":    reason,
		})
		return e.fail(ctx, job, reason, []*models.NotificationQueueEntry{note})
	}

	delay := Backoff(job.Attempts, e.cfg.BaseDelay, e.cfg.MaxDelay)
	runAt := e.now().Add(delay)

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.store.RescheduleJob(storeCtx, job, runAt, reason); err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}

	metrics.JobRetries.WithLabelValues(errorType).Inc()
	metrics.JobsProcessed.WithLabelValues(string(job.JobType), string(models.JobResultRetry)).Inc()
	metrics.NextRetryIn.Set(delay.Seconds())
	e.logger.InfoWith(logger.Relayer, "job %s rescheduled in %v", job.ID, delay)
	return nil
}

func (e *Engine) fail(ctx context.Context, job *models.RelayerJob, reason string, notes []*models.NotificationQueueEntry) error {
	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.store.MarkJobFailed(storeCtx, job, reason, notes); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	metrics.JobsProcessed.WithLabelValues(string(job.JobType), string(models.JobResultFailed)).Inc()
	e.logger.NoticeWith(logger.Relayer, "job %s failed: %s", job.ID, reason)
	return nil
}

func (e *Engine) circuitOpen() bool {
	if e.breaker == nil {
		return false
	}
	open := e.breaker.IsOpen()
	if open {
		metrics.CircuitOpen.Set(1)
	} else {
		metrics.CircuitOpen.Set(0)
	}
	return open
}

func decodePayload(raw json.RawMessage) ChargePayload {
	var p ChargePayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func notification(sub *models.AutopaySubscription, kind models.NotificationType, subject string, payload map[string]interface{}) *models.NotificationQueueEntry {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["subscription_id"] = sub.ID
	raw, _ := json.Marshal(payload)
	id := sub.ID
	return &models.NotificationQueueEntry{
		SubscriptionID: &id,
		Recipient:      sub.Subscriber,
		Type:           kind,
		Subject:        subject,
		Payload:        raw,
	}
}
