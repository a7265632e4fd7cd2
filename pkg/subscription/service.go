// Package subscription manages autopay subscriptions on behalf of subscribers.
// Every mutation is backed by a confirmed transaction from the subscriber.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/contracts"
	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/relayer"
)

const (
	DefaultAmountPerInterval int64 = 1_000_000
	DefaultMerchant                = "SP000000000000000000002Q6VF78"
)

var (
	ErrMissingFields      = errors.New("subscription: missing required fields")
	ErrVerificationFailed = errors.New("subscription: transaction verification failed")
	ErrAlreadyActive      = errors.New("subscription: active subscription already exists")
	ErrNotActive          = errors.New("subscription: subscription is not active")
	ErrTxAlreadyUsed      = errors.New("subscription: transaction already used")
)

// Store is the persistence used by the service.
type Store interface {
	CreateSubscription(ctx context.Context, sub *models.AutopaySubscription, firstJob *models.RelayerJob, contact *models.SubscriberContact) error
	GetSubscription(ctx context.Context, id string) (*models.AutopaySubscription, error)
	GetLatestSubscription(ctx context.Context, subscriber string) (*models.AutopaySubscription, error)
	TopUpSubscription(ctx context.Context, id string, amount int64, txID string) (*models.AutopaySubscription, bool, error)
	CancelSubscription(ctx context.Context, id string, txID string) (int64, error)
}

type Config struct {
	Contract        string
	DefaultMerchant string
	BlockTime       time.Duration
	CallTimeout     time.Duration

	// Entry points each mutation's transaction must invoke.
	CreateFunction string
	TopUpFunction  string
	CancelFunction string
}

type CreateRequest struct {
	Subscriber        string
	Merchant          string
	DepositAmount     int64
	AmountPerInterval int64
	IntervalBlocks    uint64
	TxID              string
	// Email, when set, becomes the subscriber's verified contact.
	Email string
}

// Service creates, funds and cancels subscriptions.
type Service struct {
	store  Store
	chain  chain.Adapter
	logger logger.Logger
	cfg    Config
	now    func() time.Time
}

func NewService(store Store, adapter chain.Adapter, cfg Config, log logger.Logger) *Service {
	if cfg.DefaultMerchant == "" {
		cfg.DefaultMerchant = DefaultMerchant
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = relayer.DefaultBlockTime
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = relayer.DefaultCallTimeout
	}
	if cfg.CreateFunction == "" {
		cfg.CreateFunction = contracts.CreateAutopaySubscription
	}
	if cfg.TopUpFunction == "" {
		cfg.TopUpFunction = contracts.TopUpEscrow
	}
	if cfg.CancelFunction == "" {
		cfg.CancelFunction = contracts.CancelSubscription
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Service{store: store, chain: adapter, logger: log, cfg: cfg, now: time.Now}
}

// Create verifies the deposit transaction and opens a subscription with its first charge job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.AutopaySubscription, error) {
	if req.Subscriber == "" || req.DepositAmount <= 0 || req.IntervalBlocks == 0 || req.TxID == "" {
		return nil, ErrMissingFields
	}
	txID, err := s.verify(ctx, req.TxID, expectation{
		sender:    req.Subscriber,
		contract:  s.cfg.Contract,
		function:  s.cfg.CreateFunction,
		minAmount: req.DepositAmount,
	})
	if err != nil {
		return nil, err
	}

	merchant := req.Merchant
	if merchant == "" {
		merchant = s.cfg.DefaultMerchant
	}
	amount := req.AmountPerInterval
	if amount <= 0 {
		amount = DefaultAmountPerInterval
	}

	heightCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	height, err := s.chain.GetCurrentBlockHeight(heightCtx)
	cancel()
	if err != nil {
		s.logger.NoticeWith(logger.Gateway, "block height unavailable, first charge counted from genesis: %v", err)
		height = 0
	}
	firstBlock := height + req.IntervalBlocks

	sub := &models.AutopaySubscription{
		Subscriber:        req.Subscriber,
		Merchant:          merchant,
		ContractAddress:   s.cfg.Contract,
		EscrowBalance:     req.DepositAmount,
		AmountPerInterval: amount,
		IntervalBlocks:    req.IntervalBlocks,
		Status:            models.SubscriptionActive,
		NextChargeBlock:   firstBlock,
		LastTxID:          &txID,
	}
	payload, _ := json.Marshal(relayer.ChargePayload{SubscriberPrincipal: req.Subscriber, ExpectedBlock: firstBlock})
	job := &models.RelayerJob{
		JobType: models.JobTypeCharge,
		RunAt:   s.now().Add(time.Duration(req.IntervalBlocks) * s.cfg.BlockTime),
		Payload: payload,
	}
	var contact *models.SubscriberContact
	if req.Email != "" {
		contact = &models.SubscriberContact{Subscriber: req.Subscriber, Email: req.Email, Verified: true}
	}

	if err := s.store.CreateSubscription(ctx, sub, job, contact); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, ErrAlreadyActive
		}
		if errors.Is(err, models.ErrTxConsumed) {
			return nil, ErrTxAlreadyUsed
		}
		return nil, err
	}
	s.logger.InfoWith(logger.Gateway, "subscription %s created for %s, first charge at block %d", sub.ID, sub.Subscriber, firstBlock)
	return sub, nil
}

// TopUp verifies a deposit from the subscriber and adds it to the cached escrow balance.
// Each transaction is credited once; replaying it returns the subscription unchanged.
func (s *Service) TopUp(ctx context.Context, id string, amount int64, txID string) (*models.AutopaySubscription, error) {
	if id == "" || amount <= 0 || strings.TrimSpace(txID) == "" {
		return nil, ErrMissingFields
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	txID, err = s.verify(ctx, txID, expectation{
		sender:    sub.Subscriber,
		contract:  s.contractOf(sub),
		function:  s.cfg.TopUpFunction,
		minAmount: amount,
	})
	if err != nil {
		return nil, err
	}
	updated, replayed, err := s.store.TopUpSubscription(ctx, id, amount, txID)
	if err != nil {
		if errors.Is(err, models.ErrTxConsumed) {
			return nil, ErrTxAlreadyUsed
		}
		return nil, err
	}
	if replayed {
		s.logger.InfoWith(logger.Gateway, "subscription %s: top-up %s already credited", id, txID)
		return updated, nil
	}
	s.logger.InfoWith(logger.Gateway, "subscription %s topped up by %d, balance %d", id, amount, updated.EscrowBalance)
	return updated, nil
}

// Cancel verifies the subscriber's cancellation transaction, marks the
// subscription cancelled and cancels its pending jobs.
func (s *Service) Cancel(ctx context.Context, id, txID string) (int64, error) {
	if id == "" || strings.TrimSpace(txID) == "" {
		return 0, ErrMissingFields
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return 0, err
	}
	txID, err = s.verify(ctx, txID, expectation{
		sender:   sub.Subscriber,
		contract: s.contractOf(sub),
		function: s.cfg.CancelFunction,
	})
	if err != nil {
		return 0, err
	}
	n, err := s.store.CancelSubscription(ctx, id, txID)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return 0, ErrNotActive
		}
		if errors.Is(err, models.ErrTxConsumed) {
			return 0, ErrTxAlreadyUsed
		}
		return 0, err
	}
	s.logger.InfoWith(logger.Gateway, "subscription %s cancelled, %d pending jobs cancelled", id, n)
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.AutopaySubscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// Latest returns the subscriber's most recent subscription.
func (s *Service) Latest(ctx context.Context, subscriber string) (*models.AutopaySubscription, error) {
	return s.store.GetLatestSubscription(ctx, subscriber)
}

func (s *Service) contractOf(sub *models.AutopaySubscription) string {
	if sub.ContractAddress != "" {
		return sub.ContractAddress
	}
	return s.cfg.Contract
}

// expectation is what a subscription transaction must look like.
// Empty contract and zero minAmount are not checked.
type expectation struct {
	sender    string
	contract  string
	function  string
	minAmount int64
}

// verify checks that txID is a successful call of the expected entry point by the
// subscriber and returns the adapter's canonical transaction id. minAmount is only
// enforced when the adapter reports an amount.
func (s *Service) verify(ctx context.Context, txID string, want expectation) (string, error) {
	txID = chain.CanonicalTxID(txID)
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	tx, err := s.chain.GetTransaction(callCtx, txID)
	cancel()
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return "", fmt.Errorf("%w: transaction not found", ErrVerificationFailed)
		}
		return "", fmt.Errorf("subscription: get transaction %s: %w", txID, err)
	}
	if tx.Status != chain.TxStatusSuccess {
		return "", fmt.Errorf("%w: transaction not successful", ErrVerificationFailed)
	}
	if tx.Type != chain.TxTypeContractCall || tx.Function != want.function {
		return "", fmt.Errorf("%w: expected a %s call", ErrVerificationFailed, want.function)
	}
	if want.contract != "" && !strings.EqualFold(tx.Contract, want.contract) {
		return "", fmt.Errorf("%w: wrong contract", ErrVerificationFailed)
	}
	if !strings.EqualFold(tx.Sender, want.sender) {
		return "", fmt.Errorf("%w: sender mismatch", ErrVerificationFailed)
	}
	if want.minAmount > 0 && tx.Amount != nil && tx.Amount.Cmp(big.NewInt(want.minAmount)) < 0 {
		return "", fmt.Errorf("%w: amount below %d", ErrVerificationFailed, want.minAmount)
	}
	if id := chain.CanonicalTxID(tx.TxID); id != "" {
		txID = id
	}
	return txID, nil
}
