package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/models"
)

// fakeStore mirrors the store's conditional-update semantics in memory.
type fakeStore struct {
	mu            sync.Mutex
	challenges    map[string]*models.Challenge // by token
	payments      map[string]*models.Payment   // by tx id
	grants        map[string]string            // resource/requester -> payment id
	analytics     []*models.AnalyticsEvent
	notifications []*models.NotificationQueueEntry
	settleCalls   int
	sideEffectErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		challenges: map[string]*models.Challenge{},
		payments:   map[string]*models.Payment{},
		grants:     map[string]string{},
	}
}

func (f *fakeStore) CreateChallenge(_ context.Context, c *models.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := *c
	f.challenges[c.Token] = &cp
	return nil
}

func (f *fakeStore) GetChallengeByToken(_ context.Context, token string) (*models.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[token]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) byID(id string) *models.Challenge {
	for _, c := range f.challenges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeStore) ExpireChallenge(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID(id)
	if c == nil || c.Status != models.ChallengePending {
		return false, nil
	}
	c.Status = models.ChallengeExpired
	return true, nil
}

func (f *fakeStore) ExpireOverdueChallenges(_ context.Context, now time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.challenges {
		if int(n) >= limit {
			break
		}
		if c.Status == models.ChallengePending && c.ExpiresAt.Before(now) {
			c.Status = models.ChallengeExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SettleChallenge(_ context.Context, c *models.Challenge, p *models.Payment) (*models.Payment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++

	replay := func() (*models.Payment, bool, error) {
		existing, ok := f.payments[p.TransactionID]
		if !ok {
			return nil, false, models.ErrConflict
		}
		cp := *existing
		return &cp, true, nil
	}

	stored := f.byID(c.ID)
	if stored == nil || stored.Status != models.ChallengePending {
		return replay()
	}
	if _, exists := f.payments[p.TransactionID]; exists {
		return replay()
	}

	now := time.Now().UTC()
	stored.Status = models.ChallengePaid
	stored.PaidTxID = &p.TransactionID
	stored.PaidAt = &now

	rec := *p
	rec.ID = uuid.NewString()
	rec.Status = models.PaymentConfirmed
	rec.ProcessedAt = now
	f.payments[p.TransactionID] = &rec

	if c.Requester != models.AnonymousRequester {
		key := c.ResourceID + "/" + c.Requester
		if _, ok := f.grants[key]; !ok {
			f.grants[key] = rec.ID
		}
	}
	cp := rec
	return &cp, false, nil
}

func (f *fakeStore) GetPaymentByTxID(_ context.Context, txID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[txID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) RecordAnalyticsEvent(_ context.Context, e *models.AnalyticsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sideEffectErr != nil {
		return f.sideEffectErr
	}
	f.analytics = append(f.analytics, e)
	return nil
}

func (f *fakeStore) EnqueueNotification(_ context.Context, n *models.NotificationQueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sideEffectErr != nil {
		return f.sideEffectErr
	}
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) challenge(token string) *models.Challenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.challenges[token]
	return &cp
}

// fakeCatalog resolves resources from a map and grants from the fake store.
type fakeCatalog struct {
	resources map[string]*models.Resource
	store     *fakeStore
	hasCalls  int
}

func (c *fakeCatalog) GetPriceInfo(_ context.Context, id string) (*models.Resource, error) {
	r, ok := c.resources[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (c *fakeCatalog) HasAccess(_ context.Context, resourceID, requester string) (bool, error) {
	c.hasCalls++
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	_, ok := c.store.grants[resourceID+"/"+requester]
	return ok, nil
}

// fakeChain serves canned transactions.
type fakeChain struct {
	mu  sync.Mutex
	txs map[string]*chain.TxDetail
	err error
}

func (c *fakeChain) SubmitContractCall(context.Context, chain.ContractCall, string, *big.Int) (string, error) {
	return "", chain.ErrUnsupported
}

func (c *fakeChain) GetTransaction(_ context.Context, txID string) (*chain.TxDetail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	tx, ok := c.txs[txID]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (c *fakeChain) GetCurrentBlockHeight(context.Context) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (c *fakeChain) add(tx *chain.TxDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[tx.TxID] = tx
}

// alias makes a stored transaction reachable under another lookup id.
func (c *fakeChain) alias(id, txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[id] = c.txs[txID]
}
