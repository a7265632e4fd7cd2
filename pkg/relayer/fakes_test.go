package relayer

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/models"
)

type fakeStore struct {
	mu            sync.Mutex
	jobs          map[string]*models.RelayerJob
	subs          map[string]*models.AutopaySubscription
	events        []*models.RelayerJobEvent
	notifications []*models.NotificationQueueEntry
	subErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*models.RelayerJob{}, subs: map[string]*models.AutopaySubscription{}}
}

func (f *fakeStore) addSub(sub *models.AutopaySubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.Status == "" {
		sub.Status = models.SubscriptionActive
	}
	f.subs[sub.ID] = sub
}

func (f *fakeStore) addJob(job *models.RelayerJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.JobType == "" {
		job.JobType = models.JobTypeCharge
	}
	f.jobs[job.ID] = job
}

func (f *fakeStore) job(id string) models.RelayerJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeStore) eventsFor(id string) []*models.RelayerJobEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RelayerJobEvent
	for _, e := range f.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeStore) FetchDueJobs(_ context.Context, jobType models.JobType, now time.Time, limit int) ([]*models.RelayerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*models.RelayerJob
	for _, j := range f.jobs {
		if j.JobType == jobType && j.Status == models.JobPending && !j.RunAt.After(now) {
			cp := *j
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeStore) ClaimJob(_ context.Context, id string, now time.Time) (*models.RelayerJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.JobPending || j.RunAt.After(now) {
		return nil, models.ErrConflict
	}
	j.Status = models.JobRunning
	j.Attempts++
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (f *fakeStore) GetSubscription(_ context.Context, id string) (*models.AutopaySubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	s, ok := f.subs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) finish(id string, status models.JobStatus, lastErr *string) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != models.JobRunning {
		return models.ErrConflict
	}
	j.Status = status
	j.LastError = lastErr
	return nil
}

func (f *fakeStore) event(job *models.RelayerJob, result models.JobResult, txID, errMsg *string) {
	f.events = append(f.events, &models.RelayerJobEvent{
		ID: int64(len(f.events) + 1), JobID: job.ID, SubscriptionID: job.SubscriptionID,
		Result: result, TxID: txID, Error: errMsg,
	})
}

func (f *fakeStore) MarkJobSucceeded(_ context.Context, job *models.RelayerJob, r *models.ChargeReceipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.finish(job.ID, models.JobSucceeded, nil); err != nil {
		return err
	}
	tx := r.TxID
	f.event(job, models.JobResultSucceeded, &tx, nil)

	if s, ok := f.subs[job.SubscriptionID]; ok {
		s.LastTxID = &tx
		s.LastError = nil
		s.EscrowBalance -= r.Charged
		if s.EscrowBalance < 0 {
			s.EscrowBalance = 0
		}
		s.LastChargeBlock = r.ChargedAtBlock
		s.NextChargeBlock = r.NextChargeBlock
	}
	if r.NextJob != nil {
		r.NextJob.ID = uuid.NewString()
		r.NextJob.Status = models.JobPending
		f.jobs[r.NextJob.ID] = r.NextJob
	}
	f.notifications = append(f.notifications, r.Notifications...)
	return nil
}

func (f *fakeStore) MarkJobFailed(_ context.Context, job *models.RelayerJob, reason string, notes []*models.NotificationQueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.finish(job.ID, models.JobFailed, &reason); err != nil {
		return err
	}
	f.event(job, models.JobResultFailed, nil, &reason)
	if s, ok := f.subs[job.SubscriptionID]; ok {
		s.LastError = &reason
	}
	f.notifications = append(f.notifications, notes...)
	return nil
}

func (f *fakeStore) RescheduleJob(_ context.Context, job *models.RelayerJob, runAt time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[job.ID]
	if !ok || j.Status != models.JobRunning {
		return models.ErrConflict
	}
	j.Status = models.JobPending
	j.RunAt = runAt
	j.LastError = &reason
	f.event(job, models.JobResultRetry, nil, &reason)
	return nil
}

func (f *fakeStore) RequeueStaleJobs(_ context.Context, cutoff time.Time, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Status == models.JobRunning && j.UpdatedAt.Before(cutoff) {
			j.Status = models.JobPending
			msg := reason
			j.LastError = &msg
			f.event(j, models.JobResultRetry, nil, &msg)
			n++
		}
	}
	return n, nil
}

// fakeChain fails the first failures charge calls.
type fakeChain struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []chain.ContractCall
	height   uint64
}

func (c *fakeChain) SubmitContractCall(_ context.Context, call chain.ContractCall, signerKey string, fee *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.failures > 0 {
		c.failures--
		if c.err != nil {
			return "", c.err
		}
		return "", errors.New("connection refused")
	}
	return "0xcharge" + uuid.NewString()[:8], nil
}

func (c *fakeChain) GetTransaction(context.Context, string) (*chain.TxDetail, error) {
	return nil, chain.ErrTxNotFound
}

func (c *fakeChain) GetCurrentBlockHeight(context.Context) (uint64, error) {
	if c.height == 0 {
		return 0, errors.New("height unavailable")
	}
	return c.height, nil
}

func (c *fakeChain) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
