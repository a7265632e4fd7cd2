package models

import (
	"encoding/json"
	"time"
)

// JobType identifies the relayer action to perform.
type JobType string

const JobTypeCharge JobType = "charge"

// JobStatus is the lifecycle state of a relayer job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// RelayerJob is a scheduled chain action with retry state.
// Attempts is incremented when the job is claimed.
type RelayerJob struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	JobType        JobType         `json:"job_type"`
	Status         JobStatus       `json:"status"`
	RunAt          time.Time       `json:"run_at"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// JobResult is the outcome recorded in the job audit trail.
type JobResult string

const (
	JobResultSucceeded JobResult = "succeeded"
	JobResultRetry     JobResult = "retry"
	JobResultFailed    JobResult = "failed"
)

// RelayerJobEvent is an append-only audit row, one per terminal or retry transition.
type RelayerJobEvent struct {
	ID             int64     `json:"id"`
	JobID          string    `json:"job_id"`
	SubscriptionID string    `json:"subscription_id"`
	Result         JobResult `json:"result"`
	TxID           *string   `json:"tx_id,omitempty"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChargeReceipt carries the writes that accompany a successful charge.
type ChargeReceipt struct {
	TxID    string
	Charged int64
	// ChargedAtBlock is nil when the chain height could not be read.
	ChargedAtBlock  *uint64
	NextChargeBlock uint64
	NextJob         *RelayerJob
	Notifications   []*NotificationQueueEntry
}
