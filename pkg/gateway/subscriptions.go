package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/subscription"
)

// defaultIntervalBlocks is reported for subscribers without a subscription.
const defaultIntervalBlocks = 4320

type createSubscriptionRequest struct {
	SubscriberPrincipal string `json:"subscriberPrincipal" validate:"required"`
	MerchantPrincipal   string `json:"merchantPrincipal"`
	DepositAmount       int64  `json:"depositAmount" validate:"required,gt=0"`
	AmountPerInterval   int64  `json:"amountPerInterval" validate:"gte=0"`
	IntervalBlocks      uint64 `json:"intervalBlocks" validate:"required,gt=0"`
	TxID                string `json:"txId" validate:"required"`
	Email               string `json:"email" validate:"omitempty,email"`
}

type topUpRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	TxID   string `json:"txId" validate:"required"`
}

type cancelRequest struct {
	TxID string `json:"txId" validate:"required"`
}

type subscriptionView struct {
	ID                string     `json:"id,omitempty"`
	Subscriber        string     `json:"subscriberPrincipal,omitempty"`
	Merchant          string     `json:"merchantPrincipal,omitempty"`
	Status            string     `json:"status"`
	EscrowBalance     int64      `json:"escrowBalance"`
	AmountPerInterval int64      `json:"amountPerInterval,omitempty"`
	IntervalBlocks    uint64     `json:"intervalBlocks"`
	Strikes           int        `json:"strikes"`
	NextChargeBlock   *uint64    `json:"nextChargeBlock"`
	LastChargeBlock   *uint64    `json:"lastChargeBlock"`
	LastTxID          *string    `json:"lastTxId,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
}

func viewOf(sub *models.AutopaySubscription) subscriptionView {
	next := sub.NextChargeBlock
	created, updated := sub.CreatedAt, sub.UpdatedAt
	v := subscriptionView{
		ID:                sub.ID,
		Subscriber:        sub.Subscriber,
		Merchant:          sub.Merchant,
		Status:            string(sub.Status),
		EscrowBalance:     sub.EscrowBalance,
		AmountPerInterval: sub.AmountPerInterval,
		IntervalBlocks:    sub.IntervalBlocks,
		Strikes:           sub.Strikes,
		NextChargeBlock:   &next,
		LastChargeBlock:   sub.LastChargeBlock,
		LastTxID:          sub.LastTxID,
		LastError:         sub.LastError,
	}
	if !created.IsZero() {
		v.CreatedAt = &created
	}
	if !updated.IsZero() {
		v.UpdatedAt = &updated
	}
	return v
}

// handleLatestSubscription returns the subscriber's most recent subscription, or an
// inactive placeholder when there is none.
func (s *Server) handleLatestSubscription(w http.ResponseWriter, r *http.Request) {
	subscriber := r.URL.Query().Get("subscriber")
	if subscriber == "" {
		writeError(w, http.StatusBadRequest, "subscriber query parameter required")
		return
	}
	sub, err := s.subscriptions.Latest(r.Context(), subscriber)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"subscription": subscriptionView{
				Status:         "inactive",
				IntervalBlocks: defaultIntervalBlocks,
			}})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscription": viewOf(sub)})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subscriptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscription": viewOf(sub)})
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.subscriptions.Create(r.Context(), subscription.CreateRequest{
		Subscriber:        req.SubscriberPrincipal,
		Merchant:          req.MerchantPrincipal,
		DepositAmount:     req.DepositAmount,
		AmountPerInterval: req.AmountPerInterval,
		IntervalBlocks:    req.IntervalBlocks,
		TxID:              req.TxID,
		Email:             req.Email,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "subscription": viewOf(sub)})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.subscriptions.TopUp(r.Context(), chi.URLParam(r, "id"), req.Amount, req.TxID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "newBalance": sub.EscrowBalance})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.subscriptions.Cancel(r.Context(), chi.URLParam(r, "id"), req.TxID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Subscription cancelled", "cancelledJobs": n})
}
