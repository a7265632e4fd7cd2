package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/settlement"
	"github.com/speedrun-hq/paygate/pkg/subscription"
	"github.com/speedrun-hq/paygate/pkg/x402"
)

type accessCall struct {
	resourceID, requester string
	isAgent               bool
}

type fakeSettlement struct {
	decision  *settlement.AccessDecision
	accessErr error
	calls     []accessCall

	result    *settlement.SettlementResult
	redeemErr error
	redeemed  []x402.Receipt
}

func (f *fakeSettlement) RequestAccess(_ context.Context, resourceID, requester string, isAgent bool) (*settlement.AccessDecision, error) {
	f.calls = append(f.calls, accessCall{resourceID, requester, isAgent})
	return f.decision, f.accessErr
}

func (f *fakeSettlement) RedeemChallenge(_ context.Context, token, txID string) (*settlement.SettlementResult, error) {
	f.redeemed = append(f.redeemed, x402.Receipt{Token: token, TxID: txID})
	return f.result, f.redeemErr
}

var expires = time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

func challengeDecision() *settlement.AccessDecision {
	return &settlement.AccessDecision{
		Resource: &models.Resource{ID: "article-1", Title: "Deep Dive", Price: 1000, Asset: "STX", Payee: "SP2PAYEE"},
		Challenge: &models.Challenge{
			ID:         "ch-1",
			ResourceID: "article-1",
			Requester:  "SP1PAYER",
			Recipient:  "SP2PAYEE",
			Amount:     1000,
			Asset:      "STX",
			Contract:   "SP2PAYEE.paywall",
			Token:      "tok-1",
			Status:     models.ChallengePending,
			ExpiresAt:  expires,
		},
	}
}

func settledResult() *settlement.SettlementResult {
	tx := "0xabc"
	return &settlement.SettlementResult{
		PaymentID: "pay-1",
		Challenge: &models.Challenge{ResourceID: "article-1", Requester: "SP1PAYER", Token: "tok-1", Status: models.ChallengePaid, PaidTxID: &tx},
		Receipt: settlement.Receipt{
			Amount: 1000, Asset: "STX", Payee: "SP2PAYEE", TxID: tx,
			SettledAt: time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
		},
	}
}

func newTestServer(engine *fakeSettlement, subs Subscriptions) (*Server, *x402.AccessTokenSigner) {
	signer := x402.NewAccessTokenSigner([]byte("test-secret"), time.Hour)
	return NewServer(engine, subs, signer, Config{Network: x402.NetworkStacksTestnet, PublicURL: "https://pay.example.com"}, nil), signer
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestAccessCheckChallenge(t *testing.T) {
	engine := &fakeSettlement{decision: challengeDecision()}
	srv, _ := newTestServer(engine, nil)

	req := httptest.NewRequest(http.MethodGet, "/access?contentId=article-1&address=SP1PAYER", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	rec := do(t, srv.Router(), req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Len(t, engine.calls, 1)
	assert.Equal(t, accessCall{"article-1", "SP1PAYER", false}, engine.calls[0])

	h := rec.Header()
	assert.Equal(t, "SP2PAYEE", h.Get(x402.HeaderAddress))
	assert.Equal(t, "1000", h.Get(x402.HeaderAmount))
	assert.Equal(t, "STX", h.Get(x402.HeaderAsset))
	assert.Equal(t, "SP2PAYEE.paywall", h.Get(x402.HeaderContract))
	assert.Equal(t, "tok-1", h.Get(x402.HeaderToken))
	assert.Equal(t, "2026-03-01T12:15:00.000Z", h.Get(x402.HeaderExpires))
	assert.Contains(t, h.Get("Access-Control-Expose-Headers"), x402.HeaderPaymentRequired)

	var env x402.PaymentRequired
	require.NoError(t, x402.DecodeHeader(h.Get(x402.HeaderPaymentRequired), &env))
	assert.Equal(t, x402.Version, env.X402Version)
	assert.Equal(t, x402.NetworkStacksTestnet, env.Network)
	assert.Equal(t, "https://pay.example.com/access?resource=article-1", env.Resource.URL)
	assert.Equal(t, "Deep Dive", env.Resource.Description)
	require.Len(t, env.Accepts, 1)
	assert.Equal(t, "1000", env.Accepts[0].Amount)
	assert.Equal(t, "SP2PAYEE", env.Accepts[0].PayTo)
	require.NotNil(t, env.Extra)
	assert.Equal(t, "tok-1", env.Extra.ChallengeToken)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(402), body["status"])
	assert.Equal(t, "Payment required to access this content", body["message"])
	assert.Equal(t, "article-1", body["contentId"])
	assert.Equal(t, "Deep Dive", body["title"])
	payment := body["payment"].(map[string]interface{})
	assert.Equal(t, "SP2PAYEE", payment["address"])
	assert.Equal(t, float64(1000), payment["amount"])
	assert.Equal(t, "SP2PAYEE.paywall", payment["contract"])
	assert.Equal(t, "tok-1", payment["token"])
	assert.Equal(t, "2026-03-01T12:15:00.000Z", payment["expires"])
	assert.Contains(t, body, "instructions")
}

func TestAccessCheckRequesterAliases(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		agentID string
		ua      string
		want    accessCall
	}{
		{"canonical params", "/access?resource=r1&requester=SP1", "", "Mozilla/5.0 (X11)", accessCall{"r1", "SP1", false}},
		{"legacy params", "/access?contentId=r1&address=SP1", "", "Mozilla/5.0 (X11)", accessCall{"r1", "SP1", false}},
		{"agent header", "/access?resource=r1", "agent-42", "Mozilla/5.0 (X11)", accessCall{"r1", "", true}},
		{"agent header with wallet", "/access?resource=r1&requester=SP1", "agent-42", "Mozilla/5.0 (X11)", accessCall{"r1", "SP1", true}},
		{"agent user agent", "/access?resource=r1", "", "python-requests/2.31", accessCall{"r1", "", true}},
		{"anonymous", "/access?resource=r1", "", "Mozilla/5.0 (X11)", accessCall{"r1", "", false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeSettlement{decision: &settlement.AccessDecision{Granted: true}}
			srv, _ := newTestServer(engine, nil)
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			req.Header.Set("User-Agent", tt.ua)
			if tt.agentID != "" {
				req.Header.Set("X-Agent-Id", tt.agentID)
			}
			rec := do(t, srv.Router(), req)

			assert.Equal(t, http.StatusOK, rec.Code)
			require.Len(t, engine.calls, 1)
			assert.Equal(t, tt.want, engine.calls[0])
			assert.Equal(t, true, decodeBody(t, rec)["access"])
		})
	}
}

func TestAccessCheckErrors(t *testing.T) {
	srv, _ := newTestServer(&fakeSettlement{}, nil)
	rec := do(t, srv.Router(), httptest.NewRequest(http.MethodGet, "/access", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv, _ = newTestServer(&fakeSettlement{accessErr: settlement.ErrNotFound}, nil)
	rec = do(t, srv.Router(), httptest.NewRequest(http.MethodGet, "/access?resource=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Content not found", decodeBody(t, rec)["error"])

	srv, _ = newTestServer(&fakeSettlement{accessErr: fmt.Errorf("settlement: persist challenge: %w", context.DeadlineExceeded)}, nil)
	rec = do(t, srv.Router(), httptest.NewRequest(http.MethodGet, "/access?resource=r1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPaymentReceipt(t *testing.T) {
	engine := &fakeSettlement{result: settledResult()}
	srv, signer := newTestServer(engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/access", strings.NewReader(`{"token":"tok-1","txId":"0xabc"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, srv.Router(), req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, engine.redeemed, 1)
	assert.Equal(t, x402.Receipt{Token: "tok-1", TxID: "0xabc"}, engine.redeemed[0])

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["accessGranted"])
	assert.Equal(t, "pay-1", body["paymentId"])
	assert.Equal(t, "article-1", body["contentId"])
	assert.Equal(t, "0xabc", body["txId"])

	var resp x402.PaymentResponse
	require.NoError(t, x402.DecodeHeader(rec.Header().Get(x402.HeaderPaymentResponse), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "pay-1", resp.PaymentID)
	assert.Equal(t, "0xabc", resp.Settlement.TxID)
	assert.Equal(t, "1000", resp.Settlement.Amount)
	assert.Equal(t, "2026-03-01T12:01:00Z", resp.Settlement.SettledAt)

	claims, err := signer.Verify(resp.Receipt)
	require.NoError(t, err)
	assert.Equal(t, "article-1", claims.ResourceID)
	assert.Equal(t, "SP1PAYER", claims.Requester)
	assert.Equal(t, "pay-1", claims.PaymentID)
	assert.Equal(t, resp.Receipt, body["receipt"])

	// The receipt unlocks the resource without another grant lookup.
	engine.calls = nil
	get := httptest.NewRequest(http.MethodGet, "/access?resource=article-1", nil)
	get.Header.Set("Authorization", "Bearer "+resp.Receipt)
	rec = do(t, srv.Router(), get)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, engine.calls)

	// A token for another resource falls through to the normal check.
	engine.decision = challengeDecision()
	get = httptest.NewRequest(http.MethodGet, "/access?resource=article-2", nil)
	get.Header.Set("Authorization", "Bearer "+resp.Receipt)
	rec = do(t, srv.Router(), get)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Len(t, engine.calls, 1)
}

func TestPaymentReceiptFromSignatureHeader(t *testing.T) {
	engine := &fakeSettlement{result: settledResult()}
	srv, _ := newTestServer(engine, nil)

	sig, err := x402.EncodeHeader(map[string]interface{}{
		"scheme":  "exact",
		"network": x402.NetworkStacksTestnet,
		"payload": map[string]string{"token": "tok-1", "txId": "0xabc"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/access", nil)
	req.Header.Set(x402.HeaderPaymentSignature, sig)
	rec := do(t, srv.Router(), req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []x402.Receipt{{Token: "tok-1", TxID: "0xabc"}}, engine.redeemed)
}

func TestPaymentReceiptErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
		msg  string
	}{
		{settlement.ErrMissingFields, http.StatusBadRequest, "token and txId are required"},
		{settlement.ErrInvalidOrExpired, http.StatusNotFound, "Invalid or expired challenge token"},
		{settlement.ErrExpired, http.StatusGone, "Challenge expired"},
		{settlement.ErrTransactionNotFound, http.StatusNotFound, "Transaction not found on chain"},
		{settlement.ErrTransactionPending, http.StatusConflict, "Transaction pending"},
		{settlement.ErrTransactionNotSuccessful, http.StatusBadRequest, "Transaction not successful"},
		{fmt.Errorf("%w: transfer", settlement.ErrWrongFunction), http.StatusBadRequest, "Wrong contract function called"},
		{fmt.Errorf("%w: SP9.fake", settlement.ErrWrongContract), http.StatusBadRequest, "Wrong contract address"},
		{settlement.ErrWrongRecipient, http.StatusBadRequest, "Wrong payment recipient"},
		{settlement.ErrWrongSender, http.StatusBadRequest, "Wrong sender"},
		{settlement.ErrInsufficientAmount, http.StatusBadRequest, "Insufficient payment amount"},
		{settlement.ErrTxAlreadyUsed, http.StatusConflict, "Transaction already used for another challenge"},
		{fmt.Errorf("%w: dial tcp: connection refused", settlement.ErrChainUnavailable), http.StatusBadGateway, "Chain unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			engine := &fakeSettlement{redeemErr: tt.err}
			srv, _ := newTestServer(engine, nil)
			req := httptest.NewRequest(http.MethodPost, "/access", strings.NewReader(`{"token":"tok-1","transactionId":"0xabc"}`))
			rec := do(t, srv.Router(), req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.msg, decodeBody(t, rec)["error"])
			assert.Empty(t, rec.Header().Get(x402.HeaderPaymentResponse))
		})
	}
}

func TestPaymentReceiptMalformed(t *testing.T) {
	engine := &fakeSettlement{}
	srv, _ := newTestServer(engine, nil)

	rec := do(t, srv.Router(), httptest.NewRequest(http.MethodPost, "/access", strings.NewReader(`{"token":"tok-1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "token and txId are required", decodeBody(t, rec)["error"])

	rec = do(t, srv.Router(), httptest.NewRequest(http.MethodPost, "/access", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, engine.redeemed)
}

func TestPreflight(t *testing.T) {
	srv, _ := newTestServer(&fakeSettlement{}, nil)
	rec := do(t, srv.Router(), httptest.NewRequest(http.MethodOptions, "/access", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-payment-receipt")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), x402.HeaderPaymentResponse)
}

type fakeSubscriptions struct {
	created   []subscription.CreateRequest
	createErr error
	sub       *models.AutopaySubscription
	getErr    error
	topUps    []int64
	cancelErr error
}

func (f *fakeSubscriptions) Create(_ context.Context, req subscription.CreateRequest) (*models.AutopaySubscription, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.AutopaySubscription{
		ID: "sub-1", Subscriber: req.Subscriber, Status: models.SubscriptionActive,
		EscrowBalance: req.DepositAmount, IntervalBlocks: req.IntervalBlocks, NextChargeBlock: 5320,
	}, nil
}

func (f *fakeSubscriptions) TopUp(_ context.Context, _ string, amount int64, _ string) (*models.AutopaySubscription, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.topUps = append(f.topUps, amount)
	sub := *f.sub
	sub.EscrowBalance += amount
	return &sub, nil
}

func (f *fakeSubscriptions) Cancel(context.Context, string, string) (int64, error) {
	return 1, f.cancelErr
}

func (f *fakeSubscriptions) Get(context.Context, string) (*models.AutopaySubscription, error) {
	return f.sub, f.getErr
}

func (f *fakeSubscriptions) Latest(context.Context, string) (*models.AutopaySubscription, error) {
	return f.sub, f.getErr
}

func TestCreateSubscription(t *testing.T) {
	subs := &fakeSubscriptions{}
	srv, _ := newTestServer(&fakeSettlement{}, subs)

	body := `{"subscriberPrincipal":"SP1SUB","depositAmount":5000000,"intervalBlocks":4320,"txId":"0xdep","email":"a@example.com"}`
	rec := do(t, srv.Router(), httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, subs.created, 1)
	assert.Equal(t, subscription.CreateRequest{
		Subscriber: "SP1SUB", DepositAmount: 5000000, IntervalBlocks: 4320, TxID: "0xdep", Email: "a@example.com",
	}, subs.created[0])

	view := decodeBody(t, rec)["subscription"].(map[string]interface{})
	assert.Equal(t, "sub-1", view["id"])
	assert.Equal(t, "active", view["status"])
	assert.Equal(t, float64(5320), view["nextChargeBlock"])
}

func TestCreateSubscriptionRejects(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		createErr error
		want      int
		contains  string
	}{
		{"missing subscriber", `{"depositAmount":1,"intervalBlocks":1,"txId":"0x"}`, nil, http.StatusBadRequest, "subscriberPrincipal (required)"},
		{"bad email", `{"subscriberPrincipal":"SP1","depositAmount":1,"intervalBlocks":1,"txId":"0x","email":"nope"}`, nil, http.StatusBadRequest, "email (email)"},
		{"bad json", `{`, nil, http.StatusBadRequest, "invalid JSON body"},
		{"already active", `{"subscriberPrincipal":"SP1","depositAmount":1,"intervalBlocks":1,"txId":"0x"}`, subscription.ErrAlreadyActive, http.StatusConflict, "Active subscription already exists"},
		{"verification", `{"subscriberPrincipal":"SP1","depositAmount":1,"intervalBlocks":1,"txId":"0x"}`, fmt.Errorf("%w: sender mismatch", subscription.ErrVerificationFailed), http.StatusBadRequest, "sender mismatch"},
		{"deposit reused", `{"subscriberPrincipal":"SP1","depositAmount":1,"intervalBlocks":1,"txId":"0x"}`, subscription.ErrTxAlreadyUsed, http.StatusConflict, "Transaction already used"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := &fakeSubscriptions{createErr: tt.createErr}
			srv, _ := newTestServer(&fakeSettlement{}, subs)
			rec := do(t, srv.Router(), httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(tt.body)))

			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestSubscriptionRoutes(t *testing.T) {
	sub := &models.AutopaySubscription{ID: "sub-1", Subscriber: "SP1", Status: models.SubscriptionActive, EscrowBalance: 1000, IntervalBlocks: 10}
	subs := &fakeSubscriptions{sub: sub}
	srv, _ := newTestServer(&fakeSettlement{}, subs)
	router := srv.Router()

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/subscriptions/sub-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sub-1", decodeBody(t, rec)["subscription"].(map[string]interface{})["id"])

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/topup", strings.NewReader(`{"amount":500,"txId":"0xtop"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1500), decodeBody(t, rec)["newBalance"])

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/topup", strings.NewReader(`{"amount":0,"txId":"0xtop"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/cancel", strings.NewReader(`{"txId":"0xcancel"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Subscription cancelled", decodeBody(t, rec)["message"])

	subs.cancelErr = subscription.ErrNotActive
	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/subscriptions/sub-1/cancel", strings.NewReader(`{"txId":"0xcancel"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/subscriptions?subscriber=SP1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decodeBody(t, rec)["subscription"].(map[string]interface{})["status"])

	subs.sub, subs.getErr = nil, models.ErrNotFound
	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/subscriptions?subscriber=SP9", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody(t, rec)["subscription"].(map[string]interface{})
	assert.Equal(t, "inactive", view["status"])
	assert.Equal(t, float64(4320), view["intervalBlocks"])
	assert.Nil(t, view["nextChargeBlock"])

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/subscriptions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionRoutesDisabled(t *testing.T) {
	srv, _ := newTestServer(&fakeSettlement{}, nil)
	rec := do(t, srv.Router(), httptest.NewRequest(http.MethodGet, "/subscriptions/sub-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
