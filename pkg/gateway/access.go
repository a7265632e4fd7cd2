package gateway

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/metrics"
	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/settlement"
	"github.com/speedrun-hq/paygate/pkg/x402"
)

const headerAgentID = "X-Agent-Id"

type paymentInfo struct {
	Address  string  `json:"address"`
	Amount   int64   `json:"amount"`
	Asset    string  `json:"asset"`
	Contract *string `json:"contract"`
	Token    string  `json:"token"`
	Expires  string  `json:"expires"`
}

type instructions struct {
	Human string `json:"human"`
	Agent string `json:"agent"`
}

type paymentRequiredBody struct {
	Status       int          `json:"status"`
	Message      string       `json:"message"`
	ContentID    string       `json:"contentId"`
	Title        string       `json:"title"`
	Payment      paymentInfo  `json:"payment"`
	Instructions instructions `json:"instructions"`
}

type settledBody struct {
	Success       bool            `json:"success"`
	Access        bool            `json:"access"`
	AccessGranted bool            `json:"accessGranted"`
	ContentID     string          `json:"contentId"`
	PaymentID     string          `json:"paymentId"`
	TxID          string          `json:"txId"`
	Replayed      bool            `json:"replayed"`
	Settlement    x402.Settlement `json:"settlement"`
	Receipt       string          `json:"receipt,omitempty"`
}

// handleAccessCheck answers 200 when the requester holds a grant or a valid
// access token, and 402 with a fresh challenge otherwise.
func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resourceID := firstNonEmpty(q.Get("resource"), q.Get("contentId"))
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "resource query parameter required")
		return
	}
	agentID := strings.TrimSpace(r.Header.Get(headerAgentID))
	// Requesters are wallet identities. The agent id only marks the caller as automated.
	requester := firstNonEmpty(q.Get("requester"), q.Get("address"))

	if claims := s.bearerClaims(r); claims != nil && claims.ResourceID == resourceID &&
		(requester == "" || requester == models.AnonymousRequester || claims.Requester == requester) {
		metrics.AccessChecks.WithLabelValues("token").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{"access": true, "contentId": resourceID, "paymentId": claims.PaymentID})
		return
	}

	isAgent := settlement.DetectAgent(agentID, r.UserAgent())
	decision, err := s.settlement.RequestAccess(r.Context(), resourceID, requester, isAgent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if decision.Granted {
		writeJSON(w, http.StatusOK, map[string]interface{}{"access": true, "contentId": resourceID})
		return
	}

	c := decision.Challenge
	req, err := x402.NewBuilder().
		Network(s.cfg.Network).
		Resource(s.resourceURL(r, resourceID), decision.Resource.Title).
		PayTo(c.Recipient).
		Price(c.Amount, c.Asset).
		Contract(c.Contract).
		Challenge(c.Token, c.ExpiresAt).
		Build()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.WriteHeaders(w.Header()); err != nil {
		s.fail(w, r, err)
		return
	}

	var contract *string
	if c.Contract != "" {
		contract = &c.Contract
	}
	writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
		Status:    http.StatusPaymentRequired,
		Message:   "Payment required to access this content",
		ContentID: resourceID,
		Title:     decision.Resource.Title,
		Payment: paymentInfo{
			Address:  c.Recipient,
			Amount:   c.Amount,
			Asset:    c.Asset,
			Contract: contract,
			Token:    c.Token,
			Expires:  req.ExpiresString(),
		},
		Instructions: instructions{
			Human: "Sign a pay-for-content transaction using your wallet and POST the txId back.",
			Agent: "POST to this endpoint with { token, txId } to submit payment receipt.",
		},
	})
}

// handlePaymentReceipt redeems a challenge with the transaction that paid it.
func (s *Server) handlePaymentReceipt(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	receipt, err := x402.ParseReceipt(r.Header, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.settlement.RedeemChallenge(r.Context(), receipt.Token, receipt.TxID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	c := res.Challenge
	settled := x402.NewSettlement(res.Receipt.TxID, res.Receipt.Amount, res.Receipt.Asset, res.Receipt.Payee, res.Receipt.SettledAt)

	var accessToken string
	if s.tokens != nil {
		accessToken, err = s.tokens.Sign(c.ResourceID, c.Requester, res.PaymentID, res.Receipt.TxID)
		if err != nil {
			s.logger.ErrorWith(logger.Gateway, "sign access token for payment %s: %v", res.PaymentID, err)
		}
	}

	if err := x402.WritePaymentResponse(w.Header(), x402.PaymentResponse{
		Success:    true,
		Network:    s.cfg.Network,
		PaymentID:  res.PaymentID,
		Settlement: settled,
		Receipt:    accessToken,
	}); err != nil {
		s.logger.ErrorWith(logger.Gateway, "encode payment response: %v", err)
	}

	writeJSON(w, http.StatusOK, settledBody{
		Success:       true,
		Access:        true,
		AccessGranted: true,
		ContentID:     c.ResourceID,
		PaymentID:     res.PaymentID,
		TxID:          res.Receipt.TxID,
		Replayed:      res.Replayed,
		Settlement:    settled,
		Receipt:       accessToken,
	})
}

func (s *Server) bearerClaims(r *http.Request) *x402.AccessClaims {
	if s.tokens == nil {
		return nil
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return nil
	}
	claims, err := s.tokens.Verify(strings.TrimSpace(token))
	if err != nil {
		s.logger.DebugWith(logger.Gateway, "ignoring access token: %v", err)
		return nil
	}
	return claims
}

func (s *Server) resourceURL(r *http.Request, resourceID string) string {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = fmt.Sprintf("%s://%s", scheme, r.Host)
	}
	return base + "/access?resource=" + url.QueryEscape(resourceID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
