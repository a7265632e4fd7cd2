package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/settlement"
	"github.com/speedrun-hq/paygate/pkg/subscription"
	"github.com/speedrun-hq/paygate/pkg/x402"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrMissingFields), errors.Is(err, x402.ErrMissingReceipt):
		return http.StatusBadRequest, "token and txId are required"
	case errors.Is(err, x402.ErrMalformedPayload):
		return http.StatusBadRequest, "Malformed payment payload"
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound, "Content not found"
	case errors.Is(err, settlement.ErrInvalidOrExpired):
		return http.StatusNotFound, "Invalid or expired challenge token"
	case errors.Is(err, settlement.ErrExpired):
		return http.StatusGone, "Challenge expired"
	case errors.Is(err, settlement.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found on chain"
	case errors.Is(err, settlement.ErrTransactionPending):
		return http.StatusConflict, "Transaction pending"
	case errors.Is(err, settlement.ErrTransactionNotSuccessful):
		return http.StatusBadRequest, "Transaction not successful"
	case errors.Is(err, settlement.ErrWrongFunction):
		return http.StatusBadRequest, "Wrong contract function called"
	case errors.Is(err, settlement.ErrWrongContract):
		return http.StatusBadRequest, "Wrong contract address"
	case errors.Is(err, settlement.ErrWrongRecipient):
		return http.StatusBadRequest, "Wrong payment recipient"
	case errors.Is(err, settlement.ErrWrongSender):
		return http.StatusBadRequest, "Wrong sender"
	case errors.Is(err, settlement.ErrInsufficientAmount):
		return http.StatusBadRequest, "Insufficient payment amount"
	case errors.Is(err, settlement.ErrTxAlreadyUsed):
		return http.StatusConflict, "Transaction already used for another challenge"
	case errors.Is(err, settlement.ErrChainUnavailable):
		return http.StatusBadGateway, "Chain unavailable"

	case errors.Is(err, subscription.ErrMissingFields):
		return http.StatusBadRequest, "Missing required fields"
	case errors.Is(err, subscription.ErrVerificationFailed):
		return http.StatusBadRequest, "Transaction verification failed"
	case errors.Is(err, subscription.ErrAlreadyActive):
		return http.StatusConflict, "Active subscription already exists"
	case errors.Is(err, subscription.ErrTxAlreadyUsed):
		return http.StatusConflict, "Transaction already used"
	case errors.Is(err, subscription.ErrNotActive):
		return http.StatusConflict, "Subscription is not active"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Subscription not found"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorWith(logger.Gateway, "%s %s: %v", r.Method, r.URL.Path, err)
	}
	body := map[string]string{"error": msg}
	if errors.Is(err, subscription.ErrVerificationFailed) {
		body["details"] = strings.TrimPrefix(err.Error(), subscription.ErrVerificationFailed.Error()+": ")
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
