package settlement

import "errors"

// Rejection reasons surfaced to callers. Store failures are wrapped and match none of these.
var (
	ErrMissingFields            = errors.New("settlement: token and transaction id are required")
	ErrNotFound                 = errors.New("settlement: resource not found")
	ErrInvalidOrExpired         = errors.New("settlement: invalid or expired challenge token")
	ErrExpired                  = errors.New("settlement: challenge expired")
	ErrTransactionNotFound      = errors.New("settlement: transaction not found on chain")
	ErrTransactionPending       = errors.New("settlement: transaction not yet confirmed")
	ErrTransactionNotSuccessful = errors.New("settlement: transaction not successful")
	ErrWrongFunction            = errors.New("settlement: wrong contract function called")
	ErrWrongContract            = errors.New("settlement: transaction called the wrong contract")
	ErrWrongRecipient           = errors.New("settlement: transfer sent to the wrong recipient")
	ErrWrongSender              = errors.New("settlement: transaction not sent by the requester")
	ErrInsufficientAmount       = errors.New("settlement: paid amount below challenge amount")
	ErrTxAlreadyUsed            = errors.New("settlement: transaction already settled another challenge")
	ErrChainUnavailable         = errors.New("settlement: chain lookup failed")
)

// resultLabel maps an outcome to its metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ErrMissingFields):
		return "missing_fields"
	case errors.Is(err, ErrInvalidOrExpired):
		return "invalid_token"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTransactionNotFound):
		return "tx_not_found"
	case errors.Is(err, ErrTransactionPending):
		return "tx_pending"
	case errors.Is(err, ErrTransactionNotSuccessful):
		return "tx_failed"
	case errors.Is(err, ErrWrongFunction):
		return "wrong_function"
	case errors.Is(err, ErrWrongContract):
		return "wrong_contract"
	case errors.Is(err, ErrWrongRecipient):
		return "wrong_recipient"
	case errors.Is(err, ErrWrongSender):
		return "wrong_sender"
	case errors.Is(err, ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, ErrTxAlreadyUsed):
		return "tx_reused"
	case errors.Is(err, ErrChainUnavailable):
		return "chain_error"
	default:
		return "error"
	}
}
