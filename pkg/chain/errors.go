package chain

import (
	"strings"
)

// Error classes used as metric labels for failed chain calls.
const (
	ErrorClassAlreadyProcessed  = "already_processed"
	ErrorClassNetwork           = "network_error"
	ErrorClassGas               = "gas_error"
	ErrorClassNonce             = "nonce_error"
	ErrorClassInsufficientFunds = "insufficient_funds"
	ErrorClassContract          = "contract_error"
	ErrorClassUnknown           = "unknown_error"
)

// ClassifyError buckets a chain error by its message.
// Returns (transient, class). Transient errors are expected to clear on their own.
func ClassifyError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	errStr := err.Error()

	if strings.Contains(errStr, "already charged") ||
		strings.Contains(errStr, "already known") {
		return false, ErrorClassAlreadyProcessed
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return true, ErrorClassNetwork
	}

	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "FeeTooLow") {
		return true, ErrorClassGas
	}

	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") ||
		strings.Contains(errStr, "ConflictingNonceInMempool") {
		return true, ErrorClassNonce
	}

	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") ||
		strings.Contains(errStr, "NotEnoughFunds") {
		return false, ErrorClassInsufficientFunds
	}

	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "abort_by_response") {
		return false, ErrorClassContract
	}

	return true, ErrorClassUnknown
}
