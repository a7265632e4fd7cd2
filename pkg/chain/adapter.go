// Package chain defines the blockchain boundary used by the settlement and relayer engines.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

var (
	// ErrTxNotFound is returned when the node has no record of a transaction id.
	ErrTxNotFound = errors.New("chain: transaction not found")
	// ErrUnsupported is returned by read-only adapters for write operations.
	ErrUnsupported = errors.New("chain: operation not supported by this adapter")
)

// TxStatus is the adapter-neutral execution status of a transaction.
type TxStatus string

const (
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
)

// TxType is the kind of transaction reported by the node.
type TxType string

const (
	TxTypeContractCall  TxType = "contract_call"
	TxTypeTokenTransfer TxType = "token_transfer"
	TxTypeOther         TxType = "other"
)

// ContractCall describes a contract function invocation.
// Args are passed positionally in the order the contract declares them.
type ContractCall struct {
	Contract string
	Function string
	Args     []interface{}
}

// TxDetail is what the engines need to know about a submitted transaction.
type TxDetail struct {
	TxID     string
	Status   TxStatus
	Type     TxType
	Function string
	Contract string
	Sender   string
	Args     map[string]interface{}
	// Amount is nil when the transaction does not carry a recognizable amount.
	Amount *big.Int
}

// Adapter is implemented by each supported chain backend.
type Adapter interface {
	// SubmitContractCall signs the call with signerKey and broadcasts it.
	// A nil fee lets the backend choose one.
	SubmitContractCall(ctx context.Context, call ContractCall, signerKey string, fee *big.Int) (string, error)

	// GetTransaction returns the current view of a transaction, or ErrTxNotFound.
	GetTransaction(ctx context.Context, txID string) (*TxDetail, error)

	// GetCurrentBlockHeight returns the chain tip height.
	GetCurrentBlockHeight(ctx context.Context) (uint64, error)
}

// CanonicalTxID folds the spellings of a 32-byte hex transaction hash
// (0x, 0X or no prefix, any letter case) into lower-case 0x form.
// Anything else is returned trimmed and otherwise untouched.
func CanonicalTxID(txID string) string {
	txID = strings.TrimSpace(txID)
	raw := txID
	if len(raw) >= 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		raw = raw[2:]
	}
	if len(raw) != 64 {
		return txID
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return txID
	}
	return "0x" + strings.ToLower(raw)
}
