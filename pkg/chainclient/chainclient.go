// Package chainclient implements the chain adapter for EVM networks.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/contracts"
)

const (
	// DefaultGasLimit is used for contract calls so that submission does not depend on gas estimation.
	DefaultGasLimit uint64 = 300000
	// DefaultCallTimeout bounds every RPC made by the client.
	DefaultCallTimeout = 10 * time.Second
)

// Backend is the subset of an Ethereum RPC client the adapter needs.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	ethereum.TransactionReader
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client contains the RPC backend and submission settings for one EVM chain
type Client struct {
	backend     Backend
	chainID     *big.Int
	abi         abi.ABI
	gasLimit    uint64
	callTimeout time.Duration
}

var _ chain.Adapter = (*Client)(nil)

// Dial connects to an RPC endpoint and returns a ready adapter
func Dial(ctx context.Context, rpcURL string, gasLimit uint64, callTimeout time.Duration) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}
	return New(ctx, rpc, gasLimit, callTimeout)
}

// New creates an adapter over an existing backend
func New(ctx context.Context, backend Backend, gasLimit uint64, callTimeout time.Duration) (*Client, error) {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	parsed, err := contracts.ABI()
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	chainID, err := backend.ChainID(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}

	return &Client{
		backend:     backend,
		chainID:     chainID,
		abi:         parsed,
		gasLimit:    gasLimit,
		callTimeout: callTimeout,
	}, nil
}

// ChainID returns the chain ID reported by the node at construction time
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SubmitContractCall signs and broadcasts a call to the paywall or autopay contract.
// A positive fee is used as the legacy gas price; otherwise the node suggests fees.
func (c *Client) SubmitContractCall(ctx context.Context, call chain.ContractCall, signerKey string, fee *big.Int) (string, error) {
	if !common.IsHexAddress(call.Contract) {
		return "", fmt.Errorf("invalid contract address: %s", call.Contract)
	}

	method, ok := c.abi.Methods[call.Function]
	if !ok {
		return "", fmt.Errorf("unknown contract function: %s", call.Function)
	}

	args, err := coerceArgs(method.Inputs, call.Args)
	if err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", call.Function, err)
	}

	auth, err := c.createAuthenticator(signerKey)
	if err != nil {
		return "", fmt.Errorf("failed to create authenticator: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	auth.Context = timeoutCtx
	auth.GasLimit = c.gasLimit
	if fee != nil && fee.Sign() > 0 {
		auth.GasPrice = new(big.Int).Set(fee)
	}

	bound := bind.NewBoundContract(common.HexToAddress(call.Contract), c.abi, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(auth, call.Function, args...)
	if err != nil {
		return "", fmt.Errorf("failed to submit %s: %w", call.Function, err)
	}

	return tx.Hash().Hex(), nil
}

// GetTransaction looks up a transaction and its receipt and decodes the contract call, if any
func (c *Client) GetTransaction(ctx context.Context, txID string) (*chain.TxDetail, error) {
	if !isTxHash(txID) {
		return nil, fmt.Errorf("%w: malformed hash %q", chain.ErrTxNotFound, txID)
	}
	hash := common.HexToHash(chain.CanonicalTxID(txID))

	timeoutCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	tx, isPending, err := c.backend.TransactionByHash(timeoutCtx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", chain.ErrTxNotFound, txID)
		}
		return nil, fmt.Errorf("failed to get transaction: %v", err)
	}

	detail := &chain.TxDetail{
		TxID:   hash.Hex(),
		Status: chain.TxStatusPending,
	}

	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		detail.Sender = sender.Hex()
	}

	c.decodeCall(tx, detail)

	if isPending {
		return detail, nil
	}

	receipt, err := c.backend.TransactionReceipt(timeoutCtx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return detail, nil
		}
		return nil, fmt.Errorf("failed to get transaction receipt: %v", err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		detail.Status = chain.TxStatusSuccess
	} else {
		detail.Status = chain.TxStatusFailed
	}

	return detail, nil
}

// GetCurrentBlockHeight gets the latest block number from the chain
func (c *Client) GetCurrentBlockHeight(ctx context.Context) (uint64, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	return c.backend.BlockNumber(timeoutCtx)
}

// decodeCall fills in type, function, args and amount from the calldata
func (c *Client) decodeCall(tx *types.Transaction, detail *chain.TxDetail) {
	if tx.To() != nil {
		detail.Contract = tx.To().Hex()
	}

	data := tx.Data()
	if len(data) == 0 {
		detail.Type = chain.TxTypeTokenTransfer
		detail.Amount = tx.Value()
		return
	}

	if tx.To() == nil || len(data) < 4 {
		detail.Type = chain.TxTypeOther
		return
	}

	detail.Type = chain.TxTypeContractCall

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		detail.Function = common.Bytes2Hex(data[:4])
		return
	}
	detail.Function = method.Name

	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return
	}
	for name, v := range args {
		if addr, ok := v.(common.Address); ok {
			args[name] = addr.Hex()
		}
	}
	detail.Args = args

	for _, name := range []string{"amount", "deposit"} {
		if v, ok := args[name].(*big.Int); ok {
			detail.Amount = v
			return
		}
	}
	if tx.Value().Sign() > 0 {
		detail.Amount = tx.Value()
	}
}

// createAuthenticator builds transact options for a hex-encoded private key
func (c *Client) createAuthenticator(privateKeyHex string) (*bind.TransactOpts, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}

	return auth, nil
}

// coerceArgs converts loosely typed call arguments into the Go types the ABI encoder expects
func coerceArgs(inputs abi.Arguments, args []interface{}) ([]interface{}, error) {
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(inputs), len(args))
	}

	out := make([]interface{}, len(args))
	for i, input := range inputs {
		switch input.Type.T {
		case abi.AddressTy:
			switch v := args[i].(type) {
			case common.Address:
				out[i] = v
			case string:
				if !common.IsHexAddress(v) {
					return nil, fmt.Errorf("argument %s: invalid address %q", input.Name, v)
				}
				out[i] = common.HexToAddress(v)
			default:
				return nil, fmt.Errorf("argument %s: cannot use %T as address", input.Name, v)
			}
		case abi.UintTy, abi.IntTy:
			n, err := toBigInt(args[i])
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", input.Name, err)
			}
			out[i] = n
		default:
			out[i] = args[i]
		}
	}
	return out, nil
}

func toBigInt(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case string:
		b, ok := new(big.Int).SetString(n, 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

func isTxHash(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
