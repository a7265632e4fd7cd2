package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Function names exposed by the EVM deployments.
const (
	PayForContent             = "payForContent"
	ChargeSubscription        = "chargeSubscription"
	CreateAutopaySubscription = "createAutopaySubscription"
	TopUpEscrow               = "topUpEscrow"
	CancelSubscription        = "cancelSubscription"
	ChargesRemaining          = "chargesRemaining"
)

// PaywallABI is the ABI of the Paywall contract
const PaywallABI = `[
	{
		"inputs": [
			{"internalType": "string", "name": "contentId", "type": "string"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "string", "name": "asset", "type": "string"}
		],
		"name": "payForContent",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	}
]`

// AutopayABI is the ABI of the SubscriptionAutopay contract
const AutopayABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "merchant", "type": "address"},
			{"internalType": "uint256", "name": "amountPerInterval", "type": "uint256"},
			{"internalType": "uint256", "name": "intervalBlocks", "type": "uint256"},
			{"internalType": "uint256", "name": "deposit", "type": "uint256"}
		],
		"name": "createAutopaySubscription",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "topUpEscrow",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "cancelSubscription",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "subscriber", "type": "address"}
		],
		"name": "chargeSubscription",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "subscriber", "type": "address"}
		],
		"name": "chargesRemaining",
		"outputs": [
			{"internalType": "uint256", "name": "", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

var (
	parsedOnce sync.Once
	parsed     abi.ABI
	parseErr   error
)

// ABI returns the combined method set of the paywall and autopay contracts.
// Selectors do not collide, so one table decodes calldata for either contract.
func ABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		paywall, err := abi.JSON(strings.NewReader(PaywallABI))
		if err != nil {
			parseErr = fmt.Errorf("failed to parse paywall ABI: %v", err)
			return
		}
		autopay, err := abi.JSON(strings.NewReader(AutopayABI))
		if err != nil {
			parseErr = fmt.Errorf("failed to parse autopay ABI: %v", err)
			return
		}
		for name, m := range autopay.Methods {
			paywall.Methods[name] = m
		}
		parsed = paywall
	})
	return parsed, parseErr
}

// Bind binds a generic wrapper to an already deployed paywall or autopay contract.
func Bind(address common.Address, backend bind.ContractBackend) (*bind.BoundContract, error) {
	a, err := ABI()
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, a, backend, backend, backend), nil
}
