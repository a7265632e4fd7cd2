// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/require"
)

// Constants for testing
const (
	DefaultTestTimeout = 5 * time.Second
)

// Account is a funded key on the simulated chain
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// HexKey returns the private key in the form accepted by the chain adapter
func (a Account) HexKey() string {
	return hex.EncodeToString(crypto.FromECDSA(a.Key))
}

// Transactor returns transact options for the simulated chain ID
func (a Account) Transactor(t *testing.T, sim *simulated.Backend) *bind.TransactOpts {
	chainID, err := sim.Client().ChainID(context.Background())
	require.NoError(t, err, "Failed to get chain ID")

	auth, err := bind.NewKeyedTransactorWithChainID(a.Key, chainID)
	require.NoError(t, err, "Failed to create transactor")
	return auth
}

// SetupSimulation creates a simulated blockchain with the given number of funded accounts
func SetupSimulation(t *testing.T, accounts int) (*simulated.Backend, []Account) {
	balance := new(big.Int)
	balance.SetString("10000000000000000000", 10) // 10 ETH

	funded := make([]Account, 0, accounts)
	//nolint:SA1019 // Using deprecated GenesisAccount for compatibility
	genesisAlloc := map[common.Address]core.GenesisAccount{}
	for i := 0; i < accounts; i++ {
		privateKey, err := crypto.GenerateKey()
		require.NoError(t, err, "Failed to generate private key")

		acc := Account{Key: privateKey, Address: crypto.PubkeyToAddress(privateKey.PublicKey)}
		genesisAlloc[acc.Address] = core.GenesisAccount{Balance: balance}
		funded = append(funded, acc)
	}

	sim := simulated.NewBackend(genesisAlloc)
	t.Cleanup(func() {
		_ = sim.Close()
	})

	return sim, funded
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// WithTimeout returns a context bounded by DefaultTestTimeout
func WithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	t.Cleanup(cancel)
	return ctx
}
