package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/speedrun-hq/paygate/pkg/logger"
)

const (
	mainnet = "mainnet"
	testnet = "testnet"

	BackendEVM    = "evm"
	BackendStacks = "stacks"

	// DefaultNetwork is the default blockchain network to connect to
	DefaultNetwork = mainnet

	// DefaultChainBackend selects the chain adapter
	DefaultChainBackend = BackendEVM

	// DefaultStacksAPIURL is the public Hiro API
	DefaultStacksAPIURL = "https://api.hiro.so"

	// DefaultHTTPPort is the port of the gateway API
	DefaultHTTPPort = "8080"

	// DefaultMetricsPort defines the default port for the health and metrics server
	DefaultMetricsPort = "9090"

	// DefaultDatabaseMaxConns bounds the pgx pool
	DefaultDatabaseMaxConns = 10

	// DefaultCatalogCacheTTL is how long resource prices are cached
	DefaultCatalogCacheTTL = 60 * time.Second

	DefaultPayFunction    = "payForContent"
	DefaultChargeFunction = "chargeSubscription"
	DefaultCreateFunction = "createAutopaySubscription"
	DefaultTopUpFunction  = "topUpEscrow"
	DefaultCancelFunction = "cancelSubscription"

	// DefaultTxFee lets the node suggest a fee
	DefaultTxFee = "0"

	DefaultRelayerPollInterval = 60 * time.Second
	DefaultRelayerBatchSize    = 25
	DefaultRelayerMaxAttempts  = 5
	DefaultRelayerBaseDelay    = 60 * time.Second
	DefaultRelayerStaleAfter   = 15 * time.Minute
	DefaultBlockTime           = 10 * time.Minute

	DefaultChallengeTTL           = 15 * time.Minute
	DefaultChallengeSweepInterval = 60 * time.Second
	DefaultChallengeSweepBatch    = 500

	DefaultNotificationPollInterval = 60 * time.Second
	DefaultNotificationBatchSize    = 50
	DefaultNotificationStaleAfter   = 10 * time.Minute
	DefaultSMTPPort                 = 587

	DefaultAccessTokenTTL = 24 * time.Hour
	DefaultCallTimeout    = 10 * time.Second

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15 * time.Minute

	DefaultLogFormat = "text"
)

// GetEnvNetwork returns the configured network from environment variables or defaults to mainnet
func GetEnvNetwork() (string, error) {
	network := os.Getenv("NETWORK")
	if network == "" {
		network = DefaultNetwork
	}

	if network != mainnet && network != testnet {
		return "", fmt.Errorf("invalid NETWORK value: %s, must be 'mainnet' or 'testnet'", network)
	}

	return network, nil
}

// GetEnvChainBackend returns the chain adapter to use
func GetEnvChainBackend() (string, error) {
	backend := strings.ToLower(os.Getenv("CHAIN_BACKEND"))
	if backend == "" {
		return DefaultChainBackend, nil
	}
	if backend != BackendEVM && backend != BackendStacks {
		return "", fmt.Errorf("invalid CHAIN_BACKEND value: %s, must be 'evm' or 'stacks'", backend)
	}
	return backend, nil
}

// GetEnvPort returns a port from the named variable
func GetEnvPort(name, fallback string) (string, error) {
	port := os.Getenv(name)
	if port == "" {
		return fallback, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", name, port)
	}
	return port, nil
}

// GetEnvURL returns a URL from the named variable
func GetEnvURL(name, fallback string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	// Validate URL format
	if _, err := url.ParseRequestURI(value); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid URL", name, value)
	}
	return value, nil
}

// GetEnvString returns the named variable or fallback when unset
func GetEnvString(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// GetEnvPositiveInt returns a strictly positive integer from the named variable
func GetEnvPositiveInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return n, nil
}

// GetEnvNonNegativeInt returns an integer >= 0 from the named variable
func GetEnvNonNegativeInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", name)
	}
	return n, nil
}

// GetEnvDuration returns a duration from the named variable. Bare integers are
// read as seconds; anything else must parse with time.ParseDuration.
// A zero duration is only accepted when allowZero is set.
func GetEnvDuration(name string, fallback time.Duration, allowZero bool) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else {
		d, err = time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value: %s, must be a duration like 60s or a number of seconds", name, value)
		}
	}

	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return d, nil
}

// GetEnvBool returns a boolean from the named variable
func GetEnvBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

// GetEnvTxFee returns the fee passed with relayer transactions
func GetEnvTxFee() (*big.Int, error) {
	fee := os.Getenv("TX_FEE")
	if fee == "" {
		fee = DefaultTxFee
	}

	feeBig := new(big.Int)
	if _, ok := feeBig.SetString(fee, 10); !ok {
		return nil, fmt.Errorf("invalid TX_FEE value: %s, must be a valid integer string", fee)
	}

	if feeBig.Sign() < 0 {
		return nil, fmt.Errorf("TX_FEE must be greater than or equal to 0")
	}
	return feeBig, nil
}

// GetEnvChainID returns the expected EVM chain id, or 0 when unset
func GetEnvChainID() (int64, error) {
	value := os.Getenv("CHAIN_ID")
	if value == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid CHAIN_ID value: %s, must be a positive integer", value)
	}
	return id, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	value := os.Getenv("LOG_LEVEL")
	level, ok := logger.ParseLevel(value)
	if !ok {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", value)
	}
	return level, nil
}

// GetEnvLogFormat returns text or json
func GetEnvLogFormat() (string, error) {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		return DefaultLogFormat, nil
	}
	if format != "text" && format != "json" {
		return "", fmt.Errorf("invalid LOG_FORMAT value: %s, must be 'text' or 'json'", format)
	}
	return format, nil
}
