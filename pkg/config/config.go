package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/x402"
)

// Config holds the configuration shared by the gateway, relayer and notifier
type Config struct {
	DatabaseURL       string
	DatabaseMaxConns  int
	HTTPPort          string
	PublicURL         string
	MetricsPort       string
	MetricsAPIKey     string
	ReceiptSigningKey string
	AccessTokenTTL    time.Duration
	CallTimeout       time.Duration
	Redis             RedisConfig
	Chain             ChainConfig
	Settlement        SettlementConfig
	Relayer           RelayerConfig
	Notifier          NotifierConfig
	CircuitBreaker    CircuitBreakerConfig
	LoggerConfig      LoggerConfig
}

// RedisConfig configures the catalog price cache. An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

// ChainConfig holds the configuration of the chain adapter
type ChainConfig struct {
	Backend              string
	RPCURL               string
	ChainID              int64
	StacksAPIURL         string
	Network              string
	PaywallContract      string
	SubscriptionContract string
	PayFunction          string
	ChargeFunction       string
	CreateFunction       string
	TopUpFunction        string
	CancelFunction       string
}

// SettlementConfig holds challenge lifetimes
type SettlementConfig struct {
	ChallengeTTL  time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// RelayerConfig holds the recurring charge settings
type RelayerConfig struct {
	PrivateKey   string
	TxFee        *big.Int
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	// MaxDelay caps the retry backoff; zero leaves it unbounded.
	MaxDelay   time.Duration
	StaleAfter time.Duration
	BlockTime  time.Duration
}

// NotifierConfig holds the notification drain and SMTP settings
type NotifierConfig struct {
	PollInterval time.Duration
	BatchSize    int
	StaleAfter   time.Duration
	SMTP         SMTPConfig
}

// SMTPConfig is empty when no Host is set, in which case notifications are only logged.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
	Format   string
}

// X402Network returns the CAIP-2 network id advertised in payment requirements
func (c ChainConfig) X402Network() string {
	if c.Backend == BackendEVM {
		if c.ChainID > 0 {
			return "eip155:" + strconv.FormatInt(c.ChainID, 10)
		}
		return "eip155:1"
	}
	if c.Network == testnet {
		return x402.NetworkStacksTestnet
	}
	return x402.NetworkStacksMainnet
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		PublicURL:         os.Getenv("PUBLIC_URL"),
		MetricsAPIKey:     os.Getenv("METRICS_API_KEY"),
		ReceiptSigningKey: os.Getenv("RECEIPT_SIGNING_KEY"),
	}

	var err error
	if cfg.DatabaseMaxConns, err = GetEnvPositiveInt("DATABASE_MAX_CONNS", DefaultDatabaseMaxConns); err != nil {
		return nil, err
	}
	if cfg.HTTPPort, err = GetEnvPort("HTTP_PORT", DefaultHTTPPort); err != nil {
		return nil, err
	}
	if cfg.MetricsPort, err = GetEnvPort("METRICS_PORT", DefaultMetricsPort); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL, err = GetEnvDuration("ACCESS_TOKEN_TTL", DefaultAccessTokenTTL, false); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = GetEnvDuration("CALL_TIMEOUT", DefaultCallTimeout, false); err != nil {
		return nil, err
	}

	if cfg.Redis, err = loadRedisConfig(); err != nil {
		return nil, err
	}
	if cfg.Chain, err = loadChainConfig(); err != nil {
		return nil, err
	}
	if cfg.Settlement, err = loadSettlementConfig(); err != nil {
		return nil, err
	}
	if cfg.Relayer, err = loadRelayerConfig(); err != nil {
		return nil, err
	}
	if cfg.Notifier, err = loadNotifierConfig(); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker, err = loadCircuitBreakerConfig(); err != nil {
		return nil, err
	}
	if cfg.LoggerConfig, err = loadLoggerConfig(); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	rc := RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	var err error
	if rc.DB, err = GetEnvNonNegativeInt("REDIS_DB", 0); err != nil {
		return rc, err
	}
	if rc.CacheTTL, err = GetEnvDuration("CATALOG_CACHE_TTL", DefaultCatalogCacheTTL, false); err != nil {
		return rc, err
	}
	return rc, nil
}

func loadChainConfig() (ChainConfig, error) {
	cc := ChainConfig{
		RPCURL:               os.Getenv("RPC_URL"),
		PaywallContract:      os.Getenv("PAYWALL_CONTRACT"),
		SubscriptionContract: os.Getenv("SUBSCRIPTION_CONTRACT"),
		PayFunction:          GetEnvString("PAY_FUNCTION", DefaultPayFunction),
		ChargeFunction:       GetEnvString("CHARGE_FUNCTION", DefaultChargeFunction),
		CreateFunction:       GetEnvString("CREATE_SUBSCRIPTION_FUNCTION", DefaultCreateFunction),
		TopUpFunction:        GetEnvString("TOP_UP_FUNCTION", DefaultTopUpFunction),
		CancelFunction:       GetEnvString("CANCEL_SUBSCRIPTION_FUNCTION", DefaultCancelFunction),
	}
	var err error
	if cc.Backend, err = GetEnvChainBackend(); err != nil {
		return cc, err
	}
	if cc.Network, err = GetEnvNetwork(); err != nil {
		return cc, err
	}
	if cc.ChainID, err = GetEnvChainID(); err != nil {
		return cc, err
	}
	if cc.StacksAPIURL, err = GetEnvURL("STACKS_API_URL", DefaultStacksAPIURL); err != nil {
		return cc, err
	}
	return cc, nil
}

func loadSettlementConfig() (SettlementConfig, error) {
	var sc SettlementConfig
	var err error
	if sc.ChallengeTTL, err = GetEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL, false); err != nil {
		return sc, err
	}
	if sc.SweepInterval, err = GetEnvDuration("CHALLENGE_SWEEP_INTERVAL", DefaultChallengeSweepInterval, false); err != nil {
		return sc, err
	}
	if sc.SweepBatch, err = GetEnvPositiveInt("CHALLENGE_SWEEP_BATCH", DefaultChallengeSweepBatch); err != nil {
		return sc, err
	}
	return sc, nil
}

func loadRelayerConfig() (RelayerConfig, error) {
	rc := RelayerConfig{PrivateKey: os.Getenv("RELAYER_PRIVATE_KEY")}
	var err error
	if rc.TxFee, err = GetEnvTxFee(); err != nil {
		return rc, err
	}
	if rc.PollInterval, err = GetEnvDuration("RELAYER_POLL_INTERVAL", DefaultRelayerPollInterval, false); err != nil {
		return rc, err
	}
	if rc.BatchSize, err = GetEnvPositiveInt("RELAYER_BATCH_SIZE", DefaultRelayerBatchSize); err != nil {
		return rc, err
	}
	if rc.MaxAttempts, err = GetEnvPositiveInt("RELAYER_MAX_ATTEMPTS", DefaultRelayerMaxAttempts); err != nil {
		return rc, err
	}
	if rc.BaseDelay, err = GetEnvDuration("RELAYER_BASE_DELAY", DefaultRelayerBaseDelay, false); err != nil {
		return rc, err
	}
	if rc.MaxDelay, err = GetEnvDuration("RELAYER_MAX_DELAY", 0, true); err != nil {
		return rc, err
	}
	if rc.StaleAfter, err = GetEnvDuration("RELAYER_STALE_AFTER", DefaultRelayerStaleAfter, false); err != nil {
		return rc, err
	}
	if rc.BlockTime, err = GetEnvDuration("BLOCK_TIME", DefaultBlockTime, false); err != nil {
		return rc, err
	}
	return rc, nil
}

func loadNotifierConfig() (NotifierConfig, error) {
	nc := NotifierConfig{
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			Sender:   os.Getenv("SMTP_SENDER"),
		},
	}
	var err error
	if nc.PollInterval, err = GetEnvDuration("NOTIFICATION_POLL_INTERVAL", DefaultNotificationPollInterval, false); err != nil {
		return nc, err
	}
	if nc.BatchSize, err = GetEnvPositiveInt("NOTIFICATION_BATCH_SIZE", DefaultNotificationBatchSize); err != nil {
		return nc, err
	}
	if nc.StaleAfter, err = GetEnvDuration("NOTIFICATION_STALE_AFTER", DefaultNotificationStaleAfter, false); err != nil {
		return nc, err
	}
	if nc.SMTP.Port, err = GetEnvPositiveInt("SMTP_PORT", DefaultSMTPPort); err != nil {
		return nc, err
	}
	return nc, nil
}

func loadCircuitBreakerConfig() (CircuitBreakerConfig, error) {
	var cb CircuitBreakerConfig
	var err error
	if cb.Enabled, err = GetEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled); err != nil {
		return cb, err
	}
	if cb.Threshold, err = GetEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold); err != nil {
		return cb, err
	}
	if cb.WindowDuration, err = GetEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow, false); err != nil {
		return cb, err
	}
	if cb.ResetTimeout, err = GetEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset, false); err != nil {
		return cb, err
	}
	return cb, nil
}

func loadLoggerConfig() (LoggerConfig, error) {
	var lc LoggerConfig
	var err error
	if lc.Level, err = GetEnvLogLevel(); err != nil {
		return lc, err
	}
	if lc.Coloring, err = GetEnvBool("LOG_COLORING", true); err != nil {
		return lc, err
	}
	if lc.Format, err = GetEnvLogFormat(); err != nil {
		return lc, err
	}
	return lc, nil
}

// validateConfig checks the rules every command depends on
func validateConfig(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.Chain.Backend == BackendEVM && cfg.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL environment variable is required for the evm backend")
	}
	if cfg.Relayer.MaxDelay > 0 && cfg.Relayer.MaxDelay < cfg.Relayer.BaseDelay {
		return fmt.Errorf("RELAYER_MAX_DELAY must be greater than or equal to RELAYER_BASE_DELAY")
	}
	return nil
}

// ValidateGateway checks the options the HTTP gateway needs
func (c *Config) ValidateGateway() error {
	if c.ReceiptSigningKey == "" {
		return fmt.Errorf("RECEIPT_SIGNING_KEY environment variable is required")
	}
	if len(c.ReceiptSigningKey) < 32 {
		return fmt.Errorf("RECEIPT_SIGNING_KEY must be at least 32 bytes")
	}
	if c.Chain.PaywallContract == "" {
		return fmt.Errorf("PAYWALL_CONTRACT environment variable is required")
	}
	return nil
}

// ValidateRelayer checks the options the recurring charge relayer needs
func (c *Config) ValidateRelayer() error {
	if c.Chain.Backend != BackendEVM {
		return fmt.Errorf("the relayer requires CHAIN_BACKEND=evm, the %s backend is read-only", c.Chain.Backend)
	}
	if c.Relayer.PrivateKey == "" {
		return fmt.Errorf("RELAYER_PRIVATE_KEY environment variable is required")
	}
	if c.Chain.SubscriptionContract == "" {
		return fmt.Errorf("SUBSCRIPTION_CONTRACT environment variable is required")
	}
	return nil
}
