package main

import (
	"context"
	"fmt"

	"github.com/speedrun-hq/paygate/pkg/catalog"
	"github.com/speedrun-hq/paygate/pkg/chain"
	"github.com/speedrun-hq/paygate/pkg/chainclient"
	"github.com/speedrun-hq/paygate/pkg/circuitbreaker"
	"github.com/speedrun-hq/paygate/pkg/config"
	"github.com/speedrun-hq/paygate/pkg/gateway"
	"github.com/speedrun-hq/paygate/pkg/health"
	"github.com/speedrun-hq/paygate/pkg/hiroclient"
	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/notify"
	"github.com/speedrun-hq/paygate/pkg/relayer"
	"github.com/speedrun-hq/paygate/pkg/settlement"
	"github.com/speedrun-hq/paygate/pkg/store"
	"github.com/speedrun-hq/paygate/pkg/subscription"
	"github.com/speedrun-hq/paygate/pkg/x402"
)

// app holds the dependencies shared by the long-running commands
type app struct {
	cfg     *config.Config
	logger  logger.Logger
	store   *store.Store
	chain   chain.Adapter
	breaker *circuitbreaker.CircuitBreaker
	closers []func()
}

func newLogger(cfg config.LoggerConfig) (logger.Logger, func(), error) {
	if cfg.Format == "json" {
		zl, err := logger.NewZapLogger(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		return zl, func() { _ = zl.Sync() }, nil
	}
	return logger.NewStdLogger(cfg.Coloring, cfg.Level), func() {}, nil
}

// newApp loads configuration and opens the database. The chain adapter is dialled only when withChain is set.
func newApp(ctx context.Context, withChain bool) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, syncLog, err := newLogger(cfg.LoggerConfig)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log, closers: []func(){syncLog}}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store.New(pool, log)
	a.closers = append(a.closers, a.store.Close)

	if withChain {
		if a.chain, err = newChainAdapter(ctx, cfg, log); err != nil {
			a.close()
			return nil, err
		}
	}

	a.breaker = circuitbreaker.NewCircuitBreaker(
		"chain",
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.WindowDuration,
		cfg.CircuitBreaker.ResetTimeout,
		log,
	)
	return a, nil
}

func newChainAdapter(ctx context.Context, cfg *config.Config, log logger.Logger) (chain.Adapter, error) {
	if cfg.Chain.Backend == config.BackendStacks {
		log.InfoWith(logger.Chain, "Using Stacks API at %s (%s)", cfg.Chain.StacksAPIURL, cfg.Chain.Network)
		return hiroclient.New(cfg.Chain.StacksAPIURL, cfg.CallTimeout, log), nil
	}

	client, err := chainclient.Dial(ctx, cfg.Chain.RPCURL, chainclient.DefaultGasLimit, cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.Chain.ChainID > 0 && client.ChainID().Int64() != cfg.Chain.ChainID {
		return nil, fmt.Errorf("RPC_URL reports chain %s, expected CHAIN_ID %d", client.ChainID(), cfg.Chain.ChainID)
	}
	log.InfoWith(logger.Chain, "Connected to EVM chain %s", client.ChainID())
	return client, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) newCatalog(ctx context.Context) (*catalog.Catalog, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return catalog.New(a.store, catalog.NewMemoryCache(rc.CacheTTL), a.logger), nil
	}
	client, err := catalog.NewRedisClient(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return catalog.New(a.store, catalog.NewRedisCache(client, rc.CacheTTL, a.logger), a.logger), nil
}

func (a *app) healthServer(withChain bool) *health.Server {
	var hs health.HeightSource
	if withChain && a.chain != nil {
		hs = a.chain
	}
	return health.NewServer(a.cfg.MetricsPort, a.cfg.Chain.Backend, a.cfg.MetricsAPIKey, a.store, hs,
		[]*circuitbreaker.CircuitBreaker{a.breaker}, a.logger)
}

func (a *app) newGateway(ctx context.Context) (*gateway.Server, *settlement.Engine, error) {
	if err := a.cfg.ValidateGateway(); err != nil {
		return nil, nil, err
	}
	cat, err := a.newCatalog(ctx)
	if err != nil {
		return nil, nil, err
	}

	engine := settlement.NewEngine(a.store, cat, a.chain, settlement.Config{
		ChallengeTTL: a.cfg.Settlement.ChallengeTTL,
		PayFunction:  a.cfg.Chain.PayFunction,
		Contract:     a.cfg.Chain.PaywallContract,
		CallTimeout:  a.cfg.CallTimeout,
	}, a.logger)

	var subs gateway.Subscriptions
	if a.cfg.Chain.SubscriptionContract != "" {
		subs = subscription.NewService(a.store, a.chain, subscription.Config{
			Contract:       a.cfg.Chain.SubscriptionContract,
			BlockTime:      a.cfg.Relayer.BlockTime,
			CallTimeout:    a.cfg.CallTimeout,
			CreateFunction: a.cfg.Chain.CreateFunction,
			TopUpFunction:  a.cfg.Chain.TopUpFunction,
			CancelFunction: a.cfg.Chain.CancelFunction,
		}, a.logger)
	} else {
		a.logger.NoticeWith(logger.Gateway, "SUBSCRIPTION_CONTRACT not set, subscription routes disabled")
	}

	tokens := x402.NewAccessTokenSigner([]byte(a.cfg.ReceiptSigningKey), a.cfg.AccessTokenTTL)
	srv := gateway.NewServer(engine, subs, tokens, gateway.Config{
		Port:      a.cfg.HTTPPort,
		Network:   a.cfg.Chain.X402Network(),
		PublicURL: a.cfg.PublicURL,
	}, a.logger)
	return srv, engine, nil
}

func (a *app) newRelayer() (*relayer.Engine, error) {
	if err := a.cfg.ValidateRelayer(); err != nil {
		return nil, err
	}
	rc := a.cfg.Relayer
	return relayer.NewEngine(a.store, a.chain, a.breaker, relayer.Config{
		PollInterval:    rc.PollInterval,
		BatchSize:       rc.BatchSize,
		MaxAttempts:     rc.MaxAttempts,
		BaseDelay:       rc.BaseDelay,
		MaxDelay:        rc.MaxDelay,
		CallTimeout:     a.cfg.CallTimeout,
		StaleAfter:      rc.StaleAfter,
		BlockTime:       rc.BlockTime,
		ChargeFunction:  a.cfg.Chain.ChargeFunction,
		DefaultContract: a.cfg.Chain.SubscriptionContract,
		SignerKey:       rc.PrivateKey,
		Fee:             rc.TxFee,
	}, a.logger), nil
}

func (a *app) newNotifier() *notify.Notifier {
	nc := a.cfg.Notifier
	var sender notify.Sender
	if nc.SMTP.Host == "" {
		a.logger.NoticeWith(logger.Notifier, "SMTP_HOST not set, notifications will only be logged")
		sender = notify.NewLogSender(a.logger)
	} else {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     nc.SMTP.Host,
			Port:     nc.SMTP.Port,
			Username: nc.SMTP.Username,
			Password: nc.SMTP.Password,
			Sender:   nc.SMTP.Sender,
		}, a.logger)
	}
	return notify.NewNotifier(a.store, sender, notify.Config{
		PollInterval: nc.PollInterval,
		BatchSize:    nc.BatchSize,
		CallTimeout:  a.cfg.CallTimeout,
		StaleAfter:   nc.StaleAfter,
	}, a.logger)
}
