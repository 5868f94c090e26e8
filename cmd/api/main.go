package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/api"
	"github.com/leafsii/leafsii-intents/internal/chaindata"
	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/config"
	"github.com/leafsii/leafsii-intents/internal/events"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/internal/jobs"
	"github.com/leafsii/leafsii-intents/internal/ledger"
	"github.com/leafsii/leafsii-intents/internal/log"
	"github.com/leafsii/leafsii-intents/internal/metrics"
	"github.com/leafsii/leafsii-intents/internal/signer"
	"github.com/leafsii/leafsii-intents/internal/store"
	"github.com/leafsii/leafsii-intents/internal/ws"
	"github.com/leafsii/leafsii-intents/pkg/kv"
	_ "github.com/leafsii/leafsii-intents/pkg/kv/memory"
	kvredis "github.com/leafsii/leafsii-intents/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting intent settlement API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"store", cfg.Store.Backend,
	)

	policy, err := cfg.IntentPolicy()
	if err != nil {
		logger.Fatalw("Invalid intent policy", "error", err)
	}

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("lfs-intents")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Redis is optional: it backs the kv store and carries events across
	// instances when configured.
	var (
		redisStore  *kvredis.Store
		redisClient *goredis.Client
	)
	if url := cfg.Store.RedisConnURL(); url != "" {
		redisStore, err = kvredis.New(url)
		if err != nil {
			logger.Fatalw("Failed to connect to Redis", "error", err)
		}
		defer redisStore.Close()
		redisClient = redisStore.Client()
		logger.Infow("Redis connection established")
	}

	repoOpts := store.Options{
		Backend:     store.Backend(cfg.Store.Backend),
		PostgresDSN: cfg.Store.PostgresDSN,
		Migrate:     cfg.Store.Migrate,
	}
	if repoOpts.Backend == store.BackendKV {
		if redisStore != nil {
			repoOpts.KV = redisStore
		} else {
			memKV, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendMemory})
			if err != nil {
				logger.Fatalw("Failed to create kv store", "error", err)
			}
			repoOpts.KV = memKV
		}
	}
	repo, err := store.Open(startCtx, repoOpts)
	if err != nil {
		logger.Fatalw("Failed to open intent store", "error", err)
	}
	defer repo.Close()
	logger.Infow("Intent store ready", "backend", cfg.Store.Backend)

	wallClock := clock.NewDefaultClock()
	registry := chains.DefaultRegistry()

	chainData, err := buildChainData(startCtx, cfg.Chains, registry, wallClock, logger)
	if err != nil {
		logger.Fatalw("Failed to setup chain data providers", "error", err)
	}

	seed, err := signerSeed(cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to resolve signer seed", "error", err)
	}
	sig, err := signer.New(seed, registry, logger)
	if err != nil {
		logger.Fatalw("Failed to setup signer", "error", err)
	}

	bus := events.NewBus(redisClient, logger)
	tokens := ledger.New(wallClock, logger)

	svc, err := intent.NewService(intent.Deps{
		Repo:      repo,
		Registry:  registry,
		Signer:    sig,
		ChainData: chainData,
		Ledger:    tokens,
	}, logger,
		intent.WithPolicy(policy),
		intent.WithClock(wallClock),
		intent.WithPublisher(bus),
		intent.WithRecorder(metricsObj),
	)
	if err != nil {
		logger.Fatalw("Failed to create intent service", "error", err)
	}
	if err := svc.Restore(startCtx); err != nil {
		logger.Fatalw("Failed to restore escrow state", "error", err)
	}
	if err := metricsObj.ObserveEscrow(svc.EscrowTotals); err != nil {
		logger.Fatalw("Failed to register escrow gauge", "error", err)
	}

	// Create context for background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Start WebSocket hub in background
	wsHub := ws.NewHub(bus, cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	go func() {
		if err := wsHub.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("WebSocket hub stopped", "error", err)
		}
	}()

	sweeper := jobs.NewSweeper(svc, wallClock, logger, metricsObj, jobs.SweeperConfig{
		Interval: cfg.Jobs.SweepInterval,
	})
	go func() {
		logger.Infow("Starting expiry sweeper", "interval", cfg.Jobs.SweepInterval)
		if err := sweeper.Start(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Expiry sweeper error", "error", err)
		}
	}()

	// Setup API handler and middleware
	handler := api.NewHandler(svc, wsHub, chainData, logger)
	handler.AddReadinessCheck("events", bus.Ping)
	if redisStore != nil {
		handler.AddReadinessCheck("redis", redisStore.Ping)
	}
	handler.AddReadinessCheck("escrow", svc.VerifyInvariants)

	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server. WriteTimeout stays unset: request handlers are bounded
	// by the timeout middleware and WebSocket connections are long-lived.
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}
		bgCancel()

		logger.Infow("Server stopped")
	}
}

// buildChainData registers a guarded provider for every configured endpoint.
// Chains without an endpoint cannot verify deposits or fulfilments.
func buildChainData(ctx context.Context, cfg config.ChainConfig, registry *chains.Registry, c clock.Clock, logger *zap.SugaredLogger) (*chaindata.Router, error) {
	router := chaindata.NewRouter()
	guard := chaindata.GuardConfig{
		RatePerSecond: cfg.RPCRateLimit,
		Breaker: chaindata.BreakerConfig{
			Threshold:    cfg.BreakerThreshold,
			ResetTimeout: cfg.BreakerReset,
		},
	}

	evmEndpoints, err := cfg.EVMEndpoints()
	if err != nil {
		return nil, err
	}
	for name, url := range evmEndpoints {
		chain, err := registry.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("LFS_EVM_RPC_URLS: %w", err)
		}
		if chain.Family != chains.FamilyEVM {
			return nil, fmt.Errorf("LFS_EVM_RPC_URLS: %s is not an EVM chain", name)
		}
		p, err := chaindata.DialEVM(ctx, name, url, c, logger)
		if err != nil {
			return nil, err
		}
		router.Register(name, chaindata.Guard(p, guard, nil, logger))
		logger.Infow("Chain data provider registered", "chain", name, "provider", p.Name())
	}

	utxoEndpoints, err := cfg.UTXOEndpoints()
	if err != nil {
		return nil, err
	}
	for name, url := range utxoEndpoints {
		chain, err := registry.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("LFS_UTXO_API_URLS: %w", err)
		}
		if chain.Family != chains.FamilyUTXO {
			return nil, fmt.Errorf("LFS_UTXO_API_URLS: %s is not a UTXO chain", name)
		}
		p := chaindata.NewEsploraProvider(name, url, nil, c, logger)
		router.Register(name, chaindata.Guard(p, guard, nil, logger))
		logger.Infow("Chain data provider registered", "chain", name, "provider", p.Name())
	}

	for _, chain := range registry.List() {
		if _, ok := router.Provider(chain.Name); !ok {
			logger.Warnw("No chain data provider configured", "chain", chain.Name)
		}
	}
	return router, nil
}

// signerSeed returns the configured seed. Outside prod a missing seed is
// replaced by an ephemeral one; deposit addresses then change on restart.
func signerSeed(cfg *config.Config, logger *zap.SugaredLogger) (string, error) {
	if cfg.Chains.SignerSeed != "" {
		return cfg.Chains.SignerSeed, nil
	}
	if cfg.IsProd() {
		return "", errors.New("LFS_SIGNER_SEED is required in prod")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	logger.Warnw("LFS_SIGNER_SEED not set; using an ephemeral signer seed")
	return hex.EncodeToString(buf), nil
}
