package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"github.com/turbofakesmile/haos-prediction-markets/internal/api"
	"github.com/turbofakesmile/haos-prediction-markets/internal/cache"
	"github.com/turbofakesmile/haos-prediction-markets/internal/chain"
	"github.com/turbofakesmile/haos-prediction-markets/internal/config"
	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/logger"
	"github.com/turbofakesmile/haos-prediction-markets/internal/messaging"
	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/middleware"
	"github.com/turbofakesmile/haos-prediction-markets/internal/store"
	"github.com/turbofakesmile/haos-prediction-markets/internal/ws"
)

const (
	shutdownTimeout = 10 * time.Second
	settlementDrain = 30 * time.Second
	processedTTL    = 24 * time.Hour
)

func main() {
	logger.Init()
	if err := run(); err != nil {
		log.Error().Err(err).Msg("matching service stopped with error")
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := engine.ParseFillPolicy(cfg.SettlementFillPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	queue := engine.NewIngestionQueue(cfg.QueueCapacity, cfg.EnqueueTimeout, m)
	broadcaster := engine.NewBroadcaster()
	board := engine.NewSnapshotBoard()
	broadcaster.Subscribe(board)

	// Storage
	var pg *store.PostgresStore
	if cfg.PostgresEnabled {
		pg, err = store.NewPostgresStore(cfg.GetPostgresDSN())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := store.NewMigrator(pg.GetDB()).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("postgres connected")
	}

	var redisCache *cache.RedisCache
	var feed cache.ExecutionFeed
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg, m)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisCache.Close()
		broadcaster.Subscribe(redisCache)
		feed = redisCache
		log.Info().Str("addr", cfg.GetRedisAddr()).Msg("redis connected")
	} else {
		mem := cache.NewMemoryFeed(0)
		broadcaster.Subscribe(mem)
		feed = mem
	}

	// Settlement and metadata
	settler := engine.NewRoutingSettler(engine.NewLocalSettler(queue))
	var resolver engine.MetadataResolver
	var wsClient *ethclient.Client
	var contract common.Address

	if cfg.LedgerEnabled() {
		contract = common.HexToAddress(cfg.ContractAddress)

		rpcClient, err := chain.Dial(ctx, cfg.RPCHTTPURL)
		if err != nil {
			return err
		}
		defer rpcClient.Close()

		wsClient, err = chain.Dial(ctx, cfg.RPCWSURL)
		if err != nil {
			return err
		}
		defer wsClient.Close()

		key, err := chain.ParsePrivateKey(cfg.SettlementPrivateKey)
		if err != nil {
			return err
		}
		chainID := big.NewInt(cfg.ChainID)
		if cfg.ChainID == 0 {
			if chainID, err = rpcClient.ChainID(ctx); err != nil {
				return fmt.Errorf("query chain id: %w", err)
			}
		}
		settler.Route(cfg.LedgerInstrumentID, chain.NewChainSettler(rpcClient, contract, key, chainID, cfg.MatchGasLimit))
		// orders on the ledger instrument only change through ledger events
		queue.ReserveForLedger(cfg.LedgerInstrumentID)

		if cfg.MetadataServiceURL != "" {
			breaker := middleware.NewCircuitBreaker("order-scanner", &middleware.CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				RequestTimeout:   cfg.MetadataTimeout,
			})
			resolver = chain.NewHTTPMetadataResolver(cfg.MetadataServiceURL, cfg.MetadataTimeout, breaker)
		} else {
			resolver = chain.NewContractMetadataReader(rpcClient, contract)
		}

		log.Info().
			Str("contract", contract.Hex()).
			Uint32("instrument", cfg.LedgerInstrumentID).
			Str("chain_id", chainID.String()).
			Msg("ledger settlement enabled")
	}

	coordinator := engine.NewSettlementCoordinator(settler, cfg.SettlementTimeout, m).
		WithRetryDelay(cfg.SettlementRetryDelay)
	worker := engine.NewMatchingWorker(queue, coordinator, resolver, broadcaster, engine.WorkerConfig{
		IdleInterval:   cfg.IdleInterval,
		ResolveTimeout: cfg.MetadataTimeout,
		SnapshotDepth:  cfg.SnapshotDepth,
		FillPolicy:     policy,
	}, m)

	// Fan-out
	var hub *ws.Hub
	if cfg.WSEnabled {
		hub = ws.NewHub(ws.DefaultHubConfig(), board, feed, m)
		broadcaster.Subscribe(hub)
		go hub.Run()
		defer hub.Stop()
	}

	var publisher *messaging.Publisher
	var consumer *messaging.OrderConsumer
	var dedup *store.DedupStore
	if cfg.RabbitMQEnabled {
		publisher, err = messaging.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, m)
		if err != nil {
			return fmt.Errorf("connect rabbitmq publisher: %w", err)
		}
		defer publisher.Close()
		broadcaster.Subscribe(publisher)

		var processed messaging.ProcessedMessageStore = store.NewMemoryDedup(processedTTL)
		if pg != nil {
			dedup = store.NewDedupStore(pg.GetDB(), nil)
			defer dedup.Stop()
			processed = dedup
		}
		consumer, err = messaging.NewOrderConsumer(cfg.RabbitMQURL, cfg.RabbitMQOrderQueue, queue, processed, m)
		if err != nil {
			return fmt.Errorf("connect rabbitmq consumer: %w", err)
		}
		log.Info().Str("exchange", cfg.RabbitMQExchange).Str("queue", cfg.RabbitMQOrderQueue).Msg("rabbitmq connected")
	}

	var listener *chain.Listener
	if cfg.LedgerEnabled() {
		opts := []chain.Option{
			chain.WithAddress(contract),
			chain.WithStartBlock(cfg.StartBlock),
			chain.WithMaxRange(cfg.MaxBlockRange),
			chain.WithHandler(chain.NewQueueHandler(queue, cfg.LedgerInstrumentID)),
			chain.WithMetrics(m),
		}
		if pg != nil {
			opts = append(opts, chain.WithCheckpointer(pg))
		}
		if listener, err = chain.NewListener(wsClient, opts...); err != nil {
			return err
		}
	}

	// HTTP
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	admin := api.NewAdminHandler(board, api.Stats{QueueDepth: queue.Len, QueueCapacity: queue.Cap()})
	if pg != nil {
		admin.Check("postgres", pg)
	} else {
		admin.Check("postgres", nil)
	}
	var rateStore middleware.RateLimitStore
	if redisCache != nil {
		admin.Check("redis", redisCache)
		rateStore = middleware.NewRedisRateStore(redisCache.Client())
	} else {
		admin.Check("redis", nil)
	}

	routes := api.Routes{
		Handler: api.NewHandler(queue, board, coordinator, feed, cfg.APIOrderIDBase),
		Admin:   admin,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			SkipOnError:       true,
		}, rateStore),
		Metrics: m,
	}
	if cfg.JWTSecret != "" {
		routes.Auth = middleware.NewAuthMiddleware(middleware.DefaultAuthConfig(cfg.JWTSecret))
	} else {
		log.Warn().Msg("JWT_SECRET not set, order entry is unauthenticated")
	}
	if hub != nil {
		routes.WS = ws.NewHandler(hub)
	}
	api.RegisterRoutes(router, routes)
	srv := &http.Server{Addr: cfg.ServerPort, Handler: router}

	// Run
	worker.Start()
	if consumer != nil {
		if err := consumer.Start(); err != nil {
			_ = worker.Stop()
			return fmt.Errorf("start order consumer: %w", err)
		}
	}

	var t tomb.Tomb
	t.Go(func() error {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			t.Kill(nil)
		case <-t.Dying():
		}
		return nil
	})
	t.Go(func() error {
		log.Info().Str("addr", cfg.ServerPort).Msg("matching service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	t.Go(func() error {
		select {
		case <-worker.Dead():
			return errors.New("matching worker stopped unexpectedly")
		case <-t.Dying():
			return nil
		}
	})
	if listener != nil {
		t.Go(func() error {
			if err := listener.Listen(t.Context(ctx)); err != nil {
				return fmt.Errorf("ledger listener: %w", err)
			}
			return nil
		})
	}
	if consumer != nil {
		t.Go(func() error {
			select {
			case <-consumer.Dead():
				if err := consumer.Err(); err != nil {
					return fmt.Errorf("order consumer: %w", err)
				}
				return errors.New("order consumer stopped")
			case <-t.Dying():
				return nil
			}
		})
	}

	<-t.Dying()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	cancel()
	stop()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			log.Warn().Err(err).Msg("order consumer stop")
		}
	}
	runErr := t.Wait()

	if err := worker.Stop(); err != nil {
		log.Warn().Err(err).Msg("matching worker stop")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), settlementDrain)
	defer cancelDrain()
	if err := coordinator.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("settlements still in flight at exit")
	}

	log.Info().Msg("matching service stopped")
	return runErr
}
