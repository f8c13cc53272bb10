package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthdm/hollywood/actor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exchange/internal/app/exchange"
	"exchange/internal/broadcast"
	"exchange/internal/config"
	exchange_http "exchange/internal/handler/http/exchange"
	"exchange/internal/handler/tcp"
	"exchange/internal/handler/tcp/protocol"
	"exchange/internal/infrastructure/database"
	kafka_infra "exchange/internal/infrastructure/kafka"
	nats_infra "exchange/internal/infrastructure/nats"
	"exchange/internal/outbox"
	"exchange/internal/rates"
	"exchange/internal/rates/cache"
	"exchange/internal/rates/nbp"
	"exchange/internal/rates/static"
	"exchange/internal/repository/ledger_repo"
	"exchange/internal/repository/ledger_repo/memory"
	"exchange/internal/repository/ledger_repo/postgres"
	"exchange/internal/session"
	"exchange/internal/session/hub"
)

const shutdownTimeout = 15 * time.Second

type ledgerStore interface {
	ledger_repo.Store
	ledger_repo.OutboxStore
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the TCP exchange server and the admin HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg, opts.logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, appLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Exchange service starting...")

	store, closeStore, err := newLedgerStore(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeStore()

	rateProvider := newRateProvider(cfg, appLogger)

	registry, closeRegistry, err := newRegistry(cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	exchangeService := exchange.NewExchangeService(
		store,
		rateProvider,
		exchange.NewBcryptHasher(cfg.Auth.BcryptCost),
		appLogger.With(zap.String("component", "ExchangeService")),
	)
	appLogger.Info("Exchange Service initialized.")

	tcpServer := tcp.NewServer(
		protocol.NewHandler(exchangeService, appLogger.With(zap.String("component", "ProtocolHandler"))),
		exchangeService,
		registry,
		cfg.Session.WriteTimeout,
		appLogger.With(zap.String("component", "TCPServer")),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           exchange_http.NewRouter(exchangeService, registry, cfg.HTTP.AllowedOrigins, appLogger.With(zap.String("component", "HTTPHandler"))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var publisher broadcast.Publisher
	if cfg.NATS.Enabled {
		natsPublisher, err := nats_infra.Connect(cfg.NATS.URL, "exchange-broadcaster", appLogger.With(zap.String("component", "NATSPublisher")))
		if err != nil {
			return err
		}
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				appLogger.Error("Error closing NATS connection", zap.Error(err))
			}
		}()
		publisher = natsPublisher
	}
	broadcaster := broadcast.NewBroadcaster(
		rateProvider,
		registry,
		publisher,
		cfg.Broadcast.Currencies,
		cfg.Broadcast.Interval,
		appLogger.With(zap.String("component", "Broadcaster")),
	)

	var outboxProcessor *outbox.Processor
	if cfg.Kafka.Enabled {
		brokers := cfg.GetKafkaBrokers()
		topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := kafka_infra.EnsureTopics(topicCtx, brokers, []string{cfg.Kafka.TradeEventsTopic}, appLogger)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure Kafka topics: %w", err)
		}

		kafkaProducer := kafka_infra.NewProducer(brokers, 10*time.Second, appLogger.With(zap.String("component", "KafkaProducer")))
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			}
		}()
		outboxProcessor = outbox.NewProcessor(
			store,
			kafkaProducer,
			cfg.Kafka.TradeEventsTopic,
			cfg.Outbox.PollInterval,
			cfg.Outbox.PollTimeout,
			cfg.Outbox.BatchSize,
			appLogger.With(zap.String("component", "OutboxProcessor")),
		)
		appLogger.Info("Outbox Processor initialized.")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tcpServer.ListenAndServe(gctx, cfg.TCP.Addr)
	})
	g.Go(func() error {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		broadcaster.Start(gctx)
		return nil
	})
	if outboxProcessor != nil {
		g.Go(func() error {
			return outboxProcessor.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down application...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server graceful shutdown failed: %w", err))
		}
		if err := tcpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("TCP server graceful shutdown failed: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Application stopped with error", zap.Error(err))
		return err
	}
	appLogger.Info("Application gracefully shut down.")
	return nil
}

func newLedgerStore(ctx context.Context, cfg *config.Config, appLogger *zap.Logger) (ledgerStore, func(), error) {
	if cfg.Store.Driver == "memory" {
		appLogger.Warn("Using in-memory ledger store; state is lost on exit.")
		return memory.NewLedgerRepository(), func() {}, nil
	}

	db, err := database.Connect(ctx, database.DBConfig{
		DSN:        cfg.GetDBConnectionString(),
		MaxRetries: cfg.DBConfig.MaxRetries,
		RetryDelay: cfg.DBConfig.RetryDelay,
	}, appLogger)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func(db *sql.DB) func() {
		return func() {
			if err := db.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
				return
			}
			appLogger.Info("Database connection closed.")
		}
	}(db)

	appLogger.Info("Running database migrations...")
	if err := database.Migrate(cfg.Migrations.Path, cfg.GetDBMigrationConnectionString(), database.Up, appLogger); err != nil {
		closeDB()
		return nil, nil, err
	}
	return postgres.NewLedgerRepository(db), closeDB, nil
}

func newRateProvider(cfg *config.Config, appLogger *zap.Logger) rates.Provider {
	var source rates.Provider
	switch cfg.Rates.Source {
	case "static":
		source = static.NewProvider(static.Defaults())
	default:
		source = nbp.NewClient(cfg.Rates.BaseURL, cfg.Rates.Timeout, appLogger.With(zap.String("component", "NBPClient")))
	}
	if cfg.Rates.CacheTTL <= 0 {
		return source
	}
	return cache.NewProvider(source, cfg.Rates.CacheTTL)
}

func newRegistry(cfg *config.Config, appLogger *zap.Logger) (session.Registry, func(), error) {
	log := appLogger.With(zap.String("component", "SessionRegistry"))
	if cfg.Session.Registry == "mutex" {
		return session.NewSet(log), func() {}, nil
	}

	engine, err := actor.NewEngine(actor.NewEngineConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start actor engine: %w", err)
	}
	h := hub.New(engine, 2*time.Second, log)
	return h, h.Stop, nil
}
