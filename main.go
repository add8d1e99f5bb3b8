package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"signal-core/internal/api"
	"signal-core/internal/events"
	"signal-core/internal/execution"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/pipeline"
	"signal-core/internal/reconciliation"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/binance/futures"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/exchanges/paper"
	"signal-core/pkg/logger"
)

const executionTimeout = 2 * time.Minute

func main() {
	// `signal-core hash-password <pw>` prints a DASHBOARD_PASSWORD_HASH value.
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := api.HashPassword(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("signal-core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting signal-core",
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("testnet", cfg.ExchangeTestnet))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		if err := config.ApplySeed(ctx, database, seed); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		log.Info("seed applied", zap.String("file", cfg.SeedFile))
	}

	bus := events.NewBus()

	// Exchange: the futures client always serves market data; paper mode
	// simulates execution on top of it.
	client := futures.NewClient(futures.Config{
		APIKey:     cfg.ExchangeAPIKey,
		APISecret:  cfg.ExchangeAPISecret,
		Testnet:    cfg.ExchangeTestnet,
		QuoteAsset: cfg.QuoteAsset,
	}, log.Named("futures"))

	var (
		venue    common.Gateway
		feed     common.FillFeed
		venueTag string
	)
	if cfg.DryRun {
		pg := paper.New(paper.Config{
			InitialBalance: cfg.DryRunInitialBalance,
			SlippageBps:    cfg.DryRunSlippageBps,
		}, client, log.Named("paper"))
		venue, feed, venueTag = pg, pg, "paper"
	} else {
		client.Start(ctx)
		stream := futures.NewUserStream(client, cfg.ExchangeTestnet, log.Named("user-stream"))
		stream.Start(ctx)
		venue, feed, venueTag = client, stream, "binance-usdm"
	}

	throttle := common.NewThrottle(common.ThrottleConfig{
		TradingPerSec: cfg.TradingRatePerSec,
		TradingBurst:  cfg.TradingBurst,
		GeneralPerSec: cfg.GeneralRatePerSec,
		GeneralBurst:  cfg.GeneralBurst,
	})
	gw := common.NewThrottled(venue, throttle)

	// History writes are batched off the loop.
	history := persistence.NewBatchWriter(database.DB, 50, 500*time.Millisecond, log.Named("history"))
	defer history.Close()

	supervisor := order.NewSupervisor(gw, database, bus, log.Named("fills"))
	go supervisor.Run(ctx, feed)

	orchestrator := execution.NewOrchestrator(gw, supervisor, database, bus, execution.Config{
		MarketPollDelay: cfg.MarketPollDelay,
		HedgeMode:       cfg.HedgeMode,
	}, log.Named("execution"))
	pool := execution.NewPool(orchestrator, cfg.ExecutionWorkers, executionTimeout, log.Named("pool"))
	defer pool.Close()

	registry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(registry, supervisor.Len, bus.Dropped)
	throttle.OnWait = metrics.ObserveThrottle

	mon := &monitor.Monitor{
		Bus:     bus,
		Metrics: metrics,
		Alerts:  monitor.LogSink{Log: log.Named("alerts")},
		Log:     log.Named("monitor"),
	}
	mon.Start(ctx)

	pipe := pipeline.New(pipeline.Config{
		QuoteAsset:        cfg.QuoteAsset,
		ChannelIDs:        cfg.ChatChannelIDs,
		MaxDeviation:      cfg.MaxPriceDeviation,
		InstrumentRefresh: time.Hour,
	}, pipeline.Deps{
		Store:    database,
		History:  history,
		Executor: pool,
		Venue:    gw,
		Emitter:  bus,
		OnResult: metrics.ObserveExecution,
	}, log.Named("pipeline"))

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	err = pipe.Init(initCtx)
	cancelInit()
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- pipe.Run(ctx) }()

	recon := reconciliation.NewService(supervisor, cfg.ReconcileInterval, cfg.ReconcileMinAge, log.Named("reconcile"))
	recon.Start(ctx)

	server := api.NewServer(api.Deps{
		Bus:      bus,
		Store:    database,
		Pipeline: pipe,
		Fills:    supervisor,
		Metrics:  metrics.Handler(),
		Auth: api.Auth{
			JWTSecret:    cfg.JWTSecret,
			PasswordHash: cfg.DashboardPasswordHash,
		},
		Meta: api.SystemMeta{
			DryRun:  cfg.DryRun,
			Venue:   venueTag,
			Version: buildVersion(),
		},
		Log: log.Named("api"),
	})
	if cfg.DashboardPasswordHash == "" {
		log.Warn("DASHBOARD_PASSWORD_HASH not set; dashboard login disabled")
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start(ctx, ":"+cfg.Port) }()
	log.Info("api listening", zap.String("addr", ":"+cfg.Port), zap.String("venue", venueTag))

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-pipeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline: %w", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}
	stop()

	if pending := supervisor.Len(); pending > 0 {
		log.Warn("shutting down with entry orders awaiting fills", zap.Int("pending", pending))
	}
	return nil
}

func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
