package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aidin1998/sigswap/api"
	"github.com/Aidin1998/sigswap/internal/chain"
	"github.com/Aidin1998/sigswap/internal/config"
	"github.com/Aidin1998/sigswap/internal/messaging"
	"github.com/Aidin1998/sigswap/internal/orderqueue"
	"github.com/Aidin1998/sigswap/internal/swap/engine"
	"github.com/Aidin1998/sigswap/internal/swap/events"
	"github.com/Aidin1998/sigswap/internal/swap/model"
	"github.com/Aidin1998/sigswap/internal/swap/settlement"
	"github.com/Aidin1998/sigswap/internal/swap/validation"
	"github.com/Aidin1998/sigswap/internal/ws"
	"github.com/Aidin1998/sigswap/pkg/logger"
	"github.com/Aidin1998/sigswap/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	bootLogger, err := logger.NewLogger(os.Getenv("SIGSWAP_LOGGING_LEVEL"))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	cfg, err := config.Load(bootLogger, os.Args[1:]...)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Fatal("swapd exited with error", zap.Error(err))
	}
	zapLogger.Info("swapd stopped")
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			zapLogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Order journal
	var journal *orderqueue.Journal
	if cfg.Journal.Path == "" {
		journal, err = orderqueue.OpenInMemory(zapLogger)
	} else {
		journal, err = orderqueue.Open(cfg.Journal.Path, zapLogger)
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	// Chain client
	chainCfg, err := cfg.Chain.ClientConfig()
	if err != nil {
		return err
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, chainCfg, zapLogger)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()
	if chainCfg.SettlerKey == nil {
		zapLogger.Warn("No settler key configured, matches will fail to settle")
	}

	// Event sinks
	hub := ws.NewHub(cfg.WS.ReplaySize, zapLogger)
	defer hub.Close()

	sinks := events.Multi{
		events.LogSink{Logger: zapLogger},
		events.MetricsSink{},
		journal,
		hub,
	}
	if cfg.Kafka.Enabled {
		producer := messaging.NewKafkaProducer(&cfg.Kafka.KafkaConfig, zapLogger)
		defer producer.Close()
		async := events.NewAsync(messaging.NewEventPublisher(producer, cfg.Kafka.Source, cfg.Kafka.WriteTimeout, zapLogger), "kafka", cfg.Engine.QueueSize, zapLogger)
		defer async.Close()
		sinks = append(sinks, async)
	}
	if cfg.Redis.Enabled {
		producer := messaging.NewRedisProducer(&cfg.Redis, zapLogger)
		defer producer.Close()
		async := events.NewAsync(messaging.NewEventPublisher(producer, cfg.Kafka.Source, cfg.Redis.WriteTimeout, zapLogger), "redis", cfg.Engine.QueueSize, zapLogger)
		defer async.Close()
		sinks = append(sinks, async)
	}

	// Matching engine
	validator := validation.NewValidator(client, client.Exchange(), zapLogger)
	coordinator := settlement.NewCoordinator(validator, client, cfg.Settlement.Timeout, zapLogger)
	eng := engine.New(cfg.Engine.EngineSettings(), validator, coordinator, sinks, zapLogger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	engineErr := make(chan error, 1)
	go func() { engineErr <- eng.Run(runCtx) }()

	replayed, dropped := 0, 0
	err = journal.Replay(func(o *model.Order) error {
		rej, err := eng.AddOrder(ctx, o)
		if err != nil {
			return err
		}
		if rej != nil {
			dropped++
			return nil
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	zapLogger.Info("Journal replayed", zap.Int("orders", replayed), zap.Int("dropped", dropped))

	// Block and cancellation watcher
	watcher := chain.NewWatcher(client.Backend(), client.Exchange(), eng, cfg.Chain.PollInterval, cfg.Chain.StartBlock, zapLogger)
	go watcher.Run(runCtx)

	// Intake API
	server := api.NewServer(api.Config{
		Addr:           cfg.Server.Addr(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, eng, validator, journal, http.HandlerFunc(hub.ServeWS), zapLogger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down")
	case err = <-serverErr:
		if err != nil {
			zapLogger.Error("API server failed", zap.Error(err))
		}
	case err = <-engineErr:
		zapLogger.Error("Engine stopped unexpectedly", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(sctx); serr != nil {
		zapLogger.Warn("API shutdown failed", zap.Error(serr))
	}
	cancelRun()
	select {
	case <-eng.Done():
	case <-sctx.Done():
		zapLogger.Warn("Engine did not stop before the shutdown deadline")
	}
	return err
}
