// Package main is the entry point for the riskgate decision service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskgate/internal/api"
	"riskgate/internal/config"
	"riskgate/internal/engine"
	"riskgate/internal/intel"
	"riskgate/internal/kafka"
	"riskgate/internal/profile"
	"riskgate/internal/replay"
	"riskgate/internal/rules"
	"riskgate/internal/schema"
	"riskgate/internal/scorer"
	"riskgate/internal/storage"
	"riskgate/internal/trust"
	"riskgate/internal/velocity"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Threat intel source: Redis when configured, flat file otherwise.
	intelStore, err := buildIntelStore(cfg.Intel, logger)
	if err != nil {
		slog.Error("failed to initialize intel store", "error", err)
		os.Exit(1)
	}
	intelStore.StartReloader(cfg.Intel.ReloadInterval)
	defer intelStore.Stop()

	eng, err := buildEngine(cfg, intelStore, logger)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	// Storage: decision history in ClickHouse, written via a decision
	// handler so the evaluation path never blocks on inserts.
	var chClient *storage.ClickHouseClient
	var batchWriter *storage.BatchWriter
	var decisionStore *storage.DecisionStore

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, storage.DefaultRetentionConfig())
		if err := retention.ApplyTTL(ctx); err != nil {
			slog.Warn("failed to apply retention TTL", "error", err)
		}

		batchWriter = storage.NewBatchWriter(chClient, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		})
		decisionStore = storage.NewDecisionStore(chClient)

		eng.AddHandler(func(ctx context.Context, d *schema.Decision) error {
			return batchWriter.Write(d)
		})

		slog.Info("storage initialized successfully")
	}

	// Kafka: consume events from the inbound topic, publish decisions
	// to the outbound one.
	var eventSource *kafka.EventSource
	var decisionSink *kafka.DecisionSink

	if cfg.Kafka.Enabled {
		kcfg := kafka.DefaultConfig()
		kcfg.Brokers = cfg.Kafka.Brokers
		kcfg.Topic = cfg.Kafka.EventsTopic
		kcfg.ConsumerGroup = cfg.Kafka.ConsumerGroup

		decisionSink, err = kafka.NewDecisionSink(kcfg.WithTopic(cfg.Kafka.DecisionsTopic), logger)
		if err != nil {
			slog.Error("failed to create kafka decision sink", "error", err)
			os.Exit(1)
		}
		eng.AddHandler(decisionSink.Handler())

		eventSource, err = kafka.NewEventSource(kcfg, eng, logger)
		if err != nil {
			slog.Error("failed to create kafka event source", "error", err)
			os.Exit(1)
		}
	}

	eng.Start(ctx)

	if eventSource != nil {
		if err := eventSource.Start(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(eng, replay.New(eng, logger), decisionStore)
	wrappedHandler, stopMiddleware := api.WithMiddleware(handler.Routes(), cfg, logger)
	defer stopMiddleware()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrappedHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting decision server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Stop the inbound stream before the engine so no event arrives
	// after the pipeline is gone.
	if eventSource != nil {
		if err := eventSource.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	eng.Stop()
	cancel()

	if decisionSink != nil {
		if err := decisionSink.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}

	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	stats := eng.Stats()
	slog.Info("shutdown complete",
		"evaluated", stats["evaluated"],
		"allowed", stats["allowed"],
		"step_ups", stats["step_ups"],
		"blocked", stats["blocked"],
		"rejected", stats["rejected"],
	)

	if batchWriter != nil {
		bwMetrics := batchWriter.Metrics()
		slog.Info("storage metrics",
			"decisions_written", bwMetrics.Written,
			"decisions_failed", bwMetrics.Failed,
			"batches", bwMetrics.Batches,
		)
	}
}

// setupLogger builds the process logger from config, honoring
// RISKGATE_LOG_LEVEL applied during config load.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildIntelStore selects the intel source from config.
func buildIntelStore(cfg config.IntelConfig, logger *slog.Logger) (*intel.Store, error) {
	var source intel.Source

	if cfg.Redis.Enabled {
		redisSource, err := intel.NewRedisSource(intel.RedisSourceConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			BlocklistKey: cfg.Redis.BlocklistKey,
			HighRiskKey:  cfg.Redis.HighRiskKey,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			TLSEnabled:   cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return nil, err
		}
		source = redisSource
	} else {
		source = &intel.FileSource{
			Path:       cfg.BlocklistPath,
			Categories: cfg.HighRiskCategories,
		}
	}

	return intel.NewStore(source, logger)
}

// buildEngine assembles the decision pipeline from config.
func buildEngine(cfg *config.Config, intelStore *intel.Store, logger *slog.Logger) (*engine.Engine, error) {
	ruleCfg := rules.Config{
		Weights:              make(map[string]int, len(cfg.Scoring.RuleWeights)),
		VelocityThreshold:    cfg.Engine.VelocityThreshold,
		GeoMinTravelInterval: cfg.Engine.GeoMinTravelInterval,
		HighAmountThreshold:  cfg.Scoring.HighAmountThreshold,
	}
	for name, weight := range cfg.Scoring.RuleWeights {
		ruleCfg.Weights[name] = int(weight)
	}

	catalog, err := rules.NewBuiltinCatalog(ruleCfg)
	if err != nil {
		return nil, fmt.Errorf("build rule catalog: %w", err)
	}

	ledger, err := trust.NewLedger(trust.LedgerConfig{
		Decay:          cfg.Trust.Decay,
		Growth:         cfg.Trust.Growth,
		DriftFactor:    cfg.Trust.DriftFactor,
		InitialTrust:   cfg.Trust.InitialTrust,
		MaxHistorySize: trust.DefaultLedgerConfig().MaxHistorySize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build trust ledger: %w", err)
	}

	sc, err := scorer.New(scorer.Config{
		TrustWeightFactor: cfg.Scoring.TrustWeightFactor,
		AllowBelow:        cfg.Scoring.AllowBelow,
		BlockAt:           cfg.Scoring.BlockAt,
	})
	if err != nil {
		return nil, fmt.Errorf("build scorer: %w", err)
	}

	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	return engine.New(engine.Config{
		VelocityWindow:   cfg.Engine.VelocityWindow,
		SweepInterval:    cfg.Engine.SweepInterval,
		IdleEvictionAge:  cfg.Engine.IdleEvictionAge,
		HandlerQueueSize: cfg.Engine.HandlerQueueSize,
	}, engine.Deps{
		Validator: validator,
		Catalog:   catalog,
		Velocity:  velocity.NewTracker(logger),
		Profiles:  profile.NewStore(logger),
		Trust:     ledger,
		Scorer:    sc,
		Intel:     intelStore,
		Logger:    logger,
	})
}
