// Package main is the entry point for the CEF ingest service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cef-viewer/internal/config"
	"cef-viewer/internal/consumer"
	"cef-viewer/internal/ingest"
	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/kafka"
	"cef-viewer/internal/logging"
	"cef-viewer/internal/queue"
	"cef-viewer/internal/recent"
	"cef-viewer/internal/schema"
	"cef-viewer/internal/startup"
	"cef-viewer/internal/storage"
	"cef-viewer/internal/storage/s3"
)

// stopper is a started component that is shut down in reverse start order.
type stopper struct {
	name string
	stop func()
}

func main() {
	checkOnly := flag.Bool("check", false, "run startup diagnostics and exit")
	skipBackends := flag.Bool("skip-backend-checks", false, "do not dial ClickHouse, Redis or Kafka during diagnostics")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"kafka_output", cfg.Kafka.OutputEnabled,
		"kafka_input", cfg.Kafka.InputEnabled,
		"recent_backend", cfg.Recent.Backend,
	)

	diag := startup.NewDiagnostics(cfg, logger)
	diag.SkipBackends = *skipBackends
	diag.RunAll(context.Background())
	if diag.HasErrors() {
		slog.Error("startup diagnostics failed")
		os.Exit(1)
	}
	if *checkOnly {
		return
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("cef-ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dict, err := cef.LoadDictionaries(cfg.Dictionary.Paths...)
	if err != nil {
		return fmt.Errorf("failed to load dictionary: %w", err)
	}

	// Initialize pipeline components
	parser := cef.NewParser(cef.ParserConfig{
		MaxExtensions: cfg.Ingest.Parser.MaxExtensions,
		MaxLineLength: cfg.Ingest.Parser.MaxLineLength,
		TrimNewline:   cfg.Ingest.Parser.TrimNewline,
	})
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:          cfg.Validation.MaxEventAge,
		MaxFuture:       cfg.Validation.MaxFuture,
		RequireComplete: cfg.Validation.RequireComplete,
	})
	recordQueue := queue.NewRingBuffer(cfg.Queue.Size)
	pipeline := ingest.NewPipeline(parser, schema.NewNormalizer(schema.NormalizerConfig{}), validator, recordQueue, logger)

	var stoppers []stopper
	defer func() {
		for i := len(stoppers) - 1; i >= 0; i-- {
			stoppers[i].stop()
		}
	}()

	recentStore, err := newRecentStore(cfg.Recent)
	if err != nil {
		return err
	}

	sinks, err := buildSinks(ctx, cfg, recentStore, logger)
	if err != nil {
		// Sinks built before the failure still own connections
		for _, s := range sinks {
			s.Sink.Close()
		}
		return err
	}

	queueConsumer := consumer.New(recordQueue, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		PollInterval: cfg.Consumer.PollInterval,
		ShutdownWait: cfg.Consumer.ShutdownWait,
	}, sinks...)
	queueConsumer.Start(ctx)
	stoppers = append(stoppers, stopper{"consumer", func() {
		queueConsumer.Stop()
		recordQueue.Close()
	}})

	handler := ingest.NewHandler(pipeline, recordQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithDictionary(dict).
		WithRecent(recentStore)

	listeners, err := startListeners(ctx, cfg, pipeline, handler)
	stoppers = append(stoppers, listeners...)
	if err != nil {
		return err
	}

	if cfg.Kafka.InputEnabled {
		kc, err := kafka.NewConsumer(kafka.NewConfig(cfg.Kafka, cfg.Kafka.InputTopic), kafka.LineHandler(pipeline), logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		if err := kc.Start(); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
		handler.RegisterListener("kafka", func() ingest.ListenerMetrics {
			s := kc.Stats()
			return ingest.ListenerMetrics{
				Received: s.Consumed,
				Errors:   s.Failures,
			}
		})
		stoppers = append(stoppers, stopper{"kafka consumer", func() {
			if err := kc.Stop(); err != nil {
				slog.Error("kafka consumer stop error", "error", err)
			}
		}})
	}

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.Routes(mux)

	wrappedHandler, stopMiddleware := ingest.WithMiddleware(mux, cfg)
	stoppers = append(stoppers, stopper{"middleware", stopMiddleware})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrappedHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Listeners stop before the consumer so it drains what they queued
	for i := len(stoppers) - 1; i >= 0; i-- {
		slog.Debug("stopping", "component", stoppers[i].name)
		stoppers[i].stop()
	}
	stoppers = nil
	cancel()

	pm := pipeline.Metrics()
	qm := recordQueue.Metrics()
	cm := queueConsumer.Metrics()
	slog.Info("shutdown complete",
		"lines_received", pm.Received,
		"lines_rejected", pm.Rejected,
		"records_queued", qm.Pushed,
		"records_dropped", qm.Dropped,
		"records_consumed", cm.Consumed,
		"consumer_errors", cm.Errors,
	)
	return nil
}

// newRecentStore builds the store behind GET /v1/events/recent.
func newRecentStore(cfg config.RecentConfig) (recent.Store, error) {
	if cfg.Backend != "redis" {
		return recent.NewMemoryStore(cfg.Capacity), nil
	}

	client, err := recent.NewGoRedisClient(recent.RedisConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("recent records stored in redis", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
	return recent.NewRedisStore(client, cfg.RedisKey, cfg.Capacity), nil
}

// buildSinks connects every enabled output. The recent store is always a sink.
func buildSinks(ctx context.Context, cfg *config.Config, recentStore recent.Store, logger *slog.Logger) ([]consumer.NamedSink, error) {
	sinks := []consumer.NamedSink{{Name: "recent", Sink: recentStore}}

	if cfg.Consumer.LogRecords {
		sinks = append(sinks, consumer.NamedSink{Name: "log", Sink: consumer.NewLogSink(logger, slog.LevelInfo)})
	}

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err := storage.Connect(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			return sinks, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		if err := chClient.Setup(ctx, cfg.Storage.ClickHouse.RetentionDays); err != nil {
			chClient.Close()
			return sinks, fmt.Errorf("failed to prepare ClickHouse: %w", err)
		}

		sinks = append(sinks, consumer.NamedSink{
			Name: "clickhouse",
			Sink: &closingSink{
				Sink:  storage.NewBatchWriter(chClient, cfg.Storage.BatchWriter),
				after: chClient.Close,
			},
		})
	}

	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, s3.NewConfig(cfg.Archive), logger)
		if err != nil {
			return sinks, fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := client.Reachable(ctx); err != nil {
			slog.Warn("S3 bucket not reachable, archiving anyway", "error", err)
		}
		sinks = append(sinks, consumer.NamedSink{
			Name: "s3",
			Sink: s3.NewArchiver(client, s3.ArchiverConfig{
				MaxObjectBytes: cfg.Archive.MaxObjectBytes,
				FlushInterval:  cfg.Archive.FlushInterval,
			}, logger),
		})
	}

	if cfg.Kafka.OutputEnabled {
		kcfg := kafka.NewConfig(cfg.Kafka, cfg.Kafka.OutputTopic)
		if cfg.Kafka.CreateTopics {
			if err := ensureTopic(ctx, kcfg, logger); err != nil {
				return sinks, err
			}
		}
		producer, err := kafka.NewProducer(kcfg, logger)
		if err != nil {
			return sinks, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		sinks = append(sinks, consumer.NamedSink{Name: "kafka", Sink: producer})
	}

	return sinks, nil
}

func ensureTopic(ctx context.Context, kcfg *kafka.Config, logger *slog.Logger) error {
	admin, err := kafka.NewAdmin(kcfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka admin: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if n, err := admin.Brokers(ctx); err == nil {
		logger.Info("kafka cluster reachable", "brokers", n)
	}
	if err := admin.EnsureTopic(ctx, kcfg.TopicSpec()); err != nil {
		return fmt.Errorf("failed to ensure topic %s: %w", kcfg.Topic, err)
	}
	return nil
}

// startListeners starts every enabled network listener and registers its
// counters with the handler. Stoppers for listeners that started are
// returned even on error.
func startListeners(ctx context.Context, cfg *config.Config, pipeline *ingest.Pipeline, handler *ingest.Handler) ([]stopper, error) {
	var stoppers []stopper

	var limiter *ingest.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ingest.NewLineLimiter(cfg.RateLimit)
		if limiter != nil {
			stoppers = append(stoppers, stopper{"line limiter", limiter.Stop})
		}
	}

	if cfg.Ingest.TCP.Enabled {
		tcp := ingest.NewTCPServer(ingest.TCPServerConfig{
			Address:        cfg.Ingest.TCP.Address,
			TLSEnabled:     cfg.Ingest.TCP.TLSEnabled,
			TLSCertFile:    cfg.Ingest.TCP.TLSCertFile,
			TLSKeyFile:     cfg.Ingest.TCP.TLSKeyFile,
			MaxConnections: cfg.Ingest.TCP.MaxConnections,
			IdleTimeout:    cfg.Ingest.TCP.IdleTimeout,
			MaxLineLength:  cfg.Ingest.TCP.MaxLineLength,
			Limiter:        limiter,
		}, pipeline)
		if err := tcp.Start(ctx); err != nil {
			return stoppers, fmt.Errorf("failed to start TCP server: %w", err)
		}
		handler.RegisterListener("tcp", tcp.Metrics)
		stoppers = append(stoppers, stopper{"tcp", tcp.Stop})
	}

	if cfg.Ingest.UDP.Enabled {
		udp := ingest.NewUDPServer(ingest.UDPServerConfig{
			Address:        cfg.Ingest.UDP.Address,
			BufferSize:     cfg.Ingest.UDP.BufferSize,
			Workers:        cfg.Ingest.UDP.Workers,
			MaxMessageSize: cfg.Ingest.UDP.MaxMessageSize,
			Limiter:        limiter,
		}, pipeline)
		if err := udp.Start(ctx); err != nil {
			return stoppers, fmt.Errorf("failed to start UDP server: %w", err)
		}
		slog.Warn("plain UDP listener enabled; lines arrive unauthenticated", "address", cfg.Ingest.UDP.Address)
		handler.RegisterListener("udp", udp.Metrics)
		stoppers = append(stoppers, stopper{"udp", udp.Stop})
	}

	if cfg.Ingest.DTLS.Enabled {
		dtls, err := ingest.NewDTLSServer(ingest.DTLSServerConfig{
			Address:           cfg.Ingest.DTLS.Address,
			CertFile:          cfg.Ingest.DTLS.CertFile,
			KeyFile:           cfg.Ingest.DTLS.KeyFile,
			CAFile:            cfg.Ingest.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.DTLS.RequireClientCert,
			Workers:           cfg.Ingest.DTLS.Workers,
			MaxMessageSize:    cfg.Ingest.DTLS.MaxMessageSize,
			ConnectionTimeout: cfg.Ingest.DTLS.ConnectionTimeout,
			IdleTimeout:       cfg.Ingest.DTLS.IdleTimeout,
			AllowInsecure:     cfg.Ingest.DTLS.AllowInsecure,
			Limiter:           limiter,
		}, pipeline)
		if err != nil {
			return stoppers, fmt.Errorf("failed to create DTLS server: %w", err)
		}
		if err := dtls.Start(ctx); err != nil {
			return stoppers, fmt.Errorf("failed to start DTLS server: %w", err)
		}
		handler.RegisterListener("dtls", func() ingest.ListenerMetrics {
			return dtls.Metrics().ListenerMetrics
		})
		stoppers = append(stoppers, stopper{"dtls", dtls.Stop})
	}

	return stoppers, nil
}

// closingSink closes a dependency after the sink itself is closed.
type closingSink struct {
	consumer.Sink
	after func() error
}

func (s *closingSink) Close() error {
	err := s.Sink.Close()
	if aerr := s.after(); aerr != nil && err == nil {
		err = aerr
	}
	return err
}
