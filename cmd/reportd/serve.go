package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/delta-report/analysis"
	"github.com/izavyalov-dev/delta-report/cluster"
	"github.com/izavyalov-dev/delta-report/consumer"
	"github.com/izavyalov-dev/delta-report/events"
	"github.com/izavyalov-dev/delta-report/ingest"
	"github.com/izavyalov-dev/delta-report/internal/config"
	"github.com/izavyalov-dev/delta-report/internal/observability"
	"github.com/izavyalov-dev/delta-report/notify"
	"github.com/izavyalov-dev/delta-report/orchestrator"
	"github.com/izavyalov-dev/delta-report/retry"
	"github.com/izavyalov-dev/delta-report/routing"
	"github.com/izavyalov-dev/delta-report/state"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reporting ingress, consumers and post-launch analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("reportd")

	shutdownTracer, err := observability.InitTracer(ctx, "delta-report", cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "event", "tracer_shutdown_failed", "error", err)
		}
	}()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if _, err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)
	bus := events.NewBus()
	cache := analysis.NewStatusCache()

	analyzerClient := analysis.NewHTTPAnalyzerClient(analysis.HTTPClientConfig{
		Endpoint:    cfg.Analyzer.Endpoint,
		Token:       cfg.Analyzer.Token,
		Timeout:     cfg.Analyzer.Timeout,
		MaxFailures: cfg.Analyzer.MaxFailures,
		Cooldown:    cfg.Analyzer.Cooldown,
	}, nil)

	var archiver cluster.Archiver
	if cfg.S3.Bucket != "" {
		s3Archiver, err := cluster.NewS3Archiver(ctx, cluster.S3Config{
			Bucket: cfg.S3.Bucket,
			Prefix: cfg.S3.Prefix,
			Region: cfg.S3.Region,
		})
		if err != nil {
			return err
		}
		archiver = s3Archiver
	}

	pool := cluster.NewPool(cfg.Cluster.Workers, observability.NewLogger("cluster.pool"))
	generator := cluster.NewGenerator(store, analyzerClient, cache, pool, archiver, metrics, observability.NewLogger("cluster"))

	var sender orchestrator.EmailSender
	if cfg.SMTP.Host != "" {
		smtpSender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:          cfg.SMTP.Host,
			Port:          cfg.SMTP.Port,
			From:          cfg.SMTP.From,
			Username:      cfg.SMTP.Username,
			Password:      cfg.SMTP.Password,
			RatePerSecond: cfg.SMTP.Rate,
			Burst:         cfg.SMTP.Burst,
		})
		if err != nil {
			return err
		}
		sender = smtpSender
	}

	orch := orchestrator.New(store, store, orchestrator.DefaultRunners(
		analysis.NewAutoAnalyzer(store, analyzerClient, cache, metrics, observability.NewLogger("analysis.auto")),
		analysis.NewPatternAnalyzer(store, cache, metrics, observability.NewLogger("analysis.pattern")),
		analysis.NewLogIndexer(store, analyzerClient, cache, metrics, observability.NewLogger("analysis.index")),
		generator,
		orchestrator.NewNotificationRunner(store, sender, observability.NewLogger("notification")),
	), metrics, observability.NewLogger("orchestrator"))
	orch.Subscribe(bus)

	resolver := retry.NewResolver(store)
	linker := retry.NewLinker(store, resolver, bus, metrics, observability.NewLogger("retry"))
	handler := consumer.NewHandler(store, resolver, linker, bus, cfg.BaseURL, observability.NewLogger("consumer"))
	eventConsumer := routing.NewConsumer(handler, metrics, observability.NewLogger("routing.consumer"))

	broker, stopBroker, err := startBroker(ctx, cfg.Broker, eventConsumer, logger)
	if err != nil {
		return err
	}

	router := routing.NewRouter(broker, metrics, observability.NewLogger("router"))
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           ingest.NewHTTPHandler(router, observability.NewLogger("ingest.http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "event", "server_started", "listen", cfg.Listen, "broker", cfg.Broker.Kind)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown failed", "event", "http_shutdown_failed", "error", shutdownErr)
	}
	stopBroker()
	if closeErr := pool.Close(shutdownCtx); closeErr != nil {
		logger.Warn("cluster pool shutdown failed", "event", "pool_shutdown_failed", "error", closeErr)
	}
	bus.Wait()
	logger.Info("server stopped", "event", "server_stopped")

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startBroker connects the configured broker and starts consuming from it.
// The returned stop func closes the broker and waits for the consumers.
func startBroker(ctx context.Context, cfg config.BrokerConfig, c *routing.Consumer, logger *slog.Logger) (routing.Broker, func(), error) {
	switch cfg.Kind {
	case config.BrokerPubSub:
		broker, err := routing.NewPubSubBroker(ctx, routing.PubSubConfig{
			ProjectID:      cfg.PubSubProject,
			Topic:          cfg.PubSubTopic,
			Subscription:   cfg.PubSubSubscription,
			MaxOutstanding: cfg.MaxOutstanding,
		}, observability.NewLogger("routing.pubsub"))
		if err != nil {
			return nil, nil, err
		}
		receiveCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := broker.Receive(receiveCtx, c); err != nil {
				logger.Error("pubsub receive stopped", "event", "pubsub_receive_failed", "error", err)
			}
		}()
		return broker, func() {
			cancel()
			<-done
			if err := broker.Close(); err != nil {
				logger.Warn("pubsub close failed", "event", "pubsub_close_failed", "error", err)
			}
		}, nil
	case config.BrokerMemory:
		broker := routing.NewMemoryBroker(cfg.Queues, cfg.QueueBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			// Runs until the queues are closed and drained.
			c.Run(context.Background(), broker.Queues())
		}()
		return broker, func() {
			_ = broker.Close()
			<-done
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
