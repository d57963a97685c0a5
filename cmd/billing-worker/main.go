// Command billing-worker renews due subscriptions and drains the outbox to
// RabbitMQ on a cron schedule, and serves Prometheus metrics.
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

	"cloud.google.com/go/spanner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/adapters"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/payments"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/memstore"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/pgstore"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/spannerstore"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/usecases/renew_subscriptions"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/worker"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/workflows"
	"github.com/wuyiadepoju/subscription-billing/internal/config"
	"github.com/wuyiadepoju/subscription-billing/internal/observability"
)

// storage is what the worker needs from a storage engine.
type storage interface {
	contracts.UnitOfWork
	outbox.Store
}

const jobTimeout = 5 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("billing worker stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx := context.Background()
	clock := domain.RealClock{}

	store, closeStore, err := openStorage(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.WithField("driver", cfg.StorageDriver).Info("storage ready")

	publisher, err := adapters.NewRabbitPublisher(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	charger := payments.NewCharger(adapters.NewStripeGateway(cfg.StripeAPIKey), clock, metrics)
	renewals := renew_subscriptions.NewInteractor(store, charger, clock, logger, metrics, cfg.RenewalBatchSize)

	var runner worker.RenewalRunner
	switch cfg.RenewalMode {
	case config.ModeWorkflow:
		engine := workflows.NewLocalEngine(cfg.ActivityMaxAttempts, 200*time.Millisecond, logger)
		runner = worker.WorkflowRenewals(workflows.NewRenewalWorkflow(engine, renewals, cfg.ActivityTimeout, cfg.RenewalConcurrency, logger))
	default:
		runner = worker.BatchRenewals(renewals)
	}

	processor := outbox.NewProcessor(store, publisher, cfg.OutboxBatchSize, logger, metrics)
	jobs := worker.NewJobs(runner, processor, logger, jobTimeout)

	scheduler := worker.NewScheduler(jobs, logger, cfg.RenewalSchedule, cfg.OutboxSchedule)
	if err := scheduler.Start(); err != nil {
		return err
	}
	logger.WithField("renewal_mode", cfg.RenewalMode).Info("scheduler started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(registry))
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	logger.WithField("addr", cfg.MetricsAddr).Info("serving metrics")

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown")
	}
	logger.Info("billing worker stopped gracefully")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config, clock domain.Clock) (storage, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverSpanner:
		client, err := spanner.NewClient(ctx, cfg.SpannerDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("create spanner client: %w", err)
		}
		return spannerstore.NewStore(client, clock), client.Close, nil
	case config.DriverPostgres:
		store, err := pgstore.Open(ctx, cfg.DatabaseURL, clock)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverMemory:
		return memstore.NewStore(clock), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
