package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/anomaly"
	"github.com/septivank/utility-billing-engine/internal/calculator"
	"github.com/septivank/utility-billing-engine/internal/catalog"
	"github.com/septivank/utility-billing-engine/internal/config"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/invoice"
	"github.com/septivank/utility-billing-engine/internal/mq"
	"github.com/septivank/utility-billing-engine/internal/reading"
	"github.com/septivank/utility-billing-engine/internal/repository"
	"github.com/septivank/utility-billing-engine/internal/service"
	"github.com/septivank/utility-billing-engine/internal/tariff"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Cancelled on shutdown so the consume loop exits
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.JobsQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.JobsExchange,
		RoutingKey:    cfg.RabbitMQ.JobsRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting billing job consumer",
				zap.String("queue", cfg.RabbitMQ.JobsQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideTenantPolicy creates the tenant bypass policy
func ProvideTenantPolicy(cfg *config.Config) tenant.Policy {
	return tenant.NewRolePolicy(cfg.Tenant.BypassRoles...)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventsPublisher creates the publisher for the events exchange
func ProvideEventsPublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideActivityRecorder publishes activity entries to the events exchange
func ProvideActivityRecorder(publisher *mq.Publisher, cfg *config.Config) activity.Recorder {
	return mq.NewActivityPublisher(publisher, cfg.RabbitMQ.EventsRouteBase)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideReadingService creates the reading validator and service
func ProvideReadingService(
	repo *repository.Repository,
	detector *anomaly.Detector,
	recorder activity.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *reading.Service {
	return reading.NewService(repo, reading.NewValidator(time.Now), detector, recorder, cfg.Anomaly.HistoryWindow, logger)
}

// ProvideTariffResolver creates a new tariff resolver
func ProvideTariffResolver(repo *repository.Repository, logger *zap.Logger) *tariff.Resolver {
	return tariff.NewResolver(repo, logger)
}

// ProvideCalculator creates the billing calculator
func ProvideCalculator(cfg *config.Config, logger *zap.Logger) *calculator.Calculator {
	return calculator.NewCalculator(cfg.Billing.SummerMonths, logger)
}

// ProvideInvoiceGenerator creates the invoice generator
func ProvideInvoiceGenerator(
	repo *repository.Repository,
	resolver *tariff.Resolver,
	calc *calculator.Calculator,
	recorder activity.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *invoice.Generator {
	return invoice.NewGenerator(repo, resolver, calc, recorder, cfg.Billing.InvoiceDueDays, time.Now, logger)
}

// ProvideCatalogService creates the tariff and configuration catalog
func ProvideCatalogService(repo *repository.Repository, recorder activity.Recorder, logger *zap.Logger) *catalog.Service {
	return catalog.NewService(repo, recorder, time.Now, logger)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	readings *reading.Service,
	invoices *invoice.Generator,
	catalogSvc *catalog.Service,
	policy tenant.Policy,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(readings, invoices, catalogSvc, policy, logger)
}
