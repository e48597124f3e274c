package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/config"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func main() {
	bootLogger, err := newLogger(&config.Config{ServiceName: "utility-billing-engine"})
	if err != nil {
		panic(err)
	}
	defer bootLogger.Sync() //nolint:errcheck

	if path, ok := loadEnvFile(); ok {
		bootLogger.Info("loaded environment file", zap.String("path", path))
	} else {
		bootLogger.Info("no .env file found, using process environment")
	}

	if err := run(bootLogger); err != nil {
		bootLogger.Fatal("billing engine exited with error", zap.Error(err))
	}
}

// loadEnvFile loads the first .env found in the working directory or up to
// two levels above it.
func loadEnvFile() (string, bool) {
	candidates := []string{".env", "../../.env"}
	if wd, err := os.Getwd(); err == nil {
		for dir, i := wd, 0; i < 3; dir, i = filepath.Dir(dir), i+1 {
			candidates = append(candidates, filepath.Join(dir, ".env"))
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return abs, true
	}
	return "", false
}

func run(bootLogger *zap.Logger) error {
	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideDBPool,
			ProvideRepository,
			ProvideTenantPolicy,
			ProvideMQConnection,
			ProvideEventsPublisher,
			ProvideActivityRecorder,
			ProvideAnomalyDetector,
			ProvideReadingService,
			ProvideTariffResolver,
			ProvideCalculator,
			ProvideInvoiceGenerator,
			ProvideCatalogService,
			ProvideProcessorService,
		),
		fx.Invoke(startWorker),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bootLogger.Info("starting billing engine", zap.Duration("timeout", startTimeout))
	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			bootLogger.Error("start timed out; check that PostgreSQL and RabbitMQ are reachable")
		}
		return err
	}

	<-ctx.Done()
	bootLogger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return app.Stop(stopCtx)
}
