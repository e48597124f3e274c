package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/logging"
	"github.com/septivank/utility-billing-engine/internal/migration"
	"github.com/septivank/utility-billing-engine/migrations"
)

const usage = "Usage: migrate [up|down|steps N|version]"

func main() {
	// .env is optional; the worker image relies on the container environment
	_ = godotenv.Load()

	logger, err := logging.NewLogger("utility-billing-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL is required but not set in environment variables")
	}

	m, err := migration.New(migrations.FS, databaseURL, logger)
	if err != nil {
		logger.Fatal("failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	switch cmd := os.Args[1]; cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		if len(os.Args) < 3 {
			logger.Fatal("steps requires a number argument")
		}
		n, convErr := strconv.Atoi(os.Args[2])
		if convErr != nil {
			logger.Fatal("invalid steps argument", zap.Error(convErr))
		}
		err = m.Steps(n)
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			logger.Fatal("failed to get version", zap.Error(verr))
		}
		fmt.Printf("version: %d, dirty: %v\n", version, dirty)
	default:
		fmt.Printf("unknown command: %s\n%s\n", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}
