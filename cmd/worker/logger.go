package main

import (
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/config"
	"github.com/septivank/utility-billing-engine/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
