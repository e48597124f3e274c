package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxDialAttempts = 5

// Connection wraps RabbitMQ connection
type Connection struct {
	conn *amqp.Connection
}

// Dial connects to RabbitMQ, retrying with exponential backoff while the
// broker is still coming up
func Dial(ctx context.Context, logger *zap.Logger, url string) (*Connection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 20 * time.Second

	attempt := 0
	conn, err := backoff.RetryWithData(func() (*amqp.Connection, error) {
		attempt++
		c, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("rabbitmq dial failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return c, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxDialAttempts-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}
	return &Connection{conn: conn}, nil
}

// NewConnection creates a new RabbitMQ connection closed on application stop
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("attempting to connect to RabbitMQ...")

	mqConn, err := Dial(context.Background(), logger, url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := mqConn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel creates a new RabbitMQ channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// Close closes the underlying connection
func (c *Connection) Close() error {
	return c.conn.Close()
}
