package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
)

// Publisher handles message publishing to a topic exchange
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// PublishJSON marshals v and publishes it persistently under routingKey.
// The returned message id is attached to the publishing.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	messageID := uuid.NewString()
	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s/%s: %w", p.exchange, routingKey, err)
	}

	p.logger.Debug("published message",
		zap.String("exchange", p.exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// ActivityPublisher emits activity entries to the events exchange
type ActivityPublisher struct {
	publisher *Publisher
	routeBase string
}

var _ activity.Recorder = (*ActivityPublisher)(nil)

// NewActivityPublisher creates an activity.Recorder backed by publisher
func NewActivityPublisher(publisher *Publisher, routeBase string) *ActivityPublisher {
	return &ActivityPublisher{publisher: publisher, routeBase: routeBase}
}

// Record publishes entry under "<routeBase>.<subject_type>"
func (a *ActivityPublisher) Record(ctx context.Context, entry activity.Entry) error {
	_, err := a.publisher.PublishJSON(ctx, ActivityRoutingKey(a.routeBase, entry.SubjectType), entry)
	return err
}

// ActivityRoutingKey builds the routing key for a subject type
func ActivityRoutingKey(base, subjectType string) string {
	if subjectType == "" {
		subjectType = "unknown"
	}
	return base + "." + subjectType
}
