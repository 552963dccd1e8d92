// Package queue carries mention batches and enrichment requests over AMQP.
//
// Every logical queue is declared together with two siblings: "<name>_retry",
// whose messages expire back into the main queue after a delay, and
// "<name>_dlq", which holds messages that exhausted their deliveries.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	retrySuffix      = "_retry"
	deadLetterSuffix = "_dlq"

	// RetriesHeader counts how many times a message went through the retry queue.
	RetriesHeader = "x-retries"
)

// RetryQueueName returns the delay queue paired with name.
func RetryQueueName(name string) string { return name + retrySuffix }

// DeadLetterQueueName returns the dead-letter queue paired with name.
func DeadLetterQueueName(name string) string { return name + deadLetterSuffix }

// Conn owns a broker connection. Channels opened from it are not shared
// between the publisher and consumers.
type Conn struct {
	conn   *amqp091.Connection
	logger *zap.Logger

	mu       sync.Mutex
	declared map[string]struct{}
}

// Dial connects to the broker at url.
func Dial(url string, logger *zap.Logger) (*Conn, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return &Conn{
		conn:     conn,
		logger:   logger.Named("queue"),
		declared: make(map[string]struct{}),
	}, nil
}

// Close closes the connection and every channel opened from it.
func (c *Conn) Close() error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// Declare creates name, its retry queue and its dead-letter queue. Retried
// messages return to name after retryDelay. Declaring is idempotent.
func (c *Conn) Declare(name string, retryDelay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.declared[name]; ok {
		return nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch, name, retryDelay); err != nil {
		return err
	}
	c.declared[name] = struct{}{}
	c.logger.Info("Declared queue topology",
		zap.String("queue", name),
		zap.Duration("retry_delay", retryDelay))
	return nil
}

// queueDeclarer is the part of *amqp091.Channel used to declare queues.
type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
}

func declareTopology(ch queueDeclarer, name string, retryDelay time.Duration) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueueName(name), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadLetterQueueName(name), err)
	}
	if _, err := ch.QueueDeclare(RetryQueueName(name), true, false, false, false, retryQueueArgs(name, retryDelay)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", RetryQueueName(name), err)
	}
	return nil
}

func retryQueueArgs(name string, retryDelay time.Duration) amqp091.Table {
	ttl := retryDelay.Milliseconds()
	if ttl <= 0 {
		ttl = 10_000
	}
	return amqp091.Table{
		"x-message-ttl":             int32(ttl),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}
}

// publishChannel is the part of *amqp091.Channel used to publish.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

var _ publishChannel = (*amqp091.Channel)(nil)
