package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/telemetry"
)

// Handler processes one delivery. A nil error acknowledges the message.
type Handler func(ctx context.Context, d amqp091.Delivery) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue string
	Tag   string
	// Prefetch bounds unacknowledged deliveries held by this consumer.
	Prefetch int
	// MaxDeliveries is how many retries a message gets before it is dead-lettered.
	MaxDeliveries int
}

// Consumer reads one queue with manual acknowledgement and routes failed
// deliveries through the retry and dead-letter queues.
type Consumer struct {
	ch      *amqp091.Channel
	pub     publishChannel
	cfg     ConsumerConfig
	handler Handler
	logger  *zap.Logger
}

// NewConsumer opens a channel on conn for cfg.Queue. The queue must already be declared.
func NewConsumer(conn *Conn, cfg ConsumerConfig, handler Handler) (*Consumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 10
	}
	ch, err := conn.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return &Consumer{
		ch:      ch,
		pub:     ch,
		cfg:     cfg,
		handler: handler,
		logger:  conn.logger.Named("consumer").With(zap.String("queue", cfg.Queue)),
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes. Deliveries are
// handled one at a time.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.ch.Close()

	msgs, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info("Waiting for messages", zap.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping")
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed by broker")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	retries := retryCount(d.Headers)

	ctx = otel.GetTextMapPropagator().Extract(ctx, telemetry.HeaderCarrier(d.Headers))
	ctx, span := telemetry.Tracer().Start(ctx, "queue.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.cfg.Queue),
			attribute.Int("messaging.retries", retries),
		))
	defer span.End()

	err := c.handler(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch route(err, retries, c.cfg.MaxDeliveries) {
	case routeAck:
		c.ack(d)
	case routeRetry:
		c.logger.Warn("Delivery failed, scheduling retry",
			zap.Int("retries", retries),
			zap.Error(err))
		c.republish(ctx, d, RetryQueueName(c.cfg.Queue), retries+1)
	case routeDeadLetter:
		c.logger.Error("Delivery failed, sending to dead-letter queue",
			zap.Int("retries", retries),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Error(err))
		c.republish(ctx, d, DeadLetterQueueName(c.cfg.Queue), retries)
	}
}

// republish copies d onto target and acknowledges the original. If the copy
// cannot be published the original is requeued so it is not lost.
func (c *Consumer) republish(ctx context.Context, d amqp091.Delivery, target string, retries int) {
	headers := amqp091.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetriesHeader] = int32(retries)

	err := c.pub.PublishWithContext(ctx, "", target, false, false, amqp091.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		c.logger.Error("Failed to republish delivery", zap.String("target", target), zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to nack delivery", zap.Error(nackErr))
		}
		return
	}
	c.ack(d)
}

func (c *Consumer) ack(d amqp091.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ack delivery", zap.Error(err))
	}
}

type routing int

const (
	routeAck routing = iota
	routeRetry
	routeDeadLetter
)

// route decides where a handled delivery goes. Input the handler rejected as
// invalid is dead-lettered at once since redelivery cannot fix it.
func route(err error, retries, maxDeliveries int) routing {
	if err == nil {
		return routeAck
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation, apperrors.KindMalformedInput:
		return routeDeadLetter
	}
	if retries >= maxDeliveries {
		return routeDeadLetter
	}
	return routeRetry
}

// retryCount reads RetriesHeader. The broker may hand integers back in any width.
func retryCount(headers amqp091.Table) int {
	switch v := headers[RetriesHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
