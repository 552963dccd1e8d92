package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/telemetry"
)

// Publisher publishes persistent JSON messages on a dedicated channel.
type Publisher struct {
	mu     sync.Mutex
	ch     publishChannel
	closer func() error
	now    func() time.Time
	logger *zap.Logger
}

// NewPublisher opens a publishing channel on conn.
func NewPublisher(conn *Conn) (*Publisher, error) {
	ch, err := conn.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	return &Publisher{
		ch:     ch,
		closer: ch.Close,
		now:    time.Now,
		logger: conn.logger.Named("publisher"),
	}, nil
}

// Close closes the publishing channel.
func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// PublishJSON encodes v and publishes it to queue through the default
// exchange. The caller's trace context travels in the message headers.
func (p *Publisher) PublishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "queue.PublishJSON", err)
	}

	headers := amqp091.Table{}
	otel.GetTextMapPropagator().Inject(ctx, telemetry.HeaderCarrier(headers))

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    p.now(),
		Headers:      headers,
		Body:         body,
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, "", queue, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "queue.PublishJSON", fmt.Errorf("publish to %s: %w", queue, err))
	}

	p.logger.Debug("Published message",
		zap.String("queue", queue),
		zap.Int("bytes", len(body)))
	return nil
}
