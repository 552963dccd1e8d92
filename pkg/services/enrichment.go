package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// RestaurantEnricher receives newly created restaurants for out-of-band
// enrichment such as geocoding. Calls are fire-and-forget from the processor's
// point of view; errors are only logged.
type RestaurantEnricher interface {
	EnrichRestaurants(ctx context.Context, requests []models.EnrichmentRequest) error
}

// JSONPublisher publishes a JSON-encoded message to a named queue.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, queue string, v any) error
}

type queueEnricher struct {
	publisher JSONPublisher
	queue     string
	logger    *zap.Logger
}

// NewQueueEnricher creates a RestaurantEnricher that publishes one message per
// restaurant to queue.
func NewQueueEnricher(publisher JSONPublisher, queue string, logger *zap.Logger) RestaurantEnricher {
	return &queueEnricher{
		publisher: publisher,
		queue:     queue,
		logger:    logger.Named("enrichment"),
	}
}

var _ RestaurantEnricher = (*queueEnricher)(nil)

func (e *queueEnricher) EnrichRestaurants(ctx context.Context, requests []models.EnrichmentRequest) error {
	var errs []error
	for _, req := range requests {
		if err := e.publisher.PublishJSON(ctx, e.queue, req); err != nil {
			errs = append(errs, fmt.Errorf("restaurant %s: %w", req.RestaurantID, err))
			continue
		}
		e.logger.Debug("Queued restaurant enrichment",
			zap.String("restaurant_id", req.RestaurantID.String()),
			zap.String("name", req.Name))
	}
	return errors.Join(errs...)
}
