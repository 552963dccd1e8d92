package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// BoostEventRepository provides access to the append-only category boost log.
type BoostEventRepository interface {
	// Append writes the events and sets their ID and CreatedAt.
	Append(ctx context.Context, events []*models.BoostEvent) error
	// ListForRestaurantSince returns events at or after since (all events when nil),
	// ordered by (mention_created_at, id). Events at exactly since are included so
	// callers can break ties on id.
	ListForRestaurantSince(ctx context.Context, restaurantID uuid.UUID, since *time.Time) ([]*models.BoostEvent, error)
}

type boostEventRepository struct{}

// NewBoostEventRepository creates a new BoostEventRepository.
func NewBoostEventRepository() BoostEventRepository {
	return &boostEventRepository{}
}

var _ BoostEventRepository = (*boostEventRepository)(nil)

func (r *boostEventRepository) Append(ctx context.Context, events []*models.BoostEvent) error {
	if len(events) == 0 {
		return nil
	}
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO boost_events (restaurant_id, category_id, food_attribute_ids, mention_created_at, upvotes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	for _, e := range events {
		attrs := e.FoodAttributeIDs
		if attrs == nil {
			attrs = []uuid.UUID{}
		}
		err := conn.QueryRow(ctx, query,
			e.RestaurantID, e.CategoryID, attrs, e.MentionCreatedAt, e.Upvotes,
		).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			return apperrors.FromStore("boostEvents.Append", err)
		}
	}
	return nil
}

func (r *boostEventRepository) ListForRestaurantSince(ctx context.Context, restaurantID uuid.UUID, since *time.Time) ([]*models.BoostEvent, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, restaurant_id, category_id, food_attribute_ids, mention_created_at, upvotes, created_at
		FROM boost_events
		WHERE restaurant_id = $1
		  AND ($2::timestamptz IS NULL OR mention_created_at >= $2::timestamptz)
		ORDER BY mention_created_at, id`

	rows, err := conn.Query(ctx, query, restaurantID, since)
	if err != nil {
		return nil, apperrors.FromStore("boostEvents.ListForRestaurantSince", err)
	}
	defer rows.Close()

	var events []*models.BoostEvent
	for rows.Next() {
		var e models.BoostEvent
		if err := rows.Scan(
			&e.ID, &e.RestaurantID, &e.CategoryID, &e.FoodAttributeIDs,
			&e.MentionCreatedAt, &e.Upvotes, &e.CreatedAt,
		); err != nil {
			return nil, apperrors.FromStore("boostEvents.ListForRestaurantSince", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromStore("boostEvents.ListForRestaurantSince", err)
	}
	return events, nil
}
