package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// CategoryAggregateRepository provides data access for restaurant category signals.
type CategoryAggregateRepository interface {
	// Upsert folds one category mention into the (restaurant, category) signal.
	Upsert(ctx context.Context, restaurantID, categoryID uuid.UUID, boost models.Boost) error
	Get(ctx context.Context, restaurantID, categoryID uuid.UUID) (*models.CategoryAggregate, error)
	ListByRestaurant(ctx context.Context, restaurantID uuid.UUID) ([]*models.CategoryAggregate, error)
}

type categoryAggregateRepository struct{}

// NewCategoryAggregateRepository creates a new CategoryAggregateRepository.
func NewCategoryAggregateRepository() CategoryAggregateRepository {
	return &categoryAggregateRepository{}
}

var _ CategoryAggregateRepository = (*categoryAggregateRepository)(nil)

const categoryAggregateColumns = `
	restaurant_id, category_id, mentions_count, total_upvotes,
	first_mentioned_at, last_mentioned_at,
	decayed_mention_score, decayed_upvote_score, decayed_scores_updated_at`

func (r *categoryAggregateRepository) Upsert(ctx context.Context, restaurantID, categoryID uuid.UUID, boost models.Boost) error {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return err
	}

	a := "category_aggregates"
	query := `
		INSERT INTO category_aggregates (
			restaurant_id, category_id, mentions_count, total_upvotes,
			first_mentioned_at, last_mentioned_at,
			decayed_mention_score, decayed_upvote_score, decayed_scores_updated_at
		) VALUES ($1, $2, $3, $4, $5::timestamptz, $5::timestamptz, $6::float8, $7::float8, $5::timestamptz)
		ON CONFLICT (restaurant_id, category_id) DO UPDATE
		SET mentions_count = ` + a + `.mentions_count + EXCLUDED.mentions_count,
		    total_upvotes = ` + a + `.total_upvotes + EXCLUDED.total_upvotes,
		    first_mentioned_at = LEAST(` + a + `.first_mentioned_at, EXCLUDED.first_mentioned_at),
		    last_mentioned_at = GREATEST(` + a + `.last_mentioned_at, EXCLUDED.last_mentioned_at),
		    decayed_mention_score = ` + decayedSumSQL(a+".decayed_mention_score", a+".decayed_scores_updated_at",
		"EXCLUDED.decayed_scores_updated_at", "EXCLUDED.decayed_mention_score", "$8::float8") + `,
		    decayed_upvote_score = ` + decayedSumSQL(a+".decayed_upvote_score", a+".decayed_scores_updated_at",
		"EXCLUDED.decayed_scores_updated_at", "EXCLUDED.decayed_upvote_score", "$9::float8") + `,
		    decayed_scores_updated_at = GREATEST(` + a + `.decayed_scores_updated_at, EXCLUDED.decayed_scores_updated_at)`

	_, err = conn.Exec(ctx, query,
		restaurantID, categoryID, boost.Mentions, boost.Upvotes, boost.At,
		float64(boost.Mentions), float64(boost.Upvotes),
		boost.Decay.MentionPeriod.Seconds(), boost.Decay.UpvotePeriod.Seconds(),
	)
	if err != nil {
		return apperrors.FromStore("categoryAggregates.Upsert", err)
	}
	return nil
}

func (r *categoryAggregateRepository) Get(ctx context.Context, restaurantID, categoryID uuid.UUID) (*models.CategoryAggregate, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT` + categoryAggregateColumns + `
		FROM category_aggregates
		WHERE restaurant_id = $1 AND category_id = $2`

	agg, err := scanCategoryAggregate(conn.QueryRow(ctx, query, restaurantID, categoryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.FromStore("categoryAggregates.Get", err)
	}
	return agg, nil
}

func (r *categoryAggregateRepository) ListByRestaurant(ctx context.Context, restaurantID uuid.UUID) ([]*models.CategoryAggregate, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT` + categoryAggregateColumns + `
		FROM category_aggregates
		WHERE restaurant_id = $1
		ORDER BY category_id`

	rows, err := conn.Query(ctx, query, restaurantID)
	if err != nil {
		return nil, apperrors.FromStore("categoryAggregates.ListByRestaurant", err)
	}
	defer rows.Close()

	var aggs []*models.CategoryAggregate
	for rows.Next() {
		agg, err := scanCategoryAggregate(rows)
		if err != nil {
			return nil, apperrors.FromStore("categoryAggregates.ListByRestaurant", err)
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromStore("categoryAggregates.ListByRestaurant", err)
	}
	return aggs, nil
}

func scanCategoryAggregate(row pgx.Row) (*models.CategoryAggregate, error) {
	var a models.CategoryAggregate
	err := row.Scan(
		&a.RestaurantID, &a.CategoryID, &a.MentionsCount, &a.TotalUpvotes,
		&a.FirstMentionedAt, &a.LastMentionedAt,
		&a.DecayedMentionScore, &a.DecayedUpvoteScore, &a.DecayedScoresUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
