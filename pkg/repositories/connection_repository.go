package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// ConnectionRepository provides data access for restaurant -> food connections.
type ConnectionRepository interface {
	// Lookups
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Connection, error)
	ListByRestaurant(ctx context.Context, restaurantID uuid.UUID) ([]*models.Connection, error)
	FindByRestaurantAndFood(ctx context.Context, restaurantID, foodID uuid.UUID) ([]*models.Connection, error)
	ListIDsByRestaurants(ctx context.Context, restaurantIDs []uuid.UUID) ([]uuid.UUID, error)

	// Create inserts an attributed connection seeded with one mention's boost.
	Create(ctx context.Context, conn *models.Connection) error

	// UpsertPlain finds or creates the single attribute-less connection for the
	// pair and applies the boost, atomically.
	UpsertPlain(ctx context.Context, restaurantID, foodID uuid.UUID, boost models.Boost) (id uuid.UUID, created bool, err error)

	// BoostOverlapping boosts every connection of the restaurant (optionally
	// restricted to one food) whose food attributes intersect attributeIDs.
	BoostOverlapping(ctx context.Context, restaurantID uuid.UUID, foodID *uuid.UUID, attributeIDs []uuid.UUID, boost models.Boost) ([]uuid.UUID, error)

	// ApplyReplay persists replayed events with a compare-and-set on the
	// watermark and version the update was computed from.
	ApplyReplay(ctx context.Context, update models.ReplayUpdate) error

	UpdateQualityScore(ctx context.Context, id uuid.UUID, score float64, activity models.ActivityLevel) error
}

type connectionRepository struct{}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository() ConnectionRepository {
	return &connectionRepository{}
}

var _ ConnectionRepository = (*connectionRepository)(nil)

const connectionColumns = `
	id, restaurant_id, food_id, categories, food_attributes,
	mention_count, total_upvotes, recent_mention_count, last_mentioned_at, activity_level,
	food_quality_score, decayed_mention_score, decayed_upvote_score, decayed_scores_updated_at,
	boost_last_applied_at, boost_last_applied_event_id, version, created_at, updated_at`

// decayedSumSQL renders the running-sum recurrence for one decayed score.
// Events at or after the stored timestamp decay the previous sum; older events
// are added at their already-decayed weight and leave the timestamp in place.
func decayedSumSQL(prev, prevAt, at, weight, periodSeconds string) string {
	return fmt.Sprintf(`CASE WHEN %[3]s >= %[2]s
			THEN %[1]s * exp(-extract(epoch FROM (%[3]s - %[2]s))::float8 / %[5]s) + %[4]s
			ELSE %[1]s + %[4]s * exp(-extract(epoch FROM (%[2]s - %[3]s))::float8 / %[5]s)
		END`, prev, prevAt, at, weight, periodSeconds)
}

func unionSQL(column, param string) string {
	return fmt.Sprintf("ARRAY(SELECT DISTINCT x FROM unnest(%s || %s) AS x)", column, param)
}

func recentDelta(b models.Boost) int64 {
	if b.Recent {
		return b.Mentions
	}
	return 0
}

// ============================================================================
// Lookups
// ============================================================================

func (r *connectionRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Connection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE id = ANY($1)`
	return r.queryConnections(ctx, "connections.GetByIDs", query, ids)
}

func (r *connectionRepository) ListByRestaurant(ctx context.Context, restaurantID uuid.UUID) ([]*models.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE restaurant_id = $1
		ORDER BY created_at, id`
	return r.queryConnections(ctx, "connections.ListByRestaurant", query, restaurantID)
}

func (r *connectionRepository) FindByRestaurantAndFood(ctx context.Context, restaurantID, foodID uuid.UUID) ([]*models.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE restaurant_id = $1 AND food_id = $2
		ORDER BY created_at, id`
	return r.queryConnections(ctx, "connections.FindByRestaurantAndFood", query, restaurantID, foodID)
}

func (r *connectionRepository) ListIDsByRestaurants(ctx context.Context, restaurantIDs []uuid.UUID) ([]uuid.UUID, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, `SELECT id FROM connections WHERE restaurant_id = ANY($1) ORDER BY id`, restaurantIDs)
	if err != nil {
		return nil, apperrors.FromStore("connections.ListIDsByRestaurants", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperrors.FromStore("connections.ListIDsByRestaurants", err)
	}
	return ids, nil
}

func (r *connectionRepository) queryConnections(ctx context.Context, op, query string, args ...any) ([]*models.Connection, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.FromStore(op, err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, apperrors.FromStore(op, err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromStore(op, err)
	}
	return conns, nil
}

// ============================================================================
// Inline boosts
// ============================================================================

func (r *connectionRepository) Create(ctx context.Context, c *models.Connection) error {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return err
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Categories == nil {
		c.Categories = []uuid.UUID{}
	}
	if c.FoodAttributes == nil {
		c.FoodAttributes = []uuid.UUID{}
	}
	if c.ActivityLevel == "" {
		c.ActivityLevel = models.ActivityNormal
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	query := `
		INSERT INTO connections (
			id, restaurant_id, food_id, categories, food_attributes,
			mention_count, total_upvotes, recent_mention_count, last_mentioned_at, activity_level,
			decayed_mention_score, decayed_upvote_score, decayed_scores_updated_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`

	_, err = conn.Exec(ctx, query,
		c.ID, c.RestaurantID, c.FoodID, c.Categories, c.FoodAttributes,
		c.MentionCount, c.TotalUpvotes, c.RecentMentionCount, c.LastMentionedAt, string(c.ActivityLevel),
		c.DecayedMentionScore, c.DecayedUpvoteScore, c.DecayedScoresUpdatedAt,
		now,
	)
	if err != nil {
		return apperrors.FromStore("connections.Create", err)
	}
	return nil
}

func (r *connectionRepository) UpsertPlain(ctx context.Context, restaurantID, foodID uuid.UUID, boost models.Boost) (uuid.UUID, bool, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}

	categories := boost.CategoryIDs
	if categories == nil {
		categories = []uuid.UUID{}
	}

	query := `
		INSERT INTO connections (
			id, restaurant_id, food_id, categories, food_attributes,
			mention_count, total_upvotes, recent_mention_count, last_mentioned_at,
			decayed_mention_score, decayed_upvote_score, decayed_scores_updated_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4::uuid[], '{}', $5, $6, $7, $8::timestamptz, $9::float8, $10::float8, $8::timestamptz, now(), now())
		ON CONFLICT (restaurant_id, food_id) WHERE cardinality(food_attributes) = 0 DO UPDATE
		SET categories = ` + unionSQL("connections.categories", "EXCLUDED.categories") + `,
		    mention_count = connections.mention_count + EXCLUDED.mention_count,
		    total_upvotes = connections.total_upvotes + EXCLUDED.total_upvotes,
		    recent_mention_count = connections.recent_mention_count + EXCLUDED.recent_mention_count,
		    last_mentioned_at = GREATEST(connections.last_mentioned_at, EXCLUDED.last_mentioned_at),
		    decayed_mention_score = ` + decayedSumSQL("connections.decayed_mention_score", "connections.decayed_scores_updated_at",
		"EXCLUDED.decayed_scores_updated_at", "EXCLUDED.decayed_mention_score", "$11::float8") + `,
		    decayed_upvote_score = ` + decayedSumSQL("connections.decayed_upvote_score", "connections.decayed_scores_updated_at",
		"EXCLUDED.decayed_scores_updated_at", "EXCLUDED.decayed_upvote_score", "$12::float8") + `,
		    decayed_scores_updated_at = GREATEST(connections.decayed_scores_updated_at, EXCLUDED.decayed_scores_updated_at),
		    version = connections.version + 1,
		    updated_at = now()
		RETURNING id, (xmax = 0) AS inserted`

	var id uuid.UUID
	var inserted bool
	err = conn.QueryRow(ctx, query,
		uuid.New(), restaurantID, foodID, categories,
		boost.Mentions, boost.Upvotes, recentDelta(boost), boost.At,
		float64(boost.Mentions), float64(boost.Upvotes),
		boost.Decay.MentionPeriod.Seconds(), boost.Decay.UpvotePeriod.Seconds(),
	).Scan(&id, &inserted)
	if err != nil {
		return uuid.Nil, false, apperrors.FromStore("connections.UpsertPlain", err)
	}
	return id, inserted, nil
}

func (r *connectionRepository) BoostOverlapping(ctx context.Context, restaurantID uuid.UUID, foodID *uuid.UUID, attributeIDs []uuid.UUID, boost models.Boost) ([]uuid.UUID, error) {
	if len(attributeIDs) == 0 {
		return nil, nil
	}
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	mergeAttributes := boost.AttributeIDs
	if mergeAttributes == nil {
		mergeAttributes = []uuid.UUID{}
	}
	categories := boost.CategoryIDs
	if categories == nil {
		categories = []uuid.UUID{}
	}

	query := `
		UPDATE connections
		SET food_attributes = ` + unionSQL("food_attributes", "$4::uuid[]") + `,
		    categories = ` + unionSQL("categories", "$5::uuid[]") + `,
		    mention_count = mention_count + $6,
		    total_upvotes = total_upvotes + $7,
		    recent_mention_count = recent_mention_count + $8,
		    last_mentioned_at = GREATEST(last_mentioned_at, $9::timestamptz),
		    decayed_mention_score = ` + decayedSumSQL("decayed_mention_score", "decayed_scores_updated_at",
		"$9::timestamptz", "$10::float8", "$12::float8") + `,
		    decayed_upvote_score = ` + decayedSumSQL("decayed_upvote_score", "decayed_scores_updated_at",
		"$9::timestamptz", "$11::float8", "$13::float8") + `,
		    decayed_scores_updated_at = GREATEST(decayed_scores_updated_at, $9::timestamptz),
		    version = version + 1,
		    updated_at = now()
		WHERE restaurant_id = $1
		  AND ($2::uuid IS NULL OR food_id = $2::uuid)
		  AND food_attributes && $3::uuid[]
		RETURNING id`

	rows, err := conn.Query(ctx, query,
		restaurantID, foodID, attributeIDs, mergeAttributes, categories,
		boost.Mentions, boost.Upvotes, recentDelta(boost), boost.At,
		float64(boost.Mentions), float64(boost.Upvotes),
		boost.Decay.MentionPeriod.Seconds(), boost.Decay.UpvotePeriod.Seconds(),
	)
	if err != nil {
		return nil, apperrors.FromStore("connections.BoostOverlapping", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperrors.FromStore("connections.BoostOverlapping", err)
	}
	return ids, nil
}

// ============================================================================
// Replay and scoring
// ============================================================================

func (r *connectionRepository) ApplyReplay(ctx context.Context, u models.ReplayUpdate) error {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return err
	}

	addAttributes := u.AddAttributeIDs
	if addAttributes == nil {
		addAttributes = []uuid.UUID{}
	}

	query := `
		UPDATE connections
		SET mention_count = mention_count + $2,
		    total_upvotes = total_upvotes + $3,
		    recent_mention_count = recent_mention_count + $4,
		    decayed_mention_score = $5,
		    decayed_upvote_score = $6,
		    decayed_scores_updated_at = $7,
		    last_mentioned_at = GREATEST(last_mentioned_at, $8::timestamptz),
		    food_attributes = ` + unionSQL("food_attributes", "$9::uuid[]") + `,
		    boost_last_applied_at = $10,
		    boost_last_applied_event_id = $13,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND boost_last_applied_at IS NOT DISTINCT FROM $11::timestamptz
		  AND version = $12`

	tag, err := conn.Exec(ctx, query,
		u.ConnectionID, u.MentionDelta, u.UpvoteDelta, u.RecentDelta,
		u.Scores.Mention, u.Scores.Upvote, u.Scores.UpdatedAt,
		u.LastMentionedAt, addAttributes, u.Watermark,
		u.ExpectedWatermark, u.ExpectedVersion, u.WatermarkEventID,
	)
	if err != nil {
		return apperrors.FromStore("connections.ApplyReplay", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindConflict, "connections.ApplyReplay",
			fmt.Sprintf("connection %s changed since it was loaded", u.ConnectionID))
	}
	return nil
}

func (r *connectionRepository) UpdateQualityScore(ctx context.Context, id uuid.UUID, score float64, activity models.ActivityLevel) error {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE connections
		SET food_quality_score = $2, activity_level = $3, updated_at = now()
		WHERE id = $1`

	tag, err := conn.Exec(ctx, query, id, score, string(activity))
	if err != nil {
		return apperrors.FromStore("connections.UpdateQualityScore", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.KindNotFound, "connections.UpdateQualityScore",
			fmt.Sprintf("connection %s not found", id))
	}
	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	var activity string

	err := row.Scan(
		&c.ID, &c.RestaurantID, &c.FoodID, &c.Categories, &c.FoodAttributes,
		&c.MentionCount, &c.TotalUpvotes, &c.RecentMentionCount, &c.LastMentionedAt, &activity,
		&c.FoodQualityScore, &c.DecayedMentionScore, &c.DecayedUpvoteScore, &c.DecayedScoresUpdatedAt,
		&c.BoostLastAppliedAt, &c.BoostLastAppliedEventID, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ActivityLevel = models.ActivityLevel(activity)
	return &c, nil
}
