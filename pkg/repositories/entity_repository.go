package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// EntityRepository provides data access for canonical entities.
type EntityRepository interface {
	// Lookups
	GetByNameAndType(ctx context.Context, name string, entityType models.EntityType) (*models.Entity, error)
	FindByNames(ctx context.Context, entityType models.EntityType, names []string) ([]*models.Entity, error)
	FindByAliases(ctx context.Context, entityType models.EntityType, aliases []string) ([]*models.Entity, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Entity, error)

	// Create inserts the entity, or merges its aliases into the row that already
	// holds (name, type). entity.ID is set either way; created reports which happened.
	Create(ctx context.Context, entity *models.Entity) (created bool, err error)

	// Mutations
	MergeAliases(ctx context.Context, id uuid.UUID, aliases []string) error
	AddRestaurantAttributes(ctx context.Context, restaurantID uuid.UUID, attributeIDs []uuid.UUID) error
	AddGeneralPraise(ctx context.Context, restaurantID uuid.UUID, upvotes int64) error
	UpdateRestaurantQualityScore(ctx context.Context, restaurantID uuid.UUID, score float64) error
}

type entityRepository struct{}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository() EntityRepository {
	return &entityRepository{}
}

var _ EntityRepository = (*entityRepository)(nil)

const entityColumns = `
	id, name, type, aliases, restaurant_attribute_ids, restaurant_quality_score,
	restaurant_scored_at, general_praise_upvotes, metadata, created_at, updated_at`

// ============================================================================
// Lookups
// ============================================================================

func (r *entityRepository) GetByNameAndType(ctx context.Context, name string, entityType models.EntityType) (*models.Entity, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT` + entityColumns + `
		FROM entities
		WHERE name = $1 AND type = $2`

	entity, err := scanEntity(conn.QueryRow(ctx, query, name, string(entityType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Entity not found
		}
		return nil, apperrors.FromStore("entities.GetByNameAndType", err)
	}
	return entity, nil
}

func (r *entityRepository) FindByNames(ctx context.Context, entityType models.EntityType, names []string) ([]*models.Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query := `SELECT` + entityColumns + `
		FROM entities
		WHERE type = $1 AND name = ANY($2::text[])`
	return r.queryEntities(ctx, "entities.FindByNames", query, string(entityType), names)
}

func (r *entityRepository) FindByAliases(ctx context.Context, entityType models.EntityType, aliases []string) ([]*models.Entity, error) {
	if len(aliases) == 0 {
		return nil, nil
	}
	query := `SELECT` + entityColumns + `
		FROM entities
		WHERE type = $1 AND aliases && $2::text[]`
	return r.queryEntities(ctx, "entities.FindByAliases", query, string(entityType), aliases)
}

func (r *entityRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT` + entityColumns + `
		FROM entities
		WHERE id = ANY($1)`
	return r.queryEntities(ctx, "entities.GetByIDs", query, ids)
}

func (r *entityRepository) queryEntities(ctx context.Context, op, query string, args ...any) ([]*models.Entity, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.FromStore(op, err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.FromStore(op, err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromStore(op, err)
	}
	return entities, nil
}

// ============================================================================
// Creation
// ============================================================================

func (r *entityRepository) Create(ctx context.Context, entity *models.Entity) (bool, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return false, err
	}

	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.Aliases == nil {
		entity.Aliases = []string{}
	}
	if entity.Metadata == nil {
		entity.Metadata = map[string]any{}
	}
	if entity.IsRestaurant() && entity.GeneralPraiseUpvotes == nil {
		zero := int64(0)
		entity.GeneralPraiseUpvotes = &zero
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO entities (id, name, type, aliases, general_praise_upvotes, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (name, type) DO UPDATE
		SET aliases = ARRAY(
		        SELECT DISTINCT a FROM unnest(entities.aliases || EXCLUDED.aliases) AS a ORDER BY a
		    ),
		    updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0) AS inserted, created_at, updated_at`

	var inserted bool
	err = conn.QueryRow(ctx, query,
		entity.ID, entity.Name, string(entity.Type), entity.Aliases,
		entity.GeneralPraiseUpvotes, entity.Metadata, now,
	).Scan(&entity.ID, &inserted, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return false, apperrors.FromStore("entities.Create", err)
	}
	return inserted, nil
}

// ============================================================================
// Mutations
// ============================================================================

func (r *entityRepository) MergeAliases(ctx context.Context, id uuid.UUID, aliases []string) error {
	if len(aliases) == 0 {
		return nil
	}
	query := `
		UPDATE entities
		SET aliases = ARRAY(SELECT DISTINCT a FROM unnest(aliases || $2::text[]) AS a ORDER BY a),
		    updated_at = now()
		WHERE id = $1 AND NOT (aliases @> $2::text[])`
	_, err := r.exec(ctx, "entities.MergeAliases", query, id, aliases)
	return err
}

func (r *entityRepository) AddRestaurantAttributes(ctx context.Context, restaurantID uuid.UUID, attributeIDs []uuid.UUID) error {
	if len(attributeIDs) == 0 {
		return nil
	}
	query := `
		UPDATE entities
		SET restaurant_attribute_ids = ARRAY(
		        SELECT DISTINCT a FROM unnest(restaurant_attribute_ids || $2::uuid[]) AS a
		    ),
		    updated_at = now()
		WHERE id = $1 AND type = 'restaurant' AND NOT (restaurant_attribute_ids @> $2::uuid[])`
	_, err := r.exec(ctx, "entities.AddRestaurantAttributes", query, restaurantID, attributeIDs)
	return err
}

func (r *entityRepository) AddGeneralPraise(ctx context.Context, restaurantID uuid.UUID, upvotes int64) error {
	query := `
		UPDATE entities
		SET general_praise_upvotes = COALESCE(general_praise_upvotes, 0) + $2,
		    updated_at = now()
		WHERE id = $1 AND type = 'restaurant'`
	n, err := r.exec(ctx, "entities.AddGeneralPraise", query, restaurantID, upvotes)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.New(apperrors.KindNotFound, "entities.AddGeneralPraise", "restaurant "+restaurantID.String()+" not found")
	}
	return nil
}

func (r *entityRepository) UpdateRestaurantQualityScore(ctx context.Context, restaurantID uuid.UUID, score float64) error {
	query := `
		UPDATE entities
		SET restaurant_quality_score = $2, restaurant_scored_at = now(), updated_at = now()
		WHERE id = $1 AND type = 'restaurant'`
	n, err := r.exec(ctx, "entities.UpdateRestaurantQualityScore", query, restaurantID, score)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.New(apperrors.KindNotFound, "entities.UpdateRestaurantQualityScore", "restaurant "+restaurantID.String()+" not found")
	}
	return nil
}

func (r *entityRepository) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, apperrors.FromStore(op, err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	var entityType string

	err := row.Scan(
		&e.ID, &e.Name, &entityType, &e.Aliases, &e.RestaurantAttributeIDs, &e.RestaurantQualityScore,
		&e.RestaurantScoredAt, &e.GeneralPraiseUpvotes, &e.Metadata, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = models.EntityType(entityType)
	return &e, nil
}
