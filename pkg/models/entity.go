package models

import (
	"time"

	"github.com/google/uuid"
)

// EntityType is the kind of canonical node in the food graph.
type EntityType string

const (
	EntityTypeRestaurant          EntityType = "restaurant"
	EntityTypeFood                EntityType = "food" // dishes and food categories
	EntityTypeFoodAttribute       EntityType = "food_attribute"
	EntityTypeRestaurantAttribute EntityType = "restaurant_attribute"
)

// Valid reports whether t is one of the four supported entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeRestaurant, EntityTypeFood, EntityTypeFoodAttribute, EntityTypeRestaurantAttribute:
		return true
	}
	return false
}

// Entity is a canonical graph node. (Name, Type) is unique; entities are never deleted.
// Stored in the entities table.
type Entity struct {
	ID      uuid.UUID  `json:"id"`
	Name    string     `json:"name"` // normalized, lowercase
	Type    EntityType `json:"type"`
	Aliases []string   `json:"aliases"`

	// Restaurant-only fields.
	RestaurantAttributeIDs []uuid.UUID `json:"restaurant_attribute_ids,omitempty"`
	RestaurantQualityScore float64     `json:"restaurant_quality_score"`
	RestaurantScoredAt     *time.Time  `json:"restaurant_scored_at,omitempty"`   // nil until the first score is persisted
	GeneralPraiseUpvotes   *int64      `json:"general_praise_upvotes,omitempty"` // non-nil only for restaurants

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRestaurant reports whether the entity is a restaurant node.
func (e *Entity) IsRestaurant() bool {
	return e.Type == EntityTypeRestaurant
}

// CreatedEntity summarizes an entity created by a batch, for enrichment collaborators.
type CreatedEntity struct {
	ID      uuid.UUID  `json:"id"`
	Name    string     `json:"name"`
	Type    EntityType `json:"type"`
	TempIDs []string   `json:"temp_ids"`
}
