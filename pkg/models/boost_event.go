package models

import (
	"time"

	"github.com/google/uuid"
)

// BoostEvent records that a restaurant received a category mention at a point in
// time. Append-only; the log is the source of truth for replay.
type BoostEvent struct {
	ID               int64       `json:"id"` // bigserial, tie-breaker within one timestamp
	RestaurantID     uuid.UUID   `json:"restaurant_id"`
	CategoryID       uuid.UUID   `json:"category_id"`
	FoodAttributeIDs []uuid.UUID `json:"food_attribute_ids"`
	MentionCreatedAt time.Time   `json:"mention_created_at"`
	Upvotes          int64       `json:"upvotes"`
	CreatedAt        time.Time   `json:"created_at"`
}

// SourceLedgerRecord marks a (pipeline, source id) pair as ingested.
type SourceLedgerRecord struct {
	Pipeline    string    `json:"pipeline"`
	SourceID    string    `json:"source_id"`
	Subreddit   string    `json:"subreddit,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
