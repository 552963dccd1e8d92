package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityLevel buckets how recently and how often a connection is being discussed.
type ActivityLevel string

const (
	ActivityNormal   ActivityLevel = "normal"
	ActivityActive   ActivityLevel = "active"
	ActivityTrending ActivityLevel = "trending"
)

// Connection is the restaurant -> food edge carrying aggregate popularity signals.
// At most one connection per (restaurant, food) has no food attributes; attributed
// connections for the same pair are distinguished by their attribute sets.
// Stored in the connections table.
type Connection struct {
	ID           uuid.UUID `json:"id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	FoodID       uuid.UUID `json:"food_id"`

	Categories     []uuid.UUID `json:"categories"`
	FoodAttributes []uuid.UUID `json:"food_attributes"`

	MentionCount       int64         `json:"mention_count"`
	TotalUpvotes       int64         `json:"total_upvotes"`
	RecentMentionCount int64         `json:"recent_mention_count"`
	LastMentionedAt    *time.Time    `json:"last_mentioned_at,omitempty"`
	ActivityLevel      ActivityLevel `json:"activity_level"`
	FoodQualityScore   float64       `json:"food_quality_score"`

	DecayedMentionScore    float64   `json:"decayed_mention_score"`
	DecayedUpvoteScore     float64   `json:"decayed_upvote_score"`
	DecayedScoresUpdatedAt time.Time `json:"decayed_scores_updated_at"`

	// BoostLastAppliedAt is the replay watermark; nil until the first replay touches the row.
	BoostLastAppliedAt *time.Time `json:"boost_last_applied_at,omitempty"`
	// BoostLastAppliedEventID breaks ties between events sharing the watermark timestamp.
	BoostLastAppliedEventID int64 `json:"boost_last_applied_event_id"`

	// Version increments on every write and guards replay's compare-and-set.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scores returns the connection's decayed running sums.
func (c *Connection) Scores() DecayedScores {
	return DecayedScores{
		Mention:   c.DecayedMentionScore,
		Upvote:    c.DecayedUpvoteScore,
		UpdatedAt: c.DecayedScoresUpdatedAt,
	}
}

// Boost is one mention's contribution to a connection or category aggregate.
type Boost struct {
	At       time.Time
	Mentions int64
	Upvotes  int64
	// Recent marks a mention inside the recent window; it bumps recent_mention_count.
	Recent bool

	AttributeIDs []uuid.UUID // merged into food_attributes
	CategoryIDs  []uuid.UUID // merged into categories

	Decay DecayParams
}

// ReplayUpdate is the result of replaying boost events onto one connection,
// persisted with a compare-and-set against the state it was computed from.
type ReplayUpdate struct {
	ConnectionID uuid.UUID

	ExpectedWatermark *time.Time
	ExpectedVersion   int64

	MentionDelta int64
	UpvoteDelta  int64
	RecentDelta  int64
	Scores       DecayedScores

	LastMentionedAt *time.Time
	AddAttributeIDs []uuid.UUID
	Watermark       time.Time
	// WatermarkEventID is the id of the newest considered event.
	WatermarkEventID int64
}
