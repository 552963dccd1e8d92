package models

import (
	"time"

	"github.com/google/uuid"
)

// CategoryAggregate is the category-level popularity signal for a restaurant,
// kept even when no connection carries the category yet.
// Stored in the category_aggregates table keyed by (restaurant_id, category_id).
type CategoryAggregate struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
	CategoryID   uuid.UUID `json:"category_id"`

	MentionsCount    int64     `json:"mentions_count"`
	TotalUpvotes     int64     `json:"total_upvotes"`
	FirstMentionedAt time.Time `json:"first_mentioned_at"`
	LastMentionedAt  time.Time `json:"last_mentioned_at"`

	DecayedMentionScore    float64   `json:"decayed_mention_score"`
	DecayedUpvoteScore     float64   `json:"decayed_upvote_score"`
	DecayedScoresUpdatedAt time.Time `json:"decayed_scores_updated_at"`
}

// Scores returns the aggregate's decayed running sums.
func (a *CategoryAggregate) Scores() DecayedScores {
	return DecayedScores{
		Mention:   a.DecayedMentionScore,
		Upvote:    a.DecayedUpvoteScore,
		UpdatedAt: a.DecayedScoresUpdatedAt,
	}
}
