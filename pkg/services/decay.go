package services

import (
	"math"
	"time"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// ApplyDecayedBoost folds one event of weight (mentions, upvotes) at time at
// into the running sums. Events at or after prev.UpdatedAt decay the previous
// sums first; an older event is added at its already-decayed weight and the
// timestamp stays put, so the result does not depend on arrival order.
func ApplyDecayedBoost(prev models.DecayedScores, at time.Time, mentions, upvotes float64, p models.DecayParams) models.DecayedScores {
	if prev.UpdatedAt.IsZero() {
		return models.DecayedScores{Mention: mentions, Upvote: upvotes, UpdatedAt: at}
	}
	if !at.Before(prev.UpdatedAt) {
		dt := at.Sub(prev.UpdatedAt)
		return models.DecayedScores{
			Mention:   prev.Mention*decayFactor(dt, p.MentionPeriod) + mentions,
			Upvote:    prev.Upvote*decayFactor(dt, p.UpvotePeriod) + upvotes,
			UpdatedAt: at,
		}
	}
	dt := prev.UpdatedAt.Sub(at)
	return models.DecayedScores{
		Mention:   prev.Mention + mentions*decayFactor(dt, p.MentionPeriod),
		Upvote:    prev.Upvote + upvotes*decayFactor(dt, p.UpvotePeriod),
		UpdatedAt: prev.UpdatedAt,
	}
}

// AgeDecayedScores returns the sums as they stand at now with no new events.
// now before UpdatedAt leaves the sums unchanged.
func AgeDecayedScores(s models.DecayedScores, now time.Time, p models.DecayParams) models.DecayedScores {
	if s.UpdatedAt.IsZero() || !now.After(s.UpdatedAt) {
		return s
	}
	dt := now.Sub(s.UpdatedAt)
	return models.DecayedScores{
		Mention:   s.Mention * decayFactor(dt, p.MentionPeriod),
		Upvote:    s.Upvote * decayFactor(dt, p.UpvotePeriod),
		UpdatedAt: now,
	}
}

// decayFactor is exp(-dt/period). A non-positive period disables decay.
func decayFactor(dt, period time.Duration) float64 {
	if period <= 0 || dt <= 0 {
		return 1
	}
	return math.Exp(-dt.Seconds() / period.Seconds())
}
