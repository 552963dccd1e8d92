package models

import "time"

// DecayParams are the e-folding periods of the mention and upvote running sums.
type DecayParams struct {
	MentionPeriod time.Duration
	UpvotePeriod  time.Duration
}

// DecayedScores is an exponentially-weighted running sum as of UpdatedAt.
type DecayedScores struct {
	Mention   float64
	Upvote    float64
	UpdatedAt time.Time
}
