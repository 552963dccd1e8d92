package services

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

var testDecay = models.DecayParams{MentionPeriod: 90 * 24 * time.Hour, UpvotePeriod: 60 * 24 * time.Hour}

func TestApplyDecayedBoost_FirstEvent(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got := ApplyDecayedBoost(models.DecayedScores{}, t0, 1, 150, testDecay)

	assert.Equal(t, 1.0, got.Mention)
	assert.Equal(t, 150.0, got.Upvote)
	assert.Equal(t, t0, got.UpdatedAt)
}

func TestApplyDecayedBoost_Recurrence(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)
	prev := models.DecayedScores{Mention: 1, Upvote: 150, UpdatedAt: t0}

	got := ApplyDecayedBoost(prev, t1, 1, 50, testDecay)

	day := (24 * time.Hour).Seconds()
	assert.InDelta(t, math.Exp(-day/testDecay.MentionPeriod.Seconds())+1, got.Mention, 1e-9)
	assert.InDelta(t, 150*math.Exp(-day/testDecay.UpvotePeriod.Seconds())+50, got.Upvote, 1e-9)
	assert.Equal(t, t1, got.UpdatedAt)
}

func TestApplyDecayedBoost_OrderIndependent(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(36 * time.Hour)
	t2 := t0.Add(80 * time.Hour)
	now := t0.Add(200 * time.Hour)

	inOrder := ApplyDecayedBoost(models.DecayedScores{}, t0, 1, 10, testDecay)
	inOrder = ApplyDecayedBoost(inOrder, t1, 1, 20, testDecay)
	inOrder = ApplyDecayedBoost(inOrder, t2, 1, 30, testDecay)

	shuffled := ApplyDecayedBoost(models.DecayedScores{}, t2, 1, 30, testDecay)
	shuffled = ApplyDecayedBoost(shuffled, t0, 1, 10, testDecay)
	shuffled = ApplyDecayedBoost(shuffled, t1, 1, 20, testDecay)

	a := AgeDecayedScores(inOrder, now, testDecay)
	b := AgeDecayedScores(shuffled, now, testDecay)
	assert.InDelta(t, a.Mention, b.Mention, 1e-9)
	assert.InDelta(t, a.Upvote, b.Upvote, 1e-9)
	assert.Equal(t, t2, shuffled.UpdatedAt)
}

func TestAgeDecayedScores_Monotone(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s := models.DecayedScores{Mention: 3, Upvote: 400, UpdatedAt: t0}

	same := AgeDecayedScores(s, t0, testDecay)
	assert.Equal(t, s.Mention, same.Mention)
	assert.Equal(t, s.Upvote, same.Upvote)

	prev := s
	for _, h := range []int{1, 24, 24 * 7, 24 * 30, 24 * 365} {
		aged := AgeDecayedScores(s, t0.Add(time.Duration(h)*time.Hour), testDecay)
		assert.Less(t, aged.Mention, prev.Mention, "mention score after %dh", h)
		assert.Less(t, aged.Upvote, prev.Upvote, "upvote score after %dh", h)
		prev = aged
	}
}

func TestAgeDecayedScores_PastNowIsNoop(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s := models.DecayedScores{Mention: 3, Upvote: 4, UpdatedAt: t0}
	assert.Equal(t, s, AgeDecayedScores(s, t0.Add(-time.Hour), testDecay))
}

func TestDecayFactor_DisabledPeriod(t *testing.T) {
	assert.Equal(t, 1.0, decayFactor(time.Hour, 0))
	assert.Equal(t, 1.0, decayFactor(0, time.Hour))
}
