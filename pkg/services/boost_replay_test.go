package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/locks"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

const testRecentWindow = 30 * 24 * time.Hour

func timePtr(t time.Time) *time.Time { return &t }

func TestComputeReplay_NothingNewerThanWatermark(t *testing.T) {
	category := uuid.New()
	conn := &models.Connection{
		ID: uuid.New(), Categories: []uuid.UUID{category},
		BoostLastAppliedAt: timePtr(testT0), BoostLastAppliedEventID: 1,
	}
	events := []*models.BoostEvent{{ID: 1, CategoryID: category, MentionCreatedAt: testT0}}

	update, applied := ComputeReplay(conn, events, testDecay, testRecentWindow, testNow)
	assert.Nil(t, update)
	assert.Zero(t, applied)
}

func TestComputeReplay_AppliesOnlyNewerEvents(t *testing.T) {
	category := uuid.New()
	t1 := testT0.Add(time.Hour)
	conn := &models.Connection{
		ID: uuid.New(), Categories: []uuid.UUID{category},
		BoostLastAppliedAt: timePtr(testT0), BoostLastAppliedEventID: 1, Version: 4,
	}
	events := []*models.BoostEvent{
		{ID: 1, CategoryID: category, MentionCreatedAt: testT0, Upvotes: 100},
		{ID: 2, CategoryID: category, MentionCreatedAt: t1, Upvotes: 7},
	}

	update, applied := ComputeReplay(conn, events, testDecay, testRecentWindow, testNow)
	require.NotNil(t, update)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1), update.MentionDelta)
	assert.Equal(t, int64(7), update.UpvoteDelta)
	assert.Equal(t, int64(1), update.RecentDelta)
	assert.True(t, update.Watermark.Equal(t1))
	assert.Equal(t, int64(2), update.WatermarkEventID)
	assert.True(t, update.ExpectedWatermark.Equal(testT0))
	assert.Equal(t, int64(4), update.ExpectedVersion)
	require.NotNil(t, update.LastMentionedAt)
	assert.True(t, update.LastMentionedAt.Equal(t1))
}

func TestComputeReplay_SameTimestampBreaksTiesOnEventID(t *testing.T) {
	category := uuid.New()
	conn := &models.Connection{
		ID: uuid.New(), Categories: []uuid.UUID{category},
		BoostLastAppliedAt: timePtr(testT0), BoostLastAppliedEventID: 5,
	}
	events := []*models.BoostEvent{
		{ID: 4, CategoryID: category, MentionCreatedAt: testT0, Upvotes: 100},
		{ID: 5, CategoryID: category, MentionCreatedAt: testT0, Upvotes: 100},
		{ID: 9, CategoryID: category, MentionCreatedAt: testT0, Upvotes: 3},
	}

	update, applied := ComputeReplay(conn, events, testDecay, testRecentWindow, testNow)
	require.NotNil(t, update)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(3), update.UpvoteDelta)
	assert.True(t, update.Watermark.Equal(testT0))
	assert.Equal(t, int64(9), update.WatermarkEventID)
}

func TestComputeReplay_NonQualifyingEventsStillAdvanceWatermark(t *testing.T) {
	conn := &models.Connection{ID: uuid.New(), Categories: []uuid.UUID{uuid.New()}}
	events := []*models.BoostEvent{{ID: 1, CategoryID: uuid.New(), MentionCreatedAt: testT0, Upvotes: 3}}

	update, applied := ComputeReplay(conn, events, testDecay, testRecentWindow, testNow)
	require.NotNil(t, update)
	assert.Zero(t, applied)
	assert.Zero(t, update.MentionDelta)
	assert.Nil(t, update.ExpectedWatermark)
	assert.True(t, update.Watermark.Equal(testT0))
	assert.Nil(t, update.LastMentionedAt)
}

func TestComputeReplay_AttributeOverlap(t *testing.T) {
	category := uuid.New()
	smoky, tender, spicy := uuid.New(), uuid.New(), uuid.New()
	conn := &models.Connection{ID: uuid.New(), Categories: []uuid.UUID{category}, FoodAttributes: []uuid.UUID{smoky}}
	events := []*models.BoostEvent{
		{ID: 1, CategoryID: category, FoodAttributeIDs: []uuid.UUID{spicy}, MentionCreatedAt: testT0},
		{ID: 2, CategoryID: category, FoodAttributeIDs: []uuid.UUID{smoky, tender}, MentionCreatedAt: testT0.Add(time.Minute)},
		{ID: 3, CategoryID: category, FoodAttributeIDs: []uuid.UUID{tender}, MentionCreatedAt: testT0.Add(2 * time.Minute)},
	}

	update, applied := ComputeReplay(conn, events, testDecay, testRecentWindow, testNow)
	require.NotNil(t, update)
	// Event 3 qualifies through the attribute event 2 added.
	assert.Equal(t, 2, applied)
	assert.Equal(t, []uuid.UUID{tender}, update.AddAttributeIDs)
}

func TestComputeReplay_OldEventsAreNotRecent(t *testing.T) {
	category := uuid.New()
	conn := &models.Connection{ID: uuid.New(), Categories: []uuid.UUID{category}}
	old := testNow.Add(-60 * 24 * time.Hour)
	events := []*models.BoostEvent{{ID: 1, CategoryID: category, MentionCreatedAt: old}}

	update, applied := ComputeReplay(conn, events, testDecay, testRecentWindow, testNow)
	require.NotNil(t, update)
	assert.Equal(t, 1, applied)
	assert.Zero(t, update.RecentDelta)
}

func TestMinWatermark(t *testing.T) {
	t1 := testT0.Add(time.Hour)
	assert.Nil(t, minWatermark(nil))
	assert.Nil(t, minWatermark([]*models.Connection{{BoostLastAppliedAt: timePtr(t1)}, {}}))
	got := minWatermark([]*models.Connection{{BoostLastAppliedAt: timePtr(t1)}, {BoostLastAppliedAt: timePtr(testT0)}})
	require.NotNil(t, got)
	assert.True(t, got.Equal(testT0))
}

// ============================================================================
// Replayer
// ============================================================================

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(ctx context.Context) error) error {
	return locks.ErrBusy
}

func newTestReplayer(store *memStore, locker locks.Locker) BoostReplayer {
	_, connectionRepo, _, boostEventRepo, _ := store.repos()
	if locker == nil {
		locker = locks.NewLocalLocker(time.Second)
	}
	return NewBoostReplayer(&BoostReplayerDeps{
		ConnectionRepo: connectionRepo,
		BoostEventRepo: boostEventRepo,
		Locker:         locker,
		Config:         BoostReplayConfig{Decay: testDecay, RecentWindow: testRecentWindow, Concurrency: 2},
		Now:            func() time.Time { return testNow },
		Logger:         zap.NewNop(),
	})
}

// seedReplayFixture stores one restaurant with a BBQ connection and a tacos
// connection plus two BBQ category events.
func seedReplayFixture(t *testing.T, store *memStore) (restaurantID, bbqConn, tacoConn uuid.UUID) {
	t.Helper()
	restaurantID = uuid.New()
	bbq, tacos := uuid.New(), uuid.New()
	bbqConn = store.putConnection(&models.Connection{
		RestaurantID: restaurantID, FoodID: uuid.New(), Categories: []uuid.UUID{bbq},
		MentionCount: 1, TotalUpvotes: 10,
		DecayedMentionScore: 1, DecayedUpvoteScore: 10, DecayedScoresUpdatedAt: testT0,
	}).ID
	tacoConn = store.putConnection(&models.Connection{
		RestaurantID: restaurantID, FoodID: uuid.New(), Categories: []uuid.UUID{tacos},
		MentionCount: 1, DecayedMentionScore: 1, DecayedScoresUpdatedAt: testT0,
	}).ID

	_, _, _, boostEventRepo, _ := store.repos()
	require.NoError(t, boostEventRepo.Append(context.Background(), []*models.BoostEvent{
		{RestaurantID: restaurantID, CategoryID: bbq, MentionCreatedAt: testT0.Add(time.Hour), Upvotes: 4},
		{RestaurantID: restaurantID, CategoryID: bbq, MentionCreatedAt: testT0.Add(2 * time.Hour), Upvotes: 6},
	}))
	return restaurantID, bbqConn, tacoConn
}

func TestReplayRestaurants_AppliesQualifyingEventsOnce(t *testing.T) {
	store := newMemStore()
	restaurantID, bbqConn, tacoConn := seedReplayFixture(t, store)
	replayer := newTestReplayer(store, nil)

	result := replayer.ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})

	assert.Equal(t, 1, result.RestaurantsProcessed)
	assert.Equal(t, 1, result.ConnectionsUpdated)
	assert.Equal(t, 2, result.EventsApplied)
	assert.Equal(t, []uuid.UUID{bbqConn}, result.UpdatedConnectionIDs)
	assert.Empty(t, result.Errors)

	conns := store.connectionsOf(restaurantID)
	require.Len(t, conns, 2)
	for _, c := range conns {
		require.NotNil(t, c.BoostLastAppliedAt, "every considered connection gets a watermark")
		assert.True(t, c.BoostLastAppliedAt.Equal(testT0.Add(2*time.Hour)))
		switch c.ID {
		case bbqConn:
			assert.Equal(t, int64(3), c.MentionCount)
			assert.Equal(t, int64(20), c.TotalUpvotes)
		case tacoConn:
			assert.Equal(t, int64(1), c.MentionCount)
		}
	}

	again := replayer.ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})
	assert.Zero(t, again.EventsApplied)
	assert.Zero(t, again.ConnectionsUpdated)
	assert.Equal(t, int64(3), store.connectionsOf(restaurantID)[0].MentionCount)
}

func TestReplayRestaurants_LateEventAtWatermarkSecondIsApplied(t *testing.T) {
	store := newMemStore()
	restaurantID, bbqConn, _ := seedReplayFixture(t, store)
	replayer := newTestReplayer(store, nil)
	replayer.ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})

	var bbq uuid.UUID
	for _, c := range store.connectionsOf(restaurantID) {
		if c.ID == bbqConn {
			bbq = c.Categories[0]
		}
	}
	// A later batch carries a mention posted in the same second as the last replayed one.
	_, _, _, boostEventRepo, _ := store.repos()
	require.NoError(t, boostEventRepo.Append(context.Background(), []*models.BoostEvent{
		{RestaurantID: restaurantID, CategoryID: bbq, MentionCreatedAt: testT0.Add(2 * time.Hour), Upvotes: 5},
	}))

	result := replayer.ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})
	assert.Equal(t, 1, result.EventsApplied)

	again := replayer.ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})
	assert.Zero(t, again.EventsApplied)

	for _, c := range store.connectionsOf(restaurantID) {
		if c.ID == bbqConn {
			assert.Equal(t, int64(4), c.MentionCount)
			assert.Equal(t, int64(25), c.TotalUpvotes)
			assert.Equal(t, int64(3), c.BoostLastAppliedEventID)
		}
	}
}

func TestReplayRestaurants_RetriesAfterConflict(t *testing.T) {
	store := newMemStore()
	restaurantID, bbqConn, _ := seedReplayFixture(t, store)
	store.failNext("connections.ApplyReplay", apperrors.New(apperrors.KindConflict, "test", "version moved"))

	result := newTestReplayer(store, nil).ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})

	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, store.callCount("connections.GetByIDs"))
	for _, c := range store.connectionsOf(restaurantID) {
		if c.ID == bbqConn {
			assert.Equal(t, int64(3), c.MentionCount)
		}
	}
}

func TestReplayRestaurants_ReportsPersistentConflict(t *testing.T) {
	store := newMemStore()
	restaurantID, bbqConn, _ := seedReplayFixture(t, store)
	conflict := apperrors.New(apperrors.KindConflict, "test", "version moved")
	store.failNext("connections.ApplyReplay", conflict, conflict)

	result := newTestReplayer(store, nil).ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})

	require.Len(t, result.Errors, 1)
	require.NotNil(t, result.Errors[0].ConnectionID)
	assert.Equal(t, bbqConn, *result.Errors[0].ConnectionID)
	assert.Equal(t, restaurantID, *result.Errors[0].RestaurantID)
	// The other connection is unaffected.
	assert.Zero(t, result.EventsApplied)
}

func TestReplayRestaurants_LockBusyIsReportedPerRestaurant(t *testing.T) {
	store := newMemStore()
	restaurantID, _, _ := seedReplayFixture(t, store)

	result := newTestReplayer(store, busyLocker{}).ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID, uuid.New()})

	assert.Equal(t, 2, result.RestaurantsProcessed)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Error, "busy")
	assert.Equal(t, int64(1), store.connectionsOf(restaurantID)[0].MentionCount)
}

func TestReplayRestaurants_LoadFailureIsolated(t *testing.T) {
	store := newMemStore()
	restaurantID, _, _ := seedReplayFixture(t, store)
	store.failNext("boostEvents.ListForRestaurantSince", apperrors.New(apperrors.KindTransient, "test", "conn reset"))

	result := newTestReplayer(store, locks.NewLocalLocker(0)).ReplayRestaurants(context.Background(), []uuid.UUID{restaurantID})

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error, "failed to load boost events")
	assert.Nil(t, result.Errors[0].ConnectionID)
}

func TestReplayRestaurants_Empty(t *testing.T) {
	result := newTestReplayer(newMemStore(), nil).ReplayRestaurants(context.Background(), nil)
	assert.Equal(t, &models.ReplayResult{}, result)
}

func TestReplayLockKey(t *testing.T) {
	id := uuid.MustParse("6f1c1f0e-1f7a-4c55-9a51-0c1f2b1e8d11")
	assert.Equal(t, "replay:6f1c1f0e-1f7a-4c55-9a51-0c1f2b1e8d11", ReplayLockKey(id))
}
