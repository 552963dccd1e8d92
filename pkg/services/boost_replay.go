package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/locks"
	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
	"github.com/ekaya-inc/foodgraph/pkg/telemetry"
)

// BoostReplayConfig tunes boost replay.
type BoostReplayConfig struct {
	Decay        models.DecayParams
	RecentWindow time.Duration
	// Concurrency bounds how many restaurants replay at once.
	Concurrency int
}

// BoostReplayer applies logged category boost events to the connections they
// qualify for. Every connection keeps a watermark of the newest event it has
// considered, so replay can be re-run at any time without double counting.
type BoostReplayer interface {
	// ReplayRestaurants replays each restaurant under its own lock. Failures are
	// collected per restaurant or connection and never abort the run.
	ReplayRestaurants(ctx context.Context, restaurantIDs []uuid.UUID) *models.ReplayResult
}

type boostReplayer struct {
	connectionRepo repositories.ConnectionRepository
	boostEventRepo repositories.BoostEventRepository
	locker         locks.Locker
	config         BoostReplayConfig
	now            func() time.Time
	logger         *zap.Logger
}

// BoostReplayerDeps contains dependencies for BoostReplayer.
type BoostReplayerDeps struct {
	ConnectionRepo repositories.ConnectionRepository
	BoostEventRepo repositories.BoostEventRepository
	Locker         locks.Locker
	Config         BoostReplayConfig
	Now            func() time.Time // defaults to time.Now
	Logger         *zap.Logger
}

// NewBoostReplayer creates a new BoostReplayer.
func NewBoostReplayer(deps *BoostReplayerDeps) BoostReplayer {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	return &boostReplayer{
		connectionRepo: deps.ConnectionRepo,
		boostEventRepo: deps.BoostEventRepo,
		locker:         deps.Locker,
		config:         cfg,
		now:            now,
		logger:         deps.Logger.Named("boost-replay"),
	}
}

var _ BoostReplayer = (*boostReplayer)(nil)

// ReplayLockKey is the lock key serializing replay for one restaurant.
func ReplayLockKey(restaurantID uuid.UUID) string {
	return "replay:" + restaurantID.String()
}

// restaurantReplay is the outcome for one restaurant.
type restaurantReplay struct {
	connectionsUpdated []uuid.UUID
	eventsApplied      int
	errors             []models.ItemError
}

func (r *boostReplayer) ReplayRestaurants(ctx context.Context, restaurantIDs []uuid.UUID) *models.ReplayResult {
	result := &models.ReplayResult{}
	if len(restaurantIDs) == 0 {
		return result
	}

	ctx, span := telemetry.Tracer().Start(ctx, "boost_replay.replay_restaurants",
		trace.WithAttributes(attribute.Int("replay.restaurants", len(restaurantIDs))))
	defer span.End()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	for _, id := range restaurantIDs {
		g.Go(func() error {
			out := &restaurantReplay{}
			err := r.locker.WithLock(gctx, ReplayLockKey(id), func(lockCtx context.Context) error {
				var err error
				out, err = r.replayRestaurant(lockCtx, id)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			result.RestaurantsProcessed++
			result.ConnectionsUpdated += len(out.connectionsUpdated)
			result.EventsApplied += out.eventsApplied
			result.UpdatedConnectionIDs = append(result.UpdatedConnectionIDs, out.connectionsUpdated...)
			result.Errors = append(result.Errors, out.errors...)
			if err != nil {
				restaurantID := id
				result.Errors = append(result.Errors, models.ItemError{RestaurantID: &restaurantID, Error: err.Error()})
				r.logger.Error("Boost replay failed for restaurant",
					zap.String("restaurant_id", id.String()),
					zap.Bool("lock_busy", errors.Is(err, locks.ErrBusy)),
					zap.Error(err))
			}
			// Per-restaurant failures are reported, not propagated to siblings.
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("replay.connections_updated", result.ConnectionsUpdated),
		attribute.Int("replay.events_applied", result.EventsApplied),
		attribute.Int("replay.errors", len(result.Errors)),
	)
	if result.ConnectionsUpdated > 0 || len(result.Errors) > 0 {
		r.logger.Info("Boost replay complete",
			zap.Int("restaurants", result.RestaurantsProcessed),
			zap.Int("connections_updated", result.ConnectionsUpdated),
			zap.Int("events_applied", result.EventsApplied),
			zap.Int("errors", len(result.Errors)))
	}
	return result
}

// replayRestaurant must run under the restaurant's replay lock. A returned error
// means the restaurant could not be loaded; per-connection failures are in the
// outcome.
func (r *boostReplayer) replayRestaurant(ctx context.Context, restaurantID uuid.UUID) (*restaurantReplay, error) {
	out := &restaurantReplay{}

	conns, err := r.connectionRepo.ListByRestaurant(ctx, restaurantID)
	if err != nil {
		return out, fmt.Errorf("failed to load connections: %w", err)
	}
	if len(conns) == 0 {
		return out, nil
	}

	events, err := r.boostEventRepo.ListForRestaurantSince(ctx, restaurantID, minWatermark(conns))
	if err != nil {
		return out, fmt.Errorf("failed to load boost events: %w", err)
	}
	if len(events) == 0 {
		return out, nil
	}

	now := r.now()
	for _, conn := range conns {
		applied, err := r.replayConnection(ctx, conn, events, now)
		if err != nil {
			connID := conn.ID
			out.errors = append(out.errors, models.ItemError{ConnectionID: &connID, RestaurantID: &restaurantID, Error: err.Error()})
			r.logger.Warn("Boost replay failed for connection",
				zap.String("connection_id", conn.ID.String()),
				zap.String("restaurant_id", restaurantID.String()),
				zap.Error(err))
			continue
		}
		if applied > 0 {
			out.eventsApplied += applied
			out.connectionsUpdated = append(out.connectionsUpdated, conn.ID)
		}
	}
	return out, nil
}

// replayConnection persists the replay of events onto conn, reloading and
// retrying once when the connection changed underneath. Returns the number of
// events applied.
func (r *boostReplayer) replayConnection(ctx context.Context, conn *models.Connection, events []*models.BoostEvent, now time.Time) (int, error) {
	for attempt := 0; ; attempt++ {
		update, applied := ComputeReplay(conn, events, r.config.Decay, r.config.RecentWindow, now)
		if update == nil {
			return 0, nil
		}
		err := r.connectionRepo.ApplyReplay(ctx, *update)
		if err == nil {
			return applied, nil
		}
		if apperrors.KindOf(err) != apperrors.KindConflict || attempt > 0 {
			return 0, err
		}

		reloaded, err := r.connectionRepo.GetByIDs(ctx, []uuid.UUID{conn.ID})
		if err != nil {
			return 0, fmt.Errorf("failed to reload connection: %w", err)
		}
		if len(reloaded) == 0 {
			return 0, apperrors.New(apperrors.KindNotFound, "boostReplay.reload", "connection "+conn.ID.String()+" disappeared")
		}
		conn = reloaded[0]
	}
}

// ComputeReplay folds the events past conn's watermark into its state. The
// watermark is the (mention_created_at, id) of the last considered event, so an
// event sharing that timestamp is still considered when its id is larger.
// Events qualify when their category is one of the connection's categories and
// they either carry no attributes or share one with the connection. The
// watermark advances to the newest considered event whether or not it
// qualified. Returns nil when no event is past the watermark.
func ComputeReplay(conn *models.Connection, events []*models.BoostEvent, decay models.DecayParams, recentWindow time.Duration, now time.Time) (*models.ReplayUpdate, int) {
	categories := toSet(conn.Categories)
	attributes := toSet(conn.FoodAttributes)

	update := &models.ReplayUpdate{
		ConnectionID:      conn.ID,
		ExpectedWatermark: conn.BoostLastAppliedAt,
		ExpectedVersion:   conn.Version,
		Scores:            conn.Scores(),
	}
	considered, applied := 0, 0
	for _, e := range events {
		if conn.BoostLastAppliedAt != nil && !eventAfter(e, *conn.BoostLastAppliedAt, conn.BoostLastAppliedEventID) {
			continue
		}
		if considered == 0 || eventAfter(e, update.Watermark, update.WatermarkEventID) {
			update.Watermark = e.MentionCreatedAt
			update.WatermarkEventID = e.ID
		}
		considered++
		if !eventQualifies(e, categories, attributes) {
			continue
		}

		applied++
		update.Scores = ApplyDecayedBoost(update.Scores, e.MentionCreatedAt, 1, float64(e.Upvotes), decay)
		update.MentionDelta++
		update.UpvoteDelta += e.Upvotes
		if now.Sub(e.MentionCreatedAt) <= recentWindow {
			update.RecentDelta++
		}
		if update.LastMentionedAt == nil || e.MentionCreatedAt.After(*update.LastMentionedAt) {
			at := e.MentionCreatedAt
			update.LastMentionedAt = &at
		}
		for _, a := range e.FoodAttributeIDs {
			if _, ok := attributes[a]; !ok {
				attributes[a] = struct{}{}
				update.AddAttributeIDs = append(update.AddAttributeIDs, a)
			}
		}
	}
	if considered == 0 {
		return nil, 0
	}
	return update, applied
}

// eventAfter orders events by (mention_created_at, id).
func eventAfter(e *models.BoostEvent, at time.Time, id int64) bool {
	if e.MentionCreatedAt.Equal(at) {
		return e.ID > id
	}
	return e.MentionCreatedAt.After(at)
}

func eventQualifies(e *models.BoostEvent, categories, attributes map[uuid.UUID]struct{}) bool {
	if _, ok := categories[e.CategoryID]; !ok {
		return false
	}
	if len(e.FoodAttributeIDs) == 0 {
		return true
	}
	for _, a := range e.FoodAttributeIDs {
		if _, ok := attributes[a]; ok {
			return true
		}
	}
	return false
}

// minWatermark returns the oldest watermark across conns, or nil when any
// connection has never been replayed.
func minWatermark(conns []*models.Connection) *time.Time {
	var since *time.Time
	for _, c := range conns {
		if c.BoostLastAppliedAt == nil {
			return nil
		}
		if since == nil || c.BoostLastAppliedAt.Before(*since) {
			since = c.BoostLastAppliedAt
		}
	}
	return since
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	m := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
