package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
	"github.com/ekaya-inc/foodgraph/pkg/telemetry"
	"github.com/ekaya-inc/foodgraph/pkg/workpool"
)

// topFoodCount is how many of a restaurant's best dishes feed its top-food score.
const topFoodCount = 5

// QualityScoreConfig holds the scoring weights and decay parameters.
type QualityScoreConfig struct {
	Decay              models.DecayParams
	NormalizationScale float64

	MentionWeight float64 // connection strength: decayed mentions
	UpvoteWeight  float64 // connection strength: decayed upvotes

	PrimaryWeight   float64 // food score: connection strength
	SecondaryWeight float64 // food score: restaurant score

	TopFoodWeight     float64
	ConsistencyWeight float64
	PraiseWeight      float64

	FallbackRestaurantScore float64
	MinPerformanceWeight    float64

	ActiveWindow      time.Duration
	TrendingThreshold int64

	Concurrency int // restaurants scored in parallel
}

// DefaultQualityScoreConfig returns the documented defaults.
func DefaultQualityScoreConfig() QualityScoreConfig {
	return QualityScoreConfig{
		Decay: models.DecayParams{
			MentionPeriod: 90 * 24 * time.Hour,
			UpvotePeriod:  60 * 24 * time.Hour,
		},
		NormalizationScale:      20,
		MentionWeight:           0.4,
		UpvoteWeight:            0.6,
		PrimaryWeight:           0.85,
		SecondaryWeight:         0.15,
		TopFoodWeight:           0.6,
		ConsistencyWeight:       0.3,
		PraiseWeight:            0.1,
		FallbackRestaurantScore: 50,
		MinPerformanceWeight:    0.1,
		ActiveWindow:            7 * 24 * time.Hour,
		TrendingThreshold:       5,
		Concurrency:             4,
	}
}

// QualityScoreService computes food, restaurant and category/attribute scores
// from persisted aggregates. Every score lies in [0, 100].
type QualityScoreService interface {
	// UpdateQualityScores recomputes and persists the food score of each
	// connection and the score of each restaurant they belong to. Per-item
	// failures are collected; the error is reserved for failing to load the
	// connections at all.
	UpdateQualityScores(ctx context.Context, connectionIDs []uuid.UUID) (*models.QualityUpdateResult, error)

	// CategoryPerformance scores how well the restaurant does on a category.
	CategoryPerformance(ctx context.Context, restaurantID, categoryID uuid.UUID) (float64, error)
	// AttributePerformance scores how well the restaurant does on a food attribute.
	AttributePerformance(ctx context.Context, restaurantID, attributeID uuid.UUID) (float64, error)
}

type qualityScoreService struct {
	entityRepo     repositories.EntityRepository
	connectionRepo repositories.ConnectionRepository
	categoryRepo   repositories.CategoryAggregateRepository
	pool           *workpool.Pool
	config         QualityScoreConfig
	now            func() time.Time
	logger         *zap.Logger
}

// QualityScoreServiceDeps contains dependencies for QualityScoreService.
type QualityScoreServiceDeps struct {
	EntityRepo     repositories.EntityRepository
	ConnectionRepo repositories.ConnectionRepository
	CategoryRepo   repositories.CategoryAggregateRepository
	Config         QualityScoreConfig
	Now            func() time.Time // defaults to time.Now
	Logger         *zap.Logger
}

// NewQualityScoreService creates a new QualityScoreService.
func NewQualityScoreService(deps *QualityScoreServiceDeps) QualityScoreService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger.Named("quality-score")
	return &qualityScoreService{
		entityRepo:     deps.EntityRepo,
		connectionRepo: deps.ConnectionRepo,
		categoryRepo:   deps.CategoryRepo,
		pool:           workpool.New(workpool.Config{MaxConcurrent: deps.Config.Concurrency}, logger),
		config:         deps.Config,
		now:            now,
		logger:         logger,
	}
}

var _ QualityScoreService = (*qualityScoreService)(nil)

// ============================================================================
// Pure scoring
// ============================================================================

// normalize maps an unbounded running sum onto [0, 100].
func (s *qualityScoreService) normalize(x float64) float64 {
	if x <= 0 || math.IsNaN(x) {
		return 0
	}
	return clampScore(math.Log1p(x) * s.config.NormalizationScale)
}

// ConnectionStrength combines the connection's decayed scores, aged to now.
func (s *qualityScoreService) ConnectionStrength(c *models.Connection, now time.Time) float64 {
	aged := AgeDecayedScores(c.Scores(), now, s.config.Decay)
	return clampScore(s.normalize(aged.Mention)*s.config.MentionWeight + s.normalize(aged.Upvote)*s.config.UpvoteWeight)
}

// FoodScore is the connection's quality given its restaurant's score.
func (s *qualityScoreService) FoodScore(c *models.Connection, restaurantScore float64, now time.Time) float64 {
	primary := s.ConnectionStrength(c, now)
	return clampScore(primary*s.config.PrimaryWeight + clampScore(restaurantScore)*s.config.SecondaryWeight)
}

// RestaurantScore combines the restaurant's food scores and general praise.
func (s *qualityScoreService) RestaurantScore(foodScores []float64, praiseUpvotes int64) float64 {
	return clampScore(topFoodScore(foodScores)*s.config.TopFoodWeight +
		mean(foodScores)*s.config.ConsistencyWeight +
		s.normalize(float64(praiseUpvotes))*s.config.PraiseWeight)
}

// ActivityLevel buckets the connection by how recently and often it is mentioned.
func (s *qualityScoreService) ActivityLevel(c *models.Connection, now time.Time) models.ActivityLevel {
	if c.LastMentionedAt == nil || now.Sub(*c.LastMentionedAt) > s.config.ActiveWindow {
		return models.ActivityNormal
	}
	if s.config.TrendingThreshold > 0 && c.RecentMentionCount >= s.config.TrendingThreshold {
		return models.ActivityTrending
	}
	return models.ActivityActive
}

// performanceWeight is how much a set of decayed scores counts toward a
// category or attribute average.
func (s *qualityScoreService) performanceWeight(scores models.DecayedScores, now time.Time) float64 {
	aged := AgeDecayedScores(scores, now, s.config.Decay)
	w := math.Sqrt(math.Log1p(math.Max(0, aged.Mention)) * math.Log1p(math.Max(0, aged.Upvote)))
	return math.Max(s.config.MinPerformanceWeight, w)
}

// topFoodScore weights the best five scores 1, 1/2 .. 1/5 and normalizes by
// the weights used.
func topFoodScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	var sum, weights float64
	for i := 0; i < len(sorted) && i < topFoodCount; i++ {
		w := 1 / float64(i+1)
		sum += sorted[i] * w
		weights += w
	}
	return clampScore(sum / weights)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return clampScore(sum / float64(len(xs)))
}

func clampScore(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 100:
		return 100
	}
	return x
}

// ============================================================================
// Batch update
// ============================================================================

// restaurantUpdate is one restaurant's share of UpdateQualityScores.
type restaurantUpdate struct {
	connectionsUpdated int
	restaurantUpdated  bool
	errors             []models.ItemError
}

func (s *qualityScoreService) UpdateQualityScores(ctx context.Context, connectionIDs []uuid.UUID) (*models.QualityUpdateResult, error) {
	result := &models.QualityUpdateResult{}
	if len(connectionIDs) == 0 {
		return result, nil
	}
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "quality_score.update",
		trace.WithAttributes(attribute.Int("quality.connections", len(connectionIDs))))
	defer span.End()

	conns, err := s.connectionRepo.GetByIDs(ctx, connectionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	found := make(map[uuid.UUID]struct{}, len(conns))
	byRestaurant := make(map[uuid.UUID][]*models.Connection)
	var order []uuid.UUID
	for _, c := range conns {
		found[c.ID] = struct{}{}
		if _, ok := byRestaurant[c.RestaurantID]; !ok {
			order = append(order, c.RestaurantID)
		}
		byRestaurant[c.RestaurantID] = append(byRestaurant[c.RestaurantID], c)
	}
	for _, id := range connectionIDs {
		if _, ok := found[id]; !ok {
			missing := id
			result.Errors = append(result.Errors, models.ItemError{ConnectionID: &missing, Error: "connection not found"})
		}
	}

	restaurants, err := s.entityRepo.GetByIDs(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to load restaurants: %w", err)
	}
	restaurantByID := make(map[uuid.UUID]*models.Entity, len(restaurants))
	for _, r := range restaurants {
		restaurantByID[r.ID] = r
	}

	now := s.now()

	items := make([]workpool.WorkItem[*restaurantUpdate], 0, len(order))
	for _, restaurantID := range order {
		items = append(items, workpool.WorkItem[*restaurantUpdate]{
			ID: restaurantID.String(),
			Execute: func(ctx context.Context) (*restaurantUpdate, error) {
				return s.updateRestaurant(ctx, restaurantID, restaurantByID[restaurantID], byRestaurant[restaurantID], now), nil
			},
		})
	}

	for _, res := range workpool.Process(ctx, s.pool, items, nil) {
		if res.Err != nil {
			id, _ := uuid.Parse(res.ID)
			result.Errors = append(result.Errors, models.ItemError{RestaurantID: &id, Error: res.Err.Error()})
			continue
		}
		result.ConnectionsUpdated += res.Result.connectionsUpdated
		if res.Result.restaurantUpdated {
			result.RestaurantsUpdated++
		}
		result.Errors = append(result.Errors, res.Result.errors...)
	}
	if len(conns) > 0 {
		elapsedMs := float64(time.Since(start).Microseconds()) / 1000
		result.AverageProcessingTimeMs = elapsedMs / float64(len(conns))
	}

	span.SetAttributes(
		attribute.Int("quality.connections_updated", result.ConnectionsUpdated),
		attribute.Int("quality.restaurants_updated", result.RestaurantsUpdated),
		attribute.Int("quality.errors", len(result.Errors)),
	)
	s.logger.Debug("Quality scores updated",
		zap.Int("connections", result.ConnectionsUpdated),
		zap.Int("restaurants", result.RestaurantsUpdated),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// updateRestaurant rescores the given connections of one restaurant and then
// the restaurant itself.
func (s *qualityScoreService) updateRestaurant(ctx context.Context, restaurantID uuid.UUID, restaurant *models.Entity, conns []*models.Connection, now time.Time) *restaurantUpdate {
	out := &restaurantUpdate{}
	rid := restaurantID
	if restaurant == nil {
		out.errors = append(out.errors, models.ItemError{RestaurantID: &rid, Error: "restaurant not found"})
		return out
	}

	secondary := s.restaurantScoreFor(restaurant)
	updated := make(map[uuid.UUID]float64, len(conns))
	for _, c := range conns {
		score := s.FoodScore(c, secondary, now)
		if err := s.connectionRepo.UpdateQualityScore(ctx, c.ID, score, s.ActivityLevel(c, now)); err != nil {
			cid := c.ID
			out.errors = append(out.errors, models.ItemError{ConnectionID: &cid, RestaurantID: &rid, Error: err.Error()})
			continue
		}
		updated[c.ID] = score
		out.connectionsUpdated++
	}

	all, err := s.connectionRepo.ListByRestaurant(ctx, restaurantID)
	if err != nil {
		out.errors = append(out.errors, models.ItemError{RestaurantID: &rid, Error: err.Error()})
		return out
	}
	scores := make([]float64, 0, len(all))
	for _, c := range all {
		if v, ok := updated[c.ID]; ok {
			scores = append(scores, v)
			continue
		}
		scores = append(scores, c.FoodQualityScore)
	}

	var praise int64
	if restaurant.GeneralPraiseUpvotes != nil {
		praise = *restaurant.GeneralPraiseUpvotes
	}
	score := s.RestaurantScore(scores, praise)
	if err := s.entityRepo.UpdateRestaurantQualityScore(ctx, restaurantID, score); err != nil {
		out.errors = append(out.errors, models.ItemError{RestaurantID: &rid, Error: err.Error()})
		return out
	}
	out.restaurantUpdated = true
	return out
}

// restaurantScoreFor resolves the restaurant score used as a food score's
// secondary input: the persisted score once the restaurant has been scored,
// else the configured fallback. Each restaurant is one work item, so the score
// loaded at the start of the call is the one its food scores build on.
func (s *qualityScoreService) restaurantScoreFor(restaurant *models.Entity) float64 {
	if restaurant.RestaurantScoredAt != nil {
		return restaurant.RestaurantQualityScore
	}
	return s.config.FallbackRestaurantScore
}

// ============================================================================
// Category and attribute performance
// ============================================================================

type weightedScore struct {
	score  float64
	weight float64
}

func weightedMean(entries []weightedScore) float64 {
	var sum, weights float64
	for _, e := range entries {
		sum += e.score * e.weight
		weights += e.weight
	}
	if weights == 0 {
		return 0
	}
	return clampScore(sum / weights)
}

func (s *qualityScoreService) CategoryPerformance(ctx context.Context, restaurantID, categoryID uuid.UUID) (float64, error) {
	now := s.now()
	conns, err := s.connectionRepo.ListByRestaurant(ctx, restaurantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load connections: %w", err)
	}

	var entries []weightedScore
	for _, c := range conns {
		if containsID(c.Categories, categoryID) {
			entries = append(entries, weightedScore{score: c.FoodQualityScore, weight: s.performanceWeight(c.Scores(), now)})
		}
	}
	if len(entries) > 0 {
		return weightedMean(entries), nil
	}

	// No dish carries the category yet; fall back to the category signal.
	agg, err := s.categoryRepo.Get(ctx, restaurantID, categoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to load category aggregate: %w", err)
	}
	if agg == nil {
		return 0, nil
	}
	restaurants, err := s.entityRepo.GetByIDs(ctx, []uuid.UUID{restaurantID})
	if err != nil {
		return 0, fmt.Errorf("failed to load restaurant: %w", err)
	}
	score := s.config.FallbackRestaurantScore
	if len(restaurants) > 0 {
		score = s.restaurantScoreFor(restaurants[0])
	}
	return weightedMean([]weightedScore{{score: score, weight: s.performanceWeight(agg.Scores(), now)}}), nil
}

func (s *qualityScoreService) AttributePerformance(ctx context.Context, restaurantID, attributeID uuid.UUID) (float64, error) {
	now := s.now()
	conns, err := s.connectionRepo.ListByRestaurant(ctx, restaurantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load connections: %w", err)
	}

	var entries []weightedScore
	for _, c := range conns {
		if containsID(c.FoodAttributes, attributeID) {
			entries = append(entries, weightedScore{score: c.FoodQualityScore, weight: s.performanceWeight(c.Scores(), now)})
		}
	}
	return weightedMean(entries), nil
}
