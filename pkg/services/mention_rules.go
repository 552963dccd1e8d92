package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// subBatchStats accumulates what one sub-batch transaction did.
type subBatchStats struct {
	processed          int
	duplicates         int
	connectionsCreated int
	connectionsBoosted int

	affected          []uuid.UUID
	affectedSet       map[uuid.UUID]struct{}
	replayRestaurants []uuid.UUID
	replaySet         map[uuid.UUID]struct{}

	events  []*models.BoostEvent
	created []models.CreatedEntity
}

func newSubBatchStats() *subBatchStats {
	return &subBatchStats{
		affectedSet: make(map[uuid.UUID]struct{}),
		replaySet:   make(map[uuid.UUID]struct{}),
	}
}

func (s *subBatchStats) touch(ids ...uuid.UUID) {
	for _, id := range ids {
		if _, ok := s.affectedSet[id]; ok {
			continue
		}
		s.affectedSet[id] = struct{}{}
		s.affected = append(s.affected, id)
	}
}

func (s *subBatchStats) needsReplay(restaurantID uuid.UUID) {
	if _, ok := s.replaySet[restaurantID]; ok {
		return
	}
	s.replaySet[restaurantID] = struct{}{}
	s.replayRestaurants = append(s.replayRestaurants, restaurantID)
}

// resolvedMention is a mention with every reference mapped to an entity id.
type resolvedMention struct {
	*models.Mention
	restaurantID         uuid.UUID
	foodID               uuid.UUID // uuid.Nil when the mention names no food
	categoryIDs          []uuid.UUID
	foodAttributeIDs     []uuid.UUID
	restaurantAttributes []uuid.UUID
}

func resolveMention(m *models.Mention, refs *mentionRefs, rc *ResolutionContext) (*resolvedMention, error) {
	rm := &resolvedMention{Mention: m}
	var err error
	if rm.restaurantID, err = rc.MustLookup(refs.restaurant); err != nil {
		return nil, err
	}
	if refs.food != "" {
		if rm.foodID, err = rc.MustLookup(refs.food); err != nil {
			return nil, err
		}
	}
	if rm.categoryIDs, err = rc.IDs(refs.categories); err != nil {
		return nil, err
	}
	if rm.foodAttributeIDs, err = rc.IDs(refs.foodAttributes); err != nil {
		return nil, err
	}
	if rm.restaurantAttributes, err = rc.IDs(refs.restaurantAttributes); err != nil {
		return nil, err
	}
	return rm, nil
}

// applyRules routes one mention through every rule branch it qualifies for.
// Runs inside the sub-batch transaction.
func (p *mentionProcessor) applyRules(ctx context.Context, m *resolvedMention, stats *subBatchStats) error {
	// Restaurant attributes.
	if len(m.restaurantAttributes) > 0 {
		if err := p.entityRepo.AddRestaurantAttributes(ctx, m.restaurantID, m.restaurantAttributes); err != nil {
			return fmt.Errorf("failed to add restaurant attributes: %w", err)
		}
	}

	// General praise never touches a connection.
	if m.GeneralPraise {
		if err := p.entityRepo.AddGeneralPraise(ctx, m.restaurantID, m.SourceUps); err != nil {
			return fmt.Errorf("failed to add general praise: %w", err)
		}
	}

	boost := p.boostFor(m.Mention)
	switch {
	case m.foodID != uuid.Nil && m.IsMenuItem:
		return p.applyMenuItem(ctx, m, boost, stats)
	case m.foodID != uuid.Nil || len(m.categoryIDs) > 0:
		return p.applyCategoryMention(ctx, m, boost, stats)
	case len(m.foodAttributeIDs) > 0:
		return p.applyAttributeMention(ctx, m, boost, stats)
	}
	return nil
}

func (p *mentionProcessor) boostFor(m *models.Mention) models.Boost {
	return models.Boost{
		At:       m.SourceCreatedAt,
		Mentions: 1,
		Upvotes:  m.SourceUps,
		Recent:   p.now().Sub(m.SourceCreatedAt) <= p.config.RecentWindow,
		Decay:    p.config.Decay,
	}
}

// applyMenuItem boosts or creates the restaurant's connection to a specific dish.
func (p *mentionProcessor) applyMenuItem(ctx context.Context, m *resolvedMention, boost models.Boost, stats *subBatchStats) error {
	boost.CategoryIDs = m.categoryIDs

	if len(m.foodAttributeIDs) == 0 {
		id, created, err := p.connectionRepo.UpsertPlain(ctx, m.restaurantID, m.foodID, boost)
		if err != nil {
			return fmt.Errorf("failed to upsert connection: %w", err)
		}
		p.countConnection(stats, m.restaurantID, created, id)
		return nil
	}

	boost.AttributeIDs = m.foodAttributeIDs
	foodID := m.foodID
	ids, err := p.connectionRepo.BoostOverlapping(ctx, m.restaurantID, &foodID, m.foodAttributeIDs, boost)
	if err != nil {
		return fmt.Errorf("failed to boost connections: %w", err)
	}
	if len(ids) > 0 {
		p.countConnection(stats, m.restaurantID, false, ids...)
		return nil
	}

	at := boost.At
	conn := &models.Connection{
		RestaurantID:           m.restaurantID,
		FoodID:                 m.foodID,
		Categories:             m.categoryIDs,
		FoodAttributes:         m.foodAttributeIDs,
		MentionCount:           boost.Mentions,
		TotalUpvotes:           boost.Upvotes,
		RecentMentionCount:     recentCount(boost),
		LastMentionedAt:        &at,
		ActivityLevel:          models.ActivityNormal,
		DecayedMentionScore:    float64(boost.Mentions),
		DecayedUpvoteScore:     float64(boost.Upvotes),
		DecayedScoresUpdatedAt: at,
	}
	if err := p.connectionRepo.Create(ctx, conn); err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	p.countConnection(stats, m.restaurantID, true, conn.ID)
	return nil
}

// applyCategoryMention records category interest without touching connections:
// the aggregate is upserted and one boost event per category is queued for
// replay. A generic (non-menu) food counts as one more category.
func (p *mentionProcessor) applyCategoryMention(ctx context.Context, m *resolvedMention, boost models.Boost, stats *subBatchStats) error {
	categories := m.categoryIDs
	if m.foodID != uuid.Nil && !containsID(categories, m.foodID) {
		categories = append(append([]uuid.UUID(nil), categories...), m.foodID)
	}

	for _, categoryID := range categories {
		if err := p.categoryRepo.Upsert(ctx, m.restaurantID, categoryID, boost); err != nil {
			return fmt.Errorf("failed to upsert category aggregate: %w", err)
		}
		stats.events = append(stats.events, &models.BoostEvent{
			RestaurantID:     m.restaurantID,
			CategoryID:       categoryID,
			FoodAttributeIDs: m.foodAttributeIDs,
			MentionCreatedAt: boost.At,
			Upvotes:          boost.Upvotes,
		})
	}
	stats.needsReplay(m.restaurantID)
	return nil
}

// applyAttributeMention boosts, but never creates, the restaurant's connections
// sharing an attribute with the mention.
func (p *mentionProcessor) applyAttributeMention(ctx context.Context, m *resolvedMention, boost models.Boost, stats *subBatchStats) error {
	ids, err := p.connectionRepo.BoostOverlapping(ctx, m.restaurantID, nil, m.foodAttributeIDs, boost)
	if err != nil {
		return fmt.Errorf("failed to boost connections by attribute: %w", err)
	}
	p.countConnection(stats, m.restaurantID, false, ids...)
	return nil
}

func (p *mentionProcessor) countConnection(stats *subBatchStats, restaurantID uuid.UUID, created bool, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	if created {
		stats.connectionsCreated += len(ids)
		// A new connection may qualify for category events logged before it existed.
		stats.needsReplay(restaurantID)
	} else {
		stats.connectionsBoosted += len(ids)
	}
	stats.touch(ids...)
}

func recentCount(b models.Boost) int64 {
	if b.Recent {
		return b.Mentions
	}
	return 0
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
