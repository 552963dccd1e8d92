package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
)

// ============================================================================
// In-memory store
// ============================================================================

type aggregateKey struct {
	restaurantID uuid.UUID
	categoryID   uuid.UUID
}

type memState struct {
	entities    map[uuid.UUID]*models.Entity
	connections map[uuid.UUID]*models.Connection
	connOrder   []uuid.UUID
	aggregates  map[aggregateKey]*models.CategoryAggregate
	events      []*models.BoostEvent
	nextEventID int64
	ledger      map[string]map[string]*models.SourceLedgerRecord
}

// memStore is an in-memory stand-in for PostgreSQL that mirrors the SQL
// semantics of the repositories, including transactional rollback.
type memStore struct {
	mu sync.Mutex
	memState

	// failures queues errors returned by the named operation, one per call.
	failures map[string][]error
	calls    map[string]int
	txCount  int
}

func newMemStore() *memStore {
	return &memStore{
		memState: memState{
			entities:    make(map[uuid.UUID]*models.Entity),
			connections: make(map[uuid.UUID]*models.Connection),
			aggregates:  make(map[aggregateKey]*models.CategoryAggregate),
			ledger:      make(map[string]map[string]*models.SourceLedgerRecord),
		},
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (s *memStore) failNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// enter records a call to op and returns a queued failure, if any. Callers hold mu.
func (s *memStore) enter(op string) error {
	s.calls[op]++
	if q := s.failures[op]; len(q) > 0 {
		s.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *memStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *memStore) snapshot() memState {
	st := memState{
		entities:    make(map[uuid.UUID]*models.Entity, len(s.entities)),
		connections: make(map[uuid.UUID]*models.Connection, len(s.connections)),
		connOrder:   append([]uuid.UUID(nil), s.connOrder...),
		aggregates:  make(map[aggregateKey]*models.CategoryAggregate, len(s.aggregates)),
		nextEventID: s.nextEventID,
		ledger:      make(map[string]map[string]*models.SourceLedgerRecord, len(s.ledger)),
	}
	for k, v := range s.entities {
		st.entities[k] = copyEntity(v)
	}
	for k, v := range s.connections {
		st.connections[k] = copyConnection(v)
	}
	for k, v := range s.aggregates {
		cp := *v
		st.aggregates[k] = &cp
	}
	for _, e := range s.events {
		cp := *e
		st.events = append(st.events, &cp)
	}
	for p, rows := range s.ledger {
		st.ledger[p] = make(map[string]*models.SourceLedgerRecord, len(rows))
		for id, r := range rows {
			cp := *r
			st.ledger[p][id] = &cp
		}
	}
	return st
}

// WithinTx runs fn and restores the pre-call state if it fails.
func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if err := s.enter("tx.Begin"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.txCount++
	saved := s.snapshot()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.memState = saved
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("tx.Commit"); err != nil {
		s.memState = saved
		return err
	}
	return nil
}

var _ database.Transactor = (*memStore)(nil)

// Accessors for assertions.

func (s *memStore) entityByName(name string, t models.EntityType) *models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.Name == name && e.Type == t {
			return copyEntity(e)
		}
	}
	return nil
}

func (s *memStore) countEntities(t models.EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entities {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (s *memStore) connectionsOf(restaurantID uuid.UUID) []*models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Connection
	for _, id := range s.connOrder {
		if c := s.connections[id]; c.RestaurantID == restaurantID {
			out = append(out, copyConnection(c))
		}
	}
	return out
}

func (s *memStore) allConnections() []*models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Connection, 0, len(s.connOrder))
	for _, id := range s.connOrder {
		out = append(out, copyConnection(s.connections[id]))
	}
	return out
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) ledgerSize(pipeline string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger[pipeline])
}

func (s *memStore) aggregate(restaurantID, categoryID uuid.UUID) *models.CategoryAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[aggregateKey{restaurantID, categoryID}]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// putEntity seeds an entity directly.
func (s *memStore) putEntity(e *models.Entity) *models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.IsRestaurant() && e.GeneralPraiseUpvotes == nil {
		zero := int64(0)
		e.GeneralPraiseUpvotes = &zero
	}
	s.entities[e.ID] = copyEntity(e)
	return e
}

// putConnection seeds a connection directly.
func (s *memStore) putConnection(c *models.Connection) *models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ActivityLevel == "" {
		c.ActivityLevel = models.ActivityNormal
	}
	s.connections[c.ID] = copyConnection(c)
	s.connOrder = append(s.connOrder, c.ID)
	return c
}

func (s *memStore) repos() (repositories.EntityRepository, repositories.ConnectionRepository,
	repositories.CategoryAggregateRepository, repositories.BoostEventRepository, repositories.SourceLedgerRepository) {
	return &memEntityRepo{s}, &memConnectionRepo{s}, &memCategoryRepo{s}, &memBoostEventRepo{s}, &memLedgerRepo{s}
}

func copyEntity(e *models.Entity) *models.Entity {
	cp := *e
	cp.Aliases = append([]string(nil), e.Aliases...)
	cp.RestaurantAttributeIDs = append([]uuid.UUID(nil), e.RestaurantAttributeIDs...)
	if e.GeneralPraiseUpvotes != nil {
		v := *e.GeneralPraiseUpvotes
		cp.GeneralPraiseUpvotes = &v
	}
	if e.RestaurantScoredAt != nil {
		at := *e.RestaurantScoredAt
		cp.RestaurantScoredAt = &at
	}
	return &cp
}

func copyConnection(c *models.Connection) *models.Connection {
	cp := *c
	cp.Categories = append([]uuid.UUID(nil), c.Categories...)
	cp.FoodAttributes = append([]uuid.UUID(nil), c.FoodAttributes...)
	if c.LastMentionedAt != nil {
		t := *c.LastMentionedAt
		cp.LastMentionedAt = &t
	}
	if c.BoostLastAppliedAt != nil {
		t := *c.BoostLastAppliedAt
		cp.BoostLastAppliedAt = &t
	}
	return &cp
}

func unionIDs(a, b []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), a...)
	for _, id := range b {
		if !containsID(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func overlaps(a, b []uuid.UUID) bool {
	for _, id := range b {
		if containsID(a, id) {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		found := false
		for _, v := range out {
			if v == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Entity repository
// ============================================================================

type memEntityRepo struct{ s *memStore }

var _ repositories.EntityRepository = (*memEntityRepo)(nil)

func (r *memEntityRepo) GetByNameAndType(_ context.Context, name string, t models.EntityType) (*models.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.GetByNameAndType"); err != nil {
		return nil, err
	}
	for _, e := range r.s.entities {
		if e.Name == name && e.Type == t {
			return copyEntity(e), nil
		}
	}
	return nil, nil
}

func (r *memEntityRepo) FindByNames(_ context.Context, t models.EntityType, names []string) ([]*models.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.FindByNames"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*models.Entity
	for _, e := range r.s.entities {
		if e.Type == t && want[e.Name] {
			out = append(out, copyEntity(e))
		}
	}
	return out, nil
}

func (r *memEntityRepo) FindByAliases(_ context.Context, t models.EntityType, aliases []string) ([]*models.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.FindByAliases"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		want[a] = true
	}
	var out []*models.Entity
	for _, e := range r.s.entities {
		if e.Type != t {
			continue
		}
		for _, a := range e.Aliases {
			if want[a] {
				out = append(out, copyEntity(e))
				break
			}
		}
	}
	return out, nil
}

func (r *memEntityRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*models.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.GetByIDs"); err != nil {
		return nil, err
	}
	var out []*models.Entity
	for _, id := range ids {
		if e, ok := r.s.entities[id]; ok {
			out = append(out, copyEntity(e))
		}
	}
	return out, nil
}

func (r *memEntityRepo) Create(_ context.Context, entity *models.Entity) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.Create"); err != nil {
		return false, err
	}
	for _, e := range r.s.entities {
		if e.Name == entity.Name && e.Type == entity.Type {
			e.Aliases = unionStrings(e.Aliases, entity.Aliases)
			entity.ID = e.ID
			return false, nil
		}
	}
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.IsRestaurant() && entity.GeneralPraiseUpvotes == nil {
		zero := int64(0)
		entity.GeneralPraiseUpvotes = &zero
	}
	entity.Aliases = unionStrings(nil, entity.Aliases)
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt
	r.s.entities[entity.ID] = copyEntity(entity)
	return true, nil
}

func (r *memEntityRepo) MergeAliases(_ context.Context, id uuid.UUID, aliases []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.MergeAliases"); err != nil {
		return err
	}
	if e, ok := r.s.entities[id]; ok && len(aliases) > 0 {
		e.Aliases = unionStrings(e.Aliases, aliases)
	}
	return nil
}

func (r *memEntityRepo) AddRestaurantAttributes(_ context.Context, restaurantID uuid.UUID, attributeIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.AddRestaurantAttributes"); err != nil {
		return err
	}
	if e, ok := r.s.entities[restaurantID]; ok && e.IsRestaurant() {
		e.RestaurantAttributeIDs = unionIDs(e.RestaurantAttributeIDs, attributeIDs)
	}
	return nil
}

func (r *memEntityRepo) AddGeneralPraise(_ context.Context, restaurantID uuid.UUID, upvotes int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.AddGeneralPraise"); err != nil {
		return err
	}
	e, ok := r.s.entities[restaurantID]
	if !ok || !e.IsRestaurant() {
		return apperrors.New(apperrors.KindNotFound, "entities.AddGeneralPraise", "restaurant not found")
	}
	v := upvotes
	if e.GeneralPraiseUpvotes != nil {
		v += *e.GeneralPraiseUpvotes
	}
	e.GeneralPraiseUpvotes = &v
	return nil
}

func (r *memEntityRepo) UpdateRestaurantQualityScore(_ context.Context, restaurantID uuid.UUID, score float64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("entities.UpdateRestaurantQualityScore"); err != nil {
		return err
	}
	e, ok := r.s.entities[restaurantID]
	if !ok || !e.IsRestaurant() {
		return apperrors.New(apperrors.KindNotFound, "entities.UpdateRestaurantQualityScore", "restaurant not found")
	}
	e.RestaurantQualityScore = score
	scoredAt := time.Now().UTC()
	e.RestaurantScoredAt = &scoredAt
	return nil
}

// ============================================================================
// Connection repository
// ============================================================================

type memConnectionRepo struct{ s *memStore }

var _ repositories.ConnectionRepository = (*memConnectionRepo)(nil)

func (r *memConnectionRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*models.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.GetByIDs"); err != nil {
		return nil, err
	}
	var out []*models.Connection
	for _, id := range ids {
		if c, ok := r.s.connections[id]; ok {
			out = append(out, copyConnection(c))
		}
	}
	return out, nil
}

func (r *memConnectionRepo) ListByRestaurant(_ context.Context, restaurantID uuid.UUID) ([]*models.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.ListByRestaurant"); err != nil {
		return nil, err
	}
	var out []*models.Connection
	for _, id := range r.s.connOrder {
		if c := r.s.connections[id]; c.RestaurantID == restaurantID {
			out = append(out, copyConnection(c))
		}
	}
	return out, nil
}

func (r *memConnectionRepo) FindByRestaurantAndFood(_ context.Context, restaurantID, foodID uuid.UUID) ([]*models.Connection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Connection
	for _, id := range r.s.connOrder {
		if c := r.s.connections[id]; c.RestaurantID == restaurantID && c.FoodID == foodID {
			out = append(out, copyConnection(c))
		}
	}
	return out, nil
}

func (r *memConnectionRepo) ListIDsByRestaurants(_ context.Context, restaurantIDs []uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []uuid.UUID
	for _, id := range r.s.connOrder {
		if containsID(restaurantIDs, r.s.connections[id].RestaurantID) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memConnectionRepo) Create(_ context.Context, c *models.Connection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.Create"); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ActivityLevel == "" {
		c.ActivityLevel = models.ActivityNormal
	}
	r.s.connections[c.ID] = copyConnection(c)
	r.s.connOrder = append(r.s.connOrder, c.ID)
	return nil
}

func applyBoostToConnection(c *models.Connection, b models.Boost) {
	c.Categories = unionIDs(c.Categories, b.CategoryIDs)
	c.FoodAttributes = unionIDs(c.FoodAttributes, b.AttributeIDs)
	c.MentionCount += b.Mentions
	c.TotalUpvotes += b.Upvotes
	c.RecentMentionCount += recentCount(b)
	if c.LastMentionedAt == nil || b.At.After(*c.LastMentionedAt) {
		at := b.At
		c.LastMentionedAt = &at
	}
	scores := ApplyDecayedBoost(c.Scores(), b.At, float64(b.Mentions), float64(b.Upvotes), b.Decay)
	c.DecayedMentionScore, c.DecayedUpvoteScore, c.DecayedScoresUpdatedAt = scores.Mention, scores.Upvote, scores.UpdatedAt
	c.Version++
}

func (r *memConnectionRepo) UpsertPlain(_ context.Context, restaurantID, foodID uuid.UUID, b models.Boost) (uuid.UUID, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.UpsertPlain"); err != nil {
		return uuid.Nil, false, err
	}
	for _, id := range r.s.connOrder {
		c := r.s.connections[id]
		if c.RestaurantID == restaurantID && c.FoodID == foodID && len(c.FoodAttributes) == 0 {
			applyBoostToConnection(c, models.Boost{
				At: b.At, Mentions: b.Mentions, Upvotes: b.Upvotes, Recent: b.Recent,
				CategoryIDs: b.CategoryIDs, Decay: b.Decay,
			})
			return c.ID, false, nil
		}
	}
	at := b.At
	c := &models.Connection{
		ID:                     uuid.New(),
		RestaurantID:           restaurantID,
		FoodID:                 foodID,
		Categories:             unionIDs(nil, b.CategoryIDs),
		MentionCount:           b.Mentions,
		TotalUpvotes:           b.Upvotes,
		RecentMentionCount:     recentCount(b),
		LastMentionedAt:        &at,
		ActivityLevel:          models.ActivityNormal,
		DecayedMentionScore:    float64(b.Mentions),
		DecayedUpvoteScore:     float64(b.Upvotes),
		DecayedScoresUpdatedAt: b.At,
	}
	r.s.connections[c.ID] = c
	r.s.connOrder = append(r.s.connOrder, c.ID)
	return c.ID, true, nil
}

func (r *memConnectionRepo) BoostOverlapping(_ context.Context, restaurantID uuid.UUID, foodID *uuid.UUID, attributeIDs []uuid.UUID, b models.Boost) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.BoostOverlapping"); err != nil {
		return nil, err
	}
	if len(attributeIDs) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	for _, id := range r.s.connOrder {
		c := r.s.connections[id]
		if c.RestaurantID != restaurantID || (foodID != nil && c.FoodID != *foodID) {
			continue
		}
		if !overlaps(c.FoodAttributes, attributeIDs) {
			continue
		}
		applyBoostToConnection(c, b)
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func sameWatermark(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (r *memConnectionRepo) ApplyReplay(_ context.Context, u models.ReplayUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.ApplyReplay"); err != nil {
		return err
	}
	c, ok := r.s.connections[u.ConnectionID]
	if !ok || !sameWatermark(c.BoostLastAppliedAt, u.ExpectedWatermark) || c.Version != u.ExpectedVersion {
		return apperrors.New(apperrors.KindConflict, "connections.ApplyReplay", "connection changed since it was loaded")
	}
	c.MentionCount += u.MentionDelta
	c.TotalUpvotes += u.UpvoteDelta
	c.RecentMentionCount += u.RecentDelta
	c.DecayedMentionScore, c.DecayedUpvoteScore, c.DecayedScoresUpdatedAt = u.Scores.Mention, u.Scores.Upvote, u.Scores.UpdatedAt
	if u.LastMentionedAt != nil && (c.LastMentionedAt == nil || u.LastMentionedAt.After(*c.LastMentionedAt)) {
		at := *u.LastMentionedAt
		c.LastMentionedAt = &at
	}
	c.FoodAttributes = unionIDs(c.FoodAttributes, u.AddAttributeIDs)
	w := u.Watermark
	c.BoostLastAppliedAt = &w
	c.BoostLastAppliedEventID = u.WatermarkEventID
	c.Version++
	return nil
}

func (r *memConnectionRepo) UpdateQualityScore(_ context.Context, id uuid.UUID, score float64, activity models.ActivityLevel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("connections.UpdateQualityScore"); err != nil {
		return err
	}
	c, ok := r.s.connections[id]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "connections.UpdateQualityScore", "connection not found")
	}
	c.FoodQualityScore = score
	c.ActivityLevel = activity
	return nil
}

// ============================================================================
// Category aggregate, boost event and ledger repositories
// ============================================================================

type memCategoryRepo struct{ s *memStore }

var _ repositories.CategoryAggregateRepository = (*memCategoryRepo)(nil)

func (r *memCategoryRepo) Upsert(_ context.Context, restaurantID, categoryID uuid.UUID, b models.Boost) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("categoryAggregates.Upsert"); err != nil {
		return err
	}
	key := aggregateKey{restaurantID, categoryID}
	a, ok := r.s.aggregates[key]
	if !ok {
		r.s.aggregates[key] = &models.CategoryAggregate{
			RestaurantID:           restaurantID,
			CategoryID:             categoryID,
			MentionsCount:          b.Mentions,
			TotalUpvotes:           b.Upvotes,
			FirstMentionedAt:       b.At,
			LastMentionedAt:        b.At,
			DecayedMentionScore:    float64(b.Mentions),
			DecayedUpvoteScore:     float64(b.Upvotes),
			DecayedScoresUpdatedAt: b.At,
		}
		return nil
	}
	a.MentionsCount += b.Mentions
	a.TotalUpvotes += b.Upvotes
	if b.At.Before(a.FirstMentionedAt) {
		a.FirstMentionedAt = b.At
	}
	if b.At.After(a.LastMentionedAt) {
		a.LastMentionedAt = b.At
	}
	scores := ApplyDecayedBoost(a.Scores(), b.At, float64(b.Mentions), float64(b.Upvotes), b.Decay)
	a.DecayedMentionScore, a.DecayedUpvoteScore, a.DecayedScoresUpdatedAt = scores.Mention, scores.Upvote, scores.UpdatedAt
	return nil
}

func (r *memCategoryRepo) Get(_ context.Context, restaurantID, categoryID uuid.UUID) (*models.CategoryAggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.aggregates[aggregateKey{restaurantID, categoryID}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *memCategoryRepo) ListByRestaurant(_ context.Context, restaurantID uuid.UUID) ([]*models.CategoryAggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.CategoryAggregate
	for k, a := range r.s.aggregates {
		if k.restaurantID == restaurantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memBoostEventRepo struct{ s *memStore }

var _ repositories.BoostEventRepository = (*memBoostEventRepo)(nil)

func (r *memBoostEventRepo) Append(_ context.Context, events []*models.BoostEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("boostEvents.Append"); err != nil {
		return err
	}
	for _, e := range events {
		r.s.nextEventID++
		e.ID = r.s.nextEventID
		e.CreatedAt = time.Now().UTC()
		cp := *e
		cp.FoodAttributeIDs = append([]uuid.UUID(nil), e.FoodAttributeIDs...)
		r.s.events = append(r.s.events, &cp)
	}
	return nil
}

func (r *memBoostEventRepo) ListForRestaurantSince(_ context.Context, restaurantID uuid.UUID, since *time.Time) ([]*models.BoostEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("boostEvents.ListForRestaurantSince"); err != nil {
		return nil, err
	}
	var out []*models.BoostEvent
	for _, e := range r.s.events {
		if e.RestaurantID != restaurantID {
			continue
		}
		if since != nil && e.MentionCreatedAt.Before(*since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].MentionCreatedAt.Equal(out[j].MentionCreatedAt) {
			return out[i].MentionCreatedAt.Before(out[j].MentionCreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memLedgerRepo struct{ s *memStore }

var _ repositories.SourceLedgerRepository = (*memLedgerRepo)(nil)

func (r *memLedgerRepo) ExistingSourceIDs(_ context.Context, pipeline string, ids []string) (map[string]struct{}, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("sourceLedger.ExistingSourceIDs"); err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := r.s.ledger[pipeline][id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (r *memLedgerRepo) Claim(_ context.Context, pipeline string, records []*models.SourceLedgerRecord) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.enter("sourceLedger.Claim"); err != nil {
		return nil, err
	}
	rows, ok := r.s.ledger[pipeline]
	if !ok {
		rows = make(map[string]*models.SourceLedgerRecord)
		r.s.ledger[pipeline] = rows
	}
	var claimed []string
	for _, rec := range records {
		if _, exists := rows[rec.SourceID]; exists {
			continue
		}
		cp := *rec
		rows[rec.SourceID] = &cp
		claimed = append(claimed, rec.SourceID)
	}
	return claimed, nil
}

// ============================================================================
// Collaborator fakes
// ============================================================================

// recordingEnricher captures enrichment requests and signals each call.
type recordingEnricher struct {
	mu       sync.Mutex
	requests []models.EnrichmentRequest
	err      error
	done     chan struct{}
}

func newRecordingEnricher() *recordingEnricher {
	return &recordingEnricher{done: make(chan struct{}, 8)}
}

func (e *recordingEnricher) EnrichRestaurants(_ context.Context, requests []models.EnrichmentRequest) error {
	e.mu.Lock()
	e.requests = append(e.requests, requests...)
	e.mu.Unlock()
	e.done <- struct{}{}
	return e.err
}

// mockPublisher records JSON publishes.
type mockPublisher struct {
	mu        sync.Mutex
	published []any
	queues    []string
	err       error
}

func (m *mockPublisher) PublishJSON(_ context.Context, queue string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.queues = append(m.queues, queue)
	m.published = append(m.published, v)
	return nil
}
