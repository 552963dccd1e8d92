package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
	"github.com/ekaya-inc/foodgraph/pkg/retry"
	"github.com/ekaya-inc/foodgraph/pkg/telemetry"
)

// MentionProcessorConfig tunes batch processing.
type MentionProcessorConfig struct {
	EnableQualityScores bool
	MaxRetries          int
	BatchTimeout        time.Duration // per transaction attempt
	BatchSize           int           // larger batches are split into sequential sub-batches

	RecentWindow time.Duration // mentions newer than this count toward recent_mention_count
	Decay        models.DecayParams

	// RetryInitialDelay and RetryMaxDelay shape the backoff between attempts.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// DefaultMentionProcessorConfig returns the documented defaults.
func DefaultMentionProcessorConfig() MentionProcessorConfig {
	return MentionProcessorConfig{
		EnableQualityScores: true,
		MaxRetries:          3,
		BatchTimeout:        300 * time.Second,
		BatchSize:           250,
		RecentWindow:        30 * 24 * time.Hour,
		Decay: models.DecayParams{
			MentionPeriod: 90 * 24 * time.Hour,
			UpvotePeriod:  60 * 24 * time.Hour,
		},
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     5 * time.Second,
	}
}

// MentionProcessor folds mention batches into the food graph.
type MentionProcessor interface {
	// ProcessBatch validates, deduplicates and applies a batch, then replays
	// category boosts and refreshes quality scores for what it touched. The
	// context must carry a database scope (see database.DB.Bind).
	//
	// When the batch is not split, a failed transaction is returned as an error
	// naming the batch id and mention count. Split batches report each
	// sub-batch's outcome in the result instead.
	ProcessBatch(ctx context.Context, batch *models.MentionBatch) (*models.ProcessingResult, error)
}

type mentionProcessor struct {
	tx             database.Transactor
	validator      *MentionValidator
	ledger         SourceLedger
	resolver       EntityResolver
	materializer   *entityMaterializer
	entityRepo     repositories.EntityRepository
	connectionRepo repositories.ConnectionRepository
	categoryRepo   repositories.CategoryAggregateRepository
	boostEventRepo repositories.BoostEventRepository
	replayer       BoostReplayer
	scorer         QualityScoreService
	enricher       RestaurantEnricher
	config         MentionProcessorConfig
	now            func() time.Time
	logger         *zap.Logger
}

// MentionProcessorDeps contains dependencies for MentionProcessor.
type MentionProcessorDeps struct {
	Transactor     database.Transactor
	Validator      *MentionValidator
	Ledger         SourceLedger
	Resolver       EntityResolver
	EntityRepo     repositories.EntityRepository
	ConnectionRepo repositories.ConnectionRepository
	CategoryRepo   repositories.CategoryAggregateRepository
	BoostEventRepo repositories.BoostEventRepository
	Replayer       BoostReplayer       // optional
	Scorer         QualityScoreService // optional
	Enricher       RestaurantEnricher  // optional
	Config         MentionProcessorConfig
	Now            func() time.Time // defaults to time.Now
	Logger         *zap.Logger
}

// NewMentionProcessor creates a new MentionProcessor.
func NewMentionProcessor(deps *MentionProcessorDeps) MentionProcessor {
	validator := deps.Validator
	if validator == nil {
		validator = NewMentionValidator()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config
	defaults := DefaultMentionProcessorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaults.BatchTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := deps.Logger.Named("mention-processor")
	return &mentionProcessor{
		tx:             deps.Transactor,
		validator:      validator,
		ledger:         deps.Ledger,
		resolver:       deps.Resolver,
		materializer:   &entityMaterializer{entityRepo: deps.EntityRepo, logger: logger},
		entityRepo:     deps.EntityRepo,
		connectionRepo: deps.ConnectionRepo,
		categoryRepo:   deps.CategoryRepo,
		boostEventRepo: deps.BoostEventRepo,
		replayer:       deps.Replayer,
		scorer:         deps.Scorer,
		enricher:       deps.Enricher,
		config:         cfg,
		now:            now,
		logger:         logger,
	}
}

var _ MentionProcessor = (*mentionProcessor)(nil)

func (p *mentionProcessor) ProcessBatch(ctx context.Context, batch *models.MentionBatch) (*models.ProcessingResult, error) {
	start := time.Now()
	meta := batch.SourceMetadata
	batchID := meta.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	pipeline := PipelineKey(meta.CollectionType)

	ctx, span := telemetry.Tracer().Start(ctx, "mention_processor.process_batch",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("batch.pipeline", pipeline),
			attribute.Int("batch.mentions", len(batch.Mentions)),
		))
	defer span.End()

	result := &models.ProcessingResult{
		BatchID:               batchID,
		MentionsReceived:      len(batch.Mentions),
		AffectedConnectionIDs: []uuid.UUID{},
		CreatedEntities:       []models.CreatedEntity{},
		SubBatches:            []models.SubBatchOutcome{},
	}

	valid, invalid := p.validator.ValidateBatch(batch.Mentions)
	result.MentionsInvalid = len(invalid)
	result.InvalidMentions = invalid
	for _, inv := range invalid {
		p.logger.Warn("Skipping malformed mention",
			zap.String("batch_id", batchID),
			zap.Int("index", inv.Index),
			zap.String("reason", inv.Reason))
	}

	filtered, err := p.ledger.Filter(ctx, pipeline, valid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger filter failed")
		return nil, fmt.Errorf("batch %s (%d mentions): %w", batchID, len(valid), err)
	}
	result.MentionsDuplicate = filtered.Duplicates

	rows := make(map[string]*models.SourceLedgerRecord, len(filtered.Rows))
	for _, r := range filtered.Rows {
		rows[r.SourceID] = r
	}

	chunks := splitMentions(filtered.Accepted, p.config.BatchSize)
	if len(chunks) > 1 {
		p.logger.Info("Splitting batch",
			zap.String("batch_id", batchID),
			zap.Int("mentions", len(filtered.Accepted)),
			zap.Int("sub_batches", len(chunks)))
	}

	affected := newIDSet()
	replayRestaurants := newIDSet()
	for i, chunk := range chunks {
		stats, outcome := p.processSubBatch(ctx, batchID, i, chunk, rows)
		result.SubBatches = append(result.SubBatches, outcome)
		if !outcome.Succeeded {
			if len(chunks) == 1 {
				span.SetStatus(codes.Error, outcome.Error)
				return nil, fmt.Errorf("batch %s (%d mentions) failed after %d attempt(s): %w",
					batchID, len(chunk), outcome.Attempts, stats.err)
			}
			continue
		}

		result.MentionsProcessed += stats.processed
		result.MentionsDuplicate += stats.duplicates
		result.ConnectionsCreated += stats.connectionsCreated
		result.ConnectionsBoosted += stats.connectionsBoosted
		result.CategoryEvents += len(stats.events)
		result.EntitiesCreated += len(stats.created)
		result.CreatedEntities = append(result.CreatedEntities, stats.created...)
		affected.add(stats.affected...)
		replayRestaurants.add(stats.replayRestaurants...)
	}

	// Post-commit phases are idempotent; failures are reported, never propagated.
	if p.replayer != nil && replayRestaurants.len() > 0 {
		result.Replay = p.replayer.ReplayRestaurants(ctx, replayRestaurants.ids)
		affected.add(result.Replay.UpdatedConnectionIDs...)
	}
	result.AffectedConnectionIDs = affected.ids

	if p.config.EnableQualityScores && p.scorer != nil && affected.len() > 0 {
		quality, err := p.scorer.UpdateQualityScores(ctx, affected.ids)
		if err != nil {
			p.logger.Error("Quality score update failed",
				zap.String("batch_id", batchID),
				zap.Error(err))
			quality = &models.QualityUpdateResult{Errors: []models.ItemError{{Error: err.Error()}}}
		}
		result.Quality = quality
	}

	p.enrichNewRestaurants(batchID, result.CreatedEntities)

	result.DurationMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("batch.processed", result.MentionsProcessed),
		attribute.Int("batch.connections_created", result.ConnectionsCreated),
		attribute.Int("batch.category_events", result.CategoryEvents),
	)
	p.logger.Info("Processed mention batch",
		zap.String("batch_id", batchID),
		zap.String("pipeline", pipeline),
		zap.Int("received", result.MentionsReceived),
		zap.Int("invalid", result.MentionsInvalid),
		zap.Int("duplicates", result.MentionsDuplicate),
		zap.Int("processed", result.MentionsProcessed),
		zap.Int("entities_created", result.EntitiesCreated),
		zap.Int("connections_created", result.ConnectionsCreated),
		zap.Int("connections_boosted", result.ConnectionsBoosted),
		zap.Int("category_events", result.CategoryEvents),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// subBatchResult is a sub-batch's stats plus the error that ended it, if any.
type subBatchResult struct {
	*subBatchStats
	err error
}

func (p *mentionProcessor) processSubBatch(ctx context.Context, batchID string, index int, mentions []ValidatedMention, rows map[string]*models.SourceLedgerRecord) (subBatchResult, models.SubBatchOutcome) {
	ctx, span := telemetry.Tracer().Start(ctx, "mention_processor.sub_batch",
		trace.WithAttributes(attribute.Int("sub_batch.index", index), attribute.Int("sub_batch.mentions", len(mentions))))
	defer span.End()

	outcome := models.SubBatchOutcome{Index: index, Mentions: len(mentions)}
	refs := buildBatchRefs(mentions)

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = p.config.MaxRetries
	if p.config.RetryInitialDelay > 0 {
		cfg.InitialDelay = p.config.RetryInitialDelay
	}
	if p.config.RetryMaxDelay > 0 {
		cfg.MaxDelay = p.config.RetryMaxDelay
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("Sub-batch attempt failed; retrying",
			zap.String("batch_id", batchID),
			zap.Int("sub_batch", index),
			zap.Int("attempt", attempt),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Duration("backoff", delay),
			zap.Error(err))
	}

	var stats *subBatchStats
	err := retry.DoIfRetryable(ctx, cfg, func() error {
		outcome.Attempts++
		s, err := p.runAttempt(ctx, mentions, refs, rows)
		if err != nil {
			return err
		}
		stats = s
		return nil
	})
	if err != nil {
		outcome.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "sub-batch failed")
		p.logger.Error("Sub-batch failed",
			zap.String("batch_id", batchID),
			zap.Int("sub_batch", index),
			zap.Int("mentions", len(mentions)),
			zap.Int("attempts", outcome.Attempts),
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Error(err))
		return subBatchResult{subBatchStats: newSubBatchStats(), err: err}, outcome
	}

	outcome.Succeeded = true
	return subBatchResult{subBatchStats: stats}, outcome
}

// runAttempt resolves and applies one sub-batch under the per-attempt timeout.
func (p *mentionProcessor) runAttempt(parent context.Context, mentions []ValidatedMention, refs *batchRefs, rows map[string]*models.SourceLedgerRecord) (*subBatchStats, error) {
	ctx, cancel := context.WithTimeout(parent, p.config.BatchTimeout)
	defer cancel()

	stats, err := p.applySubBatch(ctx, mentions, refs, rows)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindValidation, apperrors.KindMalformedInput, apperrors.KindConflict:
		default:
			return nil, apperrors.Wrap(apperrors.KindTimeout, "mentionProcessor.attempt", err)
		}
	}
	return stats, err
}

func (p *mentionProcessor) applySubBatch(ctx context.Context, mentions []ValidatedMention, refs *batchRefs, rows map[string]*models.SourceLedgerRecord) (*subBatchStats, error) {
	resolutions, err := p.resolver.ResolveBatch(ctx, refs.requests)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entities: %w", err)
	}

	stats := newSubBatchStats()
	rc := NewResolutionContext()
	err = p.tx.WithinTx(ctx, func(ctx context.Context) error {
		claimRows := make([]*models.SourceLedgerRecord, 0, len(mentions))
		for _, m := range mentions {
			if r, ok := rows[m.SourceID]; ok && m.SourceID != "" {
				claimRows = append(claimRows, r)
			}
		}
		claimed, err := p.ledger.Claim(ctx, claimRows)
		if err != nil {
			return err
		}

		live := make([]ValidatedMention, 0, len(mentions))
		needed := make(map[string]struct{})
		for _, m := range mentions {
			if m.SourceID != "" {
				if _, ok := claimed[m.SourceID]; !ok {
					stats.duplicates++
					continue
				}
			}
			live = append(live, m)
			for _, t := range refs.byMention[m.Index].tempIDs() {
				needed[t] = struct{}{}
			}
		}

		if err := p.materializer.Materialize(ctx, resolutionsFor(resolutions, needed), rc); err != nil {
			return err
		}

		for _, m := range live {
			rm, err := resolveMention(m.Mention, refs.byMention[m.Index], rc)
			if err != nil {
				return apperrors.Wrap(apperrors.KindInternal, "mentionProcessor.resolveMention", err)
			}
			if err := p.applyRules(ctx, rm, stats); err != nil {
				return fmt.Errorf("mention %d: %w", m.Index, err)
			}
			stats.processed++
		}

		if err := p.boostEventRepo.Append(ctx, stats.events); err != nil {
			return fmt.Errorf("failed to append boost events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.created = rc.Created()
	return stats, nil
}

func (p *mentionProcessor) enrichNewRestaurants(batchID string, created []models.CreatedEntity) {
	if p.enricher == nil {
		return
	}
	var requests []models.EnrichmentRequest
	now := p.now().UTC()
	for _, e := range created {
		if e.Type != models.EntityTypeRestaurant {
			continue
		}
		requests = append(requests, models.EnrichmentRequest{
			RestaurantID: e.ID,
			Name:         e.Name,
			BatchID:      batchID,
			RequestedAt:  now,
		})
	}
	if len(requests) == 0 {
		return
	}

	go func() {
		// Detached from the batch context so enrichment outlives the caller.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.enricher.EnrichRestaurants(ctx, requests); err != nil {
			p.logger.Warn("Restaurant enrichment failed",
				zap.String("batch_id", batchID),
				zap.Int("restaurants", len(requests)),
				zap.Error(err))
		}
	}()
}

// splitMentions cuts mentions into consecutive chunks of at most size.
func splitMentions(mentions []ValidatedMention, size int) [][]ValidatedMention {
	if len(mentions) == 0 {
		return nil
	}
	if size <= 0 || len(mentions) <= size {
		return [][]ValidatedMention{mentions}
	}
	chunks := make([][]ValidatedMention, 0, (len(mentions)+size-1)/size)
	for start := 0; start < len(mentions); start += size {
		end := min(start+size, len(mentions))
		chunks = append(chunks, mentions[start:end])
	}
	return chunks
}

// idSet is an insertion-ordered set of ids.
type idSet struct {
	ids  []uuid.UUID
	seen map[uuid.UUID]struct{}
}

func newIDSet() *idSet {
	return &idSet{ids: []uuid.UUID{}, seen: make(map[uuid.UUID]struct{})}
}

func (s *idSet) add(ids ...uuid.UUID) {
	for _, id := range ids {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
}

func (s *idSet) len() int {
	return len(s.ids)
}
