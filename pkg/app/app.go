// Package app assembles the food graph services from configuration. The worker
// and the maintenance scripts share it so they run the same service graph.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/config"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/locks"
	"github.com/ekaya-inc/foodgraph/pkg/logging"
	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/queue"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
	"github.com/ekaya-inc/foodgraph/pkg/services"
)

// Services is the assembled service graph.
type Services struct {
	Processor services.MentionProcessor
	Replayer  services.BoostReplayer
	Scorer    services.QualityScoreService

	EntityRepo     repositories.EntityRepository
	ConnectionRepo repositories.ConnectionRepository
}

// Deps contains what Build needs from the process.
type Deps struct {
	Config   *config.Config
	DB       *database.DB
	Locker   locks.Locker
	Enricher services.RestaurantEnricher // optional
	Logger   *zap.Logger
}

// Build wires repositories and services.
func Build(deps *Deps) *Services {
	cfg := deps.Config
	logger := deps.Logger

	entityRepo := repositories.NewEntityRepository()
	connectionRepo := repositories.NewConnectionRepository()
	categoryRepo := repositories.NewCategoryAggregateRepository()
	boostEventRepo := repositories.NewBoostEventRepository()
	ledgerRepo := repositories.NewSourceLedgerRepository()

	replayer := services.NewBoostReplayer(&services.BoostReplayerDeps{
		ConnectionRepo: connectionRepo,
		BoostEventRepo: boostEventRepo,
		Locker:         deps.Locker,
		Config:         ReplayConfig(cfg),
		Logger:         logger,
	})
	scorer := services.NewQualityScoreService(&services.QualityScoreServiceDeps{
		EntityRepo:     entityRepo,
		ConnectionRepo: connectionRepo,
		CategoryRepo:   categoryRepo,
		Config:         QualityScoreConfig(cfg),
		Logger:         logger,
	})
	processor := services.NewMentionProcessor(&services.MentionProcessorDeps{
		Transactor:     deps.DB,
		Ledger:         services.NewSourceLedger(ledgerRepo, logger),
		Resolver:       services.NewEntityResolver(entityRepo, logger),
		EntityRepo:     entityRepo,
		ConnectionRepo: connectionRepo,
		CategoryRepo:   categoryRepo,
		BoostEventRepo: boostEventRepo,
		Replayer:       replayer,
		Scorer:         scorer,
		Enricher:       deps.Enricher,
		Config:         ProcessorConfig(cfg),
		Logger:         logger,
	})

	return &Services{
		Processor:      processor,
		Replayer:       replayer,
		Scorer:         scorer,
		EntityRepo:     entityRepo,
		ConnectionRepo: connectionRepo,
	}
}

// ============================================================================
// Configuration mapping
// ============================================================================

func decayParams(cfg *config.Config) models.DecayParams {
	return models.DecayParams{
		MentionPeriod: cfg.Scoring.MentionDecayPeriod,
		UpvotePeriod:  cfg.Scoring.UpvoteDecayPeriod,
	}
}

// ProcessorConfig maps configuration onto the mention processor's options.
func ProcessorConfig(cfg *config.Config) services.MentionProcessorConfig {
	pc := services.DefaultMentionProcessorConfig()
	pc.EnableQualityScores = cfg.Processing.EnableQualityScores
	pc.MaxRetries = cfg.Processing.MaxRetries
	pc.BatchTimeout = cfg.Processing.BatchTimeout
	pc.BatchSize = cfg.Processing.BatchSize
	pc.RecentWindow = cfg.Processing.RecentWindow
	pc.Decay = decayParams(cfg)
	return pc
}

// ReplayConfig maps configuration onto the boost replayer's options.
func ReplayConfig(cfg *config.Config) services.BoostReplayConfig {
	return services.BoostReplayConfig{
		Decay:        decayParams(cfg),
		RecentWindow: cfg.Processing.RecentWindow,
		Concurrency:  cfg.Processing.ScoringConcurrency,
	}
}

// QualityScoreConfig maps configuration onto the quality score engine's options.
func QualityScoreConfig(cfg *config.Config) services.QualityScoreConfig {
	s := cfg.Scoring
	return services.QualityScoreConfig{
		Decay:                   decayParams(cfg),
		NormalizationScale:      s.NormalizationScale,
		MentionWeight:           s.MentionWeight,
		UpvoteWeight:            s.UpvoteWeight,
		PrimaryWeight:           s.PrimaryWeight,
		SecondaryWeight:         s.SecondaryWeight,
		TopFoodWeight:           s.TopFoodWeight,
		ConsistencyWeight:       s.ConsistencyWeight,
		PraiseWeight:            s.PraiseWeight,
		FallbackRestaurantScore: s.FallbackRestaurantScore,
		MinPerformanceWeight:    s.MinPerformanceWeight,
		ActiveWindow:            cfg.Processing.ActiveWindow,
		TrendingThreshold:       int64(cfg.Processing.TrendingThreshold),
		Concurrency:             cfg.Processing.ScoringConcurrency,
	}
}

// NewLocker returns the replay locker selected by replay.lock_backend. The
// redis client is only consulted for the redis backend.
func NewLocker(cfg *config.Config, db *database.DB, rdb *redis.Client) (locks.Locker, error) {
	opts := locks.Options{
		TTL:         cfg.Replay.LockTTL,
		Wait:        cfg.Replay.LockWait,
		TokenPrefix: "foodgraph-",
	}
	switch cfg.Replay.LockBackend {
	case "local":
		return locks.NewLocalLocker(cfg.Replay.LockWait), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis lock backend selected but redis is not configured")
		}
		return locks.NewRedisLocker(rdb, "foodgraph:lock:", opts), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres lock backend selected without a database")
		}
		return locks.NewPostgresLocker(db.Pool, opts), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Replay.LockBackend)
	}
}

// ============================================================================
// Queue intake
// ============================================================================

// ScopeBinder binds a database scope to a context.
type ScopeBinder interface {
	Bind(ctx context.Context) context.Context
}

// BatchHandler decodes a mention batch delivery and processes it in the scope
// db binds. An undecodable body is reported as malformed input so it is
// dead-lettered. Failed sub-batches of a split batch are logged, not retried:
// redelivery would double count mentions that carry no source id.
func BatchHandler(processor services.MentionProcessor, db ScopeBinder, logger *zap.Logger) queue.Handler {
	logger = logger.Named("batch-handler")
	return func(ctx context.Context, d amqp091.Delivery) error {
		var batch models.MentionBatch
		if err := json.Unmarshal(d.Body, &batch); err != nil {
			return apperrors.Wrap(apperrors.KindMalformedInput, "app.BatchHandler", err)
		}

		start := time.Now()
		result, err := processor.ProcessBatch(db.Bind(ctx), &batch)
		if err != nil {
			return err
		}

		failed := 0
		for _, sb := range result.SubBatches {
			if !sb.Succeeded {
				failed++
				logger.Warn("Sub-batch failed",
					zap.String("batch_id", result.BatchID),
					zap.Int("sub_batch", sb.Index),
					zap.Int("mentions", sb.Mentions),
					zap.Int("attempts", sb.Attempts),
					zap.String("error", logging.TruncateString(sb.Error, 500)))
			}
		}

		logger.Info("Processed mention batch",
			zap.String("batch_id", result.BatchID),
			zap.Int("received", result.MentionsReceived),
			zap.Int("processed", result.MentionsProcessed),
			zap.Int("duplicates", result.MentionsDuplicate),
			zap.Int("invalid", result.MentionsInvalid),
			zap.Int("entities_created", result.EntitiesCreated),
			zap.Int("connections_created", result.ConnectionsCreated),
			zap.Int("failed_sub_batches", failed),
			zap.Duration("duration", time.Since(start)))
		return nil
	}
}
