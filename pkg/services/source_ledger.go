package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
)

// DefaultPipeline is the ledger pipeline used when a batch names no collection type.
const DefaultPipeline = "default"

// PipelineKey derives the ledger pipeline from a batch's collection type.
func PipelineKey(collectionType string) string {
	key := strings.ToLower(strings.TrimSpace(collectionType))
	if key == "" {
		return DefaultPipeline
	}
	return key
}

// LedgerFilterResult splits a batch into mentions to process and those already seen.
type LedgerFilterResult struct {
	Accepted []ValidatedMention
	// Rows are the ledger records to claim for the accepted mentions that carry a source id.
	Rows       []*models.SourceLedgerRecord
	Duplicates int
}

// SourceLedger gates ingestion so each (pipeline, source id) is processed once.
type SourceLedger interface {
	// Filter drops mentions already recorded for the pipeline and collapses
	// repeated source ids inside the batch to their first occurrence. Nothing is
	// written.
	Filter(ctx context.Context, pipeline string, mentions []ValidatedMention) (*LedgerFilterResult, error)

	// Claim records rows inside the caller's transaction and returns the source
	// ids this call inserted. Rows a concurrent batch claimed first are skipped.
	Claim(ctx context.Context, rows []*models.SourceLedgerRecord) (map[string]struct{}, error)
}

type sourceLedger struct {
	repo   repositories.SourceLedgerRepository
	logger *zap.Logger
}

// NewSourceLedger creates a SourceLedger backed by the ledger repository.
func NewSourceLedger(repo repositories.SourceLedgerRepository, logger *zap.Logger) SourceLedger {
	return &sourceLedger{
		repo:   repo,
		logger: logger.Named("source-ledger"),
	}
}

var _ SourceLedger = (*sourceLedger)(nil)

func (s *sourceLedger) Filter(ctx context.Context, pipeline string, mentions []ValidatedMention) (*LedgerFilterResult, error) {
	result := &LedgerFilterResult{Accepted: make([]ValidatedMention, 0, len(mentions))}

	seen := make(map[string]struct{}, len(mentions))
	candidates := make([]ValidatedMention, 0, len(mentions))
	var ids []string
	for _, m := range mentions {
		if m.SourceID == "" {
			candidates = append(candidates, m)
			continue
		}
		if _, dup := seen[m.SourceID]; dup {
			result.Duplicates++
			continue
		}
		seen[m.SourceID] = struct{}{}
		ids = append(ids, m.SourceID)
		candidates = append(candidates, m)
	}

	existing, err := s.repo.ExistingSourceIDs(ctx, pipeline, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to check source ledger: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range candidates {
		if m.SourceID != "" {
			if _, done := existing[m.SourceID]; done {
				result.Duplicates++
				continue
			}
			result.Rows = append(result.Rows, &models.SourceLedgerRecord{
				Pipeline:    pipeline,
				SourceID:    m.SourceID,
				Subreddit:   m.Subreddit,
				ProcessedAt: now,
			})
		}
		result.Accepted = append(result.Accepted, m)
	}

	if result.Duplicates > 0 {
		s.logger.Debug("Dropped already-ingested mentions",
			zap.String("pipeline", pipeline),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("accepted", len(result.Accepted)))
	}
	return result, nil
}

func (s *sourceLedger) Claim(ctx context.Context, rows []*models.SourceLedgerRecord) (map[string]struct{}, error) {
	claimed := make(map[string]struct{}, len(rows))
	if len(rows) == 0 {
		return claimed, nil
	}

	// Rows of one call always share a pipeline; group defensively anyway.
	byPipeline := make(map[string][]*models.SourceLedgerRecord)
	var order []string
	for _, r := range rows {
		if _, ok := byPipeline[r.Pipeline]; !ok {
			order = append(order, r.Pipeline)
		}
		byPipeline[r.Pipeline] = append(byPipeline[r.Pipeline], r)
	}

	for _, pipeline := range order {
		ids, err := s.repo.Claim(ctx, pipeline, byPipeline[pipeline])
		if err != nil {
			return nil, fmt.Errorf("failed to claim source ids: %w", err)
		}
		for _, id := range ids {
			claimed[id] = struct{}{}
		}
	}

	if lost := len(rows) - len(claimed); lost > 0 {
		s.logger.Info("Source ids claimed by a concurrent batch; skipping them",
			zap.Int("skipped", lost))
	}
	return claimed, nil
}
