package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// SourceLedgerRepository records which (pipeline, source id) pairs were ingested.
type SourceLedgerRepository interface {
	// ExistingSourceIDs returns the subset of sourceIDs already recorded for the pipeline.
	ExistingSourceIDs(ctx context.Context, pipeline string, sourceIDs []string) (map[string]struct{}, error)
	// Claim inserts the records, skipping any that already exist, and returns the
	// source ids this call actually inserted.
	Claim(ctx context.Context, pipeline string, records []*models.SourceLedgerRecord) ([]string, error)
}

type sourceLedgerRepository struct{}

// NewSourceLedgerRepository creates a new SourceLedgerRepository.
func NewSourceLedgerRepository() SourceLedgerRepository {
	return &sourceLedgerRepository{}
}

var _ SourceLedgerRepository = (*sourceLedgerRepository)(nil)

func (r *sourceLedgerRepository) ExistingSourceIDs(ctx context.Context, pipeline string, sourceIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(sourceIDs) == 0 {
		return existing, nil
	}
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, `
		SELECT source_id
		FROM source_ledger
		WHERE pipeline = $1 AND source_id = ANY($2::text[])`, pipeline, sourceIDs)
	if err != nil {
		return nil, apperrors.FromStore("sourceLedger.ExistingSourceIDs", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.FromStore("sourceLedger.ExistingSourceIDs", err)
	}
	for _, id := range ids {
		existing[id] = struct{}{}
	}
	return existing, nil
}

func (r *sourceLedgerRepository) Claim(ctx context.Context, pipeline string, records []*models.SourceLedgerRecord) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	conn, err := database.ScopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	sourceIDs := make([]string, len(records))
	subreddits := make([]string, len(records))
	for i, rec := range records {
		sourceIDs[i] = rec.SourceID
		subreddits[i] = rec.Subreddit
	}

	rows, err := conn.Query(ctx, `
		INSERT INTO source_ledger (pipeline, source_id, subreddit, processed_at)
		SELECT $1, s.source_id, NULLIF(s.subreddit, ''), now()
		FROM unnest($2::text[], $3::text[]) AS s(source_id, subreddit)
		ON CONFLICT (pipeline, source_id) DO NOTHING
		RETURNING source_id`, pipeline, sourceIDs, subreddits)
	if err != nil {
		return nil, apperrors.FromStore("sourceLedger.Claim", err)
	}
	claimed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.FromStore("sourceLedger.Claim", err)
	}
	return claimed, nil
}
