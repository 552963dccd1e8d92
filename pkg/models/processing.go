package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingResult is returned to the submitter of a mention batch.
type ProcessingResult struct {
	BatchID string `json:"batch_id"`

	MentionsReceived   int `json:"mentions_received"`
	MentionsDuplicate  int `json:"mentions_duplicate"`
	MentionsInvalid    int `json:"mentions_invalid"`
	MentionsProcessed  int `json:"mentions_processed"`
	EntitiesCreated    int `json:"entities_created"`
	ConnectionsCreated int `json:"connections_created"`
	ConnectionsBoosted int `json:"connections_boosted"`
	CategoryEvents     int `json:"category_events"`

	AffectedConnectionIDs []uuid.UUID       `json:"affected_connection_ids"`
	CreatedEntities       []CreatedEntity   `json:"created_entities"`
	InvalidMentions       []InvalidMention  `json:"invalid_mentions,omitempty"`
	SubBatches            []SubBatchOutcome `json:"sub_batches"`

	Replay  *ReplayResult        `json:"replay,omitempty"`
	Quality *QualityUpdateResult `json:"quality,omitempty"`

	DurationMs int64 `json:"duration_ms"`
}

// InvalidMention records a mention skipped at the boundary.
type InvalidMention struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// SubBatchOutcome reports how one sequential slice of a batch fared.
type SubBatchOutcome struct {
	Index     int    `json:"index"`
	Mentions  int    `json:"mentions"`
	Succeeded bool   `json:"succeeded"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// ItemError is a per-entity failure from the post-commit phases.
type ItemError struct {
	ConnectionID *uuid.UUID `json:"connection_id,omitempty"`
	RestaurantID *uuid.UUID `json:"restaurant_id,omitempty"`
	Error        string     `json:"error"`
}

// ReplayResult summarizes one boost replay run.
type ReplayResult struct {
	RestaurantsProcessed int         `json:"restaurants_processed"`
	ConnectionsUpdated   int         `json:"connections_updated"`
	EventsApplied        int         `json:"events_applied"`
	Errors               []ItemError `json:"errors,omitempty"`

	UpdatedConnectionIDs []uuid.UUID `json:"updated_connection_ids,omitempty"`
}

// QualityUpdateResult summarizes one quality score batch update.
type QualityUpdateResult struct {
	ConnectionsUpdated      int         `json:"connections_updated"`
	RestaurantsUpdated      int         `json:"restaurants_updated"`
	AverageProcessingTimeMs float64     `json:"average_processing_time_ms"`
	Errors                  []ItemError `json:"errors,omitempty"`
}

// EnrichmentRequest is handed to enrichment collaborators for a newly created restaurant.
type EnrichmentRequest struct {
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Name         string    `json:"name"`
	Aliases      []string  `json:"aliases,omitempty"`
	BatchID      string    `json:"batch_id,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}
