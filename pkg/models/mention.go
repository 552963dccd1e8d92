package models

import (
	"encoding/json"
	"time"
)

// SourceType is where a mention was extracted from.
type SourceType string

const (
	SourceTypePost    SourceType = "post"
	SourceTypeComment SourceType = "comment"
)

// MentionInput is one loosely-typed mention as emitted by the extraction step.
// Every field is kept raw so LLM quirks (numbers as strings, scalars for lists)
// can be tolerated during validation.
type MentionInput struct {
	Restaurant           json.RawMessage `json:"restaurant"`
	RestaurantSurface    json.RawMessage `json:"restaurant_surface,omitempty"`
	Food                 json.RawMessage `json:"food,omitempty"`
	FoodSurface          json.RawMessage `json:"food_surface,omitempty"`
	IsMenuItem           json.RawMessage `json:"is_menu_item,omitempty"`
	FoodCategories       json.RawMessage `json:"food_categories,omitempty"`
	FoodAttributes       json.RawMessage `json:"food_attributes,omitempty"`
	RestaurantAttributes json.RawMessage `json:"restaurant_attributes,omitempty"`
	GeneralPraise        json.RawMessage `json:"general_praise,omitempty"`
	SourceType           json.RawMessage `json:"source_type"`
	SourceID             json.RawMessage `json:"source_id"`
	SourceUps            json.RawMessage `json:"source_ups"`
	SourceCreatedAt      json.RawMessage `json:"source_created_at"`
	Subreddit            json.RawMessage `json:"subreddit,omitempty"`
}

// Mention is the strict internal record produced by boundary validation.
type Mention struct {
	Restaurant           string     `json:"restaurant" validate:"required"`
	RestaurantSurface    string     `json:"restaurant_surface,omitempty"`
	Food                 string     `json:"food,omitempty"`
	FoodSurface          string     `json:"food_surface,omitempty"`
	IsMenuItem           bool       `json:"is_menu_item"`
	FoodCategories       []string   `json:"food_categories,omitempty" validate:"dive,required"`
	FoodAttributes       []string   `json:"food_attributes,omitempty" validate:"dive,required"`
	RestaurantAttributes []string   `json:"restaurant_attributes,omitempty" validate:"dive,required"`
	GeneralPraise        bool       `json:"general_praise"`
	SourceType           SourceType `json:"source_type" validate:"required,oneof=post comment"`
	SourceID             string     `json:"source_id,omitempty"`
	SourceUps            int64      `json:"source_ups"`
	SourceCreatedAt      time.Time  `json:"source_created_at" validate:"required"`
	Subreddit            string     `json:"subreddit,omitempty"`
}

// HasFood reports whether the mention names a food.
func (m *Mention) HasFood() bool {
	return m.Food != ""
}

// MentionBatch is the envelope a collector submits for processing.
type MentionBatch struct {
	Mentions       []json.RawMessage `json:"mentions"`
	SourceMetadata SourceMetadata    `json:"sourceMetadata"`
}

// SourceMetadata describes where a batch came from.
type SourceMetadata struct {
	BatchID         string         `json:"batchId" yaml:"batchId"`
	CollectionType  string         `json:"collectionType" yaml:"collectionType"`
	Subreddit       string         `json:"subreddit,omitempty" yaml:"subreddit,omitempty"`
	SourceBreakdown map[string]int `json:"sourceBreakdown,omitempty" yaml:"sourceBreakdown,omitempty"`
	TemporalRange   *TemporalRange `json:"temporalRange,omitempty" yaml:"temporalRange,omitempty"`
}

// TemporalRange bounds the source timestamps covered by a batch.
type TemporalRange struct {
	Earliest time.Time `json:"earliest" yaml:"earliest"`
	Latest   time.Time `json:"latest" yaml:"latest"`
}
