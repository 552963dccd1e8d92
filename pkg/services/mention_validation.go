package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ekaya-inc/foodgraph/pkg/apperrors"
	"github.com/ekaya-inc/foodgraph/pkg/jsonutil"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// MentionValidator turns loosely-typed extraction output into strict Mention
// records. It is safe for concurrent use.
type MentionValidator struct {
	validate *validator.Validate
}

// NewMentionValidator creates a MentionValidator.
func NewMentionValidator() *MentionValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &MentionValidator{validate: v}
}

// ValidatedMention is a strict mention and its position in the submitted batch.
type ValidatedMention struct {
	Index int
	*models.Mention
}

// ValidateBatch validates every raw mention, returning the valid ones in input
// order and a reason for each one skipped.
func (v *MentionValidator) ValidateBatch(raws []json.RawMessage) ([]ValidatedMention, []models.InvalidMention) {
	valid := make([]ValidatedMention, 0, len(raws))
	var invalid []models.InvalidMention
	for i, raw := range raws {
		m, err := v.Validate(raw)
		if err != nil {
			invalid = append(invalid, models.InvalidMention{Index: i, Reason: err.Error()})
			continue
		}
		valid = append(valid, ValidatedMention{Index: i, Mention: m})
	}
	return valid, invalid
}

// Validate parses and checks one raw mention. Failures are malformed_input errors.
func (v *MentionValidator) Validate(raw json.RawMessage) (*models.Mention, error) {
	const op = "mention.Validate"

	var in models.MentionInput
	if err := jsonutil.UnmarshalFlexible(raw, &in); err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedInput, op, err)
	}

	m, err := convertMention(&in)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindMalformedInput, op, err)
	}

	if err := v.validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, apperrors.New(apperrors.KindMalformedInput, op, describeValidationErrors(verrs))
		}
		return nil, apperrors.Wrap(apperrors.KindMalformedInput, op, err)
	}
	return m, nil
}

// convertMention coerces each raw field to its strict type.
func convertMention(in *models.MentionInput) (*models.Mention, error) {
	m := &models.Mention{}
	var err error

	if m.Restaurant, err = jsonutil.FlexibleString(in.Restaurant); err != nil {
		return nil, fmt.Errorf("restaurant: %w", err)
	}
	m.Restaurant = strings.TrimSpace(m.Restaurant)
	m.RestaurantSurface = strings.TrimSpace(jsonutil.FlexibleStringValue(in.RestaurantSurface))

	if m.Food, err = jsonutil.FlexibleString(in.Food); err != nil {
		return nil, fmt.Errorf("food: %w", err)
	}
	m.Food = strings.TrimSpace(m.Food)
	m.FoodSurface = strings.TrimSpace(jsonutil.FlexibleStringValue(in.FoodSurface))

	// A named food with no explicit flag is taken as a menu item.
	m.IsMenuItem = m.Food != ""
	if len(in.IsMenuItem) > 0 && string(in.IsMenuItem) != "null" {
		if m.IsMenuItem, err = jsonutil.FlexibleBool(in.IsMenuItem); err != nil {
			return nil, fmt.Errorf("is_menu_item: %w", err)
		}
	}

	if m.FoodCategories, err = trimmedSlice(in.FoodCategories); err != nil {
		return nil, fmt.Errorf("food_categories: %w", err)
	}
	if m.FoodAttributes, err = trimmedSlice(in.FoodAttributes); err != nil {
		return nil, fmt.Errorf("food_attributes: %w", err)
	}
	if m.RestaurantAttributes, err = trimmedSlice(in.RestaurantAttributes); err != nil {
		return nil, fmt.Errorf("restaurant_attributes: %w", err)
	}
	if m.GeneralPraise, err = jsonutil.FlexibleBool(in.GeneralPraise); err != nil {
		return nil, fmt.Errorf("general_praise: %w", err)
	}

	sourceType, err := jsonutil.FlexibleString(in.SourceType)
	if err != nil {
		return nil, fmt.Errorf("source_type: %w", err)
	}
	m.SourceType = models.SourceType(strings.ToLower(strings.TrimSpace(sourceType)))

	if m.SourceID, err = jsonutil.FlexibleString(in.SourceID); err != nil {
		return nil, fmt.Errorf("source_id: %w", err)
	}
	m.SourceID = strings.TrimSpace(m.SourceID)

	if m.SourceUps, err = jsonutil.FlexibleInt(in.SourceUps); err != nil {
		return nil, fmt.Errorf("source_ups: %w", err)
	}
	// Downvoted sources count as mentions with no upvote weight.
	m.SourceUps = max(0, m.SourceUps)
	if m.SourceCreatedAt, err = jsonutil.FlexibleTime(in.SourceCreatedAt); err != nil {
		return nil, fmt.Errorf("source_created_at: %w", err)
	}
	m.Subreddit = strings.TrimSpace(jsonutil.FlexibleStringValue(in.Subreddit))

	return m, nil
}

func trimmedSlice(raw json.RawMessage) ([]string, error) {
	items, err := jsonutil.FlexibleStringSlice(raw)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return items, nil
}

func describeValidationErrors(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
