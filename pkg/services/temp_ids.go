package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// Temp ids name every entity reference in a batch before resolution.
// Restaurants are global; foods and categories are scoped under their
// restaurant's temp id so identical dish names at different restaurants
// never collide inside one batch.
const (
	restaurantScope          = "restaurant"
	foodScopeSuffix          = "/food"
	foodAttributeScope       = "food_attribute"
	restaurantAttributeScope = "restaurant_attribute"
)

// NormalizeTempKey lowercases s and collapses every run of non-alphanumeric
// characters to a single '-', trimming leading and trailing dashes.
func NormalizeTempKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// NormalizeEntityName produces the canonical entity name: trimmed, lowercase,
// with internal whitespace collapsed to single spaces.
func NormalizeEntityName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// RestaurantTempID builds the temp id for a restaurant name.
func RestaurantTempID(raw, sourceID string) string {
	return buildTempID(restaurantScope, sourceID, raw)
}

// FoodTempID builds the temp id for a dish or category served by the restaurant
// identified by restaurantTempID.
func FoodTempID(restaurantTempID, raw, sourceID string) string {
	return buildTempID(restaurantTempID+foodScopeSuffix, sourceID, raw)
}

// AttributeTempID builds the temp id for a food or restaurant attribute.
func AttributeTempID(entityType models.EntityType, raw, sourceID string) string {
	scope := foodAttributeScope
	if entityType == models.EntityTypeRestaurantAttribute {
		scope = restaurantAttributeScope
	}
	return buildTempID(scope, sourceID, raw)
}

// buildTempID returns "<scope>:<key>", or a stable hash of the composite input
// when the surface normalizes to nothing (emoji-only names, punctuation).
func buildTempID(scope, sourceID string, raws ...string) string {
	key := NormalizeTempKey(strings.Join(raws, " "))
	if key != "" {
		return scope + ":" + key
	}
	return scope + ":h-" + hashTempKey(scope, sourceID, raws...)
}

func hashTempKey(scope, sourceID string, raws ...string) string {
	parts := append([]string{scope, sourceID}, raws...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
