package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

func TestNormalizeTempKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Franklin Barbecue", "franklin-barbecue"},
		{"  Joe's   Pizza!! ", "joe-s-pizza"},
		{"--BBQ--", "bbq"},
		{"Café Olé", "café-olé"},
		{"🍕🍕", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTempKey(tt.input))
		})
	}
}

func TestNormalizeEntityName(t *testing.T) {
	assert.Equal(t, "franklin barbecue", NormalizeEntityName("  Franklin \t Barbecue "))
	assert.Equal(t, "joe's pizza", NormalizeEntityName("Joe's Pizza"))
	assert.Equal(t, "", NormalizeEntityName("   "))
}

func TestTempIDs_Shapes(t *testing.T) {
	r := RestaurantTempID("Franklin Barbecue", "t3_abc")
	assert.Equal(t, "restaurant:franklin-barbecue", r)
	assert.Equal(t, "restaurant:franklin-barbecue/food:brisket", FoodTempID(r, "Brisket", "t3_abc"))
	assert.Equal(t, "food_attribute:smoky", AttributeTempID(models.EntityTypeFoodAttribute, "Smoky", "t3_abc"))
	assert.Equal(t, "restaurant_attribute:patio", AttributeTempID(models.EntityTypeRestaurantAttribute, "Patio", "t3_abc"))
}

func TestTempIDs_FoodScopedByRestaurant(t *testing.T) {
	a := FoodTempID(RestaurantTempID("Franklin Barbecue", ""), "Brisket", "")
	b := FoodTempID(RestaurantTempID("La Barbecue", ""), "Brisket", "")
	assert.NotEqual(t, a, b)
}

func TestTempIDs_HashFallbackIsStable(t *testing.T) {
	a := RestaurantTempID("🍔🍔", "t1_x")
	b := RestaurantTempID("🍔🍔", "t1_x")
	c := RestaurantTempID("🍔🍔", "t1_y")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "restaurant:h-"))
	assert.Len(t, strings.TrimPrefix(a, "restaurant:h-"), 16)
}
