package services

import (
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// mentionRefs are the temp ids one mention refers to.
type mentionRefs struct {
	restaurant           string
	food                 string
	categories           []string
	foodAttributes       []string
	restaurantAttributes []string
}

// tempIDs lists every temp id the mention refers to.
func (r *mentionRefs) tempIDs() []string {
	out := []string{r.restaurant}
	if r.food != "" {
		out = append(out, r.food)
	}
	out = append(out, r.categories...)
	out = append(out, r.foodAttributes...)
	return append(out, r.restaurantAttributes...)
}

// batchRefs holds the resolution requests for a (sub-)batch and each mention's
// temp ids, keyed by the mention's index in the submitted batch.
type batchRefs struct {
	requests  []ResolutionRequest
	byMention map[int]*mentionRefs
}

// buildBatchRefs assigns temp ids to every entity reference. Requests are
// deduplicated by temp id with surface forms accumulated.
func buildBatchRefs(mentions []ValidatedMention) *batchRefs {
	refs := &batchRefs{byMention: make(map[int]*mentionRefs, len(mentions))}
	index := make(map[string]int)

	add := func(tempID string, t models.EntityType, raw string, surfaces ...string) string {
		if i, ok := index[tempID]; ok {
			refs.requests[i].Surfaces = append(refs.requests[i].Surfaces, surfaces...)
			return tempID
		}
		index[tempID] = len(refs.requests)
		refs.requests = append(refs.requests, ResolutionRequest{
			TempID:   tempID,
			Type:     t,
			Name:     NormalizeEntityName(raw),
			Surfaces: append([]string(nil), surfaces...),
		})
		return tempID
	}

	for _, m := range mentions {
		mr := &mentionRefs{}
		mr.restaurant = add(RestaurantTempID(m.Restaurant, m.SourceID), models.EntityTypeRestaurant,
			m.Restaurant, m.Restaurant, m.RestaurantSurface)

		if m.HasFood() {
			mr.food = add(FoodTempID(mr.restaurant, m.Food, m.SourceID), models.EntityTypeFood,
				m.Food, m.Food, m.FoodSurface)
		}
		for _, c := range m.FoodCategories {
			mr.categories = appendUnique(mr.categories,
				add(FoodTempID(mr.restaurant, c, m.SourceID), models.EntityTypeFood, c, c))
		}
		for _, a := range m.FoodAttributes {
			mr.foodAttributes = appendUnique(mr.foodAttributes,
				add(AttributeTempID(models.EntityTypeFoodAttribute, a, m.SourceID), models.EntityTypeFoodAttribute, a, a))
		}
		for _, a := range m.RestaurantAttributes {
			mr.restaurantAttributes = appendUnique(mr.restaurantAttributes,
				add(AttributeTempID(models.EntityTypeRestaurantAttribute, a, m.SourceID), models.EntityTypeRestaurantAttribute, a, a))
		}
		refs.byMention[m.Index] = mr
	}
	return refs
}

// resolutionsFor keeps the resolutions whose temp ids are in keep.
func resolutionsFor(all []Resolution, keep map[string]struct{}) []Resolution {
	out := make([]Resolution, 0, len(keep))
	for _, r := range all {
		if _, ok := keep[r.TempID]; ok {
			out = append(out, r)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
