package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

func TestParseIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	ids, err := parseIDs([]string{a.String(), b.String(), a.String()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)

	_, err = parseIDs(nil)
	assert.Error(t, err)

	_, err = parseIDs([]string{"franklin"})
	assert.ErrorContains(t, err, `invalid restaurant id "franklin"`)
}

func TestSplitNames(t *testing.T) {
	assert.Equal(t, []string{"bbq", "breakfast tacos"}, splitNames(" BBQ ,Breakfast  Tacos,, bbq"))
	assert.Nil(t, splitNames(""))
}

type stubEntities struct {
	byName map[string]*models.Entity
	err    error
}

func (s *stubEntities) GetByNameAndType(_ context.Context, name string, entityType models.EntityType) (*models.Entity, error) {
	if s.err != nil {
		return nil, s.err
	}
	e, ok := s.byName[string(entityType)+":"+name]
	if !ok {
		return nil, nil
	}
	return e, nil
}

type stubScorer struct {
	category  map[uuid.UUID]float64
	attribute map[uuid.UUID]float64
	failFor   uuid.UUID
}

func (s *stubScorer) UpdateQualityScores(context.Context, []uuid.UUID) (*models.QualityUpdateResult, error) {
	return &models.QualityUpdateResult{}, nil
}

func (s *stubScorer) CategoryPerformance(_ context.Context, restaurantID, categoryID uuid.UUID) (float64, error) {
	if restaurantID == s.failFor {
		return 0, errors.New("connections unavailable")
	}
	return s.category[categoryID], nil
}

func (s *stubScorer) AttributePerformance(_ context.Context, restaurantID, attributeID uuid.UUID) (float64, error) {
	if restaurantID == s.failFor {
		return 0, errors.New("connections unavailable")
	}
	return s.attribute[attributeID], nil
}

func TestPerformanceReport(t *testing.T) {
	bbq := &models.Entity{ID: uuid.New(), Name: "bbq", Type: models.EntityTypeFood}
	smoky := &models.Entity{ID: uuid.New(), Name: "smoky", Type: models.EntityTypeFoodAttribute}
	entities := &stubEntities{byName: map[string]*models.Entity{
		"food:bbq":             bbq,
		"food_attribute:smoky": smoky,
	}}
	ok, failing := uuid.New(), uuid.New()
	scorer := &stubScorer{
		category:  map[uuid.UUID]float64{bbq.ID: 72.5},
		attribute: map[uuid.UUID]float64{smoky.ID: 64},
		failFor:   failing,
	}

	entries := performanceReport(context.Background(), scorer, entities, []uuid.UUID{ok, failing},
		[]string{"bbq", "sushi"}, []string{"smoky"})

	require.Len(t, entries, 6)

	assert.Equal(t, ok, entries[0].RestaurantID)
	assert.Equal(t, models.EntityTypeFood, entries[0].Kind)
	require.NotNil(t, entries[0].EntityID)
	assert.Equal(t, bbq.ID, *entries[0].EntityID)
	assert.Equal(t, 72.5, entries[0].Score)
	assert.Empty(t, entries[0].Error)

	assert.Equal(t, failing, entries[1].RestaurantID)
	assert.Equal(t, "connections unavailable", entries[1].Error)

	assert.Equal(t, "sushi", entries[2].Name)
	assert.Nil(t, entries[2].EntityID)
	assert.Equal(t, "unknown food", entries[2].Error)
	assert.Equal(t, "unknown food", entries[3].Error)

	assert.Equal(t, models.EntityTypeFoodAttribute, entries[4].Kind)
	assert.Equal(t, 64.0, entries[4].Score)
	assert.Empty(t, entries[4].Error)
	assert.Equal(t, "connections unavailable", entries[5].Error)
}

func TestPerformanceReport_NothingRequested(t *testing.T) {
	entries := performanceReport(context.Background(), &stubScorer{}, &stubEntities{}, []uuid.UUID{uuid.New()}, nil, nil)
	assert.Nil(t, entries)
}

func TestPerformanceReport_LookupFailure(t *testing.T) {
	entities := &stubEntities{err: errors.New("db down")}
	entries := performanceReport(context.Background(), &stubScorer{}, entities, []uuid.UUID{uuid.New()}, []string{"bbq"}, nil)

	require.Len(t, entries, 1)
	assert.Equal(t, "db down", entries[0].Error)
}
