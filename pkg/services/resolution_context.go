package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/foodgraph/pkg/models"
)

// ResolutionContext maps one batch's temp ids to entity ids. It lives for a
// single (sub-)batch attempt and is passed explicitly; nothing is shared
// between batches.
type ResolutionContext struct {
	ids     map[string]uuid.UUID
	created []models.CreatedEntity
}

// NewResolutionContext creates an empty ResolutionContext.
func NewResolutionContext() *ResolutionContext {
	return &ResolutionContext{ids: make(map[string]uuid.UUID)}
}

// Set maps tempID to id.
func (c *ResolutionContext) Set(tempID string, id uuid.UUID) {
	c.ids[tempID] = id
}

// Lookup returns the entity id for tempID.
func (c *ResolutionContext) Lookup(tempID string) (uuid.UUID, bool) {
	id, ok := c.ids[tempID]
	return id, ok
}

// MustLookup returns the entity id for tempID or an error naming the temp id.
func (c *ResolutionContext) MustLookup(tempID string) (uuid.UUID, error) {
	id, ok := c.ids[tempID]
	if !ok {
		return uuid.Nil, fmt.Errorf("no entity resolved for temp id %q", tempID)
	}
	return id, nil
}

// IDs maps tempIDs to entity ids, dropping duplicates and preserving order.
func (c *ResolutionContext) IDs(tempIDs []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(tempIDs))
	seen := make(map[uuid.UUID]struct{}, len(tempIDs))
	for _, t := range tempIDs {
		id, err := c.MustLookup(t)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Len returns the number of mapped temp ids.
func (c *ResolutionContext) Len() int {
	return len(c.ids)
}

// RecordCreated notes an entity created by this batch.
func (c *ResolutionContext) RecordCreated(e *models.Entity, tempIDs []string) {
	c.created = append(c.created, models.CreatedEntity{
		ID:      e.ID,
		Name:    e.Name,
		Type:    e.Type,
		TempIDs: append([]string(nil), tempIDs...),
	})
}

// Created returns the entities created by this batch in creation order.
func (c *ResolutionContext) Created() []models.CreatedEntity {
	return c.created
}
