package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
)

// entityMaterializer turns resolutions into entity ids inside the mutation
// transaction.
type entityMaterializer struct {
	entityRepo repositories.EntityRepository
	logger     *zap.Logger
}

// newGroup is the set of new resolutions that collapse into one entity.
type newGroup struct {
	primary string
	name    string
	typ     models.EntityType
	tempIDs []string
	aliases []string
}

// Materialize populates rc for every resolution. Matched entities get their
// alias sets merged. Each group of new resolutions is re-checked against the
// store (another worker may have just created it) and then reused or inserted.
// Any failure to obtain an id is returned and must fail the transaction.
func (m *entityMaterializer) Materialize(ctx context.Context, resolutions []Resolution, rc *ResolutionContext) error {
	// Matched entities.
	merge := make(map[uuid.UUID][]string)
	var mergeOrder []uuid.UUID
	for _, res := range resolutions {
		if res.Tier == TierNew {
			continue
		}
		if res.EntityID == uuid.Nil {
			return fmt.Errorf("resolution %q (%s) has no entity id", res.TempID, res.Tier)
		}
		rc.Set(res.TempID, res.EntityID)
		if _, ok := merge[res.EntityID]; !ok {
			mergeOrder = append(mergeOrder, res.EntityID)
		}
		merge[res.EntityID] = append(merge[res.EntityID], res.Aliases...)
	}
	for _, id := range mergeOrder {
		aliases := ValidateAliases(merge[id])
		if err := m.entityRepo.MergeAliases(ctx, id, aliases); err != nil {
			return fmt.Errorf("failed to merge aliases into entity %s: %w", id, err)
		}
	}

	// New entities, one per group.
	groups, order := groupByPrimary(resolutions)
	for _, primary := range order {
		g := groups[primary]
		id, err := m.materializeGroup(ctx, g, rc)
		if err != nil {
			return err
		}
		for _, t := range g.tempIDs {
			rc.Set(t, id)
		}
	}
	return nil
}

func (m *entityMaterializer) materializeGroup(ctx context.Context, g *newGroup, rc *ResolutionContext) (uuid.UUID, error) {
	aliases := ValidateAliases(g.aliases)

	existing, err := m.entityRepo.GetByNameAndType(ctx, g.name, g.typ)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to re-check %s %q: %w", g.typ, g.name, err)
	}
	if existing != nil {
		m.logger.Warn("Resolver reported a new entity that already exists; reusing it",
			zap.String("name", g.name),
			zap.String("type", string(g.typ)),
			zap.String("entity_id", existing.ID.String()))
		if err := m.entityRepo.MergeAliases(ctx, existing.ID, aliases); err != nil {
			return uuid.Nil, fmt.Errorf("failed to merge aliases into entity %s: %w", existing.ID, err)
		}
		return existing.ID, nil
	}

	entity := &models.Entity{Name: g.name, Type: g.typ, Aliases: aliases}
	created, err := m.entityRepo.Create(ctx, entity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create %s %q: %w", g.typ, g.name, err)
	}
	if entity.ID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("store returned no id for %s %q", g.typ, g.name)
	}
	if !created {
		m.logger.Warn("Entity appeared between re-check and insert; merged aliases",
			zap.String("name", g.name),
			zap.String("type", string(g.typ)),
			zap.String("entity_id", entity.ID.String()))
		return entity.ID, nil
	}
	rc.RecordCreated(entity, g.tempIDs)
	return entity.ID, nil
}

// groupByPrimary collects new resolutions under their root primary temp id,
// following PrimaryTempID chains. Groups are returned in first-seen order.
func groupByPrimary(resolutions []Resolution) (map[string]*newGroup, []string) {
	parent := make(map[string]string)
	for _, res := range resolutions {
		if res.Tier == TierNew && res.PrimaryTempID != "" && res.PrimaryTempID != res.TempID {
			parent[res.TempID] = res.PrimaryTempID
		}
	}
	root := func(t string) string {
		seen := map[string]struct{}{t: {}}
		for {
			p, ok := parent[t]
			if !ok {
				return t
			}
			if _, loop := seen[p]; loop {
				return t
			}
			seen[p] = struct{}{}
			t = p
		}
	}

	groups := make(map[string]*newGroup)
	var order []string
	for _, res := range resolutions {
		if res.Tier != TierNew {
			continue
		}
		primary := root(res.TempID)
		g, ok := groups[primary]
		if !ok {
			g = &newGroup{primary: primary, name: res.Name, typ: res.Type}
			groups[primary] = g
			order = append(order, primary)
		}
		if res.TempID == primary {
			g.name, g.typ = res.Name, res.Type
		}
		g.tempIDs = append(g.tempIDs, res.TempID)
		g.aliases = append(g.aliases, res.Aliases...)
	}
	return groups, order
}
