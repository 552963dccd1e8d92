package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/repositories"
)

// ResolutionTier says how a temp id was matched to a canonical entity.
type ResolutionTier string

const (
	TierExact ResolutionTier = "exact"
	TierAlias ResolutionTier = "alias"
	TierFuzzy ResolutionTier = "fuzzy"
	TierNew   ResolutionTier = "new"
)

// maxAliasLength bounds a stored alias; longer surfaces are dropped.
const maxAliasLength = 255

// ResolutionRequest is one entity reference from a batch.
type ResolutionRequest struct {
	TempID   string
	Type     models.EntityType
	Name     string   // canonical name, see NormalizeEntityName
	Surfaces []string // surface forms seen in the batch
}

// Resolution is the resolver's answer for one temp id.
type Resolution struct {
	TempID string
	Tier   ResolutionTier
	// EntityID is set for every tier except new.
	EntityID uuid.UUID
	Name     string
	Type     models.EntityType
	Aliases  []string
	// PrimaryTempID groups new resolutions that must collapse to one created
	// entity. Empty when this temp id is its own group's primary.
	PrimaryTempID string
}

// EntityResolver maps batch entity references to canonical entities.
type EntityResolver interface {
	ResolveBatch(ctx context.Context, requests []ResolutionRequest) ([]Resolution, error)
}

type entityResolver struct {
	entityRepo repositories.EntityRepository
	logger     *zap.Logger
}

// NewEntityResolver creates the default resolver backed by the entity store:
// exact name, then alias, then singular/plural variants, else new.
func NewEntityResolver(entityRepo repositories.EntityRepository, logger *zap.Logger) EntityResolver {
	return &entityResolver{
		entityRepo: entityRepo,
		logger:     logger.Named("entity-resolver"),
	}
}

var _ EntityResolver = (*entityResolver)(nil)

func (r *entityResolver) ResolveBatch(ctx context.Context, requests []ResolutionRequest) ([]Resolution, error) {
	results := make([]Resolution, len(requests))
	byType := make(map[models.EntityType][]int)
	var typeOrder []models.EntityType
	for i, req := range requests {
		results[i] = Resolution{
			TempID:  req.TempID,
			Tier:    TierNew,
			Name:    req.Name,
			Type:    req.Type,
			Aliases: ValidateAliases(req.Surfaces),
		}
		if _, ok := byType[req.Type]; !ok {
			typeOrder = append(typeOrder, req.Type)
		}
		byType[req.Type] = append(byType[req.Type], i)
	}

	for _, entityType := range typeOrder {
		if err := r.resolveType(ctx, entityType, requests, results, byType[entityType]); err != nil {
			return nil, err
		}
	}

	groupNewResolutions(results)
	return results, nil
}

func (r *entityResolver) resolveType(ctx context.Context, entityType models.EntityType, requests []ResolutionRequest, results []Resolution, idx []int) error {
	// Tier 1: exact (name, type).
	names := make([]string, 0, len(idx))
	for _, i := range idx {
		names = append(names, requests[i].Name)
	}
	exact, err := r.entityRepo.FindByNames(ctx, entityType, uniqueStrings(names))
	if err != nil {
		return fmt.Errorf("failed to resolve %s names: %w", entityType, err)
	}
	byName := indexByName(exact)
	pending := r.match(idx, results, TierExact, func(i int) *models.Entity {
		return byName[requests[i].Name]
	})
	if len(pending) == 0 {
		return nil
	}

	// Tier 2: alias hit on a surface form or the canonical name.
	var candidates []string
	for _, i := range pending {
		candidates = append(candidates, requests[i].Name)
		for _, a := range results[i].Aliases {
			candidates = append(candidates, a, strings.ToLower(a))
		}
	}
	aliased, err := r.entityRepo.FindByAliases(ctx, entityType, uniqueStrings(candidates))
	if err != nil {
		return fmt.Errorf("failed to resolve %s aliases: %w", entityType, err)
	}
	byAlias := indexByAlias(aliased)
	pending = r.match(pending, results, TierAlias, func(i int) *models.Entity {
		if e := byAlias[requests[i].Name]; e != nil {
			return e
		}
		for _, a := range results[i].Aliases {
			if e := byAlias[strings.ToLower(a)]; e != nil {
				return e
			}
		}
		return nil
	})
	if len(pending) == 0 {
		return nil
	}

	// Tier 3: singular/plural variants against names and aliases.
	variants := make(map[int][]string, len(pending))
	var all []string
	for _, i := range pending {
		v := nameVariants(requests[i].Name)
		variants[i] = v
		all = append(all, v...)
	}
	if len(all) == 0 {
		return nil
	}
	all = uniqueStrings(all)
	fuzzyNames, err := r.entityRepo.FindByNames(ctx, entityType, all)
	if err != nil {
		return fmt.Errorf("failed to resolve %s variants: %w", entityType, err)
	}
	fuzzyAliases, err := r.entityRepo.FindByAliases(ctx, entityType, all)
	if err != nil {
		return fmt.Errorf("failed to resolve %s variant aliases: %w", entityType, err)
	}
	fuzzyByName := indexByName(fuzzyNames)
	fuzzyByAlias := indexByAlias(fuzzyAliases)
	r.match(pending, results, TierFuzzy, func(i int) *models.Entity {
		for _, v := range variants[i] {
			if e := fuzzyByName[v]; e != nil {
				return e
			}
		}
		for _, v := range variants[i] {
			if e := fuzzyByAlias[v]; e != nil {
				return e
			}
		}
		return nil
	})
	return nil
}

// match assigns tier to every index whose lookup hits and returns the rest.
func (r *entityResolver) match(idx []int, results []Resolution, tier ResolutionTier, lookup func(i int) *models.Entity) []int {
	var rest []int
	for _, i := range idx {
		e := lookup(i)
		if e == nil {
			rest = append(rest, i)
			continue
		}
		results[i].Tier = tier
		results[i].EntityID = e.ID
		if tier != TierExact {
			r.logger.Debug("Resolved entity by "+string(tier),
				zap.String("temp_id", results[i].TempID),
				zap.String("name", results[i].Name),
				zap.String("entity", e.Name))
		}
	}
	return rest
}

// groupNewResolutions points every new resolution at the first temp id that
// shares its (type, name).
func groupNewResolutions(results []Resolution) {
	type key struct {
		t    models.EntityType
		name string
	}
	primaries := make(map[key]string)
	for i := range results {
		res := &results[i]
		if res.Tier != TierNew {
			continue
		}
		k := key{res.Type, res.Name}
		if primary, ok := primaries[k]; ok {
			if primary != res.TempID {
				res.PrimaryTempID = primary
			}
			continue
		}
		primaries[k] = res.TempID
	}
}

// ValidateAliases collapses whitespace in each surface and drops empty,
// oversized and repeated entries. Distinct spellings are all kept.
func ValidateAliases(surfaces []string) []string {
	out := make([]string, 0, len(surfaces))
	seen := make(map[string]struct{}, len(surfaces))
	for _, s := range surfaces {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" || len(s) > maxAliasLength {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// nameVariants returns the singular and plural forms of name that differ from it.
// Only the last word is inflected ("beef rib" -> "beef ribs").
func nameVariants(name string) []string {
	if name == "" {
		return nil
	}
	head, last := "", name
	if i := strings.LastIndexByte(name, ' '); i >= 0 {
		head, last = name[:i+1], name[i+1:]
	}
	var out []string
	for _, v := range []string{inflection.Singular(last), inflection.Plural(last)} {
		if v != "" && v != last {
			out = append(out, head+v)
		}
	}
	return uniqueStrings(out)
}

func indexByName(entities []*models.Entity) map[string]*models.Entity {
	m := make(map[string]*models.Entity, len(entities))
	for _, e := range entities {
		m[e.Name] = e
	}
	return m
}

func indexByAlias(entities []*models.Entity) map[string]*models.Entity {
	m := make(map[string]*models.Entity)
	for _, e := range entities {
		for _, a := range e.Aliases {
			k := strings.ToLower(strings.TrimSpace(a))
			if _, taken := m[k]; !taken {
				m[k] = e
			}
		}
	}
	return m
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
