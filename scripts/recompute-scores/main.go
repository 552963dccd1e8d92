// recompute-scores replays category boosts and recomputes quality scores for
// the given restaurants, e.g. after changing scoring weights.
//
// Usage: go run ./scripts/recompute-scores [flags] <restaurant-id>...
//
// Database connection: config.yaml and the standard PG* environment variables.
//
// Flags:
//
//	-config     Path to config.yaml (default: config.yaml)
//	-replay     Replay boost events before scoring (default: true)
//	-category   Comma-separated category names to report performance for
//	-attribute  Comma-separated food attribute names to report performance for
//	-v          Verbose logging
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/foodgraph/pkg/app"
	"github.com/ekaya-inc/foodgraph/pkg/config"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/logging"
	"github.com/ekaya-inc/foodgraph/pkg/models"
	"github.com/ekaya-inc/foodgraph/pkg/services"
)

type report struct {
	Replay      *models.ReplayResult        `json:"replay,omitempty"`
	Quality     *models.QualityUpdateResult `json:"quality"`
	Performance []performanceEntry          `json:"performance,omitempty"`
}

// performanceEntry is one restaurant's score on a category or food attribute.
type performanceEntry struct {
	RestaurantID uuid.UUID         `json:"restaurant_id"`
	Kind         models.EntityType `json:"kind"`
	Name         string            `json:"name"`
	EntityID     *uuid.UUID        `json:"entity_id,omitempty"`
	Score        float64           `json:"score"`
	Error        string            `json:"error,omitempty"`
}

// entityLookup is the slice of the entity repository the report needs.
type entityLookup interface {
	GetByNameAndType(ctx context.Context, name string, entityType models.EntityType) (*models.Entity, error)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config.yaml")
	replay := flag.Bool("replay", true, "Replay boost events before scoring")
	categoryFlag := flag.String("category", "", "Comma-separated category names to report performance for")
	attributeFlag := flag.String("attribute", "", "Comma-separated food attribute names to report performance for")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	restaurantIDs, err := parseIDs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: %s [-config path] [-replay=false] <restaurant-id>...\n", os.Args[0])
		os.Exit(1)
	}

	config.LoadDotEnv()
	cfg, err := config.Load(*configPath, "script")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewScriptLogger(*verbose)
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	ctx := context.Background()
	dbCfg := database.ConfigFrom(&cfg.Database, 0)
	dbCfg.MaxConnections = int32(cfg.Processing.ScoringConcurrency + 2)
	dbCfg.ApplicationName = "foodgraph-recompute-scores"
	db, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Redis: %v\n", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Leases live in the shared backend so a running worker is excluded.
	locker, err := app.NewLocker(cfg, db, rdb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create locker: %v\n", err)
		os.Exit(1)
	}
	svc := app.Build(&app.Deps{Config: cfg, DB: db, Locker: locker, Logger: logger})

	ctx = db.Bind(ctx)
	var out report
	if *replay {
		out.Replay = svc.Replayer.ReplayRestaurants(ctx, restaurantIDs)
	}

	connectionIDs, err := svc.ConnectionRepo.ListIDsByRestaurants(ctx, restaurantIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list connections: %v\n", err)
		os.Exit(1)
	}
	out.Quality, err = svc.Scorer.UpdateQualityScores(ctx, connectionIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to update scores: %v\n", err)
		os.Exit(1)
	}
	out.Performance = performanceReport(ctx, svc.Scorer, svc.EntityRepo, restaurantIDs,
		splitNames(*categoryFlag), splitNames(*attributeFlag))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		os.Exit(1)
	}
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one restaurant id is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(args))
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("invalid restaurant id %q: %w", a, err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// splitNames parses a comma-separated flag into canonical entity names.
func splitNames(s string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		name := services.NormalizeEntityName(part)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// performanceReport scores every restaurant on every named category and
// attribute. Lookup and scoring failures are recorded on the entry.
func performanceReport(ctx context.Context, scorer services.QualityScoreService, entities entityLookup, restaurantIDs []uuid.UUID, categories, attributes []string) []performanceEntry {
	type target struct {
		kind models.EntityType
		name string
	}
	var targets []target
	for _, c := range categories {
		targets = append(targets, target{models.EntityTypeFood, c})
	}
	for _, a := range attributes {
		targets = append(targets, target{models.EntityTypeFoodAttribute, a})
	}
	if len(targets) == 0 {
		return nil
	}

	var entries []performanceEntry
	for _, tg := range targets {
		entity, err := entities.GetByNameAndType(ctx, tg.name, tg.kind)
		for _, rid := range restaurantIDs {
			e := performanceEntry{RestaurantID: rid, Kind: tg.kind, Name: tg.name}
			switch {
			case err != nil:
				e.Error = err.Error()
			case entity == nil:
				e.Error = "unknown " + string(tg.kind)
			default:
				id := entity.ID
				e.EntityID = &id
				var scoreErr error
				if tg.kind == models.EntityTypeFood {
					e.Score, scoreErr = scorer.CategoryPerformance(ctx, rid, id)
				} else {
					e.Score, scoreErr = scorer.AttributePerformance(ctx, rid, id)
				}
				if scoreErr != nil {
					e.Error = scoreErr.Error()
				}
			}
			entries = append(entries, e)
		}
	}
	return entries
}
