// ingest-file runs one mention batch file through the mention processor.
//
// Usage: go run ./scripts/ingest-file [flags] <batch-file>
//
// The file holds a batch envelope ({"mentions": [...], "sourceMetadata": {...}})
// as JSON, or as YAML when the extension is .yaml or .yml.
//
// Database connection: config.yaml and the standard PG* environment variables.
// The replay lock is process-local, so do not run this next to a live worker.
//
// Flags:
//
//	-config      Path to config.yaml (default: config.yaml)
//	-pipeline    Override sourceMetadata.collectionType
//	-batch-id    Override sourceMetadata.batchId
//	-v           Verbose logging
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/foodgraph/pkg/app"
	"github.com/ekaya-inc/foodgraph/pkg/config"
	"github.com/ekaya-inc/foodgraph/pkg/database"
	"github.com/ekaya-inc/foodgraph/pkg/locks"
	"github.com/ekaya-inc/foodgraph/pkg/logging"
	"github.com/ekaya-inc/foodgraph/pkg/models"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config.yaml")
	pipeline := flag.String("pipeline", "", "Override sourceMetadata.collectionType")
	batchID := flag.String("batch-id", "", "Override sourceMetadata.batchId")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [-config path] [-pipeline name] [-batch-id id] <batch-file>\n", os.Args[0])
		os.Exit(1)
	}

	batch, err := readBatchFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read batch: %v\n", err)
		os.Exit(1)
	}
	if *pipeline != "" {
		batch.SourceMetadata.CollectionType = *pipeline
	}
	if *batchID != "" {
		batch.SourceMetadata.BatchID = *batchID
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
	dbCfg := database.ConfigFrom(&cfg.Database, cfg.Processing.BatchTimeout)
	dbCfg.MaxConnections = 4
	dbCfg.ApplicationName = "foodgraph-ingest-file"
	db, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	svc := app.Build(&app.Deps{
		Config: cfg,
		DB:     db,
		Locker: locks.NewLocalLocker(cfg.Replay.LockWait),
		Logger: logger,
	})

	result, err := svc.Processor.ProcessBatch(db.Bind(ctx), batch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Batch failed: %v\n", err)
		os.Exit(1)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write result: %v\n", err)
		os.Exit(1)
	}
}

// yamlBatch mirrors models.MentionBatch for YAML input. Mentions stay loosely
// typed so the processor's own validation sees them as it would from the queue.
type yamlBatch struct {
	Mentions       []map[string]any      `yaml:"mentions"`
	SourceMetadata models.SourceMetadata `yaml:"sourceMetadata"`
}

func readBatchFile(path string) (*models.MentionBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAMLBatch(data)
	default:
		var batch models.MentionBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("invalid JSON batch: %w", err)
		}
		return &batch, nil
	}
}

func decodeYAMLBatch(data []byte) (*models.MentionBatch, error) {
	var in yamlBatch
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid YAML batch: %w", err)
	}

	batch := &models.MentionBatch{
		Mentions:       make([]json.RawMessage, 0, len(in.Mentions)),
		SourceMetadata: in.SourceMetadata,
	}
	for i, m := range in.Mentions {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("mention %d: %w", i, err)
		}
		batch.Mentions = append(batch.Mentions, raw)
	}
	return batch, nil
}
