//go:build integration

package testhelpers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestDB_MigrationsApplied(t *testing.T) {
	tdb := GetTestDB(t)
	ctx := context.Background()

	for _, table := range []string{"entities", "connections", "category_aggregates", "boost_events", "source_ledger", "app_locks"} {
		var exists bool
		err := tdb.DB.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
			table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestTestDB_Reset(t *testing.T) {
	tdb := GetTestDB(t)
	ctx := context.Background()

	_, err := tdb.DB.Exec(ctx, `INSERT INTO source_ledger (pipeline, source_id) VALUES ('chronological', 't1_reset')`)
	require.NoError(t, err)

	tdb.Reset(t)

	var n int
	require.NoError(t, tdb.DB.QueryRow(ctx, `SELECT count(*) FROM source_ledger`).Scan(&n))
	assert.Zero(t, n)
}
