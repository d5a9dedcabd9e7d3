package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/storage"
	"github.com/flagkit/flagkit/pkg/storage/postgres"
	"github.com/flagkit/flagkit/pkg/storage/storagetest"
)

// TestPostgresContract runs the shared backend conformance suite
// against a real PostgreSQL instance. Set FLAGS_PG_TEST_URL to a DSN
// pointing at a disposable database to enable it.
func TestPostgresContract(t *testing.T) {
	url := os.Getenv("FLAGS_PG_TEST_URL")
	if url == "" {
		t.Skip("FLAGS_PG_TEST_URL not set, skipping postgres integration test")
	}

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		ctx := context.Background()

		pool, err := pgxpool.New(ctx, url)
		require.NoError(t, err)

		backend, err := postgres.New(ctx, pool)
		require.NoError(t, err)

		_, err = pool.Exec(ctx, "TRUNCATE flag_overrides, flag_segments, feature_flags")
		require.NoError(t, err)

		return backend
	})
}
