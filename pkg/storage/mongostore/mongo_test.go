package mongostore_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flagkit/flagkit/pkg/storage"
	"github.com/flagkit/flagkit/pkg/storage/mongostore"
	"github.com/flagkit/flagkit/pkg/storage/storagetest"
)

// TestMongoContract runs the shared backend conformance suite against
// a real MongoDB instance. Set FLAGS_MONGODB_TEST_URL to enable it;
// the suite works in its own database and drops it before every
// subtest.
func TestMongoContract(t *testing.T) {
	url := os.Getenv("FLAGS_MONGODB_TEST_URL")
	if url == "" {
		t.Skip("FLAGS_MONGODB_TEST_URL not set, skipping mongo integration test")
	}

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		ctx := context.Background()

		client, err := mongo.Connect(options.Client().ApplyURI(url))
		require.NoError(t, err)

		db := client.Database("flagkit_test")
		require.NoError(t, db.Drop(ctx))

		backend, err := mongostore.New(ctx, db)
		require.NoError(t, err)
		return backend
	})
}
