// Package postgres implements the storage.Backend contract on
// PostgreSQL via pgx connection pooling.
//
// Flags are stored as keyed rows carrying the full definition as a
// JSONB document, so every field round-trips without a per-field
// schema. Overrides live in a second table keyed by (flag_id,
// entity_type, entity_id) with database-side expiry filtering.
//
//	var cfg postgres.Config
//	config.MustLoad(&cfg)
//
//	pool, err := postgres.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := postgres.New(ctx, pool)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
// Unique-constraint violations map to storage.ErrDuplicateKey and
// connection-class failures to storage.ErrUnavailable, so callers
// branch on the shared taxonomy rather than SQLSTATE codes.
package postgres
