// Package mongostore implements the storage.Backend contract on
// MongoDB.
//
// Flags live in a "feature_flags" collection with a unique index on
// the key field; overrides live in "flag_overrides" keyed by (flag_id,
// entity_type, entity_id). Duplicate-key errors from the unique index
// map to storage.ErrDuplicateKey and connectivity failures to
// storage.ErrUnavailable.
//
//	var cfg mongostore.Config
//	config.MustLoad(&cfg)
//
//	db, err := mongostore.Connect(ctx, cfg, "featureflags")
//	if err != nil {
//		log.Fatal(err)
//	}
//	store, err := mongostore.New(ctx, db)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package mongostore
