// Package redisstore implements the storage.Backend contract on Redis.
//
// Flags are JSON documents stored under "{prefix}flag:{key}" with a set
// index for listing; overrides live under their own keys with a native
// Redis expiration mirroring ExpiresAt, plus a value-level expiry check
// as a defense against clock skew between the application and the
// server.
//
//	var cfg redisstore.Config
//	config.MustLoad(&cfg)
//
//	client, err := redisstore.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	store := redisstore.New(client, redisstore.WithPrefix("myapp:"))
//	defer store.Close()
//
// Network failures surface as storage.ErrUnavailable joined with the
// underlying redis error.
package redisstore
