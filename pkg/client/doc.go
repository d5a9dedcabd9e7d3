// Package client provides the high-level facade for flag evaluation:
// a Client that fetches definitions from any storage.Backend,
// optionally caches them in memory, and resolves them with the
// evaluation engine.
//
// The client never lets an evaluation surface a Go error to callers.
// A missing flag, a storage outage or an internal fault all produce a
// Result with reason ERROR and let the caller fall back safely:
//
//	store := storage.NewMemory()
//	cli, err := client.New(store,
//		client.WithLogger(log),
//		client.WithCache(512, 30*time.Second),
//	)
//	if err != nil {
//		return err
//	}
//	defer cli.Close()
//
//	ectx := flags.NewContext(
//		flags.WithTargetingKey("user-42"),
//		flags.WithAttribute("plan", "pro"),
//	)
//
//	if cli.IsEnabled(ctx, "new-checkout", ectx) {
//		// serve the new checkout
//	}
//
//	limit := cli.GetValue(ctx, "rate-limit", ectx, 100)
//
// NewFromEnv reads cache settings from FLAGS_CACHE_ENABLED,
// FLAGS_CACHE_SIZE and FLAGS_CACHE_TTL instead of code-level options.
//
// # Caching
//
// The optional cache holds flag definitions, not evaluation results:
// every call still runs the full evaluation so per-context targeting,
// overrides and rollout bucketing stay exact. Writes performed on
// another node become visible after the TTL; after local writes call
// InvalidateFlag or InvalidateAll to see them immediately.
package client
