// Package cache provides a generic, thread-safe LRU cache with
// optional time-to-live expiry.
//
// The cache evicts the least recently used entry when it reaches its
// configured capacity, and treats entries older than the TTL as absent
// on read. Flag clients use it to keep hot flag definitions in memory
// without serving them past the TTL.
//
// # Usage
//
// Create a cache with a capacity and a TTL:
//
//	c := cache.New[string, *flags.Flag](512, cache.WithTTL(30*time.Second))
//
// Basic operations:
//
//	c.Set("new-checkout", flag)
//
//	flag, found := c.Get("new-checkout")
//	if found {
//		// fresh within the TTL
//	}
//
//	c.Delete("new-checkout")
//	c.Clear()
//
// # Thread Safety
//
// All operations are safe for concurrent use from multiple goroutines.
// Get, Set and Delete are O(1).
//
// # Expiry
//
// Expiry is lazy: an expired entry is removed when Get observes it, so
// Len may briefly count entries a Get would no longer return. A Set on
// an existing key restarts its TTL. Without WithTTL, entries live until
// evicted by capacity or removed explicitly.
package cache
