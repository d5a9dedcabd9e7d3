// Package storage defines the persistence contract for feature flags
// and provides the in-memory reference backend.
//
// Every backend — memory, Postgres, Redis, MongoDB — implements the
// same Backend interface with identical observable semantics: flag keys
// are globally unique, expired overrides are never returned, and "all
// active" queries filter on status. The shared contract suite in the
// storagetest subpackage verifies these semantics against any
// implementation.
//
// # Usage
//
//	store := storage.NewMemory()
//	defer store.Close()
//
//	created, err := store.CreateFlag(ctx, &flags.Flag{
//		Key:    "new-ui",
//		Status: flags.StatusActive,
//	})
//	if errors.Is(err, storage.ErrDuplicateKey) {
//		// Key already taken
//	}
//
// Lookups for missing flags return (nil, nil) rather than an error, so
// callers on the evaluation path never branch on a not-found error.
// Mutations on absent flags fail with ErrNotFound, except DeleteFlag
// which is idempotent and reports whether anything was removed.
//
// # Failure taxonomy
//
// Backends map their native failures onto a small sentinel set:
// ErrDuplicateKey, ErrNotFound, ErrInvalidFlag, ErrUnavailable.
// Transient I/O failures of the networked backends always surface as
// ErrUnavailable joined with the underlying cause, never silently
// swallowed.
package storage
