package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flagkit/flagkit/pkg/flags"
)

// Predefined errors shared by all storage backends.
var (
	// ErrDuplicateKey indicates a create for a flag key or segment name
	// that is already taken.
	ErrDuplicateKey = errors.New("flag key already exists")

	// ErrNotFound indicates an update or override operation on an absent
	// flag or segment.
	ErrNotFound = errors.New("flag not found")

	// ErrInvalidFlag indicates the provided flag, override or segment is
	// malformed.
	ErrInvalidFlag = errors.New("invalid flag parameters")

	// ErrUnavailable indicates a transient backend failure (connection
	// loss, timeout). The engine treats it as an evaluation error, not
	// a crash.
	ErrUnavailable = errors.New("storage backend unavailable")

	// ErrClosed indicates an operation on a closed backend.
	ErrClosed = errors.New("storage backend is closed")
)

// Backend is the persistence contract all storage implementations must
// satisfy. Implementations must be safe for concurrent use; writes to
// the same key are serialized, writes to different keys do not block
// each other.
type Backend interface {
	// CreateFlag stores a new flag and returns the stored snapshot with
	// generated id and timestamps filled in. Fails with ErrDuplicateKey
	// if the key is already taken.
	CreateFlag(ctx context.Context, flag *flags.Flag) (*flags.Flag, error)

	// GetFlag returns the flag for key, or (nil, nil) when absent.
	GetFlag(ctx context.Context, key string) (*flags.Flag, error)

	// GetFlags returns the flags for the given keys. Keys not found are
	// omitted; a miss for one key never aborts the batch.
	GetFlags(ctx context.Context, keys []string) (map[string]*flags.Flag, error)

	// GetAllActiveFlags returns every flag whose status is active. The
	// order is implementation-defined but stable within one instance.
	GetAllActiveFlags(ctx context.Context) ([]*flags.Flag, error)

	// UpdateFlag replaces the stored flag with the same key, refreshing
	// UpdatedAt and preserving CreatedAt. Fails with ErrNotFound if the
	// key does not exist.
	UpdateFlag(ctx context.Context, flag *flags.Flag) (*flags.Flag, error)

	// DeleteFlag removes the flag for key and reports whether anything
	// was removed. Deleting an absent key is not an error.
	DeleteFlag(ctx context.Context, key string) (bool, error)

	// CreateOverride stores a per-entity override for a flag.
	CreateOverride(ctx context.Context, override *flags.Override) (*flags.Override, error)

	// GetOverride returns the override for (flagID, entityType,
	// entityID), or (nil, nil) when absent or expired at the current
	// instant.
	GetOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (*flags.Override, error)

	// DeleteOverride removes the override for (flagID, entityType,
	// entityID) and reports whether anything was removed.
	DeleteOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (bool, error)

	// CreateSegment stores a new segment and returns the stored snapshot
	// with generated id and timestamps filled in. Segment names are
	// unique; reusing one fails with ErrDuplicateKey.
	CreateSegment(ctx context.Context, segment *flags.Segment) (*flags.Segment, error)

	// GetSegment returns the segment for id, or (nil, nil) when absent.
	GetSegment(ctx context.Context, id uuid.UUID) (*flags.Segment, error)

	// GetSegmentByName returns the segment with the given name, or
	// (nil, nil) when absent.
	GetSegmentByName(ctx context.Context, name string) (*flags.Segment, error)

	// GetAllSegments returns every segment. The order is
	// implementation-defined but stable within one instance.
	GetAllSegments(ctx context.Context) ([]*flags.Segment, error)

	// GetChildSegments returns the segments whose parent is parentID.
	GetChildSegments(ctx context.Context, parentID uuid.UUID) ([]*flags.Segment, error)

	// UpdateSegment replaces the stored segment with the same id,
	// refreshing UpdatedAt and preserving CreatedAt. Fails with
	// ErrNotFound if the id does not exist and with ErrDuplicateKey if
	// the new name belongs to a different segment.
	UpdateSegment(ctx context.Context, segment *flags.Segment) (*flags.Segment, error)

	// DeleteSegment removes the segment for id and reports whether
	// anything was removed. Deleting an absent id is not an error.
	DeleteSegment(ctx context.Context, id uuid.UUID) (bool, error)

	// HealthCheck probes backend liveness without mutating state.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
