package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagkit/flagkit/pkg/flags"
)

// Memory is the in-memory reference implementation of Backend. It is
// safe for concurrent use and useful for tests and single-process
// deployments.
type Memory struct {
	mu           sync.RWMutex
	flagsByKey   map[string]*flags.Flag
	keyOrder     []string // insertion order, keeps GetAllActiveFlags stable
	overrides    map[overrideKey]*flags.Override
	segmentsByID map[uuid.UUID]*flags.Segment
	segmentOrder []uuid.UUID // insertion order, keeps GetAllSegments stable
	closed       bool
	now          func() time.Time
}

var _ Backend = (*Memory)(nil)

type overrideKey struct {
	flagID     uuid.UUID
	entityType flags.EntityType
	entityID   string
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock replaces the backend's time source. Used by tests to pin
// override expiry to a fixed instant.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		flagsByKey:   make(map[string]*flags.Flag),
		overrides:    make(map[overrideKey]*flags.Override),
		segmentsByID: make(map[uuid.UUID]*flags.Segment),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateFlag stores a new flag. The input is not mutated; the returned
// snapshot carries the generated id and timestamps.
func (m *Memory) CreateFlag(_ context.Context, flag *flags.Flag) (*flags.Flag, error) {
	if flag == nil {
		return nil, errors.Join(ErrInvalidFlag, errors.New("flag cannot be nil"))
	}
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.flagsByKey[flag.Key]; exists {
		return nil, errors.Join(ErrDuplicateKey, fmt.Errorf("key %q", flag.Key))
	}

	stored := flag.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := m.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	m.flagsByKey[stored.Key] = stored
	m.keyOrder = append(m.keyOrder, stored.Key)
	return stored.Clone(), nil
}

// GetFlag returns a copy of the flag for key, or (nil, nil) when absent.
func (m *Memory) GetFlag(_ context.Context, key string) (*flags.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	flag, ok := m.flagsByKey[key]
	if !ok {
		return nil, nil
	}
	return flag.Clone(), nil
}

// GetFlags returns copies of the flags for the given keys, omitting
// keys not found.
func (m *Memory) GetFlags(_ context.Context, keys []string) (map[string]*flags.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	result := make(map[string]*flags.Flag, len(keys))
	for _, key := range keys {
		if flag, ok := m.flagsByKey[key]; ok {
			result[key] = flag.Clone()
		}
	}
	return result, nil
}

// GetAllActiveFlags returns copies of all active flags in insertion
// order.
func (m *Memory) GetAllActiveFlags(_ context.Context) ([]*flags.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	result := make([]*flags.Flag, 0, len(m.keyOrder))
	for _, key := range m.keyOrder {
		if flag, ok := m.flagsByKey[key]; ok && flag.Status == flags.StatusActive {
			result = append(result, flag.Clone())
		}
	}
	return result, nil
}

// UpdateFlag replaces the stored flag with the same key.
func (m *Memory) UpdateFlag(_ context.Context, flag *flags.Flag) (*flags.Flag, error) {
	if flag == nil {
		return nil, errors.Join(ErrInvalidFlag, errors.New("flag cannot be nil"))
	}
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	existing, ok := m.flagsByKey[flag.Key]
	if !ok {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("key %q", flag.Key))
	}

	stored := flag.Clone()
	stored.ID = existing.ID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = m.now().UTC()
	m.flagsByKey[stored.Key] = stored
	return stored.Clone(), nil
}

// DeleteFlag removes the flag for key together with its overrides.
// Deleting an absent key returns false without error.
func (m *Memory) DeleteFlag(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	flag, ok := m.flagsByKey[key]
	if !ok {
		return false, nil
	}
	delete(m.flagsByKey, key)
	for i, k := range m.keyOrder {
		if k == key {
			m.keyOrder = append(m.keyOrder[:i], m.keyOrder[i+1:]...)
			break
		}
	}
	for k := range m.overrides {
		if k.flagID == flag.ID {
			delete(m.overrides, k)
		}
	}
	return true, nil
}

// CreateOverride stores a per-entity override.
func (m *Memory) CreateOverride(_ context.Context, override *flags.Override) (*flags.Override, error) {
	if override == nil {
		return nil, errors.Join(ErrInvalidFlag, errors.New("override cannot be nil"))
	}
	if override.EntityID == "" {
		return nil, errors.Join(ErrInvalidFlag, errors.New("override entity id cannot be empty"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	stored := override.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := m.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	m.overrides[overrideKey{stored.FlagID, stored.EntityType, stored.EntityID}] = stored
	return stored.Clone(), nil
}

// GetOverride returns the override for (flagID, entityType, entityID),
// or (nil, nil) when absent or expired.
func (m *Memory) GetOverride(_ context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (*flags.Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	override, ok := m.overrides[overrideKey{flagID, entityType, entityID}]
	if !ok || override.Expired(m.now()) {
		return nil, nil
	}
	return override.Clone(), nil
}

// DeleteOverride removes the override for (flagID, entityType, entityID).
func (m *Memory) DeleteOverride(_ context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	key := overrideKey{flagID, entityType, entityID}
	if _, ok := m.overrides[key]; !ok {
		return false, nil
	}
	delete(m.overrides, key)
	return true, nil
}

// CreateSegment stores a new segment. Segment names are unique.
func (m *Memory) CreateSegment(_ context.Context, segment *flags.Segment) (*flags.Segment, error) {
	if segment == nil {
		return nil, errors.Join(ErrInvalidFlag, errors.New("segment cannot be nil"))
	}
	if err := segment.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, existing := range m.segmentsByID {
		if existing.Name == segment.Name {
			return nil, errors.Join(ErrDuplicateKey, fmt.Errorf("segment name %q", segment.Name))
		}
	}

	stored := segment.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := m.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	m.segmentsByID[stored.ID] = stored
	m.segmentOrder = append(m.segmentOrder, stored.ID)
	return stored.Clone(), nil
}

// GetSegment returns a copy of the segment for id, or (nil, nil) when
// absent.
func (m *Memory) GetSegment(_ context.Context, id uuid.UUID) (*flags.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	segment, ok := m.segmentsByID[id]
	if !ok {
		return nil, nil
	}
	return segment.Clone(), nil
}

// GetSegmentByName returns a copy of the segment with the given name,
// or (nil, nil) when absent.
func (m *Memory) GetSegmentByName(_ context.Context, name string) (*flags.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, segment := range m.segmentsByID {
		if segment.Name == name {
			return segment.Clone(), nil
		}
	}
	return nil, nil
}

// GetAllSegments returns copies of all segments in insertion order.
func (m *Memory) GetAllSegments(_ context.Context) ([]*flags.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	result := make([]*flags.Segment, 0, len(m.segmentOrder))
	for _, id := range m.segmentOrder {
		if segment, ok := m.segmentsByID[id]; ok {
			result = append(result, segment.Clone())
		}
	}
	return result, nil
}

// GetChildSegments returns copies of the segments nested under parentID,
// in insertion order.
func (m *Memory) GetChildSegments(_ context.Context, parentID uuid.UUID) ([]*flags.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var result []*flags.Segment
	for _, id := range m.segmentOrder {
		segment, ok := m.segmentsByID[id]
		if ok && segment.ParentSegmentID != nil && *segment.ParentSegmentID == parentID {
			result = append(result, segment.Clone())
		}
	}
	return result, nil
}

// UpdateSegment replaces the stored segment with the same id.
func (m *Memory) UpdateSegment(_ context.Context, segment *flags.Segment) (*flags.Segment, error) {
	if segment == nil {
		return nil, errors.Join(ErrInvalidFlag, errors.New("segment cannot be nil"))
	}
	if err := segment.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	existing, ok := m.segmentsByID[segment.ID]
	if !ok {
		return nil, errors.Join(ErrNotFound, fmt.Errorf("segment %s", segment.ID))
	}
	for _, other := range m.segmentsByID {
		if other.ID != segment.ID && other.Name == segment.Name {
			return nil, errors.Join(ErrDuplicateKey, fmt.Errorf("segment name %q", segment.Name))
		}
	}

	stored := segment.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = m.now().UTC()
	m.segmentsByID[stored.ID] = stored
	return stored.Clone(), nil
}

// DeleteSegment removes the segment for id. Deleting an absent id
// returns false without error.
func (m *Memory) DeleteSegment(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.segmentsByID[id]; !ok {
		return false, nil
	}
	delete(m.segmentsByID, id)
	for i, sid := range m.segmentOrder {
		if sid == id {
			m.segmentOrder = append(m.segmentOrder[:i], m.segmentOrder[i+1:]...)
			break
		}
	}
	return true, nil
}

// HealthCheck reports whether the backend is open.
func (m *Memory) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the backend closed and drops its data. Other instances
// are unaffected.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.flagsByKey = nil
	m.keyOrder = nil
	m.overrides = nil
	m.segmentsByID = nil
	m.segmentOrder = nil
	return nil
}
