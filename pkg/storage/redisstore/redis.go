package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

const defaultPrefix = "flags:"

// Backend implements storage.Backend on a Redis client.
type Backend struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix sets the key namespace prefix. The default is "flags:".
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// New creates a Redis backend over the given client.
func New(client redis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) flagKey(key string) string { return b.prefix + "flag:" + key }
func (b *Backend) indexKey() string          { return b.prefix + "keys" }

func (b *Backend) overrideKey(flagID uuid.UUID, entityType flags.EntityType, entityID string) string {
	return fmt.Sprintf("%soverride:%s:%s:%s", b.prefix, flagID, entityType, entityID)
}

func (b *Backend) segmentKey(id uuid.UUID) string    { return b.prefix + "segment:" + id.String() }
func (b *Backend) segmentNameKey(name string) string { return b.prefix + "segment_name:" + name }
func (b *Backend) segmentIndexKey() string           { return b.prefix + "segments" }

func unavailable(err error) error {
	return errors.Join(storage.ErrUnavailable, err)
}

func (b *Backend) CreateFlag(ctx context.Context, flag *flags.Flag) (*flags.Flag, error) {
	if flag == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("flag cannot be nil"))
	}
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	stored := flag.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := b.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}

	// SETNX gives atomic create-or-fail on the flag key.
	set, err := b.client.SetNX(ctx, b.flagKey(stored.Key), payload, 0).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if !set {
		return nil, errors.Join(storage.ErrDuplicateKey, fmt.Errorf("key %q", stored.Key))
	}
	if err := b.client.SAdd(ctx, b.indexKey(), stored.Key).Err(); err != nil {
		return nil, unavailable(err)
	}
	return stored, nil
}

func (b *Backend) GetFlag(ctx context.Context, key string) (*flags.Flag, error) {
	payload, err := b.client.Get(ctx, b.flagKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeFlag(payload)
}

func (b *Backend) GetFlags(ctx context.Context, keys []string) (map[string]*flags.Flag, error) {
	result := make(map[string]*flags.Flag, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = b.flagKey(key)
	}
	values, err := b.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue // missing key, omit from the batch
		}
		flag, err := decodeFlag([]byte(raw))
		if err != nil {
			continue // one corrupt entry must not abort the batch
		}
		result[keys[i]] = flag
	}
	return result, nil
}

// GetAllActiveFlags lists via the key set index, sorted so the order is
// stable between unrelated reads on the same instance.
func (b *Backend) GetAllActiveFlags(ctx context.Context) ([]*flags.Flag, error) {
	keys, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	slices.Sort(keys)

	all, err := b.GetFlags(ctx, keys)
	if err != nil {
		return nil, err
	}
	result := make([]*flags.Flag, 0, len(all))
	for _, key := range keys {
		if flag, ok := all[key]; ok && flag.Status == flags.StatusActive {
			result = append(result, flag)
		}
	}
	return result, nil
}

func (b *Backend) UpdateFlag(ctx context.Context, flag *flags.Flag) (*flags.Flag, error) {
	if flag == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("flag cannot be nil"))
	}
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	existing, err := b.GetFlag(ctx, flag.Key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.Join(storage.ErrNotFound, fmt.Errorf("key %q", flag.Key))
	}

	stored := flag.Clone()
	stored.ID = existing.ID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = b.now().UTC()

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	// XX replaces only an existing key, so a concurrent delete cannot
	// resurrect the flag.
	set, err := b.client.SetXX(ctx, b.flagKey(stored.Key), payload, 0).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if !set {
		return nil, errors.Join(storage.ErrNotFound, fmt.Errorf("key %q", stored.Key))
	}
	return stored, nil
}

func (b *Backend) DeleteFlag(ctx context.Context, key string) (bool, error) {
	flag, err := b.GetFlag(ctx, key)
	if err != nil {
		return false, err
	}
	if flag == nil {
		return false, nil
	}

	removed, err := b.client.Del(ctx, b.flagKey(key)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	if err := b.client.SRem(ctx, b.indexKey(), key).Err(); err != nil {
		return false, unavailable(err)
	}
	if err := b.deleteOverridesFor(ctx, flag.ID); err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (b *Backend) deleteOverridesFor(ctx context.Context, flagID uuid.UUID) error {
	pattern := fmt.Sprintf("%soverride:%s:*", b.prefix, flagID)
	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return unavailable(err)
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Backend) CreateOverride(ctx context.Context, override *flags.Override) (*flags.Override, error) {
	if override == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("override cannot be nil"))
	}
	if override.EntityID == "" {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("override entity id cannot be empty"))
	}

	stored := override.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := b.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}

	key := b.overrideKey(stored.FlagID, stored.EntityType, stored.EntityID)
	if err := b.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return nil, unavailable(err)
	}
	if stored.ExpiresAt != nil {
		if err := b.client.PExpireAt(ctx, key, *stored.ExpiresAt).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return stored, nil
}

func (b *Backend) GetOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (*flags.Override, error) {
	payload, err := b.client.Get(ctx, b.overrideKey(flagID, entityType, entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var override flags.Override
	if err := json.Unmarshal(payload, &override); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	// Server-side expiry handles the common case; the value-level check
	// covers skew between the application clock and the Redis server.
	if override.Expired(b.now()) {
		return nil, nil
	}
	return &override, nil
}

func (b *Backend) DeleteOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (bool, error) {
	removed, err := b.client.Del(ctx, b.overrideKey(flagID, entityType, entityID)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return removed > 0, nil
}

func (b *Backend) CreateSegment(ctx context.Context, segment *flags.Segment) (*flags.Segment, error) {
	if segment == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("segment cannot be nil"))
	}
	if err := segment.Validate(); err != nil {
		return nil, err
	}

	stored := segment.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	now := b.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}

	// SETNX on the name index gives atomic name uniqueness.
	set, err := b.client.SetNX(ctx, b.segmentNameKey(stored.Name), stored.ID.String(), 0).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if !set {
		return nil, errors.Join(storage.ErrDuplicateKey, fmt.Errorf("segment name %q", stored.Name))
	}
	if err := b.client.Set(ctx, b.segmentKey(stored.ID), payload, 0).Err(); err != nil {
		return nil, unavailable(err)
	}
	if err := b.client.SAdd(ctx, b.segmentIndexKey(), stored.ID.String()).Err(); err != nil {
		return nil, unavailable(err)
	}
	return stored, nil
}

func (b *Backend) GetSegment(ctx context.Context, id uuid.UUID) (*flags.Segment, error) {
	payload, err := b.client.Get(ctx, b.segmentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeSegment(payload)
}

func (b *Backend) GetSegmentByName(ctx context.Context, name string) (*flags.Segment, error) {
	raw, err := b.client.Get(ctx, b.segmentNameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return b.GetSegment(ctx, id)
}

// GetAllSegments lists via the id set index, sorted by name so the
// order is stable between reads on the same instance.
func (b *Backend) GetAllSegments(ctx context.Context) ([]*flags.Segment, error) {
	ids, err := b.client.SMembers(ctx, b.segmentIndexKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	var result []*flags.Segment
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		segment, err := b.GetSegment(ctx, id)
		if err != nil {
			return nil, err
		}
		if segment != nil {
			result = append(result, segment)
		}
	}
	slices.SortFunc(result, func(a, b *flags.Segment) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (b *Backend) GetChildSegments(ctx context.Context, parentID uuid.UUID) ([]*flags.Segment, error) {
	all, err := b.GetAllSegments(ctx)
	if err != nil {
		return nil, err
	}
	var result []*flags.Segment
	for _, segment := range all {
		if segment.ParentSegmentID != nil && *segment.ParentSegmentID == parentID {
			result = append(result, segment)
		}
	}
	return result, nil
}

func (b *Backend) UpdateSegment(ctx context.Context, segment *flags.Segment) (*flags.Segment, error) {
	if segment == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("segment cannot be nil"))
	}
	if err := segment.Validate(); err != nil {
		return nil, err
	}

	existing, err := b.GetSegment(ctx, segment.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.Join(storage.ErrNotFound, fmt.Errorf("segment %s", segment.ID))
	}

	if segment.Name != existing.Name {
		// Claim the new name before releasing the old one so two
		// concurrent renames cannot end up sharing it.
		set, err := b.client.SetNX(ctx, b.segmentNameKey(segment.Name), segment.ID.String(), 0).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if !set {
			return nil, errors.Join(storage.ErrDuplicateKey, fmt.Errorf("segment name %q", segment.Name))
		}
		if err := b.client.Del(ctx, b.segmentNameKey(existing.Name)).Err(); err != nil {
			return nil, unavailable(err)
		}
	}

	stored := segment.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = b.now().UTC()

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	if err := b.client.Set(ctx, b.segmentKey(stored.ID), payload, 0).Err(); err != nil {
		return nil, unavailable(err)
	}
	return stored, nil
}

func (b *Backend) DeleteSegment(ctx context.Context, id uuid.UUID) (bool, error) {
	segment, err := b.GetSegment(ctx, id)
	if err != nil {
		return false, err
	}
	if segment == nil {
		return false, nil
	}

	removed, err := b.client.Del(ctx, b.segmentKey(id)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	if err := b.client.Del(ctx, b.segmentNameKey(segment.Name)).Err(); err != nil {
		return false, unavailable(err)
	}
	if err := b.client.SRem(ctx, b.segmentIndexKey(), id.String()).Err(); err != nil {
		return false, unavailable(err)
	}
	return removed > 0, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func decodeFlag(payload []byte) (*flags.Flag, error) {
	var flag flags.Flag
	if err := json.Unmarshal(payload, &flag); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return &flag, nil
}

func decodeSegment(payload []byte) (*flags.Segment, error) {
	var segment flags.Segment
	if err := json.Unmarshal(payload, &segment); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return &segment, nil
}
