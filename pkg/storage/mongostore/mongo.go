package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

const (
	flagsCollection     = "feature_flags"
	overridesCollection = "flag_overrides"
	segmentsCollection  = "flag_segments"
)

// flagDoc is the persisted shape of a flag. The full definition is
// kept as a JSON payload so every field round-trips; the indexed
// columns exist for querying only.
type flagDoc struct {
	ID        string    `bson:"flag_uuid"`
	Key       string    `bson:"key"`
	Status    string    `bson:"status"`
	Payload   string    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type overrideDoc struct {
	FlagID     string     `bson:"flag_id"`
	EntityType string     `bson:"entity_type"`
	EntityID   string     `bson:"entity_id"`
	Payload    string     `bson:"payload"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty"`
}

type segmentDoc struct {
	ID        string    `bson:"segment_uuid"`
	Name      string    `bson:"name"`
	ParentID  string    `bson:"parent_id,omitempty"`
	Payload   string    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Backend implements storage.Backend on a MongoDB database.
type Backend struct {
	db  *mongo.Database
	now func() time.Time
}

var _ storage.Backend = (*Backend)(nil)

// New creates a MongoDB backend and ensures its indexes.
func New(ctx context.Context, db *mongo.Database) (*Backend, error) {
	b := &Backend{db: db, now: time.Now}

	_, err := b.flags().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	_, err = b.overrides().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "flag_id", Value: 1},
			{Key: "entity_type", Value: 1},
			{Key: "entity_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	_, err = b.segments().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return b, nil
}

func (b *Backend) flags() *mongo.Collection     { return b.db.Collection(flagsCollection) }
func (b *Backend) overrides() *mongo.Collection { return b.db.Collection(overridesCollection) }
func (b *Backend) segments() *mongo.Collection  { return b.db.Collection(segmentsCollection) }

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

	doc, err := encodeFlag(stored)
	if err != nil {
		return nil, err
	}
	if _, err := b.flags().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.Join(storage.ErrDuplicateKey, fmt.Errorf("key %q", stored.Key))
		}
		return nil, unavailable(err)
	}
	return stored, nil
}

func (b *Backend) GetFlag(ctx context.Context, key string) (*flags.Flag, error) {
	var doc flagDoc
	err := b.flags().FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeFlag(doc)
}

func (b *Backend) GetFlags(ctx context.Context, keys []string) (map[string]*flags.Flag, error) {
	result := make(map[string]*flags.Flag, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	cursor, err := b.flags().Find(ctx, bson.M{"key": bson.M{"$in": keys}})
	if err != nil {
		return nil, unavailable(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc flagDoc
		if err := cursor.Decode(&doc); err != nil {
			continue // one corrupt document must not abort the batch
		}
		flag, err := decodeFlag(doc)
		if err != nil {
			continue
		}
		result[doc.Key] = flag
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

func (b *Backend) GetAllActiveFlags(ctx context.Context) ([]*flags.Flag, error) {
	cursor, err := b.flags().Find(ctx,
		bson.M{"status": string(flags.StatusActive)},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer cursor.Close(ctx)

	var result []*flags.Flag
	for cursor.Next(ctx) {
		var doc flagDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, unavailable(err)
		}
		flag, err := decodeFlag(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, flag)
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable(err)
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

	doc, err := encodeFlag(stored)
	if err != nil {
		return nil, err
	}
	// ReplaceOne on the unique key is the backend-native atomic
	// replace; a concurrent delete makes this a no-op, not an upsert.
	res, err := b.flags().ReplaceOne(ctx, bson.M{"key": stored.Key}, doc)
	if err != nil {
		return nil, unavailable(err)
	}
	if res.MatchedCount == 0 {
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

	res, err := b.flags().DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return false, unavailable(err)
	}
	if _, err := b.overrides().DeleteMany(ctx, bson.M{"flag_id": flag.ID.String()}); err != nil {
		return false, unavailable(err)
	}
	return res.DeletedCount > 0, nil
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
	doc := overrideDoc{
		FlagID:     stored.FlagID.String(),
		EntityType: string(stored.EntityType),
		EntityID:   stored.EntityID,
		Payload:    string(payload),
		ExpiresAt:  stored.ExpiresAt,
	}

	filter := bson.M{
		"flag_id":     doc.FlagID,
		"entity_type": doc.EntityType,
		"entity_id":   doc.EntityID,
	}
	_, err = b.overrides().ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, unavailable(err)
	}
	return stored, nil
}

// GetOverride filters expiry in the query. An override is still
// visible at its exact expires_at instant, matching
// flags.Override.Expired.
func (b *Backend) GetOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (*flags.Override, error) {
	filter := bson.M{
		"flag_id":     flagID.String(),
		"entity_type": string(entityType),
		"entity_id":   entityID,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gte": b.now().UTC()}},
		},
	}

	var doc overrideDoc
	err := b.overrides().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var override flags.Override
	if err := json.Unmarshal([]byte(doc.Payload), &override); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return &override, nil
}

func (b *Backend) DeleteOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (bool, error) {
	res, err := b.overrides().DeleteOne(ctx, bson.M{
		"flag_id":     flagID.String(),
		"entity_type": string(entityType),
		"entity_id":   entityID,
	})
	if err != nil {
		return false, unavailable(err)
	}
	return res.DeletedCount > 0, nil
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

	doc, err := encodeSegment(stored)
	if err != nil {
		return nil, err
	}
	if _, err := b.segments().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.Join(storage.ErrDuplicateKey, fmt.Errorf("segment name %q", stored.Name))
		}
		return nil, unavailable(err)
	}
	return stored, nil
}

func (b *Backend) GetSegment(ctx context.Context, id uuid.UUID) (*flags.Segment, error) {
	return b.findSegment(ctx, bson.M{"segment_uuid": id.String()})
}

func (b *Backend) GetSegmentByName(ctx context.Context, name string) (*flags.Segment, error) {
	return b.findSegment(ctx, bson.M{"name": name})
}

func (b *Backend) findSegment(ctx context.Context, filter bson.M) (*flags.Segment, error) {
	var doc segmentDoc
	err := b.segments().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeSegment(doc)
}

func (b *Backend) GetAllSegments(ctx context.Context) ([]*flags.Segment, error) {
	return b.querySegments(ctx, bson.M{})
}

func (b *Backend) GetChildSegments(ctx context.Context, parentID uuid.UUID) ([]*flags.Segment, error) {
	return b.querySegments(ctx, bson.M{"parent_id": parentID.String()})
}

func (b *Backend) querySegments(ctx context.Context, filter bson.M) ([]*flags.Segment, error) {
	cursor, err := b.segments().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer cursor.Close(ctx)

	var result []*flags.Segment
	for cursor.Next(ctx) {
		var doc segmentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, unavailable(err)
		}
		segment, err := decodeSegment(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, segment)
	}
	if err := cursor.Err(); err != nil {
		return nil, unavailable(err)
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

	stored := segment.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = b.now().UTC()

	doc, err := encodeSegment(stored)
	if err != nil {
		return nil, err
	}
	res, err := b.segments().ReplaceOne(ctx, bson.M{"segment_uuid": stored.ID.String()}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.Join(storage.ErrDuplicateKey, fmt.Errorf("segment name %q", stored.Name))
		}
		return nil, unavailable(err)
	}
	if res.MatchedCount == 0 {
		return nil, errors.Join(storage.ErrNotFound, fmt.Errorf("segment %s", stored.ID))
	}
	return stored, nil
}

func (b *Backend) DeleteSegment(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := b.segments().DeleteOne(ctx, bson.M{"segment_uuid": id.String()})
	if err != nil {
		return false, unavailable(err)
	}
	return res.DeletedCount > 0, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.db.Client().Ping(ctx, nil); err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Client().Disconnect(context.Background())
}

func encodeFlag(flag *flags.Flag) (flagDoc, error) {
	payload, err := json.Marshal(flag)
	if err != nil {
		return flagDoc{}, errors.Join(storage.ErrInvalidFlag, err)
	}
	return flagDoc{
		ID:        flag.ID.String(),
		Key:       flag.Key,
		Status:    string(flag.Status),
		Payload:   string(payload),
		CreatedAt: flag.CreatedAt,
		UpdatedAt: flag.UpdatedAt,
	}, nil
}

func decodeFlag(doc flagDoc) (*flags.Flag, error) {
	var flag flags.Flag
	if err := json.Unmarshal([]byte(doc.Payload), &flag); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return &flag, nil
}

func encodeSegment(segment *flags.Segment) (segmentDoc, error) {
	payload, err := json.Marshal(segment)
	if err != nil {
		return segmentDoc{}, errors.Join(storage.ErrInvalidFlag, err)
	}
	doc := segmentDoc{
		ID:        segment.ID.String(),
		Name:      segment.Name,
		Payload:   string(payload),
		CreatedAt: segment.CreatedAt,
		UpdatedAt: segment.UpdatedAt,
	}
	if segment.ParentSegmentID != nil {
		doc.ParentID = segment.ParentSegmentID.String()
	}
	return doc, nil
}

func decodeSegment(doc segmentDoc) (*flags.Segment, error) {
	var segment flags.Segment
	if err := json.Unmarshal([]byte(doc.Payload), &segment); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return &segment, nil
}
