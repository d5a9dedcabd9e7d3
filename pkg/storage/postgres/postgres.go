package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

//go:embed schema.sql
var schema string

// Backend implements storage.Backend on a pgx connection pool.
type Backend struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Backend = (*Backend)(nil)

// New creates a PostgreSQL backend and applies the embedded schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Backend, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, classify(err)
	}
	return &Backend{pool: pool, now: time.Now}, nil
}

// classify maps pgx errors onto the shared storage taxonomy. Unique
// violations (SQLSTATE 23505) become ErrDuplicateKey; everything else
// unexpected is a transient backend failure.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Join(storage.ErrDuplicateKey, err)
	}
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

	_, err = b.pool.Exec(ctx,
		`INSERT INTO feature_flags (id, key, status, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		stored.ID, stored.Key, string(stored.Status), payload, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

func (b *Backend) GetFlag(ctx context.Context, key string) (*flags.Flag, error) {
	var payload []byte
	err := b.pool.QueryRow(ctx,
		`SELECT payload FROM feature_flags WHERE key = $1`, key,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return decodeFlag(payload)
}

func (b *Backend) GetFlags(ctx context.Context, keys []string) (map[string]*flags.Flag, error) {
	result := make(map[string]*flags.Flag, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := b.pool.Query(ctx,
		`SELECT key, payload FROM feature_flags WHERE key = ANY($1)`, keys,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, classify(err)
		}
		flag, err := decodeFlag(payload)
		if err != nil {
			continue // one corrupt row must not abort the batch
		}
		result[key] = flag
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (b *Backend) GetAllActiveFlags(ctx context.Context) ([]*flags.Flag, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT payload FROM feature_flags WHERE status = $1 ORDER BY key`,
		string(flags.StatusActive),
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []*flags.Flag
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify(err)
		}
		flag, err := decodeFlag(payload)
		if err != nil {
			return nil, err
		}
		result = append(result, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// UpdateFlag replaces the stored flag inside a transaction. The row
// lock serializes concurrent writes to the same key without blocking
// writes to other keys.
func (b *Backend) UpdateFlag(ctx context.Context, flag *flags.Flag) (*flags.Flag, error) {
	if flag == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("flag cannot be nil"))
	}
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	var existingID uuid.UUID
	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT id, created_at FROM feature_flags WHERE key = $1 FOR UPDATE`, flag.Key,
	).Scan(&existingID, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Join(storage.ErrNotFound, fmt.Errorf("key %q", flag.Key))
	}
	if err != nil {
		return nil, classify(err)
	}

	stored := flag.Clone()
	stored.ID = existingID
	stored.CreatedAt = createdAt
	stored.UpdatedAt = b.now().UTC()

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE feature_flags SET status = $2, payload = $3, updated_at = $4 WHERE key = $1`,
		stored.Key, string(stored.Status), payload, stored.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

func (b *Backend) DeleteFlag(ctx context.Context, key string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM feature_flags WHERE key = $1`, key)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
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

	_, err = b.pool.Exec(ctx,
		`INSERT INTO flag_overrides (id, flag_id, entity_type, entity_id, payload, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (flag_id, entity_type, entity_id)
		 DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		stored.ID, stored.FlagID, string(stored.EntityType), stored.EntityID,
		payload, stored.ExpiresAt, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

// GetOverride filters expiry in SQL so an expired override is invisible
// the moment its instant passes, regardless of process clock drift
// between application replicas. An override is still visible at its
// exact expires_at instant, matching flags.Override.Expired.
func (b *Backend) GetOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (*flags.Override, error) {
	var payload []byte
	err := b.pool.QueryRow(ctx,
		`SELECT payload FROM flag_overrides
		 WHERE flag_id = $1 AND entity_type = $2 AND entity_id = $3
		   AND (expires_at IS NULL OR expires_at >= now())`,
		flagID, string(entityType), entityID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	var override flags.Override
	if err := json.Unmarshal(payload, &override); err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	return &override, nil
}

func (b *Backend) DeleteOverride(ctx context.Context, flagID uuid.UUID, entityType flags.EntityType, entityID string) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM flag_overrides WHERE flag_id = $1 AND entity_type = $2 AND entity_id = $3`,
		flagID, string(entityType), entityID,
	)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
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

	_, err = b.pool.Exec(ctx,
		`INSERT INTO flag_segments (id, name, parent_id, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		stored.ID, stored.Name, stored.ParentSegmentID, payload, stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

func (b *Backend) GetSegment(ctx context.Context, id uuid.UUID) (*flags.Segment, error) {
	var payload []byte
	err := b.pool.QueryRow(ctx,
		`SELECT payload FROM flag_segments WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return decodeSegment(payload)
}

func (b *Backend) GetSegmentByName(ctx context.Context, name string) (*flags.Segment, error) {
	var payload []byte
	err := b.pool.QueryRow(ctx,
		`SELECT payload FROM flag_segments WHERE name = $1`, name,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return decodeSegment(payload)
}

func (b *Backend) GetAllSegments(ctx context.Context) ([]*flags.Segment, error) {
	return b.querySegments(ctx, `SELECT payload FROM flag_segments ORDER BY name`)
}

func (b *Backend) GetChildSegments(ctx context.Context, parentID uuid.UUID) ([]*flags.Segment, error) {
	return b.querySegments(ctx,
		`SELECT payload FROM flag_segments WHERE parent_id = $1 ORDER BY name`, parentID)
}

func (b *Backend) querySegments(ctx context.Context, query string, args ...any) ([]*flags.Segment, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []*flags.Segment
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, classify(err)
		}
		segment, err := decodeSegment(payload)
		if err != nil {
			return nil, err
		}
		result = append(result, segment)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// UpdateSegment replaces the stored segment inside a transaction,
// mirroring UpdateFlag's row-lock approach.
func (b *Backend) UpdateSegment(ctx context.Context, segment *flags.Segment) (*flags.Segment, error) {
	if segment == nil {
		return nil, errors.Join(storage.ErrInvalidFlag, errors.New("segment cannot be nil"))
	}
	if err := segment.Validate(); err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM flag_segments WHERE id = $1 FOR UPDATE`, segment.ID,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Join(storage.ErrNotFound, fmt.Errorf("segment %s", segment.ID))
	}
	if err != nil {
		return nil, classify(err)
	}

	stored := segment.Clone()
	stored.CreatedAt = createdAt
	stored.UpdatedAt = b.now().UTC()

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Join(storage.ErrInvalidFlag, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE flag_segments SET name = $2, parent_id = $3, payload = $4, updated_at = $5 WHERE id = $1`,
		stored.ID, stored.Name, stored.ParentSegmentID, payload, stored.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

func (b *Backend) DeleteSegment(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM flag_segments WHERE id = $1`, id)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return errors.Join(storage.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
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
