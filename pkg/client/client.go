package client

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flagkit/flagkit/pkg/cache"
	"github.com/flagkit/flagkit/pkg/config"
	"github.com/flagkit/flagkit/pkg/engine"
	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/logger"
	"github.com/flagkit/flagkit/pkg/security"
	"github.com/flagkit/flagkit/pkg/storage"
)

// Predefined errors for the client package.
var (
	// ErrNilBackend indicates a client constructed without a storage
	// backend.
	ErrNilBackend = errors.New("storage backend cannot be nil")

	// ErrClosed indicates an operation on a closed client.
	ErrClosed = errors.New("flag client is closed")
)

// Error codes recorded on results produced by the client itself.
const (
	ErrCodeFlagNotFound = "FLAG_NOT_FOUND"
	ErrCodeClientClosed = "CLIENT_CLOSED"
)

// Config holds client tunables loaded from the environment.
type Config struct {
	CacheEnabled bool          `env:"FLAGS_CACHE_ENABLED" envDefault:"false"`
	CacheSize    int           `env:"FLAGS_CACHE_SIZE" envDefault:"512"`
	CacheTTL     time.Duration `env:"FLAGS_CACHE_TTL" envDefault:"30s"`
}

// Client is the high-level evaluation facade. It fetches flag
// definitions from a storage backend, optionally through a TTL cache,
// and resolves them with the evaluation engine. Safe for concurrent
// use.
type Client struct {
	store    storage.Backend
	engine   *engine.Engine
	segments *engine.SegmentEvaluator
	cache    *cache.TTLCache[string, *flags.Flag]
	log      *slog.Logger
	closed   atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger. It is also passed to the
// engine unless WithEngine supplies one explicitly.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithEngine replaces the default evaluation engine.
func WithEngine(e *engine.Engine) Option {
	return func(c *Client) {
		if e != nil {
			c.engine = e
		}
	}
}

// WithCache enables an in-memory flag definition cache. Cached
// definitions may be served up to ttl past a write on another node;
// use InvalidateFlag after local writes.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *Client) {
		if size > 0 {
			c.cache = cache.New[string, *flags.Flag](size, cache.WithTTL(ttl))
		}
	}
}

// New creates a flag client on top of the given storage backend.
func New(store storage.Backend, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, ErrNilBackend
	}
	c := &Client{
		store: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.segments = engine.NewSegmentEvaluator(engine.WithSegmentLogger(c.log))
	if c.engine == nil {
		c.engine = engine.New(
			engine.WithLogger(c.log),
			engine.WithSegmentEvaluator(c.segments),
		)
	}
	return c, nil
}

// NewFromEnv creates a flag client configured from FLAGS_CACHE_*
// environment variables. Explicit options are applied after the
// environment and take precedence.
func NewFromEnv(store storage.Backend, opts ...Option) (*Client, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}

	envOpts := make([]Option, 0, 1+len(opts))
	if cfg.CacheEnabled {
		envOpts = append(envOpts, WithCache(cfg.CacheSize, cfg.CacheTTL))
	}
	envOpts = append(envOpts, opts...)
	return New(store, envOpts...)
}

// Evaluate resolves the flag for key against the evaluation context.
// It never returns a Go error: a missing flag, storage failure or
// internal fault is reported as a result with reason ERROR.
func (c *Client) Evaluate(ctx context.Context, key string, ectx flags.Context) flags.Result {
	if c.closed.Load() {
		return errorResult(key, ErrCodeClientClosed, ErrClosed.Error())
	}

	flag, err := c.fetchFlag(ctx, key)
	if err != nil {
		c.log.WarnContext(ctx, "flag lookup failed",
			logger.FlagKey(key), logger.Error(err))
		return errorResult(key, engine.ErrCodeStorageUnavailable, err.Error())
	}
	if flag == nil {
		return errorResult(key, ErrCodeFlagNotFound, "flag not found")
	}
	return c.engine.Evaluate(ctx, flag, ectx, c.store)
}

// IsEnabled reports whether the flag resolves to a true boolean for
// the context. Missing flags and faults resolve to false.
func (c *Client) IsEnabled(ctx context.Context, key string, ectx flags.Context) bool {
	return c.Evaluate(ctx, key, ectx).Bool()
}

// GetValue returns the flag's resolved value, or fallback when the
// flag is missing or evaluation faults.
func (c *Client) GetValue(ctx context.Context, key string, ectx flags.Context, fallback any) any {
	result := c.Evaluate(ctx, key, ectx)
	if result.IsError() {
		return fallback
	}
	return result.Value
}

// GetVariant returns the served variant key, or "" when the flag did
// not resolve through variant selection.
func (c *Client) GetVariant(ctx context.Context, key string, ectx flags.Context) string {
	return c.Evaluate(ctx, key, ectx).Variant
}

// EvaluateAll resolves every active flag for the context, keyed by
// flag key. A storage failure returns the error; per-flag faults are
// embedded in the individual results.
func (c *Client) EvaluateAll(ctx context.Context, ectx flags.Context) (map[string]flags.Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	active, err := c.store.GetAllActiveFlags(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[string]flags.Result, len(active))
	for _, flag := range active {
		results[flag.Key] = c.engine.Evaluate(ctx, flag, ectx, c.store)
	}
	return results, nil
}

// IsInSegment reports whether the context belongs to the named
// segment. Missing and disabled segments report false; storage
// failures and circular segment references return the error.
func (c *Client) IsInSegment(ctx context.Context, name string, ectx flags.Context) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	segment, err := c.store.GetSegmentByName(ctx, name)
	if err != nil {
		return false, err
	}
	if segment == nil {
		return false, nil
	}
	return c.segments.IsInSegment(ctx, segment.ID, ectx, c.store)
}

// InvalidateFlag drops the cached definition for key. No-op without a
// cache.
func (c *Client) InvalidateFlag(key string) {
	if c.cache != nil {
		c.cache.Delete(key)
	}
}

// InvalidateAll drops every cached definition. No-op without a cache.
func (c *Client) InvalidateAll() {
	if c.cache != nil {
		c.cache.Clear()
	}
}

// HealthCheck probes the underlying storage backend.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.store.HealthCheck(ctx)
}

// Close closes the client and its storage backend. Closing twice is
// fine.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cache != nil {
		c.cache.Clear()
	}
	return c.store.Close()
}

// fetchFlag returns the definition for key, consulting the cache
// first. Cache misses and storage hits populate the cache; absent
// flags are not negatively cached.
func (c *Client) fetchFlag(ctx context.Context, key string) (*flags.Flag, error) {
	if c.cache != nil {
		if flag, ok := c.cache.Get(key); ok {
			return flag, nil
		}
	}
	flag, err := c.store.GetFlag(ctx, key)
	if err != nil {
		return nil, err
	}
	if flag != nil && c.cache != nil {
		c.cache.Set(key, flag)
	}
	return flag, nil
}

func errorResult(key, code, message string) flags.Result {
	return flags.Result{
		FlagKey:      key,
		Value:        nil,
		Reason:       flags.ReasonError,
		ErrorCode:    code,
		ErrorMessage: security.SanitizeErrorMessage(message),
	}
}
