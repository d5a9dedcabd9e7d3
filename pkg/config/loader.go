package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// cache holds one parsed config per concrete type. The per-type
// sync.Once guarantees env.Parse runs once even under concurrent first
// loads of the same type.
type cache struct {
	mu     sync.RWMutex
	values map[string]any
	onces  map[string]*sync.Once
}

var (
	globalCache = &cache{
		values: make(map[string]any),
		onces:  make(map[string]*sync.Once),
	}

	defaultEnvLoaded sync.Once
)

// Load parses environment variables into v based on its `env` struct
// tags. Each config type is parsed at most once per process; later
// calls for the same type are served from the cache, so a struct type
// acts as a process-wide singleton.
//
// The first Load in the process also reads the default .env file if
// one exists in the working directory. A missing .env is not an error.
//
// Example:
//
//	type StorageConfig struct {
//		ConnectionString string        `env:"FLAGS_PG_CONN_URL,required"`
//		RetryAttempts    int           `env:"FLAGS_PG_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval    time.Duration `env:"FLAGS_PG_RETRY_INTERVAL" envDefault:"5s"`
//	}
//
//	var cfg StorageConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	defaultEnvLoaded.Do(func() {
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}

	typeName := typeKey[T]()

	if cached, ok := globalCache.get(typeName); ok {
		*v = cached.(T)
		return nil
	}

	var err error
	globalCache.once(typeName).Do(func() {
		if parseErr := env.Parse(v); parseErr != nil {
			err = errors.Join(ErrParsingConfig, parseErr)
			return
		}
		globalCache.set(typeName, *v)
	})
	if err != nil {
		return err
	}

	// A concurrent Load may have won the Once; everyone reads the one
	// cached copy.
	if cached, ok := globalCache.get(typeName); ok {
		*v = cached.(T)
		return nil
	}
	return ErrConfigNotLoaded
}

// MustLoad works like Load but panics on failure. Use it for
// configuration the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("Failed to load required configuration: %v", err))
	}
}

func (c *cache) get(typeName string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[typeName]
	return v, ok
}

func (c *cache) set(typeName string, v any) {
	c.mu.Lock()
	c.values[typeName] = v
	c.mu.Unlock()
}

func (c *cache) once(typeName string) *sync.Once {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.onces[typeName]
	if !ok {
		o = new(sync.Once)
		c.onces[typeName] = o
	}
	return o
}

// typeKey returns a stable cache key for the concrete type T.
func typeKey[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Sprintf("%T", *new(T))
	}
	return t.String()
}
