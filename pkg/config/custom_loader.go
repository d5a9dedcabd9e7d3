package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from the given .env files into
// the process environment. Later files take precedence over earlier
// ones. With no arguments it loads the default .env from the current
// working directory.
func LoadEnv(files ...string) error {
	if err := godotenv.Overload(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// MustLoadEnv works like LoadEnv but panics if any file cannot be
// loaded.
func MustLoadEnv(files ...string) {
	if err := LoadEnv(files...); err != nil {
		panic(fmt.Sprintf("Failed to load env files: %v", err))
	}
}

// ResetCache clears all cached configurations so the next Load parses
// the environment again. Intended for tests.
func ResetCache() {
	globalCache.mu.Lock()
	globalCache.values = make(map[string]any)
	globalCache.onces = make(map[string]*sync.Once)
	globalCache.mu.Unlock()
}

// ForceReloadConfig re-parses the environment into v and replaces the
// cached copy for its type, bypassing the parse-once guarantee. Useful
// after the process environment changes mid-run.
func ForceReloadConfig[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	typeName := typeKey[T]()
	globalCache.mu.Lock()
	globalCache.values[typeName] = *v
	globalCache.onces[typeName] = new(sync.Once)
	globalCache.mu.Unlock()
	return nil
}
