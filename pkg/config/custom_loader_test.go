package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/config"
)

// clearDotenvKeys removes every key the testdata fixtures touch so a
// test observes only what LoadEnv itself set. t.Setenv registers the
// restore.
func clearDotenvKeys(t *testing.T) {
	t.Helper()
	keys := []string{
		"FLAGS_APP_ENV", "FLAGS_CACHE_SIZE", "FLAGS_CACHE_ENABLED",
		"FLAGS_SEED_PATHS", "FLAGS_HASH_SALT", "FLAGS_EMPTY_VALUE",
		"FLAGS_PG_TEST_DSN", "FLAGS_LOCAL_ONLY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadEnvSingleFile(t *testing.T) {
	clearDotenvKeys(t)

	require.NoError(t, config.LoadEnv("testdata/.env.base"))

	assert.Equal(t, "development", os.Getenv("FLAGS_APP_ENV"))
	assert.Equal(t, "128", os.Getenv("FLAGS_CACHE_SIZE"))
	assert.Equal(t, "true", os.Getenv("FLAGS_CACHE_ENABLED"))
	assert.Equal(t, "flags.yaml,extra.yaml", os.Getenv("FLAGS_SEED_PATHS"))
	assert.Equal(t, "pepper with spaces", os.Getenv("FLAGS_HASH_SALT"), "quotes are stripped")
	assert.Empty(t, os.Getenv("FLAGS_EMPTY_VALUE"))
}

func TestLoadEnvLaterFileWins(t *testing.T) {
	clearDotenvKeys(t)

	require.NoError(t, config.LoadEnv("testdata/.env.base", "testdata/.env.local"))

	assert.Equal(t, "staging", os.Getenv("FLAGS_APP_ENV"))
	assert.Equal(t, "256", os.Getenv("FLAGS_CACHE_SIZE"))
	assert.Equal(t, "local_dsn", os.Getenv("FLAGS_PG_TEST_DSN"))

	// Keys only one file carries survive from either side.
	assert.Equal(t, "local_value", os.Getenv("FLAGS_LOCAL_ONLY"))
	assert.Equal(t, "true", os.Getenv("FLAGS_CACHE_ENABLED"))
}

func TestLoadEnvOverridesProcessEnv(t *testing.T) {
	clearDotenvKeys(t)
	t.Setenv("FLAGS_APP_ENV", "from-process")

	require.NoError(t, config.LoadEnv("testdata/.env.base"))
	assert.Equal(t, "development", os.Getenv("FLAGS_APP_ENV"))
}

func TestLoadEnvMissingFile(t *testing.T) {
	assert.Error(t, config.LoadEnv("testdata/.env.nonexistent"))
}

func TestLoadEnvFeedsLoad(t *testing.T) {
	clearDotenvKeys(t)
	config.ResetCache()

	require.NoError(t, config.LoadEnv("testdata/.env.base", "testdata/.env.local"))

	var cfg cacheConfig
	require.NoError(t, config.Load(&cfg))
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 256, cfg.Size)
}

func TestMustLoadEnv(t *testing.T) {
	clearDotenvKeys(t)

	assert.NotPanics(t, func() { config.MustLoadEnv("testdata/.env.base") })
	assert.Panics(t, func() { config.MustLoadEnv("testdata/.env.nonexistent") })
}
