package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
	"github.com/flagkit/flagkit/pkg/storage/storagetest"
)

func TestMemoryContract(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return storage.NewMemory()
	})
}

func TestMemoryCloneIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	input := &flags.Flag{
		Key:    "isolation",
		Type:   flags.TypeString,
		Status: flags.StatusActive,
		Rules: []flags.Rule{
			{Name: "beta", Priority: 1, Enabled: true},
		},
		Tags: []string{"original"},
	}
	created, err := m.CreateFlag(ctx, input)
	require.NoError(t, err)

	// Mutating the input after create must not affect the store.
	input.Tags[0] = "mutated"
	input.Rules[0].Name = "mutated"

	got, err := m.GetFlag(ctx, "isolation")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Tags[0])
	assert.Equal(t, "beta", got.Rules[0].Name)

	// Mutating a returned snapshot must not affect the store either.
	created.Tags[0] = "mutated"
	got.Rules[0].Name = "mutated"

	again, err := m.GetFlag(ctx, "isolation")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Tags[0])
	assert.Equal(t, "beta", again.Rules[0].Name)
}

func TestMemoryCloneIsolationPointerFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	rollout := 10
	input := &flags.Flag{
		Key:    "deep-isolation",
		Type:   flags.TypeString,
		Status: flags.StatusActive,
		Rules: []flags.Rule{
			{Name: "beta", Priority: 1, Enabled: true, RolloutPercentage: &rollout},
		},
		Metadata: map[string]any{
			"owner": map[string]any{"team": "growth"},
		},
	}
	_, err := m.CreateFlag(ctx, input)
	require.NoError(t, err)

	// Mutating through aliased pointers or nested maps must not reach
	// the stored flag.
	*input.Rules[0].RolloutPercentage = 99
	input.Metadata["owner"].(map[string]any)["team"] = "mutated"

	got, err := m.GetFlag(ctx, "deep-isolation")
	require.NoError(t, err)
	assert.Equal(t, 10, *got.Rules[0].RolloutPercentage)
	assert.Equal(t, "growth", got.Metadata["owner"].(map[string]any)["team"])

	// Same through a returned snapshot.
	*got.Rules[0].RolloutPercentage = 42
	again, err := m.GetFlag(ctx, "deep-isolation")
	require.NoError(t, err)
	assert.Equal(t, 10, *again.Rules[0].RolloutPercentage)
}

func TestMemoryOverrideSnapshotIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	created, err := m.CreateFlag(ctx, &flags.Flag{
		Key:    "override-isolation",
		Type:   flags.TypeBoolean,
		Status: flags.StatusActive,
	})
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour).UTC()
	input := &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityUser,
		EntityID:   "u1",
		Enabled:    true,
		ExpiresAt:  &expires,
	}
	stored, err := m.CreateOverride(ctx, input)
	require.NoError(t, err)

	// Pulling the expiry back through either the input or the returned
	// copy must not expire the stored override.
	past := time.Now().Add(-time.Hour)
	*input.ExpiresAt = past
	*stored.ExpiresAt = past

	got, err := m.GetOverride(ctx, created.ID, flags.EntityUser, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Enabled)
	assert.WithinDuration(t, expires, *got.ExpiresAt, time.Second)
}

func TestMemoryOverrideExpiryWithClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	m := storage.NewMemory(storage.WithClock(clock))
	t.Cleanup(func() { _ = m.Close() })

	created, err := m.CreateFlag(ctx, &flags.Flag{
		Key:    "clocked",
		Type:   flags.TypeBoolean,
		Status: flags.StatusActive,
	})
	require.NoError(t, err)

	expiresAt := now.Add(time.Hour)
	_, err = m.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityUser,
		EntityID:   "user-clock",
		Enabled:    true,
		ExpiresAt:  &expiresAt,
	})
	require.NoError(t, err)

	got, err := m.GetOverride(ctx, created.ID, flags.EntityUser, "user-clock")
	require.NoError(t, err)
	assert.NotNil(t, got, "override must be visible before expiry")

	// The expiry instant itself is inclusive.
	mu.Lock()
	now = expiresAt
	mu.Unlock()

	got, err = m.GetOverride(ctx, created.ID, flags.EntityUser, "user-clock")
	require.NoError(t, err)
	assert.NotNil(t, got, "override is still visible at the exact expiry instant")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	got, err = m.GetOverride(ctx, created.ID, flags.EntityUser, "user-clock")
	require.NoError(t, err)
	assert.Nil(t, got, "override must vanish after expiry")
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := storage.NewMemory()
	require.NoError(t, m.Close())

	_, err := m.CreateFlag(ctx, &flags.Flag{Key: "after-close", Status: flags.StatusActive})
	assert.ErrorIs(t, err, storage.ErrClosed)

	_, err = m.GetFlag(ctx, "after-close")
	assert.ErrorIs(t, err, storage.ErrClosed)

	assert.ErrorIs(t, m.HealthCheck(ctx), storage.ErrClosed)

	// Closing twice is fine.
	assert.NoError(t, m.Close())
}

func TestMemoryConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	created, err := m.CreateFlag(ctx, &flags.Flag{
		Key:    "concurrent",
		Type:   flags.TypeBoolean,
		Status: flags.StatusActive,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			updated := created.Clone()
			updated.DefaultEnabled = true
			_, _ = m.UpdateFlag(ctx, updated)
		}()
		go func() {
			defer wg.Done()
			_, _ = m.GetFlag(ctx, "concurrent")
			_, _ = m.GetAllActiveFlags(ctx)
		}()
	}
	wg.Wait()

	got, err := m.GetFlag(ctx, "concurrent")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
}
