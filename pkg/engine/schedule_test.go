package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/engine"
	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

func scheduleFixture(t *testing.T) (*storage.Memory, *flags.Flag) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	flag, err := store.CreateFlag(context.Background(), &flags.Flag{
		Key:    "launch",
		Status: flags.StatusInactive,
		Rules: []flags.Rule{
			{Priority: 1, Enabled: true, ServeEnabled: true},
		},
	})
	require.NoError(t, err)
	return store, flag
}

func TestScheduledChangeDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pending := &engine.ScheduledChange{ScheduledAt: now.Add(-time.Minute)}
	assert.True(t, pending.Due(now))

	future := &engine.ScheduledChange{ScheduledAt: now.Add(time.Minute)}
	assert.False(t, future.Due(now))

	executedAt := now.Add(-time.Hour)
	done := &engine.ScheduledChange{ScheduledAt: now.Add(-time.Minute), ExecutedAt: &executedAt}
	assert.False(t, done.Due(now), "executed changes are never due again")

	unscheduled := &engine.ScheduledChange{}
	assert.False(t, unscheduled.Due(now))
}

func TestProcessorEnableDisable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	p := engine.NewScheduleProcessor(store)
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeEnable,
		ScheduledAt: now.Add(-time.Minute),
	})

	executed, err := p.ProcessAt(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.NotNil(t, executed[0].ExecutedAt)
	assert.Equal(t, 0, p.Pending())

	flag, err := store.GetFlag(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusActive, flag.Status)
	assert.True(t, flag.DefaultEnabled)

	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeDisable,
		ScheduledAt: now,
	})
	_, err = p.ProcessAt(ctx, now.Add(time.Minute))
	require.NoError(t, err)

	flag, err = store.GetFlag(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusInactive, flag.Status)
	assert.False(t, flag.DefaultEnabled)
}

func TestProcessorUpdateRolloutAndValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Now().UTC()
	pct := 25

	p := engine.NewScheduleProcessor(store)
	p.Add(&engine.ScheduledChange{
		FlagKey:           "launch",
		Type:              engine.ChangeUpdateRollout,
		ScheduledAt:       now.Add(-time.Second),
		RolloutPercentage: &pct,
	})
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeUpdateValue,
		ScheduledAt: now.Add(-time.Second),
		NewValue:    "v2",
	})

	executed, err := p.ProcessAt(ctx, now)
	require.NoError(t, err)
	assert.Len(t, executed, 2)

	flag, err := store.GetFlag(ctx, "launch")
	require.NoError(t, err)
	require.NotNil(t, flag.Rules[0].RolloutPercentage)
	assert.Equal(t, 25, *flag.Rules[0].RolloutPercentage)
	assert.Equal(t, "v2", flag.DefaultValue)
}

func TestProcessorNotYetDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Now().UTC()

	p := engine.NewScheduleProcessor(store)
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeEnable,
		ScheduledAt: now.Add(time.Hour),
	})

	executed, err := p.ProcessAt(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, executed)
	assert.Equal(t, 1, p.Pending(), "future changes stay queued")

	flag, err := store.GetFlag(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusInactive, flag.Status)
}

func TestProcessorIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Now().UTC()

	p := engine.NewScheduleProcessor(store)
	change := &engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeEnable,
		ScheduledAt: now.Add(-time.Second),
	}
	p.Add(change)

	executed, err := p.ProcessAt(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 1)

	// Re-queueing the already-executed change must not apply it twice.
	p.Add(change)
	executed, err = p.ProcessAt(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, executed)
}

func TestProcessorDropsChangesForDeletedFlags(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Now().UTC()

	_, err := store.DeleteFlag(ctx, "launch")
	require.NoError(t, err)

	p := engine.NewScheduleProcessor(store)
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeEnable,
		ScheduledAt: now.Add(-time.Second),
	})

	executed, err := p.ProcessAt(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, executed)
	assert.Equal(t, 0, p.Pending(), "changes for deleted flags are dropped")
}

func TestProcessorDropsUnknownChangeType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Now().UTC()

	p := engine.NewScheduleProcessor(store)
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeType("promote"),
		ScheduledAt: now.Add(-time.Minute),
	})
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeEnable,
		ScheduledAt: now.Add(-time.Second),
	})

	// The malformed change is dropped and must not block the enable
	// queued behind it.
	executed, err := p.ProcessAt(ctx, now)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, engine.ChangeEnable, executed[0].Type)
	assert.Equal(t, 0, p.Pending(), "unknown-type changes are not requeued")

	flag, err := store.GetFlag(ctx, "launch")
	require.NoError(t, err)
	assert.Equal(t, flags.StatusActive, flag.Status)
}

func TestProcessorStorageFailureRequeues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := scheduleFixture(t)
	now := time.Now().UTC()

	p := engine.NewScheduleProcessor(store)
	p.Add(&engine.ScheduledChange{
		FlagKey:     "launch",
		Type:        engine.ChangeEnable,
		ScheduledAt: now.Add(-time.Second),
	})

	require.NoError(t, store.Close())

	executed, err := p.ProcessAt(ctx, now)
	require.Error(t, err)
	assert.Empty(t, executed)
	assert.Equal(t, 1, p.Pending(), "failed change stays queued for the next run")
}
