// Package storagetest provides a reusable conformance suite for
// storage.Backend implementations. Backend packages call Run with a
// factory that returns a fresh, empty backend; the suite then checks
// the behaviors every backend must share: duplicate detection, nil-nil
// misses, idempotent deletes, batch lookups that skip misses, override
// expiry, and segment CRUD with name uniqueness.
//
// Usage:
//
//	func TestMemoryContract(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Backend {
//			return storage.NewMemory()
//		})
//	}
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

// Factory returns a fresh, empty backend for a single subtest. The
// suite closes the backend when the subtest finishes.
type Factory func(t *testing.T) storage.Backend

// Run executes the conformance suite against backends produced by
// factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicateKey", testCreateDuplicateKey},
		{"CreateInvalidFlag", testCreateInvalidFlag},
		{"GetMissingFlag", testGetMissingFlag},
		{"GetFlagsSkipsMisses", testGetFlagsSkipsMisses},
		{"GetAllActiveFlags", testGetAllActiveFlags},
		{"UpdateFlag", testUpdateFlag},
		{"UpdateMissingFlag", testUpdateMissingFlag},
		{"DeleteFlagIdempotent", testDeleteFlagIdempotent},
		{"DeleteFlagRemovesOverrides", testDeleteFlagRemovesOverrides},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"OverrideRoundTrip", testOverrideRoundTrip},
		{"OverrideReplace", testOverrideReplace},
		{"OverrideExpiry", testOverrideExpiry},
		{"DeleteOverride", testDeleteOverride},
		{"SegmentCreateAndGet", testSegmentCreateAndGet},
		{"SegmentDuplicateName", testSegmentDuplicateName},
		{"SegmentGetMissing", testSegmentGetMissing},
		{"SegmentChildren", testSegmentChildren},
		{"SegmentUpdate", testSegmentUpdate},
		{"SegmentDeleteIdempotent", testSegmentDeleteIdempotent},
		{"HealthCheck", testHealthCheck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := factory(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func newFlag(key string) *flags.Flag {
	return &flags.Flag{
		Key:            key,
		Name:           key,
		Type:           flags.TypeBoolean,
		Status:         flags.StatusActive,
		DefaultEnabled: false,
	}
}

func testCreateAndGet(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-create"))
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := b.GetFlag(ctx, "contract-create")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "contract-create", got.Key)
}

func testCreateDuplicateKey(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.CreateFlag(ctx, newFlag("contract-dup"))
	require.NoError(t, err)

	_, err = b.CreateFlag(ctx, newFlag("contract-dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func testCreateInvalidFlag(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.CreateFlag(ctx, &flags.Flag{Key: "9starts-with-digit"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flags.ErrValidation)

	_, err = b.CreateFlag(ctx, nil)
	require.Error(t, err)
}

func testGetMissingFlag(t *testing.T, b storage.Backend) {
	got, err := b.GetFlag(context.Background(), "contract-absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testGetFlagsSkipsMisses(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.CreateFlag(ctx, newFlag("contract-batch-a"))
	require.NoError(t, err)
	_, err = b.CreateFlag(ctx, newFlag("contract-batch-b"))
	require.NoError(t, err)

	got, err := b.GetFlags(ctx, []string{"contract-batch-a", "contract-batch-missing", "contract-batch-b"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "contract-batch-a")
	assert.Contains(t, got, "contract-batch-b")
	assert.NotContains(t, got, "contract-batch-missing")

	empty, err := b.GetFlags(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testGetAllActiveFlags(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.CreateFlag(ctx, newFlag("contract-active"))
	require.NoError(t, err)

	inactive := newFlag("contract-inactive")
	inactive.Status = flags.StatusInactive
	_, err = b.CreateFlag(ctx, inactive)
	require.NoError(t, err)

	archived := newFlag("contract-archived")
	archived.Status = flags.StatusArchived
	_, err = b.CreateFlag(ctx, archived)
	require.NoError(t, err)

	active, err := b.GetAllActiveFlags(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "contract-active", active[0].Key)

	// Listing order must be stable across calls.
	_, err = b.CreateFlag(ctx, newFlag("contract-active-2"))
	require.NoError(t, err)
	first, err := b.GetAllActiveFlags(ctx)
	require.NoError(t, err)
	second, err := b.GetAllActiveFlags(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for i := range first {
		assert.Equal(t, first[i].Key, second[i].Key)
	}
}

func testUpdateFlag(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-update"))
	require.NoError(t, err)

	modified := created.Clone()
	modified.Description = "updated description"
	modified.DefaultEnabled = true
	modified.CreatedAt = time.Time{} // backends must preserve the original

	updated, err := b.UpdateFlag(ctx, modified)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))
	assert.Equal(t, "updated description", updated.Description)
	assert.True(t, updated.DefaultEnabled)

	got, err := b.GetFlag(ctx, "contract-update")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "updated description", got.Description)
}

func testUpdateMissingFlag(t *testing.T, b storage.Backend) {
	_, err := b.UpdateFlag(context.Background(), newFlag("contract-update-absent"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteFlagIdempotent(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.CreateFlag(ctx, newFlag("contract-delete"))
	require.NoError(t, err)

	deleted, err := b.DeleteFlag(ctx, "contract-delete")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.DeleteFlag(ctx, "contract-delete")
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := b.GetFlag(ctx, "contract-delete")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testDeleteFlagRemovesOverrides(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-delete-cascade"))
	require.NoError(t, err)

	_, err = b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityUser,
		EntityID:   "user-1",
		Enabled:    true,
	})
	require.NoError(t, err)

	_, err = b.DeleteFlag(ctx, "contract-delete-cascade")
	require.NoError(t, err)

	got, err := b.GetOverride(ctx, created.ID, flags.EntityUser, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testSnapshotIsolation(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	rollout := 10
	input := newFlag("contract-isolation")
	input.Rules = []flags.Rule{
		{Name: "beta", Priority: 1, Enabled: true, RolloutPercentage: &rollout},
	}
	input.Metadata = map[string]any{
		"owner": map[string]any{"team": "growth"},
	}
	_, err := b.CreateFlag(ctx, input)
	require.NoError(t, err)

	// Mutating the input through its pointer fields or nested maps
	// after create must not reach the stored flag.
	*input.Rules[0].RolloutPercentage = 99
	input.Metadata["owner"].(map[string]any)["team"] = "mutated"

	got, err := b.GetFlag(ctx, "contract-isolation")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Rules[0].RolloutPercentage)
	assert.Equal(t, 10, *got.Rules[0].RolloutPercentage)
	assert.Equal(t, "growth", got.Metadata["owner"].(map[string]any)["team"])
}

func testOverrideRoundTrip(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-override"))
	require.NoError(t, err)

	stored, err := b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityOrganization,
		EntityID:   "org-7",
		Enabled:    true,
		Value:      "forced",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, stored.ID)

	got, err := b.GetOverride(ctx, created.ID, flags.EntityOrganization, "org-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Enabled)
	assert.Equal(t, "forced", got.Value)

	// Miss on a different entity or type.
	got, err = b.GetOverride(ctx, created.ID, flags.EntityOrganization, "org-8")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = b.GetOverride(ctx, created.ID, flags.EntityUser, "org-7")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testOverrideReplace(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-override-replace"))
	require.NoError(t, err)

	_, err = b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityUser,
		EntityID:   "user-9",
		Enabled:    true,
	})
	require.NoError(t, err)

	_, err = b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityUser,
		EntityID:   "user-9",
		Enabled:    false,
	})
	require.NoError(t, err)

	got, err := b.GetOverride(ctx, created.ID, flags.EntityUser, "user-9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Enabled)
}

func testOverrideExpiry(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-override-expiry"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	_, err = b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityTenant,
		EntityID:   "tenant-3",
		Enabled:    true,
		ExpiresAt:  &past,
	})
	require.NoError(t, err)

	got, err := b.GetOverride(ctx, created.ID, flags.EntityTenant, "tenant-3")
	require.NoError(t, err)
	assert.Nil(t, got, "expired override must be logically absent")

	future := time.Now().Add(time.Hour)
	_, err = b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityTenant,
		EntityID:   "tenant-4",
		Enabled:    true,
		ExpiresAt:  &future,
	})
	require.NoError(t, err)

	got, err = b.GetOverride(ctx, created.ID, flags.EntityTenant, "tenant-4")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func testDeleteOverride(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateFlag(ctx, newFlag("contract-override-delete"))
	require.NoError(t, err)

	_, err = b.CreateOverride(ctx, &flags.Override{
		FlagID:     created.ID,
		EntityType: flags.EntityUser,
		EntityID:   "user-del",
		Enabled:    true,
	})
	require.NoError(t, err)

	deleted, err := b.DeleteOverride(ctx, created.ID, flags.EntityUser, "user-del")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.DeleteOverride(ctx, created.ID, flags.EntityUser, "user-del")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func newSegment(name string) *flags.Segment {
	return &flags.Segment{
		Name:    name,
		Enabled: true,
		Conditions: []flags.Condition{
			{Attribute: "plan", Operator: flags.OpEq, Value: "premium"},
		},
	}
}

func testSegmentCreateAndGet(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateSegment(ctx, newSegment("contract-segment"))
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	got, err := b.GetSegment(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "contract-segment", got.Name)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, flags.OpEq, got.Conditions[0].Operator)

	byName, err := b.GetSegmentByName(ctx, "contract-segment")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, created.ID, byName.ID)
}

func testSegmentDuplicateName(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.CreateSegment(ctx, newSegment("contract-segment-dup"))
	require.NoError(t, err)

	_, err = b.CreateSegment(ctx, newSegment("contract-segment-dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = b.CreateSegment(ctx, &flags.Segment{Name: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, flags.ErrValidation)
}

func testSegmentGetMissing(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	got, err := b.GetSegment(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = b.GetSegmentByName(ctx, "contract-segment-absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testSegmentChildren(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	parent, err := b.CreateSegment(ctx, newSegment("contract-segment-parent"))
	require.NoError(t, err)

	childA := newSegment("contract-segment-child-a")
	childA.ParentSegmentID = &parent.ID
	_, err = b.CreateSegment(ctx, childA)
	require.NoError(t, err)

	childB := newSegment("contract-segment-child-b")
	childB.ParentSegmentID = &parent.ID
	_, err = b.CreateSegment(ctx, childB)
	require.NoError(t, err)

	_, err = b.CreateSegment(ctx, newSegment("contract-segment-unrelated"))
	require.NoError(t, err)

	children, err := b.GetChildSegments(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		require.NotNil(t, child.ParentSegmentID)
		assert.Equal(t, parent.ID, *child.ParentSegmentID)
	}

	all, err := b.GetAllSegments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testSegmentUpdate(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateSegment(ctx, newSegment("contract-segment-update"))
	require.NoError(t, err)

	modified := created.Clone()
	modified.Description = "updated description"
	modified.Enabled = false
	modified.CreatedAt = time.Time{} // backends must preserve the original

	updated, err := b.UpdateSegment(ctx, modified)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))
	assert.Equal(t, "updated description", updated.Description)
	assert.False(t, updated.Enabled)

	got, err := b.GetSegment(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "updated description", got.Description)

	// Updating an absent segment fails.
	absent := newSegment("contract-segment-update-absent")
	absent.ID = uuid.New()
	_, err = b.UpdateSegment(ctx, absent)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Renaming onto another segment's name fails.
	other, err := b.CreateSegment(ctx, newSegment("contract-segment-update-other"))
	require.NoError(t, err)
	conflict := other.Clone()
	conflict.Name = "contract-segment-update"
	_, err = b.UpdateSegment(ctx, conflict)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func testSegmentDeleteIdempotent(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	created, err := b.CreateSegment(ctx, newSegment("contract-segment-delete"))
	require.NoError(t, err)

	deleted, err := b.DeleteSegment(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.DeleteSegment(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := b.GetSegment(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The name is free for reuse after deletion.
	_, err = b.CreateSegment(ctx, newSegment("contract-segment-delete"))
	require.NoError(t, err)
}

func testHealthCheck(t *testing.T, b storage.Backend) {
	assert.NoError(t, b.HealthCheck(context.Background()))
}
