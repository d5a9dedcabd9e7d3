package flags_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/flags"
)

func intPtr(v int) *int { return &v }

func TestValidKey(t *testing.T) {
	t.Parallel()

	valid := []string{"a", "feature-x", "new_checkout", "Flag2", "a" + strings.Repeat("b", 254)}
	for _, key := range valid {
		assert.True(t, flags.ValidKey(key), "key %q should be valid", key)
	}

	invalid := []string{
		"",
		"9starts-with-digit",
		"-leading-hyphen",
		"_leading-underscore",
		"has space",
		"has.dot",
		"a" + strings.Repeat("b", 255), // 256 chars
	}
	for _, key := range invalid {
		assert.False(t, flags.ValidKey(key), "key %q should be invalid", key)
	}
}

func TestFlagValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid flag", func(t *testing.T) {
		t.Parallel()
		flag := &flags.Flag{
			Key:    "good",
			Type:   flags.TypeBoolean,
			Status: flags.StatusActive,
			Rules: []flags.Rule{
				{
					RolloutPercentage: intPtr(50),
					Conditions: []flags.Condition{
						{Attribute: "plan", Operator: flags.OpEq, Value: "pro"},
					},
				},
			},
			Variants: []flags.Variant{{Key: "a", Weight: 1}},
		}
		assert.NoError(t, flag.Validate())
	})

	t.Run("malformed key", func(t *testing.T) {
		t.Parallel()
		err := (&flags.Flag{Key: "9bad"}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		err := (&flags.Flag{Key: "f", Type: flags.Type("decimal")}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)
	})

	t.Run("unknown status", func(t *testing.T) {
		t.Parallel()
		err := (&flags.Flag{Key: "f", Status: flags.Status("paused")}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)
	})

	t.Run("rollout out of range", func(t *testing.T) {
		t.Parallel()
		err := (&flags.Flag{
			Key:   "f",
			Rules: []flags.Rule{{RolloutPercentage: intPtr(101)}},
		}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)

		err = (&flags.Flag{
			Key:   "f",
			Rules: []flags.Rule{{RolloutPercentage: intPtr(-1)}},
		}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)
	})

	t.Run("unknown operator", func(t *testing.T) {
		t.Parallel()
		err := (&flags.Flag{
			Key: "f",
			Rules: []flags.Rule{{
				Conditions: []flags.Condition{{Attribute: "a", Operator: "fuzzy"}},
			}},
		}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)
	})

	t.Run("negative variant weight", func(t *testing.T) {
		t.Parallel()
		err := (&flags.Flag{
			Key:      "f",
			Variants: []flags.Variant{{Key: "a", Weight: -1}},
		}).Validate()
		assert.ErrorIs(t, err, flags.ErrValidation)
	})

	t.Run("empty type and status pass", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, (&flags.Flag{Key: "bare"}).Validate())
	})
}

func TestFlagDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, false, (&flags.Flag{}).Default())
	assert.Equal(t, true, (&flags.Flag{DefaultEnabled: true}).Default())
	assert.Equal(t, "v", (&flags.Flag{DefaultEnabled: true, DefaultValue: "v"}).Default())
}

func TestFlagSortedRules(t *testing.T) {
	t.Parallel()

	flag := &flags.Flag{
		Key: "ordered",
		Rules: []flags.Rule{
			{Name: "c", Priority: 3},
			{Name: "a", Priority: 1},
			{Name: "b", Priority: 2},
		},
	}

	sorted := flag.SortedRules()
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].Name)
	assert.Equal(t, "b", sorted[1].Name)
	assert.Equal(t, "c", sorted[2].Name)

	// The flag's own slice is untouched.
	assert.Equal(t, "c", flag.Rules[0].Name)
}

func TestFlagSortedRulesStable(t *testing.T) {
	t.Parallel()

	flag := &flags.Flag{
		Key: "ties",
		Rules: []flags.Rule{
			{Name: "first", Priority: 1},
			{Name: "second", Priority: 1},
		},
	}
	sorted := flag.SortedRules()
	assert.Equal(t, "first", sorted[0].Name, "equal priorities keep insertion order")
}

func TestFlagClone(t *testing.T) {
	t.Parallel()

	original := &flags.Flag{
		Key: "cloned",
		Rules: []flags.Rule{
			{Name: "r", Conditions: []flags.Condition{{Attribute: "a", Operator: flags.OpEq, Value: 1}}},
		},
		Variants: []flags.Variant{{Key: "v"}},
		Tags:     []string{"t"},
		Metadata: map[string]any{"team": "growth"},
	}

	clone := original.Clone()
	clone.Rules[0].Name = "mutated"
	clone.Rules[0].Conditions[0].Attribute = "mutated"
	clone.Variants[0].Key = "mutated"
	clone.Tags[0] = "mutated"
	clone.Metadata["team"] = "mutated"

	assert.Equal(t, "r", original.Rules[0].Name)
	assert.Equal(t, "a", original.Rules[0].Conditions[0].Attribute)
	assert.Equal(t, "v", original.Variants[0].Key)
	assert.Equal(t, "t", original.Tags[0])
	assert.Equal(t, "growth", original.Metadata["team"])
}

func TestFlagClonePointerFields(t *testing.T) {
	t.Parallel()

	rollout := 10
	expires := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	starts := expires.Add(-time.Hour)

	original := &flags.Flag{
		Key: "pointer-isolation",
		Rules: []flags.Rule{
			{Name: "r", RolloutPercentage: &rollout, StartsAt: &starts, EndsAt: &expires},
		},
		Overrides: []flags.Override{
			{EntityType: flags.EntityUser, EntityID: "u1", ExpiresAt: &expires},
		},
		Metadata: map[string]any{
			"owner": map[string]any{"team": "growth"},
			"ports": []any{80, 443},
		},
	}

	clone := original.Clone()
	*clone.Rules[0].RolloutPercentage = 99
	*clone.Rules[0].StartsAt = expires.Add(24 * time.Hour)
	*clone.Rules[0].EndsAt = expires.Add(48 * time.Hour)
	*clone.Overrides[0].ExpiresAt = expires.Add(24 * time.Hour)
	clone.Metadata["owner"].(map[string]any)["team"] = "mutated"
	clone.Metadata["ports"].([]any)[0] = 8080

	assert.Equal(t, 10, *original.Rules[0].RolloutPercentage)
	assert.Equal(t, starts, *original.Rules[0].StartsAt)
	assert.Equal(t, expires, *original.Rules[0].EndsAt)
	assert.Equal(t, expires, *original.Overrides[0].ExpiresAt)
	assert.Equal(t, "growth", original.Metadata["owner"].(map[string]any)["team"])
	assert.Equal(t, 80, original.Metadata["ports"].([]any)[0])
}

func TestOverrideClone(t *testing.T) {
	t.Parallel()

	expires := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	original := &flags.Override{
		EntityType: flags.EntityUser,
		EntityID:   "u1",
		Value:      map[string]any{"limit": 5},
		ExpiresAt:  &expires,
	}

	clone := original.Clone()
	*clone.ExpiresAt = expires.Add(24 * time.Hour)
	clone.Value.(map[string]any)["limit"] = 500

	assert.Equal(t, expires, *original.ExpiresAt)
	assert.Equal(t, 5, original.Value.(map[string]any)["limit"])
}

func TestFlagHasTag(t *testing.T) {
	t.Parallel()

	flag := &flags.Flag{Key: "tagged", Tags: []string{"beta", "checkout"}}
	assert.True(t, flag.HasTag("beta"))
	assert.False(t, flag.HasTag("payments"))
	assert.False(t, (&flags.Flag{}).HasTag("any"))
}

func TestRuleInWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	assert.True(t, flags.Rule{}.InWindow(now), "no window is always in window")
	assert.True(t, flags.Rule{StartsAt: &before}.InWindow(now))
	assert.False(t, flags.Rule{StartsAt: &after}.InWindow(now))
	assert.True(t, flags.Rule{EndsAt: &after}.InWindow(now))
	assert.False(t, flags.Rule{EndsAt: &before}.InWindow(now))
	assert.True(t, flags.Rule{StartsAt: &before, EndsAt: &after}.InWindow(now))
	assert.True(t, flags.Rule{StartsAt: &now, EndsAt: &now}.InWindow(now), "boundaries are inclusive")
}

func TestOverrideExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, flags.Override{}.Expired(now), "no expiry never expires")
	assert.True(t, flags.Override{ExpiresAt: &past}.Expired(now))
	assert.False(t, flags.Override{ExpiresAt: &future}.Expired(now))
	assert.False(t, flags.Override{ExpiresAt: &now}.Expired(now), "expiry instant itself is not expired")
}

func TestResultBool(t *testing.T) {
	t.Parallel()

	assert.True(t, flags.Result{Value: true}.Bool())
	assert.False(t, flags.Result{Value: false}.Bool())
	assert.False(t, flags.Result{Value: "true"}.Bool())
	assert.False(t, flags.Result{Value: nil}.Bool())
	assert.False(t, flags.Result{Value: 1}.Bool())
}

func TestTypeStatusOperatorValid(t *testing.T) {
	t.Parallel()

	assert.True(t, flags.TypeBoolean.Valid())
	assert.True(t, flags.TypeJSON.Valid())
	assert.False(t, flags.Type("decimal").Valid())

	assert.True(t, flags.StatusArchived.Valid())
	assert.False(t, flags.Status("paused").Valid())

	assert.True(t, flags.OpSemverLt.Valid())
	assert.True(t, flags.OpDateBefore.Valid())
	assert.True(t, flags.OpNotContains.Valid())
	assert.True(t, flags.OpInSegment.Valid())
	assert.True(t, flags.OpNotInSegment.Valid())
	assert.False(t, flags.Operator("fuzzy").Valid())
}
