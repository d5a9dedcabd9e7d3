package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagkit/flagkit/pkg/engine"
	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

func intPtr(v int) *int { return &v }

func activeFlag(key string) *flags.Flag {
	return &flags.Flag{
		ID:     uuid.New(),
		Key:    key,
		Status: flags.StatusActive,
	}
}

func TestEvaluateDisabledFlag(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := &flags.Flag{
		ID:           uuid.New(),
		Key:          "dark-mode",
		Status:       flags.StatusInactive,
		DefaultValue: "fallback",
		Rules: []flags.Rule{
			{Enabled: true, ServeValue: "never-served"},
		},
	}

	result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
	assert.Equal(t, flags.ReasonDisabled, result.Reason)
	assert.Equal(t, "fallback", result.Value)

	flag.Status = flags.StatusArchived
	result = e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
	assert.Equal(t, flags.ReasonDisabled, result.Reason)
}

func TestEvaluateDefault(t *testing.T) {
	t.Parallel()

	e := engine.New()

	t.Run("boolean default", func(t *testing.T) {
		t.Parallel()
		flag := activeFlag("plain")
		flag.DefaultEnabled = true
		result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
		assert.Equal(t, flags.ReasonDefault, result.Reason)
		assert.Equal(t, true, result.Value)
	})

	t.Run("default value wins over default enabled", func(t *testing.T) {
		t.Parallel()
		flag := activeFlag("valued")
		flag.DefaultEnabled = true
		flag.DefaultValue = "blue"
		result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
		assert.Equal(t, flags.ReasonDefault, result.Reason)
		assert.Equal(t, "blue", result.Value)
	})
}

func TestEvaluateRuleMatch(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("pro-features")
	flag.Rules = []flags.Rule{
		{
			ID:       uuid.New(),
			Name:     "pro-plan",
			Priority: 1,
			Enabled:  true,
			Conditions: []flags.Condition{
				{Attribute: "plan", Operator: flags.OpEq, Value: "pro"},
			},
			ServeEnabled: true,
		},
	}

	matching := flags.NewContext(flags.WithAttribute("plan", "pro"))
	result := e.Evaluate(context.Background(), flag, matching, nil)
	assert.Equal(t, flags.ReasonRuleMatch, result.Reason)
	assert.Equal(t, true, result.Value)

	other := flags.NewContext(flags.WithAttribute("plan", "free"))
	result = e.Evaluate(context.Background(), flag, other, nil)
	assert.Equal(t, flags.ReasonDefault, result.Reason)
	assert.Equal(t, false, result.Value)
}

func TestEvaluateRulePriorityOrder(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("ordered")
	flag.Rules = []flags.Rule{
		{ID: uuid.New(), Name: "late", Priority: 10, Enabled: true, ServeValue: "late"},
		{ID: uuid.New(), Name: "early", Priority: 1, Enabled: true, ServeValue: "early"},
	}

	result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
	assert.Equal(t, "early", result.Value, "lowest priority number must win")
	assert.Equal(t, flags.ReasonRuleMatch, result.Reason)
}

func TestEvaluateDisabledRuleSkipped(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("gated")
	flag.Rules = []flags.Rule{
		{ID: uuid.New(), Priority: 1, Enabled: false, ServeValue: "off-rule"},
		{ID: uuid.New(), Priority: 2, Enabled: true, ServeValue: "on-rule"},
	}

	result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
	assert.Equal(t, "on-rule", result.Value)
}

func TestEvaluateRuleWindow(t *testing.T) {
	t.Parallel()

	e := engine.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	flag := activeFlag("windowed")
	flag.Rules = []flags.Rule{
		{
			ID:         uuid.New(),
			Priority:   1,
			Enabled:    true,
			StartsAt:   &after, // not started yet
			ServeValue: "future",
		},
		{
			ID:         uuid.New(),
			Priority:   2,
			Enabled:    true,
			StartsAt:   &before,
			EndsAt:     &after,
			ServeValue: "current",
		},
	}

	result := e.EvaluateAt(context.Background(), flag, flags.NewContext(), nil, now)
	assert.Equal(t, "current", result.Value)

	// Past the second rule's window both fall through to the default.
	result = e.EvaluateAt(context.Background(), flag, flags.NewContext(), nil, after.Add(2*time.Hour))
	assert.Equal(t, flags.ReasonRuleMatch, result.Reason)
	assert.Equal(t, "future", result.Value, "first rule has started by then")
}

func TestEvaluateRolloutDeterministic(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("gradual")
	flag.Rules = []flags.Rule{
		{
			ID:                uuid.New(),
			Priority:          1,
			Enabled:           true,
			ServeEnabled:      true,
			RolloutPercentage: intPtr(50),
		},
	}

	ectx := flags.NewContext(flags.WithTargetingKey("user-42"))
	first := e.Evaluate(context.Background(), flag, ectx, nil)
	for i := 0; i < 20; i++ {
		again := e.Evaluate(context.Background(), flag, ectx, nil)
		assert.Equal(t, first.Reason, again.Reason, "same identity must bucket identically")
		assert.Equal(t, first.Value, again.Value)
	}
}

func TestEvaluateRolloutBoundaries(t *testing.T) {
	t.Parallel()

	e := engine.New()
	ectx := flags.NewContext(flags.WithTargetingKey("user-1"))

	zero := activeFlag("zero-rollout")
	zero.Rules = []flags.Rule{{
		ID: uuid.New(), Priority: 1, Enabled: true, ServeEnabled: true,
		RolloutPercentage: intPtr(0),
	}}
	result := e.Evaluate(context.Background(), zero, ectx, nil)
	assert.Equal(t, flags.ReasonDefault, result.Reason, "0% rollout never serves")

	full := activeFlag("full-rollout")
	full.Rules = []flags.Rule{{
		ID: uuid.New(), Priority: 1, Enabled: true, ServeEnabled: true,
		RolloutPercentage: intPtr(100),
	}}
	result = e.Evaluate(context.Background(), full, ectx, nil)
	assert.Equal(t, flags.ReasonRuleMatch, result.Reason, "100% rollout serves unconditionally")
	assert.Equal(t, true, result.Value)
}

func TestEvaluateRolloutMissFallsThrough(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("fallthrough")
	flag.Rules = []flags.Rule{
		{
			ID: uuid.New(), Priority: 1, Enabled: true,
			ServeValue:        "limited",
			RolloutPercentage: intPtr(30),
		},
		{
			ID: uuid.New(), Priority: 2, Enabled: true,
			ServeValue: "catch-all",
		},
	}

	// Every identity resolves to one of the two rules, never the default.
	for i := 0; i < 200; i++ {
		ectx := flags.NewContext(flags.WithTargetingKey(fmt.Sprintf("user-%d", i)))
		result := e.Evaluate(context.Background(), flag, ectx, nil)
		switch result.Reason {
		case flags.ReasonRollout:
			assert.Equal(t, "limited", result.Value)
		case flags.ReasonRuleMatch:
			assert.Equal(t, "catch-all", result.Value)
		default:
			t.Fatalf("unexpected reason %s for user-%d", result.Reason, i)
		}
	}
}

func TestEvaluateRolloutDistribution(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("distribution")
	flag.Rules = []flags.Rule{{
		ID: uuid.New(), Priority: 1, Enabled: true, ServeEnabled: true,
		RolloutPercentage: intPtr(40),
	}}

	const total = 10000
	hits := 0
	for i := 0; i < total; i++ {
		ectx := flags.NewContext(flags.WithTargetingKey(fmt.Sprintf("user-%d", i)))
		if e.Evaluate(context.Background(), flag, ectx, nil).Reason == flags.ReasonRollout {
			hits++
		}
	}

	// 40% of 10k with a generous tolerance for hash unevenness.
	assert.InDelta(t, 4000, hits, 300, "rollout bucket distribution off: %d/%d", hits, total)
}

func TestEvaluateRolloutWithoutIdentity(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("anon")
	flag.DefaultValue = "default"
	flag.Rules = []flags.Rule{{
		ID: uuid.New(), Priority: 1, Enabled: true, ServeValue: "served",
		RolloutPercentage: intPtr(99),
	}}

	result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
	assert.Equal(t, flags.ReasonDefault, result.Reason, "no identity means no rollout bucket")
	assert.Equal(t, "default", result.Value)
}

func TestEvaluateVariants(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("experiment")
	flag.Variants = []flags.Variant{
		{Key: "control", Value: "old", Weight: 50},
		{Key: "treatment", Value: "new", Weight: 50},
	}

	ectx := flags.NewContext(flags.WithTargetingKey("user-9"))
	first := e.Evaluate(context.Background(), flag, ectx, nil)
	require.Equal(t, flags.ReasonTargetingMatch, first.Reason)
	assert.Contains(t, []string{"control", "treatment"}, first.Variant)

	for i := 0; i < 20; i++ {
		again := e.Evaluate(context.Background(), flag, ectx, nil)
		assert.Equal(t, first.Variant, again.Variant, "variant assignment must be sticky")
	}
}

func TestEvaluateVariantDistribution(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("weighted")
	flag.Variants = []flags.Variant{
		{Key: "a", Value: "a", Weight: 75},
		{Key: "b", Value: "b", Weight: 25},
	}

	const total = 10000
	counts := map[string]int{}
	for i := 0; i < total; i++ {
		ectx := flags.NewContext(flags.WithTargetingKey(fmt.Sprintf("user-%d", i)))
		counts[e.Evaluate(context.Background(), flag, ectx, nil).Variant]++
	}

	assert.InDelta(t, 7500, counts["a"], 300)
	assert.InDelta(t, 2500, counts["b"], 300)
}

func TestEvaluateVariantsZeroWeight(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("zero-weights")
	flag.DefaultValue = "default"
	flag.Variants = []flags.Variant{
		{Key: "a", Value: "a", Weight: 0},
		{Key: "b", Value: "b", Weight: 0},
	}

	result := e.Evaluate(context.Background(), flag, flags.NewContext(flags.WithTargetingKey("u")), nil)
	assert.Equal(t, flags.ReasonDefault, result.Reason, "zero total weight disables variant selection")
	assert.Equal(t, "default", result.Value)
}

func TestEvaluateVariantsWithoutIdentity(t *testing.T) {
	t.Parallel()

	e := engine.New()
	flag := activeFlag("anon-variants")
	flag.Variants = []flags.Variant{
		{Key: "only", Value: "v", Weight: 1},
	}

	result := e.Evaluate(context.Background(), flag, flags.NewContext(), nil)
	assert.Equal(t, flags.ReasonTargetingMatch, result.Reason,
		"variant selection works without a targeting identity")
	assert.Equal(t, "only", result.Variant)
}

func TestEvaluateOverridePrecedence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	flag, err := store.CreateFlag(ctx, &flags.Flag{
		Key:    "override-order",
		Status: flags.StatusActive,
		Rules: []flags.Rule{
			{ID: uuid.New(), Priority: 1, Enabled: true, ServeValue: "rule-value"},
		},
	})
	require.NoError(t, err)

	for entityType, value := range map[flags.EntityType]string{
		flags.EntityUser:         "user-value",
		flags.EntityOrganization: "org-value",
		flags.EntityTenant:       "tenant-value",
	} {
		_, err := store.CreateOverride(ctx, &flags.Override{
			FlagID:     flag.ID,
			EntityType: entityType,
			EntityID:   string(entityType) + "-1",
			Enabled:    true,
			Value:      value,
		})
		require.NoError(t, err)
	}

	e := engine.New()

	// All three entities present: user wins.
	full := flags.NewContext(
		flags.WithUserID("user-1"),
		flags.WithOrganizationID("organization-1"),
		flags.WithTenantID("tenant-1"),
	)
	result := e.Evaluate(ctx, flag, full, store)
	assert.Equal(t, flags.ReasonOverride, result.Reason)
	assert.Equal(t, "user-value", result.Value)

	// No user: organization wins over tenant.
	orgTenant := flags.NewContext(
		flags.WithOrganizationID("organization-1"),
		flags.WithTenantID("tenant-1"),
	)
	result = e.Evaluate(ctx, flag, orgTenant, store)
	assert.Equal(t, "org-value", result.Value)

	// Tenant only.
	tenant := flags.NewContext(flags.WithTenantID("tenant-1"))
	result = e.Evaluate(ctx, flag, tenant, store)
	assert.Equal(t, "tenant-value", result.Value)

	// No matching entity: overrides bypassed, rules apply.
	nobody := flags.NewContext(flags.WithUserID("stranger"))
	result = e.Evaluate(ctx, flag, nobody, store)
	assert.Equal(t, flags.ReasonRuleMatch, result.Reason)
	assert.Equal(t, "rule-value", result.Value)
}

func TestEvaluateOverrideTargetingKeyFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	flag, err := store.CreateFlag(ctx, &flags.Flag{Key: "tk-fallback", Status: flags.StatusActive})
	require.NoError(t, err)

	_, err = store.CreateOverride(ctx, &flags.Override{
		FlagID:     flag.ID,
		EntityType: flags.EntityUser,
		EntityID:   "anon-key",
		Enabled:    true,
	})
	require.NoError(t, err)

	e := engine.New()

	// Targeting key stands in for a missing user id.
	ectx := flags.NewContext(flags.WithTargetingKey("anon-key"))
	result := e.Evaluate(ctx, flag, ectx, store)
	assert.Equal(t, flags.ReasonOverride, result.Reason)
	assert.Equal(t, true, result.Value)

	// An explicit user id takes precedence over the targeting key.
	both := flags.NewContext(
		flags.WithTargetingKey("anon-key"),
		flags.WithUserID("someone-else"),
	)
	result = e.Evaluate(ctx, flag, both, store)
	assert.Equal(t, flags.ReasonDefault, result.Reason)
}

func TestEvaluateOverrideDisabling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	flag, err := store.CreateFlag(ctx, &flags.Flag{
		Key:            "kill-switch",
		Status:         flags.StatusActive,
		DefaultEnabled: true,
	})
	require.NoError(t, err)

	_, err = store.CreateOverride(ctx, &flags.Override{
		FlagID:     flag.ID,
		EntityType: flags.EntityUser,
		EntityID:   "banned",
		Enabled:    false,
	})
	require.NoError(t, err)

	e := engine.New()
	result := e.Evaluate(ctx, flag, flags.NewContext(flags.WithUserID("banned")), store)
	assert.Equal(t, flags.ReasonOverride, result.Reason)
	assert.Equal(t, false, result.Value, "override without a value serves its enabled state")
}

func TestEvaluateStorageFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	flag, err := store.CreateFlag(ctx, &flags.Flag{
		Key:          "resilient",
		Status:       flags.StatusActive,
		DefaultValue: "safe",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	e := engine.New()
	ectx := flags.NewContext(flags.WithUserID("user-1"))
	result := e.Evaluate(ctx, flag, ectx, store)
	assert.Equal(t, flags.ReasonError, result.Reason)
	assert.Equal(t, engine.ErrCodeStorageUnavailable, result.ErrorCode)
	assert.Equal(t, "safe", result.Value, "faults must fall back to the default value")
}

func BenchmarkEvaluate(b *testing.B) {
	e := engine.New()
	flag := activeFlag("bench")
	flag.Rules = []flags.Rule{
		{
			ID: uuid.New(), Priority: 1, Enabled: true, ServeEnabled: true,
			Conditions: []flags.Condition{
				{Attribute: "plan", Operator: flags.OpEq, Value: "pro"},
				{Attribute: "region", Operator: flags.OpIn, Value: []any{"eu", "us"}},
			},
			RolloutPercentage: intPtr(50),
		},
	}
	ectx := flags.NewContext(
		flags.WithTargetingKey("user-42"),
		flags.WithAttribute("plan", "pro"),
		flags.WithAttribute("region", "eu"),
	)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = e.Evaluate(ctx, flag, ectx, nil)
	}
}
