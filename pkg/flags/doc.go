// Package flags defines the feature flag domain model: flag definitions
// with targeting rules, per-entity overrides and weighted variants, the
// immutable evaluation context supplied by callers, and the evaluation
// result returned by the engine.
//
// All model types are exchanged with storage backends as value snapshots.
// Updates replace a flag by key rather than mutating it in place, so a
// flag held by one goroutine is never changed underneath it by another.
//
// # Flags
//
// A Flag carries a globally unique key, a type (boolean, string, number
// or JSON), a lifecycle status, a default value, and three optional
// targeting mechanisms evaluated in strict precedence order by the
// engine: overrides, rules, variants.
//
//	f := flags.Flag{
//		Key:            "new-checkout",
//		Type:           flags.TypeBoolean,
//		Status:         flags.StatusActive,
//		DefaultEnabled: false,
//		Rules: []flags.Rule{{
//			Priority:     0,
//			Enabled:      true,
//			Conditions:   []flags.Condition{{Attribute: "plan", Operator: flags.OpEq, Value: "premium"}},
//			ServeEnabled: true,
//		}},
//	}
//	if err := f.Validate(); err != nil {
//		// Handle validation error
//	}
//
// # Evaluation Context
//
// Context is an immutable bag of targeting attributes. Derivation methods
// return new, fully independent values; the original is never changed:
//
//	ctx := flags.NewContext(
//		flags.WithTargetingKey("user-123"),
//		flags.WithUserID("user-123"),
//		flags.WithAttribute("plan", "premium"),
//	)
//	staging := ctx.WithEnvironment("staging") // ctx is unchanged
//
// Missing attributes never produce an error; Context.Get returns nil for
// absent names.
package flags
