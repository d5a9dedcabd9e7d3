// Package engine evaluates feature flag targeting decisions.
//
// The engine consumes a flag definition and an evaluation context and
// produces exactly one result with an explainable reason. Evaluation is
// pure and deterministic: for a fixed (flag, context, instant) the
// result is byte-identical across calls and across process restarts.
// Rollout and variant bucketing derive only from stable identity fields
// (targeting key, flag key, rule id) hashed with FNV-1a, never from
// in-memory object identity.
//
// Evaluation order, short-circuiting at the first decisive step:
//
//  1. Status gate: inactive or archived flags resolve to their default.
//  2. Override gate: a non-expired per-entity override wins outright.
//  3. Rules, in ascending priority: enabled, in-window rules whose
//     conditions all match serve their value, subject to an optional
//     rollout percentage. A rollout miss falls through to later rules.
//  4. Variants: a weighted variant is selected by deterministic bucket.
//  5. Default.
//
// Evaluate never returns a Go error. Internal faults — a storage
// outage during the override lookup, malformed condition data — are
// recorded in the result as reason ERROR with a sanitized message, and
// the value falls back to the flag's default. Flag evaluation must
// never break the calling application's request path.
//
// The package also provides a ScheduleProcessor that applies pending
// scheduled flag changes (enable, disable, rollout or value updates)
// against storage outside the evaluation hot path.
package engine
