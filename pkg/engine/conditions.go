package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/security"
	"github.com/flagkit/flagkit/pkg/storage"
)

// matchesConditions reports whether every condition evaluates true
// against the context (AND logic). An empty condition list matches all
// contexts. Unknown operators and type-incompatible comparisons
// evaluate false and are logged, never raised. Segment membership
// operators need storage; a segment lookup failure is the only way this
// returns an error.
func (e *Engine) matchesConditions(ctx context.Context, conditions []flags.Condition, ectx flags.Context, now time.Time, flagKey string, store storage.Backend) (bool, error) {
	for _, cond := range conditions {
		match, err := e.evaluateCondition(ctx, cond, ectx, now, flagKey, store)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, cond flags.Condition, ectx flags.Context, now time.Time, flagKey string, store storage.Backend) (bool, error) {
	switch cond.Operator {
	case flags.OpInSegment, flags.OpNotInSegment:
		return e.segmentCondition(ctx, cond, ectx, now, flagKey, store)
	default:
		return evalBasicCondition(cond, ectx, now, e.conditionLogger(flagKey)), nil
	}
}

// segmentCondition resolves in_segment/not_in_segment against storage.
// A missing store or an unparseable segment id counts as
// non-membership: in_segment misses, not_in_segment matches.
func (e *Engine) segmentCondition(ctx context.Context, cond flags.Condition, ectx flags.Context, now time.Time, flagKey string, store storage.Backend) (bool, error) {
	negate := cond.Operator == flags.OpNotInSegment

	if store == nil {
		e.logCondition(flagKey, cond, "no storage for segment lookup")
		return negate, nil
	}
	id, ok := segmentIDValue(cond.Value)
	if !ok {
		e.logCondition(flagKey, cond, "invalid segment id")
		return negate, nil
	}

	member, err := e.segments.IsInSegmentAt(ctx, id, ectx, store, now)
	if err != nil {
		return false, err
	}
	if negate {
		return !member, nil
	}
	return member, nil
}

// segmentIDValue extracts the segment id a condition value references.
func segmentIDValue(v any) (uuid.UUID, bool) {
	switch tv := v.(type) {
	case uuid.UUID:
		return tv, tv != uuid.Nil
	case string:
		id, err := uuid.Parse(tv)
		return id, err == nil
	}
	return uuid.Nil, false
}

// conditionLogger receives diagnostics for conditions that evaluate
// false for structural reasons (unknown operator, invalid pattern).
type conditionLogger func(cond flags.Condition, reason string)

func (e *Engine) conditionLogger(flagKey string) conditionLogger {
	return func(cond flags.Condition, reason string) {
		e.logCondition(flagKey, cond, reason)
	}
}

// evalBasicCondition evaluates every operator that needs only the
// context. Segment membership operators are resolved by callers that
// can reach storage; here they never match.
func evalBasicCondition(cond flags.Condition, ectx flags.Context, now time.Time, logf conditionLogger) bool {
	actual := ectx.Get(cond.Attribute)

	switch cond.Operator {
	case flags.OpEq:
		return looseEqual(actual, cond.Value)
	case flags.OpNeq:
		return actual != nil && !looseEqual(actual, cond.Value)
	case flags.OpIn:
		return inList(actual, cond.Value)
	case flags.OpNotIn:
		return actual != nil && !inList(actual, cond.Value)
	case flags.OpContains:
		return stringPair(actual, cond.Value, strings.Contains)
	case flags.OpNotContains:
		// An absent attribute trivially does not contain the value.
		return actual == nil || !stringPair(actual, cond.Value, strings.Contains)
	case flags.OpStartsWith:
		return stringPair(actual, cond.Value, strings.HasPrefix)
	case flags.OpEndsWith:
		return stringPair(actual, cond.Value, strings.HasSuffix)
	case flags.OpMatches:
		return matchesRegexp(actual, cond.Value, logf)
	case flags.OpGt, flags.OpGte, flags.OpLt, flags.OpLte:
		return compareOrdered(actual, cond.Value, cond.Operator)
	case flags.OpDateAfter, flags.OpDateBefore:
		return compareDates(actual, cond.Value, cond.Operator, now)
	case flags.OpSemverEq, flags.OpSemverGt, flags.OpSemverLt:
		return compareSemver(actual, cond.Value, cond.Operator)
	case flags.OpInSegment, flags.OpNotInSegment:
		logf(cond, "segment operator not resolvable here")
		return false
	default:
		logf(cond, "unknown operator")
		return false
	}
}

func matchesRegexp(actual, expected any, logf conditionLogger) bool {
	subject, ok := actual.(string)
	if !ok {
		return false
	}
	pattern, ok := expected.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logf(flags.Condition{Operator: flags.OpMatches, Value: pattern}, "invalid pattern")
		return false
	}
	return re.MatchString(subject)
}

// logCondition records a non-matching diagnostic with a sanitized
// payload. Condition values may carry user data, so everything goes
// through the security utility first.
func (e *Engine) logCondition(flagKey string, cond flags.Condition, reason string) {
	if e.log == nil {
		return
	}
	payload := security.SanitizeLogContext(map[string]any{
		"attribute": cond.Attribute,
		"operator":  string(cond.Operator),
		"value":     cond.Value,
	})
	e.log.Debug("condition evaluated false",
		slog.String("flag_key", flagKey),
		slog.String("reason", reason),
		slog.Any("condition", payload),
	)
}

// looseEqual compares two values with numeric normalization: ints and
// floats of equal magnitude compare equal regardless of Go type, which
// matters because JSON decoding produces float64 for every number.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// inList reports whether actual equals any element of expected.
// Expected may be []any or []string; anything else never matches.
func inList(actual, expected any) bool {
	if actual == nil {
		return false
	}
	switch list := expected.(type) {
	case []any:
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
	}
	return false
}

func stringPair(actual, expected any, match func(s, sub string) bool) bool {
	subject, ok := actual.(string)
	if !ok {
		return false
	}
	needle, ok := expected.(string)
	if !ok {
		return false
	}
	return match(subject, needle)
}

// compareOrdered handles gt/gte/lt/lte for numeric values, falling back
// to lexicographic comparison when both sides are strings.
func compareOrdered(actual, expected any, op flags.Operator) bool {
	if af, aok := toFloat(actual); aok {
		bf, bok := toFloat(expected)
		if !bok {
			return false
		}
		switch op {
		case flags.OpGt:
			return af > bf
		case flags.OpGte:
			return af >= bf
		case flags.OpLt:
			return af < bf
		case flags.OpLte:
			return af <= bf
		}
		return false
	}
	as, aok := actual.(string)
	bs, bok := expected.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case flags.OpGt:
		return as > bs
	case flags.OpGte:
		return as >= bs
	case flags.OpLt:
		return as < bs
	case flags.OpLte:
		return as <= bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareDates evaluates date_after/date_before. The actual side is the
// context attribute when present, the evaluation instant otherwise, so
// a rule can schedule itself with a bare {now, date_after, X} condition.
// Unparseable values evaluate false.
func compareDates(actual, expected any, op flags.Operator, now time.Time) bool {
	expectedTime, ok := parseTime(expected)
	if !ok {
		return false
	}
	actualTime := now
	if actual != nil {
		actualTime, ok = parseTime(actual)
		if !ok {
			return false
		}
	}
	switch op {
	case flags.OpDateAfter:
		return actualTime.After(expectedTime)
	case flags.OpDateBefore:
		return actualTime.Before(expectedTime)
	}
	return false
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02T15:04:05", t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// compareSemver compares dotted numeric versions segment by segment,
// padding the shorter side with zeros ("1.0" equals "1.0.0"). Versions
// with non-numeric segments never match.
func compareSemver(actual, expected any, op flags.Operator) bool {
	as, aok := actual.(string)
	bs, bok := expected.(string)
	if !aok || !bok {
		return false
	}
	a, aok := parseVersion(as)
	b, bok := parseVersion(bs)
	if !aok || !bok {
		return false
	}

	for len(a) < len(b) {
		a = append(a, 0)
	}
	for len(b) < len(a) {
		b = append(b, 0)
	}

	cmp := 0
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				cmp = 1
			} else {
				cmp = -1
			}
			break
		}
	}
	switch op {
	case flags.OpSemverEq:
		return cmp == 0
	case flags.OpSemverGt:
		return cmp > 0
	case flags.OpSemverLt:
		return cmp < 0
	}
	return false
}

func parseVersion(s string) ([]int, bool) {
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	segments := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, false
		}
		segments[i] = n
	}
	return segments, true
}
