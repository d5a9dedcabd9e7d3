package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/security"
	"github.com/flagkit/flagkit/pkg/storage"
)

// Error codes recorded on results with reason ERROR.
const (
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeEvaluationFault    = "EVALUATION_FAULT"
)

// Engine evaluates flags against contexts. It holds no mutable state
// of its own and is safe for concurrent use by any number of callers.
type Engine struct {
	log      *slog.Logger
	segments *SegmentEvaluator
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for condition diagnostics. Payloads
// pass through security.SanitizeLogContext before being logged.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSegmentEvaluator sets the evaluator used to resolve in_segment
// and not_in_segment rule conditions. Useful for sharing one cached
// evaluator between the engine and administrative code.
func WithSegmentEvaluator(se *SegmentEvaluator) Option {
	return func(e *Engine) {
		if se != nil {
			e.segments = se
		}
	}
}

// New creates an evaluation engine.
func New(opts ...Option) *Engine {
	e := &Engine{log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.segments == nil {
		e.segments = NewSegmentEvaluator(WithSegmentLogger(e.log))
	}
	return e
}

// Evaluate resolves the flag for the given context as of the current
// instant. See EvaluateAt for the full algorithm.
func (e *Engine) Evaluate(ctx context.Context, flag *flags.Flag, ectx flags.Context, store storage.Backend) flags.Result {
	return e.EvaluateAt(ctx, flag, ectx, store, time.Now().UTC())
}

// EvaluateAt resolves the flag for the given context as of now. It
// always returns a result and never a Go error: internal faults are
// captured as reason ERROR with the flag's default value.
func (e *Engine) EvaluateAt(ctx context.Context, flag *flags.Flag, ectx flags.Context, store storage.Backend, now time.Time) (result flags.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = e.errorResult(flag, ErrCodeEvaluationFault, fmt.Sprintf("evaluation panic: %v", r))
		}
	}()

	// Status gate.
	if flag.Status != flags.StatusActive {
		return flags.Result{
			FlagKey: flag.Key,
			Value:   flag.Default(),
			Reason:  flags.ReasonDisabled,
		}
	}

	// Override gate. Highest precedence, bypasses rules and rollout.
	if store != nil {
		override, err := e.lookupOverride(ctx, flag, ectx, store)
		if err != nil {
			return e.errorResult(flag, ErrCodeStorageUnavailable, err.Error())
		}
		if override != nil {
			value := override.Value
			if value == nil {
				value = override.Enabled
			}
			return flags.Result{
				FlagKey: flag.Key,
				Value:   value,
				Reason:  flags.ReasonOverride,
			}
		}
	}

	// Rule evaluation in ascending priority. A rollout miss does not
	// stop evaluation; later rules still get their turn.
	for _, rule := range flag.SortedRules() {
		if !rule.Enabled || !rule.InWindow(now) {
			continue
		}
		match, err := e.matchesConditions(ctx, rule.Conditions, ectx, now, flag.Key, store)
		if err != nil {
			code := ErrCodeEvaluationFault
			if errors.Is(err, storage.ErrUnavailable) || errors.Is(err, storage.ErrClosed) {
				code = ErrCodeStorageUnavailable
			}
			return e.errorResult(flag, code, err.Error())
		}
		if !match {
			continue
		}

		serve := rule.ServeValue
		if serve == nil {
			serve = rule.ServeEnabled
		}

		if rule.RolloutPercentage == nil || *rule.RolloutPercentage >= 100 {
			return flags.Result{
				FlagKey: flag.Key,
				Value:   serve,
				Reason:  flags.ReasonRuleMatch,
			}
		}
		if e.inRollout(flag.Key, rule.ID.String(), bucketIdentity(ectx), *rule.RolloutPercentage) {
			return flags.Result{
				FlagKey: flag.Key,
				Value:   serve,
				Reason:  flags.ReasonRollout,
			}
		}
	}

	// Variant selection for multivariate flags.
	if variant := e.selectVariant(flag, ectx); variant != nil {
		return flags.Result{
			FlagKey: flag.Key,
			Value:   variant.Value,
			Reason:  flags.ReasonTargetingMatch,
			Variant: variant.Key,
		}
	}

	return flags.Result{
		FlagKey: flag.Key,
		Value:   flag.Default(),
		Reason:  flags.ReasonDefault,
	}
}

// lookupOverride resolves the most specific non-expired override for
// the context's entities: user first, then organization, then tenant.
// The user entity id falls back to the targeting key when no explicit
// user id is set.
func (e *Engine) lookupOverride(ctx context.Context, flag *flags.Flag, ectx flags.Context, store storage.Backend) (*flags.Override, error) {
	type candidate struct {
		entityType flags.EntityType
		entityID   string
	}
	userID := ectx.UserID()
	if userID == "" {
		userID = ectx.TargetingKey()
	}
	candidates := []candidate{
		{flags.EntityUser, userID},
		{flags.EntityOrganization, ectx.OrganizationID()},
		{flags.EntityTenant, ectx.TenantID()},
	}
	for _, c := range candidates {
		if c.entityID == "" {
			continue
		}
		override, err := store.GetOverride(ctx, flag.ID, c.entityType, c.entityID)
		if err != nil {
			return nil, fmt.Errorf("override lookup for %s: %w", c.entityType, err)
		}
		if override != nil {
			return override, nil
		}
	}
	return nil, nil
}

// inRollout reports whether the identity falls inside the rollout
// percentage for (flagKey, ruleID). The bucket is the FNV-1a hash of
// "identity:flagKey:ruleID" folded to [0,100); the seed composition is
// pinned so assignments survive process restarts. An empty identity
// always misses.
func (e *Engine) inRollout(flagKey, ruleID, identity string, percentage int) bool {
	if identity == "" || percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return int(bucketHash(identity+":"+flagKey+":"+ruleID)%100) < percentage
}

// selectVariant picks a weighted variant by deterministic bucket, or
// nil when the flag has no variants with positive total weight. The
// bucket is the FNV-1a hash of "identity:flagKey" folded to
// [0, total weight); variants are walked in stored order accumulating
// weights. A missing targeting identity still selects (empty-string
// sentinel): variant assignment never requires a targeting key.
func (e *Engine) selectVariant(flag *flags.Flag, ectx flags.Context) *flags.Variant {
	if len(flag.Variants) == 0 {
		return nil
	}
	total := 0
	for _, v := range flag.Variants {
		total += v.Weight
	}
	if total <= 0 {
		return nil
	}

	bucket := int(bucketHash(bucketIdentity(ectx)+":"+flag.Key) % uint32(total))
	cumulative := 0
	for i, v := range flag.Variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return &flag.Variants[i]
		}
	}
	// Unreachable while bucket < total, kept as a safety net.
	return &flag.Variants[len(flag.Variants)-1]
}

// bucketIdentity returns the stable identity used for bucketing:
// targeting key first, user id as fallback.
func bucketIdentity(ectx flags.Context) string {
	if key := ectx.TargetingKey(); key != "" {
		return key
	}
	return ectx.UserID()
}

// bucketHash computes the 32-bit FNV-1a hash of s.
func bucketHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func (e *Engine) errorResult(flag *flags.Flag, code, message string) flags.Result {
	return flags.Result{
		FlagKey:      flag.Key,
		Value:        flag.Default(),
		Reason:       flags.ReasonError,
		ErrorCode:    code,
		ErrorMessage: security.SanitizeErrorMessage(message),
	}
}
