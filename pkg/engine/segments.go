package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/security"
	"github.com/flagkit/flagkit/pkg/storage"
)

// CircularSegmentError reports a segment whose parent chain loops back
// on itself. Chain holds the ids visited on the way, ending with the
// repeated one.
type CircularSegmentError struct {
	SegmentID uuid.UUID
	Chain     []uuid.UUID
}

func (e *CircularSegmentError) Error() string {
	parts := make([]string, len(e.Chain))
	for i, id := range e.Chain {
		parts[i] = id.String()
	}
	return fmt.Sprintf("circular segment reference detected: segment %s via %s",
		e.SegmentID, strings.Join(parts, " -> "))
}

// SegmentEvaluator resolves segment membership against storage. It is
// safe for concurrent use. With caching enabled, fetched segments are
// reused across calls until InvalidateCache; a cached segment may be
// stale relative to storage, which is the accepted trade-off for
// keeping evaluation off the storage hot path.
type SegmentEvaluator struct {
	log   *slog.Logger
	mu    sync.RWMutex
	cache map[uuid.UUID]*flags.Segment
}

// SegmentOption configures a SegmentEvaluator.
type SegmentOption func(*SegmentEvaluator)

// WithSegmentLogger sets the logger used for membership diagnostics.
func WithSegmentLogger(log *slog.Logger) SegmentOption {
	return func(s *SegmentEvaluator) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSegmentCaching enables in-process caching of fetched segments.
func WithSegmentCaching() SegmentOption {
	return func(s *SegmentEvaluator) {
		s.cache = make(map[uuid.UUID]*flags.Segment)
	}
}

// NewSegmentEvaluator creates a segment membership evaluator.
func NewSegmentEvaluator(opts ...SegmentOption) *SegmentEvaluator {
	s := &SegmentEvaluator{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InvalidateCache drops every cached segment. A no-op without caching.
func (s *SegmentEvaluator) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		s.cache = make(map[uuid.UUID]*flags.Segment)
	}
}

// IsInSegment reports whether the context belongs to the segment as of
// the current instant. See IsInSegmentAt for the rules.
func (s *SegmentEvaluator) IsInSegment(ctx context.Context, segmentID uuid.UUID, ectx flags.Context, store storage.Backend) (bool, error) {
	return s.IsInSegmentAt(ctx, segmentID, ectx, store, time.Now().UTC())
}

// IsInSegmentAt reports whether the context belongs to the segment as
// of now. A disabled or missing segment never matches; an empty
// condition list matches every context; a nested segment requires
// matching the parent as well. A parent chain that loops fails with
// CircularSegmentError.
func (s *SegmentEvaluator) IsInSegmentAt(ctx context.Context, segmentID uuid.UUID, ectx flags.Context, store storage.Backend, now time.Time) (bool, error) {
	return s.isInSegment(ctx, segmentID, ectx, store, now, nil)
}

func (s *SegmentEvaluator) isInSegment(ctx context.Context, id uuid.UUID, ectx flags.Context, store storage.Backend, now time.Time, chain []uuid.UUID) (bool, error) {
	if slices.Contains(chain, id) {
		return false, &CircularSegmentError{SegmentID: id, Chain: append(chain, id)}
	}
	chain = append(chain, id)

	segment, err := s.lookup(ctx, id, store)
	if err != nil {
		return false, err
	}
	if segment == nil {
		s.log.Debug("segment not found", slog.String("segment_id", id.String()))
		return false, nil
	}
	if !segment.Enabled {
		return false, nil
	}

	if segment.ParentSegmentID != nil {
		parentMatch, err := s.isInSegment(ctx, *segment.ParentSegmentID, ectx, store, now, chain)
		if err != nil {
			return false, err
		}
		if !parentMatch {
			return false, nil
		}
	}

	for _, cond := range segment.Conditions {
		if cond.Operator == flags.OpInSegment || cond.Operator == flags.OpNotInSegment {
			// Segment operators belong in flag rules; inside a
			// segment definition they never match.
			s.logCondition(segment.Name, cond, "segment operator inside segment conditions")
			return false, nil
		}
		if !evalBasicCondition(cond, ectx, now, s.conditionLogger(segment.Name)) {
			return false, nil
		}
	}
	return true, nil
}

func (s *SegmentEvaluator) lookup(ctx context.Context, id uuid.UUID, store storage.Backend) (*flags.Segment, error) {
	if s.cache != nil {
		s.mu.RLock()
		cached, ok := s.cache[id]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	segment, err := store.GetSegment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("segment lookup %s: %w", id, err)
	}
	if s.cache != nil && segment != nil {
		s.mu.Lock()
		s.cache[id] = segment
		s.mu.Unlock()
	}
	return segment, nil
}

func (s *SegmentEvaluator) conditionLogger(segmentName string) conditionLogger {
	return func(cond flags.Condition, reason string) {
		s.logCondition(segmentName, cond, reason)
	}
}

func (s *SegmentEvaluator) logCondition(segmentName string, cond flags.Condition, reason string) {
	if s.log == nil {
		return
	}
	payload := security.SanitizeLogContext(map[string]any{
		"attribute": cond.Attribute,
		"operator":  string(cond.Operator),
		"value":     cond.Value,
	})
	s.log.Debug("segment condition evaluated false",
		slog.String("segment", segmentName),
		slog.String("reason", reason),
		slog.Any("condition", payload),
	)
}
