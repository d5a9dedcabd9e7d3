package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flagkit/flagkit/pkg/flags"
	"github.com/flagkit/flagkit/pkg/storage"
)

// ChangeType names the kind of transition a scheduled change applies.
type ChangeType string

const (
	// ChangeEnable activates the flag and turns its default on.
	ChangeEnable ChangeType = "enable"
	// ChangeDisable deactivates the flag and turns its default off.
	ChangeDisable ChangeType = "disable"
	// ChangeUpdateRollout sets a new rollout percentage on the flag's
	// first rule.
	ChangeUpdateRollout ChangeType = "update_rollout"
	// ChangeUpdateValue swaps in a new default value.
	ChangeUpdateValue ChangeType = "update_value"
)

// ScheduledChange is a future-dated transition for a flag. Changes are
// applied by the ScheduleProcessor once their scheduled instant has
// passed; ExecutedAt marks a change as applied so reprocessing the same
// schedule never double-applies it.
type ScheduledChange struct {
	ID                uuid.UUID
	FlagKey           string
	Type              ChangeType
	ScheduledAt       time.Time
	ExecutedAt        *time.Time
	NewValue          any
	RolloutPercentage *int
	Description       string
}

// Due reports whether the change should be applied as of now: its
// instant has passed and it has not been executed yet.
func (c *ScheduledChange) Due(now time.Time) bool {
	if c.ExecutedAt != nil || c.ScheduledAt.IsZero() {
		return false
	}
	return !now.Before(c.ScheduledAt)
}

// ScheduleProcessor applies pending scheduled changes against storage.
// It runs outside the evaluation hot path, typically from a periodic
// ticker, and is idempotent: invoking it zero, one, or many times for
// the same schedule applies each change at most once.
type ScheduleProcessor struct {
	store   storage.Backend
	mu      sync.Mutex
	pending []*ScheduledChange
	now     func() time.Time
}

// NewScheduleProcessor creates a processor over the given backend.
func NewScheduleProcessor(store storage.Backend) *ScheduleProcessor {
	return &ScheduleProcessor{store: store, now: time.Now}
}

// Add queues a scheduled change for processing.
func (p *ScheduleProcessor) Add(change *ScheduledChange) {
	if change == nil {
		return
	}
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, change)
}

// Pending returns the number of queued, not-yet-executed changes.
func (p *ScheduleProcessor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Process applies every due change as of the current instant and
// returns the changes it executed.
func (p *ScheduleProcessor) Process(ctx context.Context) ([]*ScheduledChange, error) {
	return p.ProcessAt(ctx, p.now().UTC())
}

// errUnknownChangeType marks a change the processor cannot apply.
// Such changes are permanently dropped; retrying can never succeed.
var errUnknownChangeType = errors.New("unknown change type")

// ProcessAt applies every due change as of now. Changes whose flag no
// longer exists or whose type is unknown are dropped; a storage failure
// stops processing and leaves the failed change and everything after it
// queued for the next run.
func (p *ScheduleProcessor) ProcessAt(ctx context.Context, now time.Time) ([]*ScheduledChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var executed []*ScheduledChange
	remaining := make([]*ScheduledChange, 0, len(p.pending))
	for i, change := range p.pending {
		if !change.Due(now) {
			remaining = append(remaining, change)
			continue
		}
		if err := p.apply(ctx, change); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // flag deleted since scheduling, drop the change
			}
			if errors.Is(err, errUnknownChangeType) {
				continue // malformed change, requeueing would block the queue
			}
			remaining = append(remaining, p.pending[i:]...)
			p.pending = remaining
			return executed, err
		}
		executedAt := now
		change.ExecutedAt = &executedAt
		executed = append(executed, change)
	}
	p.pending = remaining
	return executed, nil
}

func (p *ScheduleProcessor) apply(ctx context.Context, change *ScheduledChange) error {
	flag, err := p.store.GetFlag(ctx, change.FlagKey)
	if err != nil {
		return fmt.Errorf("fetch flag %q: %w", change.FlagKey, err)
	}
	if flag == nil {
		return storage.ErrNotFound
	}

	switch change.Type {
	case ChangeEnable:
		flag.Status = flags.StatusActive
		flag.DefaultEnabled = true
	case ChangeDisable:
		flag.Status = flags.StatusInactive
		flag.DefaultEnabled = false
	case ChangeUpdateRollout:
		if change.RolloutPercentage != nil && len(flag.Rules) > 0 {
			pct := *change.RolloutPercentage
			flag.Rules[0].RolloutPercentage = &pct
		}
	case ChangeUpdateValue:
		if change.NewValue != nil {
			flag.DefaultValue = change.NewValue
		}
	default:
		return fmt.Errorf("%w %q", errUnknownChangeType, change.Type)
	}

	if _, err := p.store.UpdateFlag(ctx, flag); err != nil {
		return fmt.Errorf("apply %s to flag %q: %w", change.Type, change.FlagKey, err)
	}
	return nil
}
