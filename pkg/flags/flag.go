package flags

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Predefined errors for the flags package.
var (
	// ErrValidation indicates that a flag definition violates a
	// structural invariant. It is always joined with a detail error.
	ErrValidation = errors.New("invalid flag definition")
)

// flagKeyRegexp matches well-formed flag keys: a letter followed by
// letters, digits, hyphens or underscores.
var flagKeyRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidKey reports whether key is a well-formed flag key (1-255 chars,
// starting with a letter).
func ValidKey(key string) bool {
	return len(key) >= 1 && len(key) <= 255 && flagKeyRegexp.MatchString(key)
}

// Condition is a single comparison inside a rule. A rule matches only
// when every one of its conditions evaluates true.
type Condition struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
}

// Rule is a targeting rule attached to a flag. Rules are evaluated in
// ascending Priority order; the first enabled, in-window rule whose
// conditions all match decides the result, subject to its optional
// rollout percentage.
type Rule struct {
	ID                uuid.UUID   `json:"id" yaml:"id"`
	FlagID            uuid.UUID   `json:"flag_id" yaml:"flag_id"`
	Name              string      `json:"name,omitempty" yaml:"name,omitempty"`
	Priority          int         `json:"priority" yaml:"priority"`
	Enabled           bool        `json:"enabled" yaml:"enabled"`
	Conditions        []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ServeEnabled      bool        `json:"serve_enabled" yaml:"serve_enabled"`
	ServeValue        any         `json:"serve_value,omitempty" yaml:"serve_value,omitempty"`
	RolloutPercentage *int        `json:"rollout_percentage,omitempty" yaml:"rollout_percentage,omitempty"`
	StartsAt          *time.Time  `json:"starts_at,omitempty" yaml:"starts_at,omitempty"`
	EndsAt            *time.Time  `json:"ends_at,omitempty" yaml:"ends_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// InWindow reports whether the rule's time window includes now. Rules
// without a window are always in window.
func (r Rule) InWindow(now time.Time) bool {
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return false
	}
	return true
}

// Override is an explicit per-entity decision that bypasses rules and
// rollout. An override whose ExpiresAt has passed is logically absent.
type Override struct {
	ID         uuid.UUID  `json:"id" yaml:"id"`
	FlagID     uuid.UUID  `json:"flag_id" yaml:"flag_id"`
	EntityType EntityType `json:"entity_type" yaml:"entity_type"`
	EntityID   string     `json:"entity_id" yaml:"entity_id"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	Value      any        `json:"value,omitempty" yaml:"value,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Expired reports whether the override has expired as of now.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Variant is one of several weighted alternative values for a
// multivariate flag. Weights are relative proportions and need not sum
// to 100.
type Variant struct {
	ID        uuid.UUID `json:"id" yaml:"id"`
	FlagID    uuid.UUID `json:"flag_id" yaml:"flag_id"`
	Key       string    `json:"key" yaml:"key"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Value     any       `json:"value,omitempty" yaml:"value,omitempty"`
	Weight    int       `json:"weight" yaml:"weight"`
	CreatedAt time.Time `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Flag is a versioned feature flag definition with its targeting rules,
// per-entity overrides and weighted variants.
type Flag struct {
	ID             uuid.UUID      `json:"id" yaml:"id"`
	Key            string         `json:"key" yaml:"key"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type           Type           `json:"flag_type" yaml:"flag_type"`
	Status         Status         `json:"status" yaml:"status"`
	DefaultEnabled bool           `json:"default_enabled" yaml:"default_enabled"`
	DefaultValue   any            `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	Rules          []Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
	Overrides      []Override     `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Variants       []Variant      `json:"variants,omitempty" yaml:"variants,omitempty"`
	Tags           []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Validate checks the flag's structural invariants: a well-formed key,
// known type and status, rollout percentages within [0,100], known
// condition operators and non-negative variant weights.
func (f *Flag) Validate() error {
	if !ValidKey(f.Key) {
		return errors.Join(ErrValidation, fmt.Errorf("malformed flag key %q", f.Key))
	}
	if f.Type != "" && !f.Type.Valid() {
		return errors.Join(ErrValidation, fmt.Errorf("unknown flag type %q", f.Type))
	}
	if f.Status != "" && !f.Status.Valid() {
		return errors.Join(ErrValidation, fmt.Errorf("unknown flag status %q", f.Status))
	}
	for _, r := range f.Rules {
		if r.RolloutPercentage != nil && (*r.RolloutPercentage < 0 || *r.RolloutPercentage > 100) {
			return errors.Join(ErrValidation,
				fmt.Errorf("rule %q: rollout percentage must be between 0 and 100", r.Name))
		}
		for _, c := range r.Conditions {
			if !c.Operator.Valid() {
				return errors.Join(ErrValidation,
					fmt.Errorf("rule %q: unknown operator %q", r.Name, c.Operator))
			}
		}
	}
	for _, v := range f.Variants {
		if v.Weight < 0 {
			return errors.Join(ErrValidation,
				fmt.Errorf("variant %q: weight must not be negative", v.Key))
		}
	}
	return nil
}

// Default returns the value the flag resolves to when nothing decides
// otherwise: DefaultValue if set, the boolean DefaultEnabled otherwise.
func (f *Flag) Default() any {
	if f.DefaultValue != nil {
		return f.DefaultValue
	}
	return f.DefaultEnabled
}

// SortedRules returns the flag's rules ordered by ascending priority.
// The flag's own slice is left untouched.
func (f *Flag) SortedRules() []Rule {
	rules := slices.Clone(f.Rules)
	slices.SortStableFunc(rules, func(a, b Rule) int { return a.Priority - b.Priority })
	return rules
}

// Clone returns a deep copy of the flag. Storage backends exchange
// clones with callers so a stored flag is never aliased: pointer
// fields, condition values and nested metadata are all copied, not
// shared.
func (f *Flag) Clone() *Flag {
	c := *f
	c.DefaultValue = deepCopyValue(f.DefaultValue)
	c.Rules = slices.Clone(f.Rules)
	for i := range c.Rules {
		r := &c.Rules[i]
		r.Conditions = slices.Clone(r.Conditions)
		for j := range r.Conditions {
			r.Conditions[j].Value = deepCopyValue(r.Conditions[j].Value)
		}
		r.ServeValue = deepCopyValue(r.ServeValue)
		r.RolloutPercentage = clonePtr(r.RolloutPercentage)
		r.StartsAt = clonePtr(r.StartsAt)
		r.EndsAt = clonePtr(r.EndsAt)
	}
	c.Overrides = slices.Clone(f.Overrides)
	for i := range c.Overrides {
		c.Overrides[i].Value = deepCopyValue(c.Overrides[i].Value)
		c.Overrides[i].ExpiresAt = clonePtr(c.Overrides[i].ExpiresAt)
	}
	c.Variants = slices.Clone(f.Variants)
	for i := range c.Variants {
		c.Variants[i].Value = deepCopyValue(c.Variants[i].Value)
	}
	c.Tags = slices.Clone(f.Tags)
	if f.Metadata != nil {
		c.Metadata = deepCopyValue(f.Metadata).(map[string]any)
	}
	return &c
}

// Clone returns a deep copy of the override.
func (o *Override) Clone() *Override {
	c := *o
	c.Value = deepCopyValue(o.Value)
	c.ExpiresAt = clonePtr(o.ExpiresAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// deepCopyValue copies JSON-shaped dynamic values: maps and slices
// recursively, scalars as-is.
func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return slices.Clone(tv)
	}
	return v
}

// HasTag reports whether the flag carries the given tag.
func (f *Flag) HasTag(tag string) bool {
	return slices.Contains(f.Tags, tag)
}
