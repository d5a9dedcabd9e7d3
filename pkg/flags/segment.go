package flags

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Segment is a named, reusable group of entities defined by conditions.
// Flag rules reference segments through the in_segment and
// not_in_segment operators instead of repeating the same condition
// lists on every flag. A segment may nest under a parent segment, in
// which case membership requires matching the parent as well.
type Segment struct {
	ID              uuid.UUID   `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Description     string      `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions      []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ParentSegmentID *uuid.UUID  `json:"parent_segment_id,omitempty" yaml:"parent_segment_id,omitempty"`
	Enabled         bool        `json:"enabled" yaml:"enabled"`
	CreatedAt       time.Time   `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Validate checks the segment's structural invariants. Condition
// operators are deliberately not checked: a segment may carry operators
// this engine does not know, and they evaluate as non-matching instead
// of blocking the definition.
func (s *Segment) Validate() error {
	if s.Name == "" {
		return errors.Join(ErrValidation, errors.New("segment name cannot be empty"))
	}
	if len(s.Name) > 255 {
		return errors.Join(ErrValidation, fmt.Errorf("segment name exceeds 255 characters"))
	}
	if s.ParentSegmentID != nil && *s.ParentSegmentID == s.ID && s.ID != uuid.Nil {
		return errors.Join(ErrValidation, errors.New("segment cannot be its own parent"))
	}
	return nil
}

// Clone returns a deep copy of the segment.
func (s *Segment) Clone() *Segment {
	c := *s
	c.Conditions = slices.Clone(s.Conditions)
	for i := range c.Conditions {
		c.Conditions[i].Value = deepCopyValue(s.Conditions[i].Value)
	}
	c.ParentSegmentID = clonePtr(s.ParentSegmentID)
	return &c
}
