package flags

// Type describes the kind of value a flag resolves to.
type Type string

const (
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeJSON    Type = "json"
)

// Valid reports whether t is one of the known flag types.
func (t Type) Valid() bool {
	switch t {
	case TypeBoolean, TypeString, TypeNumber, TypeJSON:
		return true
	}
	return false
}

// Status is the lifecycle state of a flag. Only active flags are
// evaluated; inactive and archived flags resolve to their defaults.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// Valid reports whether s is one of the known flag statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// Reason explains why an evaluation produced its result. The set is
// closed; the engine never emits a value outside this enumeration.
type Reason string

const (
	// ReasonDefault means no rule matched and no variants exist.
	ReasonDefault Reason = "DEFAULT"
	// ReasonTargetingMatch means a weighted variant was selected.
	ReasonTargetingMatch Reason = "TARGETING_MATCH"
	// ReasonRuleMatch means a targeting rule matched in full.
	ReasonRuleMatch Reason = "RULE_MATCH"
	// ReasonRollout means a rule matched and the entity fell inside its
	// rollout percentage bucket.
	ReasonRollout Reason = "ROLLOUT"
	// ReasonOverride means a per-entity override decided the result.
	ReasonOverride Reason = "OVERRIDE"
	// ReasonDisabled means the flag is not active.
	ReasonDisabled Reason = "DISABLED"
	// ReasonError means evaluation hit an internal fault and fell back
	// to the flag's default value.
	ReasonError Reason = "ERROR"
)

// Operator is a rule condition comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpMatches     Operator = "matches"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpDateAfter   Operator = "date_after"
	OpDateBefore  Operator = "date_before"
	OpSemverEq    Operator = "semver_eq"
	OpSemverGt    Operator = "semver_gt"
	OpSemverLt    Operator = "semver_lt"

	// Segment membership operators are valid in flag rule conditions
	// only; inside segment conditions they never match.
	OpInSegment    Operator = "in_segment"
	OpNotInSegment Operator = "not_in_segment"
)

// Valid reports whether op is part of the closed operator set. Unknown
// operators are rejected at validation time and treated as non-matching
// at evaluation time.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpIn, OpNotIn, OpContains, OpNotContains,
		OpStartsWith, OpEndsWith, OpMatches, OpGt, OpGte, OpLt, OpLte,
		OpDateAfter, OpDateBefore, OpSemverEq, OpSemverGt, OpSemverLt,
		OpInSegment, OpNotInSegment:
		return true
	}
	return false
}

// EntityType identifies what kind of entity an override targets.
type EntityType string

const (
	EntityUser         EntityType = "user"
	EntityOrganization EntityType = "organization"
	EntityTenant       EntityType = "tenant"
)
