package flags

import "maps"

// Context is an immutable bag of targeting attributes describing the
// entity a flag is evaluated for. All fields are unexported; derivation
// methods return new, fully independent values, so a Context can be
// shared across goroutines without coordination.
//
// The zero value is a valid, empty context.
type Context struct {
	targetingKey   string
	userID         string
	organizationID string
	tenantID       string
	environment    string
	appVersion     string
	attributes     map[string]any
}

// ContextOption configures a Context during construction.
type ContextOption func(*Context)

// WithTargetingKey sets the stable identifier used for rollout and
// variant bucketing.
func WithTargetingKey(key string) ContextOption {
	return func(c *Context) { c.targetingKey = key }
}

// WithUserID sets the user identifier.
func WithUserID(id string) ContextOption {
	return func(c *Context) { c.userID = id }
}

// WithOrganizationID sets the organization identifier.
func WithOrganizationID(id string) ContextOption {
	return func(c *Context) { c.organizationID = id }
}

// WithTenantID sets the tenant identifier.
func WithTenantID(id string) ContextOption {
	return func(c *Context) { c.tenantID = id }
}

// WithEnvironment sets the deployment environment name.
func WithEnvironment(env string) ContextOption {
	return func(c *Context) { c.environment = env }
}

// WithAppVersion sets the application version used by semver operators.
func WithAppVersion(v string) ContextOption {
	return func(c *Context) { c.appVersion = v }
}

// WithAttribute adds a single custom attribute.
func WithAttribute(name string, value any) ContextOption {
	return func(c *Context) {
		if c.attributes == nil {
			c.attributes = make(map[string]any)
		}
		c.attributes[name] = value
	}
}

// WithAttributes adds all entries of attrs as custom attributes.
func WithAttributes(attrs map[string]any) ContextOption {
	return func(c *Context) {
		if len(attrs) == 0 {
			return
		}
		if c.attributes == nil {
			c.attributes = make(map[string]any, len(attrs))
		}
		maps.Copy(c.attributes, attrs)
	}
}

// NewContext builds an evaluation context from the given options.
func NewContext(opts ...ContextOption) Context {
	var c Context
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c Context) TargetingKey() string   { return c.targetingKey }
func (c Context) UserID() string         { return c.userID }
func (c Context) OrganizationID() string { return c.organizationID }
func (c Context) TenantID() string       { return c.tenantID }
func (c Context) Environment() string    { return c.environment }
func (c Context) AppVersion() string     { return c.appVersion }

// Attributes returns a copy of the custom attribute map. Mutating the
// returned map does not affect the context.
func (c Context) Attributes() map[string]any {
	if c.attributes == nil {
		return map[string]any{}
	}
	return maps.Clone(c.attributes)
}

// Get looks up an attribute by name, checking the standard fields
// before the custom attribute map. Absent names yield nil; Get never
// fails.
func (c Context) Get(name string) any {
	switch name {
	case "targeting_key":
		if c.targetingKey != "" {
			return c.targetingKey
		}
	case "user_id":
		if c.userID != "" {
			return c.userID
		}
	case "organization_id":
		if c.organizationID != "" {
			return c.organizationID
		}
	case "tenant_id":
		if c.tenantID != "" {
			return c.tenantID
		}
	case "environment":
		if c.environment != "" {
			return c.environment
		}
	case "app_version":
		if c.appVersion != "" {
			return c.appVersion
		}
	}
	if v, ok := c.attributes[name]; ok {
		return v
	}
	return nil
}

// GetDefault is like Get but returns def when the attribute is absent.
func (c Context) GetDefault(name string, def any) any {
	if v := c.Get(name); v != nil {
		return v
	}
	return def
}

// Merge combines the context with other, field-wise right-biased: a
// field set on other wins, but an empty field on other never erases a
// value set on the receiver. Attribute maps are shallow-merged with
// other's entries taking precedence. Both inputs are left untouched.
func (c Context) Merge(other Context) Context {
	merged := c.clone()
	if other.targetingKey != "" {
		merged.targetingKey = other.targetingKey
	}
	if other.userID != "" {
		merged.userID = other.userID
	}
	if other.organizationID != "" {
		merged.organizationID = other.organizationID
	}
	if other.tenantID != "" {
		merged.tenantID = other.tenantID
	}
	if other.environment != "" {
		merged.environment = other.environment
	}
	if other.appVersion != "" {
		merged.appVersion = other.appVersion
	}
	if len(other.attributes) > 0 {
		if merged.attributes == nil {
			merged.attributes = make(map[string]any, len(other.attributes))
		}
		maps.Copy(merged.attributes, other.attributes)
	}
	return merged
}

// WithTargetingKey returns a copy of the context with a new targeting key.
func (c Context) WithTargetingKey(key string) Context {
	derived := c.clone()
	derived.targetingKey = key
	return derived
}

// WithEnvironment returns a copy of the context with a new environment.
func (c Context) WithEnvironment(env string) Context {
	derived := c.clone()
	derived.environment = env
	return derived
}

// WithAttributes returns a copy of the context with attrs merged into
// its attribute map, new entries taking precedence.
func (c Context) WithAttributes(attrs map[string]any) Context {
	derived := c.clone()
	if len(attrs) > 0 {
		if derived.attributes == nil {
			derived.attributes = make(map[string]any, len(attrs))
		}
		maps.Copy(derived.attributes, attrs)
	}
	return derived
}

func (c Context) clone() Context {
	derived := c
	if c.attributes != nil {
		derived.attributes = maps.Clone(c.attributes)
	}
	return derived
}
