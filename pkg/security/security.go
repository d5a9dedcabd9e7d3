package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// RedactionMarker replaces sensitive values in sanitized output.
const RedactionMarker = "[REDACTED]"

// hashLength is the number of hex characters kept from the digest.
const hashLength = 12

// maxErrorMessageLength caps sanitized error messages.
const maxErrorMessageLength = 500

// sensitiveFields is the fixed set of field names whose values are
// redacted outright. All entries are lowercase; matching is
// case-insensitive.
var sensitiveFields = map[string]struct{}{
	"email":         {},
	"password":      {},
	"token":         {},
	"secret":        {},
	"api_key":       {},
	"auth_token":    {},
	"access_token":  {},
	"refresh_token": {},
	"client_secret": {},
	"credit_card":   {},
	"ssn":           {},
	"phone":         {},
	"user_id":       {},
	"session_id":    {},
	"targeting_key": {},
	"ip_address":    {},
}

// identifierFields are hashed rather than redacted so correlated log
// lines stay joinable without exposing the raw identifier.
var identifierFields = map[string]struct{}{
	"targeting_key": {},
	"user_id":       {},
	"session_id":    {},
}

var sensitiveSuffixes = []string{"_id", "_key", "_token", "_secret"}

// Pre-compiled patterns for error message scrubbing.
var (
	connStringRegexp = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)
	emailRegexp      = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	ipRegexp         = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	pathRegexp       = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)
	flagKeyRegexp    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// HashTargetingKey returns a truncated one-way digest of the targeting
// key. Equal inputs with equal salts produce equal digests; different
// salts produce different digests. An empty key maps to "".
func HashTargetingKey(key, salt string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ":" + key))
	return hex.EncodeToString(sum[:])[:hashLength]
}

// HashValue hashes an arbitrary value the same way HashTargetingKey
// hashes keys. Nil maps to "".
func HashValue(v any, salt string) string {
	if v == nil {
		return ""
	}
	return HashTargetingKey(fmt.Sprintf("%v", v), salt)
}

// IsSensitiveField reports whether a field name is sensitive, by
// case-insensitive membership in the fixed set or by suffix pattern
// (*_id, *_key, *_token, *_secret).
func IsSensitiveField(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	if _, ok := sensitiveFields[lower]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// isIdentifierField reports whether a field should be hashed rather
// than redacted: known identifier names plus *_id and *_key suffixes.
func isIdentifierField(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := identifierFields[lower]; ok {
		return true
	}
	return strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_key")
}

// RedactValue returns the fixed redaction marker, or a truncated hash
// of the value when hashInstead is set.
func RedactValue(v any, hashInstead bool) string {
	if hashInstead {
		if h := HashValue(v, ""); h != "" {
			return h
		}
	}
	return RedactionMarker
}

// SanitizeOption configures SanitizeLogContext.
type SanitizeOption func(*sanitizeConfig)

type sanitizeConfig struct {
	hashIdentifiers bool
	redactSensitive bool
	salt            string
	extraSensitive  map[string]struct{}
}

// WithoutIdentifierHashing redacts identifier fields instead of
// hashing them.
func WithoutIdentifierHashing() SanitizeOption {
	return func(c *sanitizeConfig) { c.hashIdentifiers = false }
}

// WithoutRedaction leaves non-identifier sensitive fields untouched.
func WithoutRedaction() SanitizeOption {
	return func(c *sanitizeConfig) { c.redactSensitive = false }
}

// WithSalt sets the salt used when hashing identifier fields.
func WithSalt(salt string) SanitizeOption {
	return func(c *sanitizeConfig) { c.salt = salt }
}

// WithExtraSensitiveFields marks additional field names as sensitive
// for this sanitization pass.
func WithExtraSensitiveFields(names ...string) SanitizeOption {
	return func(c *sanitizeConfig) {
		for _, name := range names {
			c.extraSensitive[strings.ToLower(name)] = struct{}{}
		}
	}
}

// SanitizeLogContext walks the mapping recursively, hashing
// identifier-like fields, redacting sensitive-value fields and leaving
// everything else untouched. The input is never modified.
func SanitizeLogContext(m map[string]any, opts ...SanitizeOption) map[string]any {
	cfg := &sanitizeConfig{
		hashIdentifiers: true,
		redactSensitive: true,
		extraSensitive:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return sanitizeMap(m, cfg)
}

func sanitizeMap(m map[string]any, cfg *sanitizeConfig) map[string]any {
	result := make(map[string]any, len(m))
	for key, value := range m {
		result[key] = sanitizeEntry(key, value, cfg)
	}
	return result
}

func sanitizeEntry(key string, value any, cfg *sanitizeConfig) any {
	switch nested := value.(type) {
	case map[string]any:
		return sanitizeMap(nested, cfg)
	case []any:
		items := make([]any, len(nested))
		for i, item := range nested {
			if m, ok := item.(map[string]any); ok {
				items[i] = sanitizeMap(m, cfg)
			} else {
				items[i] = sanitizeEntry(key, item, cfg)
			}
		}
		return items
	}

	_, extra := cfg.extraSensitive[strings.ToLower(key)]
	if cfg.hashIdentifiers && isIdentifierField(key) && !extra {
		return HashValue(value, cfg.salt)
	}
	if extra || (cfg.redactSensitive && IsSensitiveField(key)) {
		return RedactionMarker
	}
	return value
}

// SanitizeErrorMessage scrubs file paths, IP addresses, connection
// strings and email addresses from free-text error messages, then
// truncates to a maximum length. Safe to call on any backend or engine
// error before logging or embedding it in a result.
func SanitizeErrorMessage(msg string) string {
	result := connStringRegexp.ReplaceAllString(msg, "[connection-string]")
	result = emailRegexp.ReplaceAllString(result, "[email]")
	result = ipRegexp.ReplaceAllString(result, "[ip]")
	result = pathRegexp.ReplaceAllString(result, "[path]")
	if len(result) > maxErrorMessageLength {
		cut := maxErrorMessageLength
		// Back up to a rune boundary so the cut never splits a
		// multi-byte character.
		for cut > 0 && !utf8.RuneStart(result[cut]) {
			cut--
		}
		result = result[:cut] + "..."
	}
	return result
}

// ValidateFlagKey reports whether a flag key is well-formed: a letter
// followed by letters, digits, hyphens or underscores, at most 255
// characters.
func ValidateFlagKey(key string) bool {
	return len(key) >= 1 && len(key) <= 255 && flagKeyRegexp.MatchString(key)
}

// SafeLogContext builds a ready-to-log evaluation record: the flag key
// and result stay as-is, the targeting key is hashed under
// "targeting_key_hash", and extra fields pass through sanitization.
func SafeLogContext(flagKey, targetingKey string, result any, reason string, extra map[string]any) map[string]any {
	out := map[string]any{
		"flag_key": flagKey,
		"result":   result,
	}
	if reason != "" {
		out["reason"] = reason
	}
	if targetingKey != "" {
		out["targeting_key_hash"] = HashTargetingKey(targetingKey, "")
	}
	for key, value := range SanitizeLogContext(extra) {
		out[key] = value
	}
	return out
}
