// Package security provides pure redaction and sanitization helpers
// for logging flag evaluations safely.
//
// Targeting keys and other identifiers are personal data; raw error
// text can leak infrastructure details. Everything the engine or a
// storage backend emits for observability goes through this package
// first. None of these functions participate in the decision path.
//
//	payload := security.SanitizeLogContext(map[string]any{
//		"targeting_key": "user-123",   // hashed
//		"email":         "a@b.com",    // redacted
//		"plan":          "premium",    // untouched
//	})
//	log.Info("flag evaluated", slog.Any("context", payload))
//
// All functions are stateless and safe for concurrent use.
package security
