package logger

import (
	"log/slog"
	"strconv"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// FlagKey records the flag key under the key "flag_key".
func FlagKey(key string) slog.Attr {
	return slog.String("flag_key", key)
}

// Reason records an evaluation reason under the key "reason".
func Reason(reason any) slog.Attr {
	if reason == nil {
		return slog.Attr{}
	}
	return slog.Any("reason", reason)
}

// Backend records the storage backend name under the key "backend".
func Backend(name string) slog.Attr {
	return slog.String("backend", name)
}

// EntityType records an override entity type under the key "entity_type".
func EntityType(entityType any) slog.Attr {
	if entityType == nil {
		return slog.Attr{}
	}
	return slog.Any("entity_type", entityType)
}

// RuleName records a targeting rule name under the key "rule".
func RuleName(name string) slog.Attr {
	return slog.String("rule", name)
}

// Variant records a served variant key under the key "variant".
func Variant(key string) slog.Attr {
	return slog.String("variant", key)
}

// RetryCount records the retry count under the key "retry_count".
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event records the event name under the key "event".
func Event(name string) slog.Attr {
	return slog.String("event", name)
}
