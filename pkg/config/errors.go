package config

import "errors"

var (
	// ErrParsingConfig wraps env.Parse failures, including missing
	// required variables.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrConfigNotLoaded is returned when a cached config type is
	// requested before any Load populated it.
	ErrConfigNotLoaded = errors.New("configuration has not been loaded")

	// ErrNilPointer is returned when Load receives a nil target.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)
