package config

import (
	"errors"
)

// Sentinel error kinds for this package. Load wraps one of them so callers can
// use errors.Is regardless of the underlying koanf or validator error.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
	// ErrConfigNotFound is wrapped together with ErrLoadConfig when
	// VERDICT_CONFIG names a file that does not exist.
	ErrConfigNotFound = errors.New("config file not found")
)
