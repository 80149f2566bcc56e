package model

import "errors"

// Domain error kinds shared by every component.
var (
	ErrDenied             = errors.New("denied")
	ErrConflict           = errors.New("conflict")
	ErrOutOfRange         = errors.New("value out of range")
	ErrInvalidValue       = errors.New("invalid value")
	ErrUnknownSortField   = errors.New("unknown sort field")
	ErrUnknownCriterion   = errors.New("unknown criterion")
	ErrIntegrationTimeout = errors.New("integration timeout")
	ErrRuleActionFailure  = errors.New("rule action failure")
	ErrNotFound           = errors.New("not found")
	ErrCycle              = errors.New("category cycle")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidTransition  = errors.New("invalid phase transition")
)
