package pallet_nav

import "errors"

// Sentinel errors returned by navigation operations.
var (
	ErrBudgetExhausted = errors.New("retry budget exhausted")
	ErrUnknownState    = errors.New("unknown task state")
	ErrUnknownPolicy   = errors.New("unknown selection policy")
	ErrInvalidConfig   = errors.New("invalid config")
)
