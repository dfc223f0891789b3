package model

import "errors"

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the user may not act on the record.
	ErrForbidden = errors.New("forbidden")
	// ErrSectionMismatch means a student tried to join another section's quiz or session.
	ErrSectionMismatch = errors.New("section mismatch")
	// ErrInvalidInput wraps a rule violation in user-supplied data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrLLMDisabled means no LLM endpoint is configured.
	ErrLLMDisabled = errors.New("llm disabled")
)
