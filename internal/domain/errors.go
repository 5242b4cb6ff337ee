package domain

import "errors"

var (
	// ErrNotLinked signals that no UserLink exists for the Slack identity.
	ErrNotLinked = errors.New("account not linked")
	// ErrInvalidInput signals missing or malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound signals a missing record the caller expected to own.
	ErrNotFound = errors.New("not found")
	// ErrStateNotFound is returned for link states that never existed,
	// were already consumed, or have expired. Callers cannot tell which.
	ErrStateNotFound = errors.New("link state expired or already used")
)
