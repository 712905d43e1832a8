package lifecycle

import "errors"

var (
	// ErrAlreadyExists is returned when a proposal with the same key is active.
	ErrAlreadyExists = errors.New("proposal already exists")
	// ErrNotFound is returned for ids that are not active.
	ErrNotFound = errors.New("proposal not found")
	// ErrUnauthorized is returned by adapters when the caller may not delete.
	ErrUnauthorized = errors.New("caller is not authorized")
	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDeliveryFailed wraps a per-recipient notification failure.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrInvalidName is returned when a name normalizes to an empty key.
	ErrInvalidName = errors.New("invalid proposal name")
)
