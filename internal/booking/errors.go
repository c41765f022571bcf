package booking

import "fmt"

// ValidationError is returned for malformed or out-of-range input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// AccessDeniedError is returned when the caller's address is banned. Msg
// stays generic.
type AccessDeniedError struct {
	Msg string
}

func (e *AccessDeniedError) Error() string {
	return e.Msg
}

// RateLimitedError is returned when a submission trips a rate limit.
type RateLimitedError struct {
	Msg string
}

func (e *RateLimitedError) Error() string {
	return e.Msg
}

// NotFoundError is returned when a booking does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("booking not found: %s", e.ID)
}
