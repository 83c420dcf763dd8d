package poolapi

import (
	"errors"
	"fmt"
)

// TransientError marks a network or timeout failure. The window is
// skipped and retried at the next scheduled tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ParseError marks an unexpected pool response shape. The account/window
// is skipped and logged; it never crashes the scheduler.
type ParseError struct {
	Source string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s response parse error: %s", e.Source, e.Detail)
}

// IsTransient reports whether an error is retryable at the next tick
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsParseError reports whether an error came from a malformed response
func IsParseError(err error) bool {
	var p *ParseError
	return errors.As(err, &p)
}
