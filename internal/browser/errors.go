// Package browser holds the error taxonomy and value types shared by the
// browser automation packages.
package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionUnavailable means there is no live browser session to act on.
	// It is distinct from an operation that ran and failed.
	ErrSessionUnavailable = errors.New("browser session unavailable")

	// ErrTimingExceeded means a bounded wait ran out. Content waits treat it
	// as a degraded success; session-establishment waits treat it as fatal.
	ErrTimingExceeded = errors.New("timing exceeded")
)

// ElementNotFoundError reports that every candidate for a logical target
// was exhausted.
type ElementNotFoundError struct {
	Target string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Target)
}

// NotFound builds an ElementNotFoundError for the named target.
func NotFound(target string) error {
	return &ElementNotFoundError{Target: target}
}

// IsNotFound reports whether err is, or wraps, an ElementNotFoundError.
func IsNotFound(err error) bool {
	var nf *ElementNotFoundError
	return errors.As(err, &nf)
}
