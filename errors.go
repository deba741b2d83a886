package embedauth

import (
	"errors"
	"fmt"
)

// StepError wraps errors with the workflow step or store that produced them.
type StepError struct {
	Step string // Step or store name: "generate-session", "file", ...
	Op   string // Operation: "get", "set", "exchange", ...
	Key  string // Store key or resource id (if applicable)
	Err  error
}

// Error returns the error message.
func (e *StepError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s %q: %v", e.Step, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Is checks if the wrapped error matches the target error.
// This allows errors.Is() to work through StepError wrappers.
func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapError wraps an error with step context.
func WrapError(step, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{
		Step: step,
		Op:   op,
		Key:  key,
		Err:  err,
	}
}

// temporary is implemented by transport errors that are worth retrying.
type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether any error in err's chain declares itself temporary.
func IsTemporary(err error) bool {
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
