// Package coreerr defines NEXUS's error taxonomy: sentinel kinds
// checked with errors.Is, wrapped with ActionError
// so callers at a component boundary can classify a failure without a raw
// exception ever crossing it.
package coreerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Compare with errors.Is, never string equality.
var (
	ErrValidation = errors.New("validation error")
	ErrPolicyDenied = errors.New("policy denied")
	ErrTimeout      = errors.New("timeout")
	ErrNotFound     = errors.New("not found")
	ErrTransient    = errors.New("transient error")
	ErrCorrupt      = errors.New("corrupt record")
	ErrInternal     = errors.New("internal error")
)

// ActionError wraps a sentinel kind with component/operation context.
// Unwrap returns the sentinel so errors.Is(err, ErrTimeout) works through
// any number of wrapping layers.
type ActionError struct {
	Kind      error
	Component string
	Op        string
	Err       error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %v: %v", e.Component, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Op, e.Kind)
}

func (e *ActionError) Unwrap() error { return e.Kind }

// New builds an ActionError of the given kind for component/op, optionally
// wrapping an underlying cause.
func New(kind error, component, op string, cause error) *ActionError {
	return &ActionError{Kind: kind, Component: component, Op: op, Err: cause}
}

// Validation, PolicyDenied, Timeout, NotFound, Transient, Corrupt, and
// Internal are convenience constructors for the matching sentinel kind.
func Validation(component, op string, cause error) *ActionError {
	return New(ErrValidation, component, op, cause)
}

func PolicyDenied(component, op string, cause error) *ActionError {
	return New(ErrPolicyDenied, component, op, cause)
}

func Timeout(component, op string, cause error) *ActionError {
	return New(ErrTimeout, component, op, cause)
}

func NotFound(component, op string, cause error) *ActionError {
	return New(ErrNotFound, component, op, cause)
}

func Transient(component, op string, cause error) *ActionError {
	return New(ErrTransient, component, op, cause)
}

func Corrupt(component, op string, cause error) *ActionError {
	return New(ErrCorrupt, component, op, cause)
}

func Internal(component, op string, cause error) *ActionError {
	return New(ErrInternal, component, op, cause)
}

// Is reports whether err's classified kind matches target, looking through
// any ActionError wrapping via errors.Is semantics.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
