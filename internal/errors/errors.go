// Package errors provides the error classification used across the Node: a
// three-class Transient/Invalid/Fatal taxonomy for unexpected failures, plus the
// five sentinel kinds the AMWA NMOS Node protocol distinguishes (Conflict, NotFound,
// Shutdown, and the two network classes already covered by Transient/Invalid).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nmosnode/node/pkg/retry"
)

// Class is the retry-relevant classification of an error.
type Class int

const (
	// Transient errors are timeouts, connection refusals, and 5xx responses: retry.
	Transient Class = iota
	// Invalid errors are malformed input or a 4xx response other than 409: don't retry.
	Invalid
	// Fatal errors are unrecoverable: stop the task that hit them.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinels for the NMOS-specific error kinds (spec §7) that aren't a matter of
// retry classification so much as a specific HTTP status or control-flow outcome.
var (
	// ErrConflict is a 409 from a registry: benign, treated as success by the
	// registration client.
	ErrConflict = errors.New("conflict: resource already present")
	// ErrNotFound means a resource id is unknown to the store; translates to 404.
	ErrNotFound = errors.New("resource not found")
	// ErrShutdown means an operation was attempted after shutdown began; translates
	// to 503, or is used to unwind a loop cleanly.
	ErrShutdown = errors.New("shutdown in progress")
	// ErrAlreadyExists means insert() was called with an id already present.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrDanglingReference means insert() named a parent id that isn't in the store.
	ErrDanglingReference = errors.New("dangling reference")
	// ErrValidation means a payload failed schema validation.
	ErrValidation = errors.New("schema validation failed")
	// ErrInvalidData means a caller-supplied value is malformed independent of
	// schema validation (empty keys, out-of-range sizes, and the like).
	ErrInvalidData = errors.New("invalid data format")
	// ErrAlreadyStopped means an operation was attempted on a component that has
	// already been shut down.
	ErrAlreadyStopped = errors.New("component already stopped")
	// ErrNodeExists means Insert was called for a second Node resource while one
	// is already present; exactly one may exist at a time.
	ErrNodeExists = errors.New("node resource already present")
)

// Classified wraps an error with its Class and the component/operation that
// produced it, following the "component.method: action failed: %w" message format.
type Classified struct {
	Class     Class
	Err       error
	Component string
	Operation string
	Action    string
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s.%s: %s failed: %v", c.Component, c.Operation, c.Action, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

func classify(class Class, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return &Classified{Class: class, Err: err, Component: component, Operation: operation, Action: action}
}

// WrapTransient marks err as retryable network/availability failure.
func WrapTransient(err error, component, operation, action string) error {
	return classify(Transient, err, component, operation, action)
}

// WrapInvalid marks err as bad input or a permanent 4xx: do not retry.
func WrapInvalid(err error, component, operation, action string) error {
	return classify(Invalid, err, component, operation, action)
}

// WrapFatal marks err as unrecoverable: the owning task should stop.
func WrapFatal(err error, component, operation, action string) error {
	return classify(Fatal, err, component, operation, action)
}

// ClassOf returns the Class of err, defaulting to Transient for unclassified
// errors so that unexpected failures fail open towards a retry rather than a
// silent drop.
func ClassOf(err error) Class {
	if err == nil {
		return Transient
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrDanglingReference) || errors.Is(err, ErrAlreadyExists) {
		return Invalid
	}
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"timeout", "connection refused", "connection reset", "temporary", "unavailable", "eof"} {
		if strings.Contains(lower, p) {
			return Transient
		}
	}
	return Transient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }

// IsFatal reports whether err should stop the owning task.
func IsFatal(err error) bool { return err != nil && ClassOf(err) == Fatal }

// IsInvalid reports whether err is a permanent rejection of the input.
func IsInvalid(err error) bool { return err != nil && ClassOf(err) == Invalid }

// IsConflict reports whether err represents a benign 409 from a registry.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err represents an unknown resource id.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsShutdown reports whether err was produced after shutdown began.
func IsShutdown(err error) bool { return errors.Is(err, ErrShutdown) }

// RetryConfig adapts Class-aware retry decisions onto pkg/retry's backoff engine.
type RetryConfig struct {
	retry.Config
}

// DefaultRetryConfig mirrors pkg/retry.DefaultConfig, scoped for network operations
// that should stop immediately on a classified Invalid or Fatal error.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Config: retry.DefaultConfig()}
}

// Do runs fn, retrying only Transient failures; an Invalid or Fatal error or a
// retry.NonRetryable wrapper short-circuits immediately.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, rc.Config, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}
