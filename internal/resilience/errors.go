// Package resilience provides the shared failure-handling layer: an error
// taxonomy, retry with backoff, per-component circuit breakers, and a
// durable dead-letter queue.
package resilience

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for propagation policy.
//
// The pipeline keys its behavior off the kind rather than the dynamic type:
// parse errors are absorbed at the stream edge, transient errors are retried,
// configuration errors are fatal at build time, and breaker-open errors fail
// fast without consuming retry budget.
type Kind string

const (
	// KindParse indicates a malformed input (e.g. an unparseable filename).
	KindParse Kind = "PARSE"

	// KindTransient indicates a retryable failure (I/O, timeout, external
	// dependency unavailable).
	KindTransient Kind = "TRANSIENT"

	// KindConfig indicates a fatal configuration error (cyclic DAG,
	// unknown dependency). Never retried.
	KindConfig Kind = "CONFIG"

	// KindBreakerOpen indicates a call rejected by an open circuit breaker.
	// Distinct from a genuine failure: it does not consume a retry attempt.
	KindBreakerOpen Kind = "BREAKER_OPEN"
)

// Error is an error value carrying a Kind and the component it came from.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = msg + ": " + e.Err.Error()
		} else {
			msg = e.Err.Error()
		}
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s (component=%s)", e.Kind, msg, e.Component)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or KindTransient when err carries
// no kind. Unknown failures default to transient so they stay retryable.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsParse reports whether err is a parse-kind error.
func IsParse(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindParse
}

// IsConfig reports whether err is a configuration-kind error.
func IsConfig(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindConfig
}

// IsBreakerOpen reports whether err is a breaker-open rejection.
func IsBreakerOpen(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindBreakerOpen
}

// Parsef creates a parse-kind error.
func Parsef(format string, args ...any) error {
	return &Error{Kind: KindParse, Message: fmt.Sprintf(format, args...)}
}

// Configf creates a configuration-kind error.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a transient error attributed to component.
func Transient(component string, err error) error {
	return &Error{Kind: KindTransient, Component: component, Err: err}
}

// Transientf creates a transient error attributed to component.
func Transientf(component, format string, args ...any) error {
	return &Error{Kind: KindTransient, Component: component, Message: fmt.Sprintf(format, args...)}
}
