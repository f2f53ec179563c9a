package plugins

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a plugin-related failure. Terminal kinds are never
// retried; transient kinds feed the caller's backoff/retry policy.
type ErrorKind string

const (
	// ErrorConfig marks bad plugin configuration or an unresolvable
	// destination. Terminal.
	ErrorConfig ErrorKind = "config"
	// ErrorValidation marks content failing destination rules. Terminal.
	ErrorValidation ErrorKind = "validation"
	// ErrorFetch marks a transient fetch fault (network, auth, parse).
	ErrorFetch ErrorKind = "fetch"
	// ErrorPost marks a transient post fault.
	ErrorPost ErrorKind = "post"
	// ErrorFault marks an unexpected panic or timeout inside plugin code,
	// isolated to that instance and call.
	ErrorFault ErrorKind = "plugin_fault"
	// ErrorRetryExhausted marks a job that failed max_retries times. Terminal.
	ErrorRetryExhausted ErrorKind = "retry_exhausted"
)

// Error is the structured error produced at the manager boundary and by
// plugin helpers. Downstream components branch on Kind rather than
// re-inspecting plugin internals.
type Error struct {
	Kind   ErrorKind
	Plugin string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %s: %s: %s: %v", e.Plugin, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("plugin %s: %s: %s", e.Plugin, e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a structured plugin error.
func NewError(kind ErrorKind, plugin, op string, err error) *Error {
	return &Error{Kind: kind, Plugin: plugin, Op: op, Err: err}
}

// NewConfigError marks err as a terminal configuration failure.
func NewConfigError(plugin, op string, err error) *Error {
	return NewError(ErrorConfig, plugin, op, err)
}

// NewValidationError marks err as a terminal content-validation failure.
func NewValidationError(plugin, op string, err error) *Error {
	return NewError(ErrorValidation, plugin, op, err)
}

// NewFetchError marks err as a transient fetch failure.
func NewFetchError(plugin string, err error) *Error {
	return NewError(ErrorFetch, plugin, "fetch_content", err)
}

// NewPostError marks err as a transient post failure.
func NewPostError(plugin string, err error) *Error {
	return NewError(ErrorPost, plugin, "post_content", err)
}

// KindOf extracts the error kind, defaulting to ErrorPost-style transience
// for plain errors so unknown failures are retried rather than dropped.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case ErrorConfig, ErrorValidation, ErrorRetryExhausted:
		return true
	}
	return false
}

var (
	// ErrBusy is returned when an invocation finds the instance already
	// Running. Callers skip the call rather than queueing it.
	ErrBusy = errors.New("plugin invocation already in progress")
	// ErrNotFound is returned for an unknown plugin name.
	ErrNotFound = errors.New("plugin not found")
	// ErrNotStarted is returned when invoking a plugin that is not enabled.
	ErrNotStarted = errors.New("plugin not started")
)
