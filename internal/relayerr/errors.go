// Package relayerr defines the error taxonomy shared by the dispatch layer.
//
// Configuration and selection failures are fatal and surface from
// relay.Factory.Open. Backend operation errors are never wrapped here: the
// dispatcher returns them unchanged. Poll failures are represented by
// PollError, which is logged by the monitor and never returned to a caller.
package relayerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks a missing mandatory key, a malformed condition
	// block or an unknown condition kind.
	ErrConfiguration = errors.New("jobrelay: configuration error")

	// ErrNoEligibleBackend is returned when no candidate satisfied its
	// condition list.
	ErrNoEligibleBackend = errors.New("jobrelay: no eligible backend")

	// ErrMonitoring marks a failed batch status refresh.
	ErrMonitoring = errors.New("jobrelay: monitoring error")

	// ErrInvalidJob is returned when a job lacks what an operation needs.
	ErrInvalidJob = errors.New("jobrelay: invalid job")
)

// ConfigError describes a configuration problem tied to a key.
type ConfigError struct {
	Key    string
	Reason string
	Err    error
}

// Configf builds a ConfigError for key.
func Configf(key, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Key != "" {
		fmt.Fprintf(&b, " at %q", e.Key)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is reports ErrConfiguration as a match so callers can test the category.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Rejection records why a candidate backend was skipped.
type Rejection struct {
	Backend   string
	Condition string
}

// SelectionError is returned when every candidate was rejected.
type SelectionError struct {
	Candidates []string
	Rejections []Rejection
}

func (e *SelectionError) Error() string {
	if len(e.Candidates) == 0 {
		return "no eligible backend: no candidates configured"
	}
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, fmt.Sprintf("%s (%s)", r.Backend, r.Condition))
	}
	return "no eligible backend among " + strings.Join(parts, ", ")
}

func (e *SelectionError) Is(target error) bool { return target == ErrNoEligibleBackend }

// PollError wraps a failed batch status refresh for one backend.
type PollError struct {
	Backend string
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %v", e.Backend, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

func (e *PollError) Is(target error) bool { return target == ErrMonitoring }

// InvalidJob wraps ErrInvalidJob with a reason.
func InvalidJob(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}
