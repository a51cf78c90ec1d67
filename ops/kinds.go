// Package ops holds cross-cutting operational concerns of the Kestrel core:
// the failure-kind taxonomy applied at every queue boundary, structured
// logging helpers, and Prometheus collectors.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
)

// Kind classifies a failure at a worker's queue boundary. Workers translate
// every error into exactly one Kind before it escapes the handler.
type Kind int

const (
	// KindNone is the zero Kind and means "no failure".
	KindNone Kind = iota
	// KindTransient is retryable infrastructure trouble: KV unreachable,
	// a lost queue reservation, a network blip.
	KindTransient
	// KindValidation is a malformed or inconsistent record. The message is
	// dead-lettered and never retried.
	KindValidation
	// KindExhaustion is resource pressure: scratch full, build OOM, a
	// persistently full queue. The task continues when pressure abates.
	KindExhaustion
	// KindTerminal is a business-terminal condition: cancellation, deadline
	// expiry, patch attempts exhausted.
	KindTerminal
	// KindExternal is an error surfaced by the competition API. 4xx is
	// terminal for the submission; 5xx degrades to KindTransient.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindExhaustion:
		return "exhaustion"
	case KindTerminal:
		return "terminal"
	case KindExternal:
		return "external"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Error pairs a Kind with its cause. It is the only error type that crosses
// a worker's queue boundary.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// Transient wraps |err| as a KindTransient Error.
func Transient(err error) error { return &Error{Kind: KindTransient, Cause: err} }

// Validation wraps |err| as a KindValidation Error.
func Validation(err error) error { return &Error{Kind: KindValidation, Cause: err} }

// Exhaustion wraps |err| as a KindExhaustion Error.
func Exhaustion(err error) error { return &Error{Kind: KindExhaustion, Cause: err} }

// Terminal wraps |err| as a KindTerminal Error.
func Terminal(err error) error { return &Error{Kind: KindTerminal, Cause: err} }

// External wraps |err| as a KindExternal Error.
func External(err error) error { return &Error{Kind: KindExternal, Cause: err} }

// Classify maps an arbitrary error to its Kind. Errors already carrying a
// Kind keep it; context cancellation is terminal; network trouble is
// transient; everything else defaults to transient so that an unclassified
// failure is retried rather than dropped.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTerminal
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindTransient
	}
	return KindTransient
}

// LogBoundary writes the structured log line required of every queue-boundary
// translation: task, component, kind, and message.
func LogBoundary(taskID, component string, err error) {
	var kind = Classify(err)
	var entry = log.WithFields(log.Fields{
		"task":      taskID,
		"component": component,
		"kind":      kind.String(),
		"err":       err,
	})
	switch kind {
	case KindTransient, KindExhaustion:
		entry.Warn("worker failure (will retry)")
	default:
		entry.Error("worker failure")
	}
}
