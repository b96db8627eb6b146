package scheduler

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation wraps a malformed-message condition: a message from
// an unexpected exchange, a routing key that doesn't parse, or a payload
// missing a required field. These are never silently dropped; the ingress
// acks them off the consumer (redelivery can't fix a malformed message)
// but logs loudly so operators can tell them apart from ordinary churn.
type ErrProtocolViolation struct {
	Detail string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Detail)
}

func protocolViolation(format string, args ...any) error {
	return &ErrProtocolViolation{Detail: fmt.Sprintf(format, args...)}
}

// ErrPrecondition indicates a mutator's post-state assertion failed —
// evidence of a bug in the progression engine itself rather than
// contention or an external failure. It is always fatal for the handler.
type ErrPrecondition struct {
	Detail string
}

func (e *ErrPrecondition) Error() string {
	return fmt.Sprintf("precondition violated: %s", e.Detail)
}

func precondition(format string, args ...any) error {
	return &ErrPrecondition{Detail: fmt.Sprintf(format, args...)}
}

// IsProtocolViolation reports whether err (or something it wraps) is an
// ErrProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ErrProtocolViolation
	return errors.As(err, &pv)
}

// IsPrecondition reports whether err (or something it wraps) is an
// ErrPrecondition.
func IsPrecondition(err error) bool {
	var pc *ErrPrecondition
	return errors.As(err, &pc)
}
