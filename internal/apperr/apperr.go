package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies every failure and rejection the core can produce
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindExpectancyVeto      Kind = "EXPECTANCY_VETO"
	KindRiskVeto            Kind = "RISK_VETO"
	KindBreakerHalt         Kind = "BREAKER_HALT"
	KindAllocationVeto      Kind = "ALLOCATION_VETO"
	KindDuplicateSignal     Kind = "DUPLICATE_SIGNAL"
	KindExpiredSignal       Kind = "EXPIRED_SIGNAL"
	KindReconciliationDrift Kind = "RECONCILIATION_DRIFT"
	KindTransportFailure    Kind = "TRANSPORT_FAILURE"
	KindPersistenceFailure  Kind = "PERSISTENCE_FAILURE"

	KindNotFound     Kind = "NOT_FOUND"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindConflict     Kind = "CONFLICT"
	KindInternal     Kind = "INTERNAL"
)

// IsVeto reports whether the kind is a normal-flow gate rejection rather than a fault
func (k Kind) IsVeto() bool {
	switch k {
	case KindExpectancyVeto, KindRiskVeto, KindBreakerHalt, KindAllocationVeto:
		return true
	default:
		return false
	}
}

// Error is a categorized error with component and operation context
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Message   string
	Err       error
	Retryable bool
	Context   map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Kind, e.Component, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Component, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.New(KindX, ...)) and
// errors.Is(err, apperr.ErrTransport) work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Component == "" || t.Component == e.Component)
}

// WithContext attaches a key/value pair for logging
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Sentinels for errors.Is checks
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrTransport    = &Error{Kind: KindTransportFailure}
	ErrPersistence  = &Error{Kind: KindPersistenceFailure}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrConflict     = &Error{Kind: KindConflict}
)

func New(kind Kind, component, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   message,
		Retryable: retryableKind(kind),
	}
}

func Newf(kind Kind, component, op, format string, args ...any) *Error {
	return New(kind, component, op, fmt.Sprintf(format, args...))
}

// Wrap returns nil when err is nil
func Wrap(err error, kind Kind, component, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   "operation failed",
		Err:       err,
		Retryable: retryableKind(kind),
	}
}

func Transport(component, op string, err error) *Error {
	return Wrap(err, KindTransportFailure, component, op)
}

func Persistence(component, op string, err error) *Error {
	return Wrap(err, KindPersistenceFailure, component, op)
}

func Validation(component, op, message string) *Error {
	return New(KindValidation, component, op, message)
}

// KindOf returns the Kind of the first *Error in the chain, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the first *Error in the chain is retryable.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func retryableKind(kind Kind) bool {
	switch kind {
	case KindTransportFailure, KindPersistenceFailure:
		return true
	default:
		return false
	}
}
