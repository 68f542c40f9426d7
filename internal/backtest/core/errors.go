package core

import (
	"errors"
	"fmt"
)

// Kind classifies a backtest.Error without requiring callers to pattern
// match on message text.
type Kind int

const (
	// KindInvalidArgument marks configuration or shape mismatches.
	KindInvalidArgument Kind = iota
	// KindNotInitialized marks a call to a component before its init step.
	KindNotInitialized
	// KindDataUnavailable marks a provider returning empty or short data.
	KindDataUnavailable
	// KindInvalidData marks non-finite prices, negative volumes, malformed bars.
	KindInvalidData
	// KindRiskLimitExceeded is raised only by callers that promote a risk
	// breach to a fatal condition; RiskManager itself never returns this.
	KindRiskLimitExceeded
	// KindOptimizationFailure marks an optimizer that could not make progress.
	KindOptimizationFailure
	// KindCancelled marks a run cancelled between days.
	KindCancelled
	// KindInternal marks an invariant violation.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotInitialized:
		return "not_initialized"
	case KindDataUnavailable:
		return "data_unavailable"
	case KindInvalidData:
		return "invalid_data"
	case KindRiskLimitExceeded:
		return "risk_limit_exceeded"
	case KindOptimizationFailure:
		return "optimization_failure"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the single error type crossing component boundaries in this
// module. Components never panic across their own boundary; a recovered
// panic is wrapped here as KindInternal.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so errors.Is(err, &Error{Kind: KindCancelled}) works
// without comparing Component or Message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs an *Error with no wrapped cause.
func NewError(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// WrapError constructs an *Error of the given kind wrapping cause; when
// cause is itself an *Error, its Kind is not inherited.
func WrapError(kind Kind, component, message string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
