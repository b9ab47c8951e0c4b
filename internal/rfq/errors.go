package rfq

import (
	"errors"
	"fmt"
)

// Kind categorizes engine failures. Callers match on Kind via errors.As;
// transports map kinds to status codes.
type Kind string

const (
	KindInvalidTransition       Kind = "INVALID_TRANSITION"
	KindGuardRejected           Kind = "GUARD_REJECTED"
	KindRuleViolation           Kind = "RULE_VIOLATION"
	KindConcurrencyConflict     Kind = "CONCURRENCY_CONFLICT"
	KindAuctionNotActive        Kind = "AUCTION_NOT_ACTIVE"
	KindExtensionLimitReached   Kind = "EXTENSION_LIMIT_REACHED"
	KindCollaboratorUnavailable Kind = "COLLABORATOR_UNAVAILABLE"
	KindRevisionNotAllowed      Kind = "REVISION_NOT_ALLOWED"
	KindInsufficientImprovement Kind = "INSUFFICIENT_IMPROVEMENT"
	KindNotFound                Kind = "NOT_FOUND"
)

// Error is the typed failure returned by every engine operation.
// The message explains why without leaking other participants' bid data.
type Error struct {
	Kind      Kind
	Message   string
	Guard     string // failing guard name, for GUARD_REJECTED
	RuleID    string // failing rule, for RULE_VIOLATION
	Retryable bool
	Err       error // wrapped cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Guard != "":
		return fmt.Sprintf("%s: %s (guard=%s)", e.Kind, e.Message, e.Guard)
	case e.RuleID != "":
		return fmt.Sprintf("%s: %s (rule=%s)", e.Kind, e.Message, e.RuleID)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func ErrInvalidTransition(from State, verb Verb) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("verb %s not permitted from state %s", verb, from),
	}
}

func ErrGuardRejected(guard, reason string) *Error {
	return &Error{
		Kind:    KindGuardRejected,
		Message: reason,
		Guard:   guard,
	}
}

func ErrRuleViolation(ruleID, reason string) *Error {
	return &Error{
		Kind:    KindRuleViolation,
		Message: reason,
		RuleID:  ruleID,
	}
}

func ErrConcurrencyConflict(attempts int) *Error {
	return &Error{
		Kind:      KindConcurrencyConflict,
		Message:   fmt.Sprintf("lost the commit race %d times, retry against fresh state", attempts),
		Retryable: true,
	}
}

func ErrAuctionNotActive(reason string) *Error {
	return &Error{
		Kind:    KindAuctionNotActive,
		Message: reason,
	}
}

func ErrRevisionNotAllowed(participantID string) *Error {
	return &Error{
		Kind:    KindRevisionNotAllowed,
		Message: fmt.Sprintf("participant %s already submitted and revision is disabled", participantID),
	}
}

func ErrInsufficientImprovement(reason string) *Error {
	return &Error{
		Kind:    KindInsufficientImprovement,
		Message: reason,
	}
}

func ErrCollaboratorUnavailable(name string, err error) *Error {
	return &Error{
		Kind:      KindCollaboratorUnavailable,
		Message:   fmt.Sprintf("collaborator %s unavailable", name),
		Retryable: true,
		Err:       err,
	}
}

func ErrNotFound(what string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", what),
	}
}
