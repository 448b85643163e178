package engine

import (
	"errors"
	"fmt"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/lifecycle"
)

var (
	// ErrInvalidRequest wraps bad arguments to operations other than transitions.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict wraps requests the current record state does not allow.
	ErrConflict = errors.New("conflict")
)

// Kind classifies why a transition did not commit.
type Kind string

const (
	KindIllegalTransition      Kind = "illegal_transition"
	KindUnauthorized           Kind = "unauthorized"
	KindMissingField           Kind = "missing_field"
	KindInvalidField           Kind = "invalid_field"
	KindGuardFailed            Kind = "guard_failed"
	KindConcurrentModification Kind = "concurrent_modification"
	KindPersistenceFailure     Kind = "persistence_failure"
)

// TransitionError is returned for every rejected or failed transition. No
// state has changed when it is returned.
type TransitionError struct {
	Kind     Kind
	ReportID int64
	From     domain.Status
	To       domain.Status
	Field    lifecycle.Field
	Reason   string
	Err      error
}

func (e *TransitionError) Error() string {
	var msg string
	switch e.Kind {
	case KindIllegalTransition:
		msg = fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
	case KindUnauthorized:
		msg = fmt.Sprintf("not authorized for %s -> %s", e.From, e.To)
	case KindMissingField:
		msg = fmt.Sprintf("%s is required for %s", e.Field, e.To)
	case KindInvalidField:
		msg = fmt.Sprintf("invalid %s", e.Field)
	case KindGuardFailed:
		msg = fmt.Sprintf("cannot move to %s", e.To)
	case KindConcurrentModification:
		msg = fmt.Sprintf("report %d was modified concurrently", e.ReportID)
	case KindPersistenceFailure:
		msg = "persistence failure"
	default:
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Kind == KindPersistenceFailure {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same request unchanged.
func (e *TransitionError) Retryable() bool {
	return e.Kind == KindConcurrentModification || e.Kind == KindPersistenceFailure
}

// KindOf returns the transition error kind of err, or "" if err is not one.
func KindOf(err error) Kind {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func storageError(rep domain.Report, to domain.Status, err error) *TransitionError {
	kind := KindPersistenceFailure
	if db.IsBusy(err) {
		kind = KindConcurrentModification
	}
	return &TransitionError{Kind: kind, ReportID: rep.ID, From: rep.Status, To: to, Err: err}
}
