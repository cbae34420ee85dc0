package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies failures so the pipeline engine and the API can
// decide between retrying, aborting and reporting.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransientIO
	KindPermanentIO
	KindBadRecord
	KindCorruptArtifact
	KindValidation
	KindBadRequest
	KindModelNotLoaded
)

var kindNames = map[ErrorKind]string{
	KindUnknown:         "unknown",
	KindTransientIO:     "transient_io",
	KindPermanentIO:     "permanent_io",
	KindBadRecord:       "bad_record",
	KindCorruptArtifact: "corrupt_artifact",
	KindValidation:      "validation",
	KindBadRequest:      "bad_request",
	KindModelNotLoaded:  "model_not_loaded",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrTransientIO)
// holds for any transient error regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrTransientIO     = &Error{Kind: KindTransientIO}
	ErrPermanentIO     = &Error{Kind: KindPermanentIO}
	ErrBadRecord       = &Error{Kind: KindBadRecord}
	ErrCorruptArtifact = &Error{Kind: KindCorruptArtifact}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrBadRequest      = &Error{Kind: KindBadRequest}
	ErrModelNotLoaded  = &Error{Kind: KindModelNotLoaded}
)

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) error { return newError(KindTransientIO, op, err) }

// Permanent marks err as an I/O failure that retrying will not fix.
func Permanent(op string, err error) error { return newError(KindPermanentIO, op, err) }

// BadRecord marks a single input record as unusable.
func BadRecord(op string, err error) error { return newError(KindBadRecord, op, err) }

// Corrupt marks an unreadable checkpoint or artifact.
func Corrupt(op string, err error) error { return newError(KindCorruptArtifact, op, err) }

// Invalid reports an illegal parameter.
func Invalid(op, format string, args ...interface{}) error {
	return newError(KindValidation, op, fmt.Errorf(format, args...))
}

// BadRequestf reports a malformed serving request.
func BadRequestf(op, format string, args ...interface{}) error {
	return newError(KindBadRequest, op, fmt.Errorf(format, args...))
}

// ModelNotLoaded reports a prediction against an ion mode with no model.
func ModelNotLoaded(op string, mode IonMode) error {
	return newError(KindModelNotLoaded, op, fmt.Errorf("no model loaded for ion mode %q", mode))
}

// KindOf classifies err. Unclassified errors are inspected for well-known
// causes before falling back to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return KindPermanentIO
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransientIO
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransientIO
	}
	return KindUnknown
}

// IsRetryable reports whether a task failing with err may be attempted again.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTransientIO, KindUnknown:
		return true
	default:
		return false
	}
}
