// Package failure classifies pipeline errors so the worker can choose between
// retrying a job and abandoning it.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendant/simple-docworker/pkg/schema"
)

type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindRateLimited        Kind = "rate_limited"
	KindProcessing         Kind = "processing_error"
	KindGeneric            Kind = "generic"
	KindInvalid            Kind = "invalid"
)

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindNotFound, KindInvalid:
		return false
	}
	return true
}

// FailureType maps the kind onto the coarse classes carried in events.
func (k Kind) FailureType() schema.FailureType {
	switch k {
	case KindInvalid:
		return schema.FailureTypeValidation
	case KindNotFound:
		return schema.FailureTypePermanent
	}
	return schema.FailureTypeRetryable
}

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

func StorageUnavailable(err error, format string, args ...any) error {
	return newError(KindStorageUnavailable, err, format, args...)
}

func RateLimited(err error, format string, args ...any) error {
	return newError(KindRateLimited, err, format, args...)
}

func Processing(err error, format string, args ...any) error {
	return newError(KindProcessing, err, format, args...)
}

func Invalid(err error, format string, args ...any) error {
	return newError(KindInvalid, err, format, args...)
}

// Classify returns the kind of err. Only typed errors carry a specific kind;
// everything else, including cancellations, is Generic.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindGeneric
}

// Interrupted reports whether err came from a cancelled or expired context.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}
