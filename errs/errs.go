package errs

import (
	"errors"
	"fmt"
)

// Configuration errors are rejected eagerly at setup and admin calls.
var (
	ErrInvalidParam      = errors.New("invalid parameter")
	ErrPriceFeedMismatch = errors.New("price feed precision mismatch")
)

// Precondition failures signal that there is no work to do right now.
var (
	ErrRefillNotNeeded     = errors.New("refill not needed")
	ErrActionNoLongerValid = errors.New("action no longer valid")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyRegistered   = errors.New("already registered")
)

// Collaborator failures are propagated without retry.
var (
	ErrSwapBelowMinimum = errors.New("swap output below minimum")
	ErrCollaborator     = errors.New("collaborator failure")
)

var ErrUnauthorized = errors.New("caller is not the owner")

// ParamError names the field that failed validation.
type ParamError struct {
	Field string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter: %s", e.Field)
}

func (e *ParamError) Is(target error) bool {
	return target == ErrInvalidParam
}

// InvalidParam returns an error matching ErrInvalidParam that carries field.
func InvalidParam(field string) error {
	return &ParamError{Field: field}
}

// Field returns the rejected field name of an InvalidParam error.
func Field(err error) (string, bool) {
	var pe *ParamError
	if errors.As(err, &pe) {
		return pe.Field, true
	}
	return "", false
}

// Collaborator wraps a failure returned by an external collaborator so it can
// be classified while keeping the original error reachable.
func Collaborator(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSwapBelowMinimum) || errors.Is(err, ErrCollaborator) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaborator, name, err)
}

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindPrecondition
	KindCollaborator
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindPrecondition:
		return "precondition"
	case KindCollaborator:
		return "collaborator"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrInvalidParam), errors.Is(err, ErrPriceFeedMismatch):
		return KindConfiguration
	case errors.Is(err, ErrActionNoLongerValid), errors.Is(err, ErrRefillNotNeeded),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyRegistered):
		return KindPrecondition
	case errors.Is(err, ErrSwapBelowMinimum), errors.Is(err, ErrCollaborator):
		return KindCollaborator
	default:
		return KindUnknown
	}
}
