package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var (
	// ErrUnauthenticated indicates a request arrived without a verified identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotMember indicates the requester is not an authorised member of the room.
	ErrNotMember = errors.New("not a member of this room")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates a referenced room, message or identity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDelivery indicates a push to one recipient failed.
	ErrDelivery = errors.New("delivery failed")
	// ErrForbidden indicates the requester may not act on the target.
	ErrForbidden = errors.New("forbidden")
	// ErrUnsupportedOperation indicates the operation does not apply to the room kind.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Error codes reported in message-error events.
const (
	ErrorCodeUnauthenticated = "unauthenticated"
	ErrorCodeNotMember       = "not_member"
	ErrorCodeValidation      = "validation_error"
	ErrorCodeNotFound        = "not_found"
	ErrorCodeDelivery        = "delivery_failed"
	ErrorCodeForbidden       = "forbidden"
	ErrorCodeUnsupported     = "unsupported_operation"
	ErrorCodeInternal        = "internal_error"
)

// ErrorCode classifies err into a stable code for clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return ErrorCodeUnauthenticated
	case errors.Is(err, ErrNotMember):
		return ErrorCodeNotMember
	case errors.Is(err, ErrValidation):
		return ErrorCodeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrDelivery):
		return ErrorCodeDelivery
	case errors.Is(err, ErrForbidden):
		return ErrorCodeForbidden
	case errors.Is(err, ErrUnsupportedOperation):
		return ErrorCodeUnsupported
	default:
		return ErrorCodeInternal
	}
}

// IsClientError reports whether err belongs to the taxonomy rather than an internal fault.
func IsClientError(err error) bool {
	code := ErrorCode(err)
	return code != "" && code != ErrorCodeInternal
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %s", ErrValidation, validationErrs.Error())
	}
	return fmt.Errorf("%w: %s", ErrValidation, err.Error())
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}
