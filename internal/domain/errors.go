package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrCartNotOpen          = errors.New("cart not open")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrPerUserLimitExceeded = errors.New("per-user limit exceeded")
	ErrInvalidVoucher       = errors.New("invalid voucher")
	ErrIllegalTransition    = errors.New("illegal state transition")
)

// ValidationError carries a user-facing rule violation. Kind, when set, is one
// of the sentinel errors above so callers can branch with errors.Is.
type ValidationError struct {
	Kind   error
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.Kind }

func Invalid(kind error, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
