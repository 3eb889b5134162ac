package credentials

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentialType = errors.New("invalid credential type")
	ErrInvalidEvent          = errors.New("invalid credential event")
	ErrInvalidObjectRef      = errors.New("exactly one of proposal id or reward application id must be set")
	ErrInvalidAddress        = errors.New("invalid wallet address")
	ErrUnsupportedChain      = errors.New("unsupported chain")
	ErrMissingSigner         = errors.New("missing signer")
	ErrMissingField          = errors.New("required field missing")
	ErrNotFound              = errors.New("not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
)

// ValidationError rejects a single operation before anything is persisted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid wraps err as a ValidationError on field.
func Invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
