package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRecord       = errors.New("invalid_entitlement_record")
	ErrMissingField        = errors.New("missing_field")
	ErrUnknownField        = errors.New("unknown_field")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrUserMismatch        = errors.New("user_mismatch")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidEventType    = errors.New("invalid_event_type")
	ErrInvalidSession      = errors.New("invalid_session")
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrDuplicateField      = errors.New("duplicate_field")

	// ErrEventAlreadyProcessed and ErrStaleEvent mark billing deliveries that
	// were acknowledged without changing state.
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrStaleEvent            = errors.New("stale_event")
)

// ValidationError reports why a value could not become a Record.
type ValidationError struct {
	Field   string
	Code    string
	Message string
	cause   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Code, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrInvalidRecord}
	}
	return []error{ErrInvalidRecord, e.cause}
}

func NewValidationError(field string, cause error, message string) *ValidationError {
	code := ErrInvalidRecord.Error()
	if cause != nil {
		code = cause.Error()
	}
	return &ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// FetchError is returned when the source of record could not supply an
// entitlement. It is never cached.
type FetchError struct {
	UserID string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch entitlement for %q: %v", e.UserID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
