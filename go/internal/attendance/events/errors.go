package events

import "fmt"

// ErrorCode classifies request failures on the wire.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "validation"
	CodePermissionDenied ErrorCode = "permission_denied"
	CodeNotFound         ErrorCode = "not_found"
	CodeNotJoined        ErrorCode = "not_joined"
	CodeIdentityMismatch ErrorCode = "identity_mismatch"
	CodeUnauthenticated  ErrorCode = "unauthenticated"
	CodeInternal         ErrorCode = "internal"
)

// Error is a request failure reported to the issuing call site. It is never
// broadcast.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code so callers can compare against a template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a wire error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Templates for errors.Is checks.
var (
	ErrValidation       = &Error{Code: CodeValidation}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrNotJoined        = &Error{Code: CodeNotJoined}
)
