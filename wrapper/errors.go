package wrapper

import "net/http"

// Error is the JSON error body written for a failed request.
type Error struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Reason  string       `json:"reason,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error *Error `json:"error"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is matches on Type and Code so copies made by With still compare equal to
// their sentinel.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithReason returns a copy of the error carrying a machine-readable reason,
// such as why a session was rejected.
func (e *Error) WithReason(reason string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Reason = reason
	return &dup
}

var (
	ErrBadRequest         = &Error{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrUnauthorized       = &Error{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrSessionInvalid     = &Error{Type: "auth_error", Code: "session_invalid", Message: "Session is not valid", Status: http.StatusUnauthorized}
	ErrForbidden          = &Error{Type: "auth_error", Code: "forbidden", Message: "Forbidden", Status: http.StatusForbidden}
	ErrIPBlocked          = &Error{Type: "security_error", Code: "ip_blocked", Message: "Too many failed attempts from this address", Status: http.StatusForbidden}
	ErrAccountLocked      = &Error{Type: "security_error", Code: "account_locked", Message: "Account temporarily locked", Status: http.StatusLocked}
	ErrCaptchaRequired    = &Error{Type: "security_error", Code: "captcha_required", Message: "Captcha verification required", Status: http.StatusPreconditionRequired}
	ErrValidation         = &Error{Type: "validation_error", Code: "invalid_request", Message: "Request validation failed", Status: http.StatusBadRequest}
	ErrPayloadTooLarge    = &Error{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrNotFound           = &Error{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrRateLimited        = &Error{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrInternal           = &Error{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &Error{Type: "request_error", Code: "service_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
)

// NewValidationError returns ErrValidation carrying the given field errors.
func NewValidationError(errs []FieldError) *Error {
	dup := *ErrValidation
	dup.Errors = errs
	return &dup
}
