package domain

import "net/http"

// ErrorKind names a gateway failure class. Each kind maps to exactly one
// HTTP status and is rendered verbatim in the error response body, where
// clients key on it.
type ErrorKind string

const (
	KindAuthError         ErrorKind = "AuthError"
	KindCreditsError      ErrorKind = "CreditsError"
	KindMonthlyLimitError ErrorKind = "MonthlyLimitError"
	KindUserLimitError    ErrorKind = "UserLimitError"
	KindModelError        ErrorKind = "ModelError"
	KindRateLimitError    ErrorKind = "RateLimitError"
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Status returns the HTTP status for this error kind. Auth, credits, limit
// and model errors all surface as 401 so clients treat them as
// non-retryable account problems.
func (e *Error) Status() int {
	if e.Kind == KindRateLimitError {
		return http.StatusTooManyRequests
	}
	return http.StatusUnauthorized
}

func AuthError(msg string) *Error         { return &Error{Kind: KindAuthError, Message: msg} }
func CreditsError(msg string) *Error      { return &Error{Kind: KindCreditsError, Message: msg} }
func MonthlyLimitError(msg string) *Error { return &Error{Kind: KindMonthlyLimitError, Message: msg} }
func UserLimitError(msg string) *Error    { return &Error{Kind: KindUserLimitError, Message: msg} }
func ModelError(msg string) *Error        { return &Error{Kind: KindModelError, Message: msg} }
func RateLimitError(msg string) *Error    { return &Error{Kind: KindRateLimitError, Message: msg} }
