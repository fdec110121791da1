// AngelaMos | 2026
// errors.go

package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodePayment         = "PAYMENT_ERROR"
	CodeRetryable       = "RETRYABLE"
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeTokenInvalid    = "TOKEN_INVALID"
	CodeInternal        = "INTERNAL_ERROR"
	CodeConflict        = "CONFLICT"
	CodeRequestTooLarge = "REQUEST_TOO_LARGE"
	CodeRateLimited     = "RATE_LIMITED"
)

// AppError is an error that carries its own HTTP rendering.
type AppError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: status,
		Err:        err,
	}
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func UnauthorizedError(message string) *AppError {
	return NewAppError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func ForbiddenError(message string) *AppError {
	return NewAppError(CodeForbidden, message, http.StatusForbidden, nil)
}

func TokenExpiredError() *AppError {
	return NewAppError(
		CodeTokenExpired,
		"token has expired, please sign in again",
		http.StatusUnauthorized,
		nil,
	)
}

func TokenInvalidError() *AppError {
	return NewAppError(
		CodeTokenInvalid,
		"invalid authentication token",
		http.StatusUnauthorized,
		nil,
	)
}

func QuotaExceededError(message string) *AppError {
	return NewAppError(
		CodeQuotaExceeded,
		message,
		http.StatusPaymentRequired,
		nil,
	)
}

func RetryableError(message string, err error) *AppError {
	return NewAppError(
		CodeRetryable,
		message,
		http.StatusServiceUnavailable,
		err,
	)
}

func PaymentError(message string, err error) *AppError {
	return NewAppError(CodePayment, message, http.StatusPaymentRequired, err)
}
