// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories matching the engine's failure
// taxonomy:
//   - General errors (1-99)
//   - Validation errors (100-199): rejected immediately, never retried
//   - Data/Resource errors (200-299): missing symbols, rules, or records
//   - Transient errors (300-399): network/API failures, retried with backoff
//   - Exchange-state ambiguity (400-499): unknown order state after timeout,
//     resolved by an explicit fallback path
//   - Trading errors (500-599): order execution and position management
//   - Systemic errors (600-699): emergency conditions that trip the global stop
//   - Feed errors (700-799): streaming connection and subscription failures
//
// Usage:
//
//	err := errors.New(errors.ErrCodeInvalidParameter, "quantity must be positive")
//	err := errors.Wrap(errors.ErrCodeTransient, "balance fetch failed", cause)
//	if errors.HasCode(err, errors.ErrCodeFillTimeout) { ... }
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of failure.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidOrder         ErrorCode = 102
	ErrCodeInvalidStopLoss      ErrorCode = 103
	ErrCodeInvalidTakeProfit    ErrorCode = 104
	ErrCodeNotionalTooSmall     ErrorCode = 105
	ErrCodeInsufficientBalance  ErrorCode = 106

	// Data/Resource errors (200-299)
	ErrCodeDataNotFound      ErrorCode = 200
	ErrCodeSymbolRulesNotSet ErrorCode = 201

	// Transient errors (300-399)
	ErrCodeTransient      ErrorCode = 300
	ErrCodeRateLimited    ErrorCode = 301
	ErrCodeRetryExhausted ErrorCode = 302

	// Exchange-state ambiguity (400-499)
	ErrCodeOrderStateUnknown ErrorCode = 400
	ErrCodeFillTimeout       ErrorCode = 401

	// Trading errors (500-599)
	ErrCodeOrderFailed       ErrorCode = 500
	ErrCodeOrderRejected     ErrorCode = 501
	ErrCodePositionNotFound  ErrorCode = 502
	ErrCodeSlippageExceeded  ErrorCode = 503
	ErrCodeProtectionFailed  ErrorCode = 504
	ErrCodeTradeActive       ErrorCode = 505
	ErrCodeTradeNotFound     ErrorCode = 506
	ErrCodeProtectionAnomaly ErrorCode = 507

	// Systemic errors (600-699)
	ErrCodeEmergencyStop        ErrorCode = 600
	ErrCodeRiskLimitReached     ErrorCode = 601
	ErrCodeDrawdownCeiling      ErrorCode = 602
	ErrCodeUntrackedPosition    ErrorCode = 603
	ErrCodeTradingBlocked       ErrorCode = 604

	// Feed errors (700-799)
	ErrCodeFeedDisconnected    ErrorCode = 700
	ErrCodeFeedSubscribeFailed ErrorCode = 701
	ErrCodeReconnectExhausted  ErrorCode = 702
)

// Error is a structured error carrying a code and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: nil}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: nil}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// GetCode extracts the ErrorCode from an error chain.
// Returns ErrCodeUnknown if no *Error is found in the chain.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks whether an error chain carries a specific ErrorCode.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsValidation reports whether the error is a validation failure (never retried).
func IsValidation(err error) bool {
	code := GetCode(err)

	return code >= 100 && code < 200
}

// IsTransient reports whether the error is a transient failure eligible for retry.
func IsTransient(err error) bool {
	code := GetCode(err)

	return code >= 300 && code < 400
}

// IsSystemic reports whether the error represents an emergency condition.
func IsSystemic(err error) bool {
	code := GetCode(err)

	return code >= 600 && code < 700
}
