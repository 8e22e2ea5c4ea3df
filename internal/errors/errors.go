package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized            ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden               ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken            ErrorCode = "INVALID_TOKEN"
	ErrCodeSettlementNotAuthorized ErrorCode = "SETTLEMENT_NOT_AUTHORIZED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeChannelNotFound ErrorCode = "CHANNEL_NOT_FOUND"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeClosureNotFound ErrorCode = "CLOSURE_REQUEST_NOT_FOUND"
	ErrCodeConflict        ErrorCode = "CONFLICT"

	// Channel lifecycle
	ErrCodeChannelNotActive      ErrorCode = "CHANNEL_NOT_ACTIVE"
	ErrCodeChannelAlreadyClosing ErrorCode = "CHANNEL_ALREADY_CLOSING"
	ErrCodeChannelAlreadyClosed  ErrorCode = "CHANNEL_ALREADY_CLOSED"
	ErrCodeChannelNotExpired     ErrorCode = "CHANNEL_NOT_EXPIRED"
	ErrCodeChannelNotConfirmed   ErrorCode = "CHANNEL_NOT_CONFIRMED"
	ErrCodeClosureRequestPending ErrorCode = "CLOSURE_REQUEST_PENDING"
	ErrCodeClosureRequestNotOpen ErrorCode = "CLOSURE_REQUEST_NOT_PENDING"
	ErrCodeSettlementUnconfirmed ErrorCode = "SETTLEMENT_UNCONFIRMED"

	// Work sessions
	ErrCodeSessionAlreadyOpen ErrorCode = "SESSION_ALREADY_OPEN"
	ErrCodeSessionNotOpen     ErrorCode = "SESSION_NOT_OPEN"
	ErrCodeInsufficientEscrow ErrorCode = "INSUFFICIENT_ESCROW"
	ErrCodeDailyLimitExceeded ErrorCode = "DAILY_LIMIT_EXCEEDED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase           ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal           ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeLedgerUnavailable  ErrorCode = "LEDGER_UNAVAILABLE"
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
)

// Category tells the caller what to do about an error.
type Category string

const (
	CategoryRetry          Category = "retry"
	CategoryNotAllowed     Category = "not_allowed"
	CategoryContactSupport Category = "contact_support"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches AppErrors by code so callers can compare against constructor results.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Category classifies the error for the caller.
func (e *AppError) Category() Category {
	switch e.Code {
	case ErrCodeLedgerUnavailable, ErrCodeExternal, ErrCodeDatabase,
		ErrCodeRateLimitExceeded, ErrCodeSettlementUnconfirmed:
		return CategoryRetry
	case ErrCodeInvariantViolation, ErrCodeInternal:
		return CategoryContactSupport
	default:
		return CategoryNotAllowed
	}
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func ChannelNotFound() *AppError {
	return New(ErrCodeChannelNotFound, "Channel not found")
}

func SessionNotFound() *AppError {
	return New(ErrCodeSessionNotFound, "Work session not found")
}

func ClosureRequestNotFound() *AppError {
	return New(ErrCodeClosureNotFound, "Closure request not found")
}

func ChannelNotActive() *AppError {
	return New(ErrCodeChannelNotActive, "Channel is not active")
}

func ChannelAlreadyClosing() *AppError {
	return New(ErrCodeChannelAlreadyClosing, "Channel is already closing")
}

func ChannelAlreadyClosed() *AppError {
	return New(ErrCodeChannelAlreadyClosed, "Channel is already closed")
}

func ChannelNotExpired() *AppError {
	return New(ErrCodeChannelNotExpired, "Channel has not expired")
}

func ChannelNotConfirmed() *AppError {
	return New(ErrCodeChannelNotConfirmed, "Channel could not be confirmed on the ledger")
}

func ClosureRequestPending() *AppError {
	return New(ErrCodeClosureRequestPending, "A closure request is already pending for this channel")
}

func ClosureRequestNotPending() *AppError {
	return New(ErrCodeClosureRequestNotOpen, "Closure request is not pending")
}

func SettlementNotAuthorized() *AppError {
	return New(ErrCodeSettlementNotAuthorized, "Caller cannot sign a settlement for this channel")
}

func SettlementUnconfirmed() *AppError {
	return New(ErrCodeSettlementUnconfirmed, "Settlement submitted but not yet confirmed")
}

func SettlementSuperseded() *AppError {
	return New(ErrCodeConflict, "Settlement was superseded by a newer submission")
}

func SessionAlreadyOpen() *AppError {
	return New(ErrCodeSessionAlreadyOpen, "A work session is already open for this channel")
}

func SessionNotOpen() *AppError {
	return New(ErrCodeSessionNotOpen, "Work session is not open")
}

func InsufficientEscrow() *AppError {
	return New(ErrCodeInsufficientEscrow, "Remaining escrow is below one hour of pay")
}

func DailyLimitExceeded() *AppError {
	return New(ErrCodeDailyLimitExceeded, "Daily work hour limit reached, another session would exceed it")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

func LedgerUnavailable(cause error) *AppError {
	return Wrap(ErrCodeLedgerUnavailable, "Ledger gateway unavailable", cause)
}

func InvariantViolation(message string) *AppError {
	return New(ErrCodeInvariantViolation, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// CategoryOf classifies any error; non-AppErrors are treated as internal.
func CategoryOf(err error) Category {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Category()
	}
	return CategoryContactSupport
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
