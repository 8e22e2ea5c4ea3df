package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/wagechannel/channel-server-go/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error    string              `json:"error"`
	Code     apperrors.ErrorCode `json:"code"`
	Category apperrors.Category  `json:"category"`
	Details  any                 `json:"details,omitempty"`
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Msg("unexpected error")
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	if appErr.Code == apperrors.ErrCodeInvariantViolation || appErr.Code == apperrors.ErrCodeDatabase {
		log.Error().Err(appErr).Msg("request failed")
	}

	WriteErrorWithStatus(w, StatusFromCode(appErr.Code), appErr)
}

// WriteErrorWithStatus writes an error with a specific HTTP status code
func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	response := ErrorResponse{
		Error:    err.Message,
		Code:     err.Code,
		Category: err.Category(),
		Details:  err.Details,
	}
	WriteJSON(w, status, response)
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeMissingRequired:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeInvalidToken:
		return http.StatusUnauthorized

	// 403 Forbidden
	case apperrors.ErrCodeForbidden,
		apperrors.ErrCodeSettlementNotAuthorized:
		return http.StatusForbidden

	// 404 Not Found
	case apperrors.ErrCodeNotFound,
		apperrors.ErrCodeChannelNotFound,
		apperrors.ErrCodeSessionNotFound,
		apperrors.ErrCodeClosureNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeChannelNotActive,
		apperrors.ErrCodeChannelAlreadyClosing,
		apperrors.ErrCodeChannelAlreadyClosed,
		apperrors.ErrCodeChannelNotExpired,
		apperrors.ErrCodeClosureRequestPending,
		apperrors.ErrCodeClosureRequestNotOpen,
		apperrors.ErrCodeSessionAlreadyOpen,
		apperrors.ErrCodeSessionNotOpen,
		apperrors.ErrCodeSettlementUnconfirmed:
		return http.StatusConflict

	// 422 Unprocessable Entity
	case apperrors.ErrCodeInsufficientEscrow,
		apperrors.ErrCodeDailyLimitExceeded,
		apperrors.ErrCodeChannelNotConfirmed:
		return http.StatusUnprocessableEntity

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	// 502 Bad Gateway
	case apperrors.ErrCodeExternal:
		return http.StatusBadGateway

	// 503 Service Unavailable
	case apperrors.ErrCodeLedgerUnavailable:
		return http.StatusServiceUnavailable

	// 500 Internal Server Error
	case apperrors.ErrCodeInternal,
		apperrors.ErrCodeDatabase,
		apperrors.ErrCodeInvariantViolation:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
