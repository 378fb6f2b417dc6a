package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Media errors
	ErrCodeMediaAcquisition ErrorCode = "MEDIA_ACQUISITION_FAILED"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavail    ErrorCode = "DEVICE_UNAVAILABLE"

	// Negotiation errors
	ErrCodeNegotiation  ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeTransientICE ErrorCode = "TRANSIENT_ICE"

	// Signaling errors
	ErrCodeSignalingDelivery ErrorCode = "SIGNALING_DELIVERY_FAILED"
	ErrCodeNotConnected      ErrorCode = "NOT_CONNECTED"
	ErrCodeRoomFull          ErrorCode = "ROOM_FULL"
	ErrCodeJoinFailed        ErrorCode = "JOIN_ROOM_FAILED"

	// Connection errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"

	// Session errors
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallActive   ErrorCode = "CALL_ALREADY_ACTIVE"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error with code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping an underlying error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails attaches structured details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Is reports whether err carries the given error code
func Is(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Code == code
}

// transientCandidatePatterns are error fragments produced when an ICE
// candidate arrives before the remote description has been applied. These
// races are expected under network jitter and must not be treated as
// negotiation failures.
var transientCandidatePatterns = []string{
	"candidate does not belong to any SdpMline",
	"remote description is not set",
	"invalid remote description",
	"Error adding ICE candidate",
}

// IsTransientCandidateError reports whether the error is an expected
// candidate/description ordering race rather than a real failure
func IsTransientCandidateError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range transientCandidatePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
