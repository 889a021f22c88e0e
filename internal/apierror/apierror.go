package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrConflict      ErrorCode = "CONFLICT"
	ErrBadRequest    ErrorCode = "BAD_REQUEST"
	ErrValidation    ErrorCode = "VALIDATION"
	ErrBusinessRule  ErrorCode = "BUSINESS_RULE"
	ErrSystem        ErrorCode = "SYSTEM"
	ErrDataIntegrity ErrorCode = "DATA_INTEGRITY"
	ErrProcessing    ErrorCode = "PROCESSING"
)

// Business-rule reasons carried inside a BUSINESS_RULE or CONFLICT error.
// They end up in the FAILED ledger record's error_code column.
const (
	ReasonNoEligibleRule         = "NoEligibleRule"
	ReasonTargetUnavailable      = "TargetUnavailable"
	ReasonCapacityExhausted      = "CapacityExhausted"
	ReasonConcurrentModification = "ConcurrentModification"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s: %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewBusinessError builds a BUSINESS_RULE error with a machine-readable
// reason. These are recorded in the ledger for audit, not retried.
func NewBusinessError(reason, message string) APIError {
	return APIError{
		Code:    ErrBusinessRule,
		Reason:  reason,
		Message: message,
	}
}

// NewConflictError marks a concurrent-modification loss. The caller observed
// another writer's outcome and must not retry blindly.
func NewConflictError(message string) APIError {
	return APIError{
		Code:    ErrConflict,
		Reason:  ReasonConcurrentModification,
		Message: message,
	}
}

// CodeOf extracts the taxonomy code from err, defaulting to SYSTEM for
// errors that did not come from this package.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrSystem
}

// ReasonOf extracts the business reason from err, or an empty string.
func ReasonOf(err error) string {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// Retryable reports whether the orchestrator should retry the failure.
// Only SYSTEM errors are transient; everything else is deterministic.
func Retryable(err error) bool {
	return CodeOf(err) == ErrSystem
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrValidation, ErrBadRequest:
			return http.StatusBadRequest
		case ErrBusinessRule:
			return http.StatusUnprocessableEntity
		case ErrDataIntegrity, ErrSystem, ErrProcessing:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
