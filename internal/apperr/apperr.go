// Package apperr provides unified error handling with structured error codes.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error by the subsystem and failure mode.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Device errors: camera cannot be opened or a read returns nothing.
	CodeDeviceOpen Code = "DEVICE_OPEN"
	CodeDeviceRead Code = "DEVICE_READ"

	// Recognition errors: worker process failure or protocol violation.
	CodeWorkerSpawn   Code = "WORKER_SPAWN"
	CodeWorkerCrashed Code = "WORKER_CRASHED"
	CodeWorkerTimeout Code = "WORKER_TIMEOUT"

	// Vision collaborator errors.
	CodeVisionAPI   Code = "VISION_API"
	CodeVisionParse Code = "VISION_PARSE"

	// Session store errors.
	CodeStoreBusy  Code = "STORE_BUSY"
	CodeStoreWrite Code = "STORE_WRITE"
	CodeStoreRead  Code = "STORE_READ"

	// Image handling.
	CodeImageDecode Code = "IMAGE_DECODE"
	CodeImageEncode Code = "IMAGE_ENCODE"

	CodeConfig Code = "CONFIG"
)

// AppError is the base error type with a structured code.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		s += fmt.Sprintf(": %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// CodeOf extracts the code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeWorkerCrashed, CodeWorkerTimeout, CodeStoreBusy:
		return true
	default:
		return false
	}
}
