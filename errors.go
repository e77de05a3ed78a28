package coderunner

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a client-visible failure. Codes are stable wire
// values carried in error frames and HTTP error bodies.
type ErrorCode string

const (
	// Input errors — rejected before any resource is acquired.
	CodeInputTooLarge       ErrorCode = "INPUT_TOO_LARGE"
	CodeLanguageUnsupported ErrorCode = "LANGUAGE_UNSUPPORTED"
	CodeInputInvalid        ErrorCode = "INPUT_INVALID"

	// Admission errors — transient, the client may retry.
	CodeQueueFull    ErrorCode = "QUEUE_FULL"
	CodeQueueTimeout ErrorCode = "QUEUE_TIMEOUT"
	CodeCapacity     ErrorCode = "CAPACITY"

	// Per-session container cap reached and nothing freed in time.
	CodeContainerCapacity ErrorCode = "CONTAINER_CAPACITY"

	// Container runtime unreachable or image missing. Retry with backoff.
	CodeRuntimeUnavailable ErrorCode = "RUNTIME_UNAVAILABLE"

	// Startup validation failure.
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Anything not classified above.
	CodeInternal ErrorCode = "INTERNAL"
)

// Error is a classified, client-visible failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// E builds a classified error with a formatted message.
func E(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err's chain. Unclassified errors
// report CodeInternal; nil reports "".
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsRetriable reports whether the client may usefully retry the request
// later without changing it.
func IsRetriable(err error) bool {
	switch CodeOf(err) {
	case CodeQueueFull, CodeQueueTimeout, CodeRuntimeUnavailable, CodeContainerCapacity:
		return true
	default:
		return false
	}
}
