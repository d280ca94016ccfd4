package api

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable failure kind. Codes are part of
// the tool contract; messages are free text.
type ErrorCode string

const (
	ProbeNotFound           ErrorCode = "ProbeNotFound"
	NotConnected            ErrorCode = "NotConnected"
	TargetAttachFailed      ErrorCode = "TargetAttachFailed"
	ProbeCommunicationError ErrorCode = "ProbeCommunicationError"
	InvalidAddress          ErrorCode = "InvalidAddress"
	BreakpointLimitExceeded ErrorCode = "BreakpointLimitExceeded"
	BreakpointNotFound      ErrorCode = "BreakpointNotFound"
	FlashVerifyMismatch     ErrorCode = "FlashVerifyMismatch"
	RttChannelNotFound      ErrorCode = "RttChannelNotFound"
	RttBufferFull           ErrorCode = "RttBufferFull"
	InvalidParameter        ErrorCode = "InvalidParameter"
)

// Error is a coded failure surfaced to tool callers.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, or empty if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
