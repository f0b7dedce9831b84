package protocol

import (
	"errors"
	"fmt"
)

// Code is the symbolic kind of an Error.
type Code string

// Error codes.
const (
	ParseError           Code = "ParseError"
	InvalidRequest       Code = "InvalidRequest"
	InvalidParams        Code = "InvalidParams"
	MethodNotFound       Code = "MethodNotFound"
	PathTraversalError   Code = "PathTraversalError"
	PolicyViolation      Code = "PolicyViolation"
	SizeLimitExceeded    Code = "SizeLimitExceeded"
	CommandNotAllowed    Code = "CommandNotAllowed"
	ConfirmationRequired Code = "ConfirmationRequired"
	NotFound             Code = "NotFound"
	Conflict             Code = "Conflict"
	SpawnError           Code = "SpawnError"
	TimedOut             Code = "TimedOut"
	InternalError        Code = "InternalError"
	PolicyConfigError    Code = "PolicyConfigError"
)

// Error is the wire error object. It also satisfies the error interface so
// handlers can return it directly.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewError builds an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// WithData sets one data field and returns e.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// Recoverable reports whether resubmitting the same request can succeed.
func (e *Error) Recoverable() bool {
	return e.Code == ConfirmationRequired
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
