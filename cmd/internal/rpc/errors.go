package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("rpc timeout")

	// ErrClosed is returned when the client or bus has been shut down.
	ErrClosed = errors.New("rpc closed")

	// ErrNoHandler is reported (as a RemoteError with CodeNoHandler) when a server
	// has no handler for the requested operation.
	ErrNoHandler = errors.New("rpc: no handler")
)

// Wire error codes shared by all services.
const (
	CodeInternal     = "internal"
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeNoHandler    = "no_handler"
)

// TimeoutError reports that no reply arrived before the call deadline.
type TimeoutError struct {
	Target    string
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s.%s: no reply after %s", e.Target, e.Operation, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteError is an explicit failure reported by the peer service.
type RemoteError struct {
	Target    string
	Operation string
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc %s.%s: remote error: %s", e.Target, e.Operation, e.Code)
	}
	return fmt.Sprintf("rpc %s.%s: remote error: %s: %s", e.Target, e.Operation, e.Code, e.Message)
}

// Error is returned by handlers to put a stable code on the wire.
type Error struct {
	Code    string
	Message string
}

func (e Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// RPCCode implements Coder.
func (e Error) RPCCode() string { return e.Code }

// Coder lets domain errors choose their wire code without importing rpc types.
type Coder interface {
	RPCCode() string
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) error {
	return Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a RemoteError carrying code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// codeOf maps a handler error to its wire code and message.
// Errors without a code are reported as internal without leaking their text.
func codeOf(err error) (string, string) {
	var e Error
	if errors.As(err, &e) {
		if e.Code == "" {
			return CodeInternal, e.Message
		}
		return e.Code, e.Message
	}
	var c Coder
	if errors.As(err, &c) && c.RPCCode() != "" {
		return c.RPCCode(), err.Error()
	}
	return CodeInternal, "internal error"
}
