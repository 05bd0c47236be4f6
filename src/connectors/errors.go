package connectors

import (
	"errors"
	"fmt"
)

// ErrorKind splits exchange failures into the two classes the executor
// cares about: transient errors are retried with backoff, permanent errors
// are surfaced immediately.
type ErrorKind int

const (
	ErrTransient ErrorKind = iota
	ErrPermanent
)

// ExchangeError is the normalized failure type every adapter returns.
type ExchangeError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	kind := "transient"
	if e.Kind == ErrPermanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("exchange %s error [%s]: %s: %v", kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("exchange %s error [%s]: %s", kind, e.Code, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func Transient(code, message string, err error) *ExchangeError {
	return &ExchangeError{Kind: ErrTransient, Code: code, Message: message, Err: err}
}

func Permanent(code, message string, err error) *ExchangeError {
	return &ExchangeError{Kind: ErrPermanent, Code: code, Message: message, Err: err}
}

// IsTransient reports whether the error should be retried. Unclassified
// errors (network-level failures before any exchange response) are treated
// as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe.Kind == ErrTransient
	}
	return true
}

// IsPermanent reports whether the error must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe.Kind == ErrPermanent
	}
	return false
}

// classifyHTTP maps an HTTP status to an error kind: rate limits, timeouts
// and server errors are retryable; auth and validation failures are not.
func classifyHTTP(status int) ErrorKind {
	switch {
	case status == 429, status == 408, status >= 500:
		return ErrTransient
	}
	return ErrPermanent
}

// Well-known normalized codes used by adapters.
const (
	CodeRateLimited     = "rate_limited"
	CodeTimeout         = "timeout"
	CodeServerError     = "server_error"
	CodeAuthFailed      = "auth_failed"
	CodeInvalidOrder    = "invalid_order"
	CodeInsufficient    = "insufficient_balance"
	CodeOrderNotFound   = "order_not_found"
	CodeSymbolNotFound  = "symbol_not_found"
	CodeConnectionLost  = "connection_lost"
)
