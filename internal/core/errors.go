package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrorKind is the closed set of failure classifications the broker acts on.
type ErrorKind string

const (
	// KindTabGone indicates the caller context vanished (tenant closed).
	KindTabGone ErrorKind = "TAB_GONE"
	// KindAborted indicates the caller cancelled the operation.
	KindAborted ErrorKind = "ABORTED"
	// KindRateLimited indicates the upstream returned 429.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindServerError indicates a generic upstream 5xx.
	KindServerError ErrorKind = "SERVER_ERROR"
	// KindTransportDisconnected indicates the connection dropped mid-call.
	KindTransportDisconnected ErrorKind = "TRANSPORT_DISCONNECTED"
	// KindBackpressure indicates the upstream asked us to slow down (503).
	KindBackpressure ErrorKind = "BACKPRESSURE"
	// KindLeaseExpired indicates an in-flight lease lapsed under its owner.
	KindLeaseExpired ErrorKind = "LEASE_EXPIRED"
	// KindNoProgress indicates an attempt stalled without a terminal outcome.
	KindNoProgress ErrorKind = "NO_PROGRESS"
	// KindNetworkError indicates a generic network-level failure.
	KindNetworkError ErrorKind = "NETWORK_ERROR"
	// KindUnknown is the default for unrecognized failures. Not retryable:
	// an unknown failure is not assumed safe to repeat.
	KindUnknown ErrorKind = "UNKNOWN"
)

// BrokerError is the classified error type every retry decision is based on.
type BrokerError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	// RetryAfter is the server-suggested wait, when one was advertised.
	RetryAfter time.Duration
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface.
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewRateLimited creates a RATE_LIMITED error carrying the suggested wait.
func NewRateLimited(retryAfter time.Duration, message string) *BrokerError {
	return &BrokerError{
		Kind:       KindRateLimited,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewServerError creates a SERVER_ERROR for an upstream 5xx.
func NewServerError(statusCode int, message string) *BrokerError {
	return &BrokerError{
		Kind:       KindServerError,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  true,
	}
}

// NewBackpressure creates a BACKPRESSURE error honoring an explicit wait.
func NewBackpressure(retryAfter time.Duration, message string) *BrokerError {
	return &BrokerError{
		Kind:       KindBackpressure,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewAborted creates an ABORTED error for a cancelled caller.
func NewAborted(message string, err error) *BrokerError {
	return &BrokerError{Kind: KindAborted, Message: message, Err: err}
}

// NewTabGone creates a TAB_GONE error for a vanished tenant.
func NewTabGone(tenantKey string) *BrokerError {
	return &BrokerError{Kind: KindTabGone, Message: "tenant gone: " + tenantKey}
}

// NewLeaseExpired creates a LEASE_EXPIRED error, routed to the sweep path.
func NewLeaseExpired(requestID string) *BrokerError {
	return &BrokerError{
		Kind:      KindLeaseExpired,
		Message:   "lease expired for request " + requestID,
		Retryable: true,
	}
}

// NewNoProgress creates a NO_PROGRESS error, routed to the sweep path.
func NewNoProgress(message string) *BrokerError {
	return &BrokerError{Kind: KindNoProgress, Message: message, Retryable: true}
}

// NewTransportDisconnected creates a TRANSPORT_DISCONNECTED error.
func NewTransportDisconnected(message string, err error) *BrokerError {
	return &BrokerError{
		Kind:      KindTransportDisconnected,
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}

// NewNetworkError creates a NETWORK_ERROR with generic backoff semantics.
func NewNetworkError(message string, err error) *BrokerError {
	return &BrokerError{Kind: KindNetworkError, Message: message, Retryable: true, Err: err}
}

// NewUnknownError wraps an unrecognized failure. Never retryable.
func NewUnknownError(err error) *BrokerError {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &BrokerError{Kind: KindUnknown, Message: msg, Err: err}
}

// Classify maps an arbitrary failure to the closed taxonomy. Already
// classified errors pass through unchanged, including wrapped ones.
func Classify(err error) *BrokerError {
	if err == nil {
		return nil
	}

	var be *BrokerError
	if errors.As(err, &be) {
		return be
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewAborted("operation cancelled", err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return NewTransportDisconnected("connection dropped: "+err.Error(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewNetworkError("network failure: "+err.Error(), err)
	}

	return NewUnknownError(err)
}

// ClassifyStatus maps an upstream HTTP status to the taxonomy.
// retryAfter carries a server-advertised wait where one was present.
func ClassifyStatus(statusCode int, retryAfter time.Duration, message string) *BrokerError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimited(retryAfter, message)
	case statusCode == http.StatusServiceUnavailable:
		return NewBackpressure(retryAfter, message)
	case statusCode >= 500:
		return NewServerError(statusCode, message)
	default:
		return &BrokerError{
			Kind:       KindUnknown,
			Message:    message,
			StatusCode: statusCode,
		}
	}
}
