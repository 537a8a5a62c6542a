package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrUnknownEndpoint is returned when a call names an endpoint that was never configured
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// TransientNetworkError is a retryable failure: timeouts, connection
// resets and refusals, DNS failures, 5xx and optionally 429 responses.
type TransientNetworkError struct {
	Endpoint   string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient failure calling %s after %d attempt(s): status %d", e.Endpoint, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("transient failure calling %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ClientRejectionError is a non-retryable 4xx response
type ClientRejectionError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ClientRejectionError) Error() string {
	return fmt.Sprintf("request to %s rejected with status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// CircuitOpenError means the endpoint is cooling down after repeated failures
type CircuitOpenError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("endpoint %s temporarily unavailable, retry after %dms", e.Endpoint, e.RetryAfter.Milliseconds())
}

// FatalEndpointError means the endpoint is marked permanently degraded until
// a success or an operator reset clears it.
type FatalEndpointError struct {
	Endpoint            string
	ConsecutiveFailures int
}

func (e *FatalEndpointError) Error() string {
	return fmt.Sprintf("endpoint %s permanently degraded after %d consecutive failures", e.Endpoint, e.ConsecutiveFailures)
}

// HTTPStatusError can be returned by operations for non-2xx responses; the
// client classifies it as transient or rejection by status code.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// classify maps a raw operation error onto the error taxonomy. Errors it
// does not recognise are returned unchanged and are not retried.
func (c *Client) classify(endpoint string, err error) error {
	var transient *TransientNetworkError
	var rejection *ClientRejectionError
	if errors.As(err, &transient) || errors.As(err, &rejection) {
		return err
	}

	var status *HTTPStatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode >= 500:
			return &TransientNetworkError{Endpoint: endpoint, StatusCode: status.StatusCode, Err: err}
		case status.StatusCode == 429 && c.config.RetryOn429:
			return &TransientNetworkError{Endpoint: endpoint, StatusCode: status.StatusCode, Err: err}
		default:
			return &ClientRejectionError{Endpoint: endpoint, StatusCode: status.StatusCode, Body: status.Body}
		}
	}

	if isNetworkError(err) {
		return &TransientNetworkError{Endpoint: endpoint, Err: err}
	}
	return err
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTransient(err error) bool {
	var transient *TransientNetworkError
	return errors.As(err, &transient)
}
