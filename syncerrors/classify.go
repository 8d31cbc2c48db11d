package syncerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// FromHTTPStatus classifies a non-2xx server response. 5xx responses are
// connectivity-class (the server itself is unhealthy, the request may succeed
// later); 4xx responses are validation-class, except 408 and 429 which are
// transient by definition.
func FromHTTPStatus(op Operation, status int, cause error) *SyncError {
	if cause == nil {
		cause = fmt.Errorf("server returned status %d", status)
	}

	var e *SyncError
	switch {
	case status >= 500:
		e = NewConnectivityError(op, cause)
	case status == 408 || status == 429:
		e = NewConnectivityError(op, cause)
	case status >= 400:
		e = NewValidationError(op, cause)
	default:
		e = NewWithComponent(op, "restapi", cause)
	}
	e.HTTPStatus = status
	return e
}

// ClassifyTransportError classifies an error returned by the HTTP client
// before any response was received. Context cancellation is passed through
// untouched so callers can distinguish an aborted drain from a dead network.
func ClassifyTransportError(op Operation, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectivityError(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewConnectivityError(op, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NewConnectivityError(op, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewConnectivityError(op, err)
	}

	// Unknown transport failures are treated as connectivity so the write is
	// queued rather than lost.
	return NewConnectivityError(op, err)
}
