package syncerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	err := NewWithComponent(OpDispatch, "gateway", fmt.Errorf("boom"))
	msg := err.Error()
	if !strings.Contains(msg, "dispatch operation failed in gateway component") {
		t.Errorf("unexpected message: %s", msg)
	}
	if !strings.Contains(msg, "boom") {
		t.Errorf("message should contain cause: %s", msg)
	}

	kindErr := NewValidationError(OpReplay, fmt.Errorf("insufficient stock"))
	if !strings.Contains(kindErr.Error(), "[VALIDATION]") {
		t.Errorf("message should contain kind: %s", kindErr.Error())
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := NewConnectivityError(OpReplay, cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      Kind
	}{
		{"connectivity", NewConnectivityError(OpReplay, fmt.Errorf("timeout")), true, KindConnectivity},
		{"validation", NewValidationError(OpReplay, fmt.Errorf("duplicate record")), false, KindValidation},
		{"storage", NewStorageError(OpList, fmt.Errorf("database disk image is malformed")), false, KindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if !IsKind(tt.err, tt.kind) {
				t.Errorf("expected kind %s", tt.kind)
			}
		})
	}

	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors must not be retryable")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{500, KindConnectivity},
		{502, KindConnectivity},
		{503, KindConnectivity},
		{408, KindConnectivity},
		{429, KindConnectivity},
		{400, KindValidation},
		{404, KindValidation},
		{409, KindValidation},
		{422, KindValidation},
	}

	for _, tt := range tests {
		err := FromHTTPStatus(OpReplay, tt.status, nil)
		if err.Kind != tt.kind {
			t.Errorf("status %d: kind = %s, want %s", tt.status, err.Kind, tt.kind)
		}
		if err.HTTPStatus != tt.status {
			t.Errorf("status %d not recorded", tt.status)
		}
	}
}

func TestClassifyTransportError(t *testing.T) {
	if ClassifyTransportError(OpReplay, nil) != nil {
		t.Error("nil should stay nil")
	}

	if err := ClassifyTransportError(OpReplay, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Error("context.Canceled must pass through unwrapped")
	}
	if IsConnectivity(ClassifyTransportError(OpReplay, context.Canceled)) {
		t.Error("context.Canceled must not be classified as connectivity")
	}

	deadlineErr := ClassifyTransportError(OpReplay, context.DeadlineExceeded)
	if !IsConnectivity(deadlineErr) || !IsRetryable(deadlineErr) {
		t.Error("deadline exceeded should be retryable connectivity")
	}

	dnsErr := ClassifyTransportError(OpReplay, &net.DNSError{Err: "no such host", Name: "api.example"})
	if !IsConnectivity(dnsErr) {
		t.Error("DNS errors should be connectivity-class")
	}

	unknown := ClassifyTransportError(OpReplay, fmt.Errorf("connection reset by peer"))
	if !IsConnectivity(unknown) {
		t.Error("unknown transport failures default to connectivity")
	}
}
