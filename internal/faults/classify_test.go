package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
)

func TestClassifyStripeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{
			name: "rate limit by code",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeRateLimit},
			want: ClassRateLimit,
		},
		{
			name: "rate limit by status",
			err:  &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 429},
			want: ClassRateLimit,
		},
		{
			name: "authentication",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 401},
			want: ClassAuthentication,
		},
		{
			name: "invalid request",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400},
			want: ClassInvalidRequest,
		},
		{
			name: "card error",
			err:  &stripe.Error{Type: stripe.ErrorTypeCard, HTTPStatusCode: 402},
			want: ClassCardError,
		},
		{
			name: "idempotency error type",
			err:  &stripe.Error{Type: stripe.ErrorTypeIdempotency},
			want: ClassIdempotencyConflict,
		},
		{
			name: "idempotency key in use",
			err:  &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: stripe.ErrorCodeIdempotencyKeyInUse},
			want: ClassIdempotencyConflict,
		},
		{
			name: "server side fault",
			err:  &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500},
			want: ClassAPIError,
		},
		{
			name: "wrapped stripe error",
			err:  fmt.Errorf("create session: %w", &stripe.Error{Type: stripe.ErrorTypeCard}),
			want: ClassCardError,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: ClassNetwork,
		},
		{
			name: "url error",
			err:  &url.Error{Op: "Post", URL: "https://api.stripe.com/v1/charges", Err: errors.New("connection refused")},
			want: ClassNetwork,
		},
		{
			name: "net timeout",
			err:  &net.DNSError{Err: "timeout", IsTimeout: true},
			want: ClassNetwork,
		},
		{
			name: "anything else",
			err:  errors.New("boom"),
			want: ClassUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryabilityIsFixed(t *testing.T) {
	want := map[Class]bool{
		ClassRateLimit:           true,
		ClassNetwork:             true,
		ClassAPIError:            true,
		ClassAuthentication:      false,
		ClassInvalidRequest:      false,
		ClassCardError:           false,
		ClassIdempotencyConflict: false,
		ClassUnknown:             false,
	}
	for class, retryable := range want {
		for i := 0; i < 3; i++ {
			if got := class.Retryable(); got != retryable {
				t.Fatalf("%s.Retryable() = %v, want %v", class, got, retryable)
			}
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	want := map[Class]int{
		ClassRateLimit:           http.StatusTooManyRequests,
		ClassNetwork:             http.StatusBadGateway,
		ClassAuthentication:      http.StatusUnauthorized,
		ClassInvalidRequest:      http.StatusBadRequest,
		ClassAPIError:            http.StatusBadGateway,
		ClassCardError:           http.StatusPaymentRequired,
		ClassIdempotencyConflict: http.StatusConflict,
		ClassUnknown:             http.StatusInternalServerError,
	}
	for class, status := range want {
		if got := class.HTTPStatus(); got != status {
			t.Fatalf("%s.HTTPStatus() = %d, want %d", class, got, status)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Retry-After", "7")
	err := &stripe.Error{
		Code: stripe.ErrorCodeRateLimit,
		APIResource: stripe.APIResource{
			LastResponse: &stripe.APIResponse{Header: hdr},
		},
	}
	hint, ok := RetryAfterHint(err)
	if !ok {
		t.Fatal("expected a hint")
	}
	if hint != 7*time.Second {
		t.Fatalf("hint = %s, want 7s", hint)
	}

	if _, ok := RetryAfterHint(errors.New("boom")); ok {
		t.Fatal("non-stripe error should carry no hint")
	}
	if _, ok := RetryAfterHint(&stripe.Error{}); ok {
		t.Fatal("stripe error without response should carry no hint")
	}
}

func TestFailureError(t *testing.T) {
	cause := errors.New("connection reset")
	f := &Failure{Op: "stripe.invoice.list", Class: ClassNetwork, Attempts: 4, Exhausted: true, Err: cause}
	if !errors.Is(f, cause) {
		t.Fatal("Failure should unwrap to its cause")
	}
	var got *Failure
	wrapped := fmt.Errorf("caller: %w", f)
	if !errors.As(wrapped, &got) || got.Class != ClassNetwork {
		t.Fatalf("errors.As should recover the failure, got %+v", got)
	}
}
