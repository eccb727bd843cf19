package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
)

// Classify converts a raw error from an outbound call attempt into a Class.
// Priority: structured provider error, then transport failure, then unknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return classifyStripe(stripeErr)
	}

	// Transport-layer failures with no structured body. A per-attempt
	// timeout surfaces as context.DeadlineExceeded and counts as network.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	return ClassUnknown
}

func classifyStripe(e *stripe.Error) Class {
	switch {
	case e.Code == stripe.ErrorCodeRateLimit || e.HTTPStatusCode == 429:
		return ClassRateLimit
	case e.HTTPStatusCode == 401 || e.HTTPStatusCode == 403:
		return ClassAuthentication
	}

	switch e.Type {
	case stripe.ErrorTypeCard:
		return ClassCardError
	case stripe.ErrorTypeIdempotency:
		return ClassIdempotencyConflict
	case stripe.ErrorTypeInvalidRequest:
		if e.Code == stripe.ErrorCodeIdempotencyKeyInUse {
			return ClassIdempotencyConflict
		}
		return ClassInvalidRequest
	case stripe.ErrorTypeAPI:
		return ClassAPIError
	}

	if e.HTTPStatusCode >= 500 {
		return ClassAPIError
	}
	return ClassUnknown
}

// RetryAfterHint extracts the provider's rate-limit reset hint, when present,
// as a wait duration. The backoff calculator prefers this over its own curve.
func RetryAfterHint(err error) (time.Duration, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return 0, false
	}
	resp := stripeErr.LastResponse
	if resp == nil {
		return 0, false
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
