// Package faults maps failures from outbound provider calls onto a closed
// error taxonomy. Everything downstream (retry decisions, HTTP status
// mapping, escalation) keys off the Class; nothing outside this package
// inspects provider-specific error shapes.
package faults

import (
	"fmt"
	"net/http"
)

type Class string

const (
	ClassRateLimit           Class = "rate_limit"
	ClassNetwork             Class = "network"
	ClassAuthentication      Class = "authentication"
	ClassInvalidRequest      Class = "invalid_request"
	ClassAPIError            Class = "api_error"
	ClassCardError           Class = "card_error"
	ClassIdempotencyConflict Class = "idempotency_conflict"
	ClassUnknown             Class = "unknown"
)

// Retryable is a fixed property of the class, not a heuristic.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassNetwork, ClassAPIError:
		return true
	default:
		return false
	}
}

func (c Class) HTTPStatus() int {
	switch c {
	case ClassRateLimit:
		return http.StatusTooManyRequests
	case ClassNetwork:
		return http.StatusBadGateway
	case ClassAuthentication:
		return http.StatusUnauthorized
	case ClassInvalidRequest:
		return http.StatusBadRequest
	case ClassAPIError:
		return http.StatusBadGateway
	case ClassCardError:
		return http.StatusPaymentRequired
	case ClassIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Failure is the terminal error returned by the retry executor. Exhausted
// distinguishes a retryable class that ran out of attempts from a class that
// was never retryable.
type Failure struct {
	Op        string
	Class     Class
	Attempts  int
	Exhausted bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Exhausted {
		return fmt.Sprintf("%s: retries exhausted after %d attempts (%s): %v", f.Op, f.Attempts, f.Class, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
