package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/onnwee/offline-sync/internal/circuitbreaker"
)

// FailureClass groups remote failures for logs and metrics.
type FailureClass string

const (
	ClassNetwork      FailureClass = "network"
	ClassTimeout      FailureClass = "timeout"
	ClassCircuitOpen  FailureClass = "circuit_open"
	ClassRateLimited  FailureClass = "rate_limited"
	ClassUnauthorized FailureClass = "unauthorized"
	ClassForbidden    FailureClass = "forbidden"
	ClassNotFound     FailureClass = "not_found"
	ClassConflict     FailureClass = "conflict"
	ClassBadRequest   FailureClass = "bad_request"
	ClassServer       FailureClass = "server"
	ClassUnknown      FailureClass = "unknown"
)

// Classify determines the class of a failed Do or a non-2xx Response.Err.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return ClassCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Status)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		var timeout interface{ Timeout() bool }
		if errors.As(netErr.Err, &timeout) && timeout.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassUnknown
}

func classifyStatus(code int) FailureClass {
	switch code {
	case http.StatusTooManyRequests:
		return ClassRateLimited
	case http.StatusUnauthorized:
		return ClassUnauthorized
	case http.StatusForbidden:
		return ClassForbidden
	case http.StatusNotFound, http.StatusGone:
		return ClassNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ClassConflict
	}
	switch {
	case code >= 500:
		return ClassServer
	case code >= 400:
		return ClassBadRequest
	}
	return ClassUnknown
}

// Permanent reports classes that a later replay of the same request is
// unlikely to fix. Queued operations still go through their retry ceiling;
// this only shapes how failures are reported.
func (c FailureClass) Permanent() bool {
	switch c {
	case ClassForbidden, ClassNotFound, ClassConflict, ClassBadRequest:
		return true
	}
	return false
}
