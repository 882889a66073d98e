package proxy

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sama-wellness/orchestrator/internal/breaker"
)

// Failure kinds. A *DownstreamError matches exactly one of them via errors.Is.
var (
	ErrUnknownDownstream = errors.New("unknown downstream")
	ErrTimeout           = errors.New("downstream timed out")
	ErrUnreachable       = errors.New("downstream unreachable")
	ErrTransport         = errors.New("downstream transport error")
	ErrCanceled          = errors.New("request canceled by caller")
)

// DownstreamError describes a request that did not produce a response.
type DownstreamError struct {
	Downstream string
	Kind       error
	Err        error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Downstream, e.Kind, e.Err)
}

func (e *DownstreamError) Unwrap() []error { return []error{e.Kind, e.Err} }

// StatusClientClosed is logged for requests whose caller went away.
const StatusClientClosed = 499

// ErrorBody is the JSON shape of synthetic gateway responses.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Failure is a client-facing rendering of a Forward error.
type Failure struct {
	Status     int
	Body       ErrorBody
	RetryAfter time.Duration
}

// Describe maps a Forward error to the status and body callers see. The
// statuses keep "known down", "unreachable", "too slow" and "broken" apart.
func Describe(service string, err error) Failure {
	var open *breaker.OpenError
	switch {
	case errors.As(err, &open):
		return Failure{
			Status: http.StatusServiceUnavailable,
			Body: ErrorBody{
				Error:   "Service Unavailable",
				Message: fmt.Sprintf("%s service is temporarily unavailable. Please try again later.", service),
				Service: service,
				Reason:  "circuit_open",
			},
			RetryAfter: open.RetryAfter,
		}
	case errors.Is(err, ErrTimeout):
		return Failure{Status: http.StatusGatewayTimeout, Body: ErrorBody{
			Error:   "Gateway Timeout",
			Message: fmt.Sprintf("Request to %s service timed out. Please try again.", service),
			Service: service,
			Reason:  "timeout",
		}}
	case errors.Is(err, ErrUnreachable):
		return Failure{Status: http.StatusServiceUnavailable, Body: ErrorBody{
			Error:   "Service Unavailable",
			Message: fmt.Sprintf("Unable to connect to %s service. Please ensure it is running.", service),
			Service: service,
			Reason:  "unreachable",
		}}
	case errors.Is(err, ErrCanceled):
		return Failure{Status: StatusClientClosed, Body: ErrorBody{
			Error:   "Client Closed Request",
			Message: "The request was canceled before the service answered.",
			Service: service,
		}}
	default:
		return Failure{Status: http.StatusBadGateway, Body: ErrorBody{
			Error:   "Bad Gateway",
			Message: "An error occurred while processing your request.",
			Service: service,
			Reason:  "transport",
		}}
	}
}

// RetryAfterSeconds renders d for the Retry-After header, rounded up and at
// least one second.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
