package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	routecodex "github.com/routecodex/routecodex/internal"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
// *routecodex.Error implements it, so classification works on our error
// type unmodified.
type httpStatusError interface {
	HTTPStatus() int
}

// upstreamOverloadedCode is the ERR_UPSTREAM_HTTP_529 code (§7):
// providers on the Anthropic-style "overloaded_error" convention use
// 529 to signal sustained capacity exhaustion rather than a transient
// 5xx, so it trips the breaker faster than an ordinary 5xx.
var upstreamOverloadedCode = routecodex.UpstreamHTTPCode(529)

// ClassifyError returns the error weight for circuit breaker tracking.
//
// Weights:
//   - ERR_UPSTREAM_HTTP_529 (provider overloaded) -> 1.25
//   - 429 (rate limited) -> 0.5
//   - 500, 502, 503, 504 -> 1.0
//   - timeout (deadline exceeded) -> 1.5
//   - 4xx (except 429) -> 0.0 (client errors, not provider fault)
//   - network errors (non-timeout) -> 1.0
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	// Check for timeout errors first (highest weight).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	// ERR_UPSTREAM_HTTP_<status> errors classify by the passed-through
	// status, with the 529 "overloaded" convention weighted heavier.
	var rcErr *routecodex.Error
	if errors.As(err, &rcErr) && rcErr.Code == upstreamOverloadedCode {
		return 1.25
	}

	// Check for HTTP status code.
	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	// Check for network errors (non-timeout, already handled above).
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic errors (e.g. connection refused) -> treat as server fault.
	return 1.0
}

// classifyStatus returns the error weight for an HTTP status code.
func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code <= 504:
		return 1.0
	case code >= 400 && code < 500:
		return 0.0
	default:
		return 0.0
	}
}
