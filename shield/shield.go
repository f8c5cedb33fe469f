// Package shield is the HTTP middleware stack shared by every surface:
// request tracing, security headers, body caps.
package shield

import "net/http"

type contextKey string

const (
	// TraceIDKey holds the per-request correlation id.
	TraceIDKey contextKey = "shield.trace_id"
	// LoggerKey holds the per-request structured logger.
	LoggerKey contextKey = "shield.logger"
)

// DefaultStack is the middleware chain for the orchestrator's API
// surfaces, outermost first.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		TraceID,
		SecurityHeaders(DefaultHeaders()),
		HeadToGet,
	}
}
