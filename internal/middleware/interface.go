// Package middleware decorates the observability HTTP server's handler
// chain (metrics, request logging) around a common interface.
package middleware

import "net/http"

// Middleware wraps an http.Handler with additional behavior.
type Middleware interface {
	Wrap(next http.Handler) http.Handler
}