/**
 * @description
 * This file contains custom middleware for the HTTP router. The internal read
 * path is service-to-service only, so it is protected by a shared internal API
 * key rather than end-user authentication.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAPIKeyHeader is the header internal callers authenticate with.
const InternalAPIKeyHeader = "X-Internal-API-Key"

// InternalAPIKeyMiddleware rejects requests that do not carry the configured
// internal API key. The comparison is constant time.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
