package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const tokenContextKey contextKey = "token"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// authenticate resolves a Bearer token into the request context. A
// missing token is allowed through only when anonymous read is enabled;
// an invalid one is always rejected.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		if !strings.HasPrefix(authHeader, "Bearer ") {
			if !s.cfg.Auth.AnonymousRead {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"authentication required"})

				return
			}

			next.ServeHTTP(w, r)

			return
		}

		name, ok := s.tokens.verify(authHeader[7:])
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid api token"})

			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenFromContext returns the name of the authenticated token, or "" for
// anonymous requests.
func tokenFromContext(ctx context.Context) string {
	name, _ := ctx.Value(tokenContextKey).(string)

	return name
}
