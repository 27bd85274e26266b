package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/raterudder/apsema/pkg/log"
)

const requestIDHeader = "X-Request-ID"

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// only JSON and text are served, nothing should be framed or loaded
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags every request with an ID, reusing the caller's
// X-Request-ID when it is a valid UUID, and adds it to the request logger.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(requestIDHeader))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set(requestIDHeader, id.String())

		ctx := log.WithAttrs(
			r.Context(),
			slog.String("requestID", id.String()),
			slog.String("reqPath", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
