package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"claimkv/internal/logging"
	"claimkv/internal/registry"
)

type callerKey struct{}

// Authenticator turns the header set by the trusted front proxy into a
// registry.Caller. Requests without it are rejected with 401. Signature
// verification happens upstream; this layer only carries the identity.
func Authenticator(header string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := registry.Authenticated(strings.TrimSpace(r.Header.Get(header)))
			if caller.IsZero() {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+header+" header")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the caller stored by Authenticator.
func CallerFromContext(ctx context.Context) registry.Caller {
	c, _ := ctx.Value(callerKey{}).(registry.Caller)
	return c
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLogger := logger.With(slog.String("request_id", middleware.GetReqID(r.Context())))
			ctx := logging.WithLogger(r.Context(), reqLogger)

			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
