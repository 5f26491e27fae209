package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := []zap.Field{
						zap.String("error", fmt.Sprintf("%v", rec)),
						zap.String("stack", string(debug.Stack())),
					}
					if r != nil {
						fields = append(fields,
							zap.String("method", r.Method),
							zap.String("path", r.URL.Path),
							zap.String("query", r.URL.RawQuery),
						)
					}

					logger.Error("Recovered from panic", fields...)

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
