package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationIDHeader carries the request correlation id in and out
const CorrelationIDHeader = "X-Correlation-ID"

var correlationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	loggerKey        contextKey = "logger"
)

// Correlation assigns every request a correlation id, echoes it in the
// response and stores a logger carrying it in the request context.
func Correlation(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationIDHeader)
			if !correlationIDPattern.MatchString(id) {
				id = uuid.NewString()
			}
			w.Header().Set(CorrelationIDHeader, id)

			ctx := context.WithValue(r.Context(), correlationIDKey, id)
			ctx = context.WithValue(ctx, loggerKey, logger.With(zap.String("correlation_id", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CorrelationID returns the request's correlation id, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// LoggerFrom returns the request-scoped logger, or fallback outside a request
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return fallback
}
