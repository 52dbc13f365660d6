// Package logger configures zap and carries request correlation IDs through gin
// and context.Context.
package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CorrelationIDHeader is echoed on every response and accepted from callers.
const CorrelationIDHeader = "X-Correlation-ID"

const (
	correlationContextKey = "correlationID"
	maxCorrelationIDLen   = 128
)

type ctxKey struct{}

// Init builds the process logger from LOG_LEVEL and LOG_FORMAT and installs it
// as zap's global logger.
func Init() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(l)
	return l, nil
}

// Middleware assigns a correlation ID to each request and writes one access log
// line when the request completes. The matched route template is logged instead
// of the raw path so tokens in URLs never reach the logs.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := strings.TrimSpace(c.GetHeader(CorrelationIDHeader))
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		c.Set(correlationContextKey, id)
		c.Request = c.Request.WithContext(WithCorrelationID(c.Request.Context(), id))
		c.Header(CorrelationIDHeader, id)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		zap.L().Info("http request",
			zap.String("correlation_id", id),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// CorrelationID returns the ID assigned by Middleware, or "" outside of it.
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationContextKey)
}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationIDFromContext returns the ID stored by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// With decorates l with the correlation ID carried by ctx, if any.
func With(ctx context.Context, l *zap.Logger) *zap.Logger {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return l.With(zap.String("correlation_id", id))
	}
	return l
}
