package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/entitlements/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MiddlewareConfig configures the tracing middleware.
type MiddlewareConfig struct {
	// ErrorClassifier maps the last handler error to the public error type.
	ErrorClassifier func(error) (string, string)
}

var untracedPaths = map[string]struct{}{
	"/health":  {},
	"/healthz": {},
	"/metrics": {},
}

// GinMiddleware instruments inbound HTTP requests. Health and scrape
// endpoints are not traced.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer("entitlements/http")
	return func(c *gin.Context) {
		if _, skip := untracedPaths[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
			attribute.String("entitlements.surface", Surface(route)),
		}
		if source := c.GetString(obscontext.ViewSourceKey); source != "" {
			attrs = append(attrs, attribute.String("entitlements.view_source", source))
		}

		lastErr := c.Errors.Last()
		if status >= http.StatusBadRequest && lastErr != nil && cfg.ErrorClassifier != nil {
			errType, _ := cfg.ErrorClassifier(lastErr.Err)
			attrs = append(attrs, attribute.String("error.type", errType))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				span.RecordError(SafeError(lastErr.Err))
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

// Surface names the API surface a route belongs to.
func Surface(route string) string {
	switch {
	case strings.HasPrefix(route, "/admin"):
		return "admin"
	case strings.Contains(route, "/webhooks/"):
		return "webhook"
	case route == "unknown":
		return "unknown"
	default:
		return "api"
	}
}
