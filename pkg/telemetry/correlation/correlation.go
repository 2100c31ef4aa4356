// Package correlation threads a correlation id from billing events through
// logs, spans and stored entitlement metadata.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID returns ctx carrying preferred, the id already on ctx,
// or a fresh ULID, in that order.
func EnsureCorrelationID(ctx context.Context, preferred string) (context.Context, string) {
	cid := strings.TrimSpace(preferred)
	if cid == "" {
		cid = ExtractCorrelationID(ctx)
	}
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// ContextWithRemoteSpan seeds the context with a remote span if valid identifiers are provided.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}
	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}

// SpanProcessor tags every started span with the correlation id on its
// context, when there is one.
type SpanProcessor struct{}

func (SpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	if cid := ExtractCorrelationID(ctx); cid != "" {
		s.SetAttributes(attribute.String("correlation_id", cid))
	}
}

func (SpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (SpanProcessor) Shutdown(context.Context) error { return nil }

func (SpanProcessor) ForceFlush(context.Context) error { return nil }
