package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every earshot span.
const tracerName = "github.com/MrWong99/earshot"

// Span attribute keys shared by earshot spans.
const (
	AttrSessionID = attribute.Key("earshot.session_id")
	AttrClientID  = attribute.Key("earshot.client_id")
	AttrServerURL = attribute.Key("server.url")
)

// Tracer returns the earshot tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the earshot tracer. The session tags of ctx, if
// any, are copied onto the span. The caller must end the span, usually with
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name, opts...)
	if s, ok := ctx.Value(sessionKey{}).(sessionTags); ok {
		if s.sessionID != "" {
			span.SetAttributes(AttrSessionID.String(s.sessionID))
		}
		if s.clientID != "" {
			span.SetAttributes(AttrClientID.String(s.clientID))
		}
	}
	return ctx, span
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type sessionKey struct{}

type sessionTags struct {
	sessionID string
	clientID  string
}

// WithSession tags ctx with the recording session and the client identity
// the transcription service assigned. An empty argument keeps the tag ctx
// already carries.
func WithSession(ctx context.Context, sessionID, clientID string) context.Context {
	s, _ := ctx.Value(sessionKey{}).(sessionTags)
	if sessionID != "" {
		s.sessionID = sessionID
	}
	if clientID != "" {
		s.clientID = clientID
	}
	return context.WithValue(ctx, sessionKey{}, s)
}

// Session returns the tags set by [WithSession].
func Session(ctx context.Context) (sessionID, clientID string) {
	s, _ := ctx.Value(sessionKey{}).(sessionTags)
	return s.sessionID, s.clientID
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base enriched with the session tags and the trace and span
// IDs found in ctx. A nil base uses [slog.Default].
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	var attrs []any
	if sessionID, clientID := Session(ctx); sessionID != "" || clientID != "" {
		if sessionID != "" {
			attrs = append(attrs, slog.String("session_id", sessionID))
		}
		if clientID != "" {
			attrs = append(attrs, slog.String("client_id", clientID))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
