package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestWithSession_KeepsExistingTags(t *testing.T) {
	ctx := WithSession(context.Background(), "sess-1", "")
	ctx = WithSession(ctx, "", "client-9")

	sid, cid := Session(ctx)
	if sid != "sess-1" || cid != "client-9" {
		t.Errorf("Session = %q, %q; want sess-1, client-9", sid, cid)
	}
	if sid, cid := Session(context.Background()); sid != "" || cid != "" {
		t.Errorf("untagged context = %q, %q", sid, cid)
	}
}

func TestStartSpan_CopiesSessionTags(t *testing.T) {
	exp := useTestTracer(t)
	ctx := WithSession(context.Background(), "sess-1", "client-9")

	_, span := StartSpan(ctx, "transcribe.connect")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := map[string]string{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.AsString()
	}
	if got[string(AttrSessionID)] != "sess-1" || got[string(AttrClientID)] != "client-9" {
		t.Errorf("attributes = %v", got)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)
	_, span := StartSpan(context.Background(), "dispatch.send")
	EndSpan(span, errors.New("write: broken pipe"))

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error || s.Status.Description != "write: broken pipe" {
		t.Errorf("status = %+v", s.Status)
	}
	if len(s.Events) == 0 {
		t.Error("error event not recorded")
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	traced, span := StartSpan(context.Background(), "op")
	defer span.End()

	tests := []struct {
		name string
		ctx  context.Context
		want []string
		not  []string
	}{
		{
			name: "plain",
			ctx:  context.Background(),
			not:  []string{"session_id", "client_id", "trace_id"},
		},
		{
			name: "session only",
			ctx:  WithSession(context.Background(), "sess-1", ""),
			want: []string{"session_id=sess-1"},
			not:  []string{"client_id", "trace_id"},
		},
		{
			name: "session and trace",
			ctx:  WithSession(traced, "sess-1", "client-9"),
			want: []string{"session_id=sess-1", "client_id=client-9", "trace_id=", "span_id="},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil))
			Logger(tc.ctx, base).Info("hello")
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, n := range tc.not {
				if strings.Contains(out, n) {
					t.Errorf("log %q should not contain %q", out, n)
				}
			}
		})
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q", got)
	}
	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := CorrelationID(ctx); len(got) != 32 {
		t.Errorf("CorrelationID = %q, want 32 hex chars", got)
	}
}
