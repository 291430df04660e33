package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type adminFixture struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
	logs    *bytes.Buffer
	log     *slog.Logger
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return &adminFixture{metrics: m, reader: reader, spans: exp, logs: &buf, log: log}
}

func (f *adminFixture) serve(path string, status int, hdr http.Header) (*httptest.ResponseRecorder, string) {
	var seen string
	h := Middleware(f.metrics, f.log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_SpanAndCorrelationID(t *testing.T) {
	f := newAdminFixture(t)
	rec, cid := f.serve("/status", http.StatusOK, nil)

	if len(cid) != 32 {
		t.Fatalf("handler saw correlation id %q, want a 32-char trace id", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}
	spans := f.spans.GetSpans()
	if len(spans) != 1 || spans[0].Name != "admin GET /status" {
		t.Fatalf("spans = %v, want one admin GET /status span", spans)
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	f := newAdminFixture(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	hdr := http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}}

	rec, cid := f.serve("/readyz", http.StatusOK, hdr)
	if cid != traceID {
		t.Errorf("correlation id = %q, want %q", cid, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_RecordsDurationAndStatus(t *testing.T) {
	f := newAdminFixture(t)
	rec, _ := f.serve("/missing", http.StatusNotFound, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "earshot.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v, want one sample", hist.DataPoints)
	}
	if v, ok := hist.DataPoints[0].Attributes.Value("path"); !ok || v.AsString() != "/missing" {
		t.Errorf("path attribute = %v", v)
	}

	var found bool
	for _, a := range f.spans.GetSpans()[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() == http.StatusNotFound {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code")
	}
}

func TestMiddleware_QuietPathsLogAtDebug(t *testing.T) {
	tests := []struct {
		path    string
		status  int
		wantLog bool
	}{
		{"/healthz", http.StatusOK, false},
		{"/metrics", http.StatusOK, false},
		{"/readyz", http.StatusServiceUnavailable, true},
		{"/status", http.StatusOK, true},
	}
	for _, tc := range tests {
		t.Run(strings.TrimPrefix(tc.path, "/"), func(t *testing.T) {
			f := newAdminFixture(t)
			f.serve(tc.path, tc.status, nil)
			logged := strings.Contains(f.logs.String(), "admin request")
			if logged != tc.wantLog {
				t.Errorf("logged at info = %v, want %v (output %q)", logged, tc.wantLog, f.logs.String())
			}
			if logged && !strings.Contains(f.logs.String(), "trace_id=") {
				t.Errorf("log line lacks trace_id: %q", f.logs.String())
			}
		})
	}
}
