package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func otelLogger() *Logger {
	return NewLogger(ErrorLevel, io.Discard)
}

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, otelLogger())
	if err != nil {
		t.Fatalf("InitOTel() error = %v", err)
	}
	if providers != nil {
		t.Errorf("providers = %v, want nil when disabled", providers)
	}
}

func TestShutdownOTel_NilProviders(t *testing.T) {
	// The tracing-disabled path hands nil providers straight to shutdown.
	if err := ShutdownOTel(context.Background(), nil, otelLogger()); err != nil {
		t.Fatalf("ShutdownOTel(nil) error = %v", err)
	}
}

func TestShutdownOTel_FlushesProviders(t *testing.T) {
	// A provider with no exporter still exercises the flush path.
	tp := sdktrace.NewTracerProvider()
	if err := ShutdownOTel(context.Background(), &OTelProviders{TracerProvider: tp}, otelLogger()); err != nil {
		t.Fatalf("ShutdownOTel() error = %v", err)
	}
}

func TestUpdateLoggerWithTraceContext_NoSpan(t *testing.T) {
	logger := otelLogger()
	if got := UpdateLoggerWithTraceContext(context.Background(), logger); got != logger {
		t.Error("logger changed without a recording span")
	}
}

func TestUpdateLoggerWithTraceContext_RecordingSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	var buf bytes.Buffer
	UpdateLoggerWithTraceContext(ctx, NewLogger(InfoLevel, &buf)).Info("traced line")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	traceID, ok := entry.Fields["trace_id"].(string)
	if !ok || traceID != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", entry.Fields["trace_id"], span.SpanContext().TraceID())
	}
	if _, ok := entry.Fields["span_id"].(string); !ok {
		t.Errorf("span_id missing: %v", entry.Fields)
	}
}
