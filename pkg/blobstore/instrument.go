package blobstore

import (
	"context"
	"time"

	"github.com/cratery/registry/pkg/observability"
)

// opRecorder forwards per-operation telemetry to the OTLP meter alongside
// the Prometheus storage metrics recorded at the HTTP layer. A failed
// instrument build just leaves the store un-instrumented.
type opRecorder struct {
	backend string
	otel    *observability.OTelMetrics
}

func newOpRecorder(backend string) opRecorder {
	m, err := observability.NewOTelMetrics()
	if err != nil {
		return opRecorder{backend: backend}
	}
	return opRecorder{backend: backend, otel: m}
}

func (r opRecorder) record(ctx context.Context, op string, start time.Time, n int64, err error) {
	if r.otel == nil {
		return
	}
	r.otel.RecordStorageOperation(ctx, op, r.backend, time.Since(start), n, err)
}
