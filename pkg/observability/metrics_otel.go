package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics carries the instruments the registry exports over OTLP in
// addition to the Prometheus surface: the metadata cache tiers (recorded by
// pkg/dbkit's cache layer) and blob store operations (recorded by
// pkg/blobstore). HTTP metrics ride on otelhttp; per-query database
// telemetry rides on pkg/dbkit's spans.
type OTelMetrics struct {
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
	cacheSize      metric.Int64UpDownCounter

	storageOps      metric.Int64Counter
	storageDuration metric.Float64Histogram
	storageBytes    metric.Int64Histogram
}

// NewOTelMetrics builds the instrument set on the global meter. Before
// InitOTel runs (or with tracing disabled) the global meter is a no-op, so
// recording is always safe.
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/cratery/registry")

	m := &OTelMetrics{}
	var err error

	if m.cacheHits, err = meter.Int64Counter(
		"registry.cache.hits",
		metric.WithDescription("Metadata cache hits by tier"),
		metric.WithUnit("{hit}"),
	); err != nil {
		return nil, fmt.Errorf("build cache hit counter: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter(
		"registry.cache.misses",
		metric.WithDescription("Metadata cache misses by tier"),
		metric.WithUnit("{miss}"),
	); err != nil {
		return nil, fmt.Errorf("build cache miss counter: %w", err)
	}
	if m.cacheEvictions, err = meter.Int64Counter(
		"registry.cache.evictions",
		metric.WithDescription("Metadata cache evictions by tier"),
		metric.WithUnit("{eviction}"),
	); err != nil {
		return nil, fmt.Errorf("build cache eviction counter: %w", err)
	}
	if m.cacheSize, err = meter.Int64UpDownCounter(
		"registry.cache.size",
		metric.WithDescription("Metadata cache size by tier"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("build cache size counter: %w", err)
	}

	if m.storageOps, err = meter.Int64Counter(
		"registry.storage.operations",
		metric.WithDescription("Blob store operations by kind and backend"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("build storage op counter: %w", err)
	}
	if m.storageDuration, err = meter.Float64Histogram(
		"registry.storage.duration",
		metric.WithDescription("Blob store operation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("build storage duration histogram: %w", err)
	}
	if m.storageBytes, err = meter.Int64Histogram(
		"registry.storage.bytes",
		metric.WithDescription("Blob store bytes moved per operation"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("build storage bytes histogram: %w", err)
	}

	return m, nil
}

func cacheTier(tier string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cache.tier", tier))
}

// RecordCacheHit counts one hit in the given tier ("l1" or "l2").
func (m *OTelMetrics) RecordCacheHit(ctx context.Context, tier string) {
	m.cacheHits.Add(ctx, 1, cacheTier(tier))
}

// RecordCacheMiss counts one full miss for the given tier.
func (m *OTelMetrics) RecordCacheMiss(ctx context.Context, tier string) {
	m.cacheMisses.Add(ctx, 1, cacheTier(tier))
}

// RecordCacheEviction counts one LRU eviction.
func (m *OTelMetrics) RecordCacheEviction(ctx context.Context, tier string) {
	m.cacheEvictions.Add(ctx, 1, cacheTier(tier))
}

// UpdateCacheSize moves the tier's size gauge by delta bytes.
func (m *OTelMetrics) UpdateCacheSize(ctx context.Context, tier string, delta int64) {
	m.cacheSize.Add(ctx, delta, cacheTier(tier))
}

// RecordStorageOperation records one blob store call: operation is
// put/get/delete/exists, backend is fs or s3, n the payload size (0 when
// not applicable).
func (m *OTelMetrics) RecordStorageOperation(ctx context.Context, operation, backend string, duration time.Duration, n int64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("storage.operation", operation),
		attribute.String("storage.backend", backend),
		attribute.Bool("storage.error", err != nil),
	)
	m.storageOps.Add(ctx, 1, attrs)
	m.storageDuration.Record(ctx, duration.Seconds(), attrs)
	if n > 0 {
		m.storageBytes.Record(ctx, n, attrs)
	}
}
