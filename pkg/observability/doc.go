// Package observability holds the registry's operational plumbing:
// structured JSON logging, Prometheus metrics, OTLP export, health probes,
// panic containment, and graceful shutdown.
//
// # Structured logging
//
// Loggers are immutable and derived per request or per component:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("crate", name).Info("crate published")
//	logger.WithError(err).Warn("index mirror push failed, will retry")
//
// Request identity flows through the context; FromContext re-attaches it:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).Info("download served")
//
// # Prometheus metrics
//
// One Metrics value is registered per process and shared by every
// component:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.PublishTotal.WithLabelValues("success").Inc()
//	metrics.DocGenJobsTotal.WithLabelValues(target, "Succeeded").Inc()
//	metrics.WorkersConnected.Set(float64(poolSize))
//
// The exposition endpoint lives on the health listener:
//
//	observability.RegisterMetricsEndpoint(healthMux, registry)
//
// # Health probes
//
// The checker probes the SQLite metadata database, the optional Redis
// cache, and — through the Pinger interface — the git-backed index and the
// blob store:
//
//	checker := observability.NewHealthChecker(db.Conn(), redisClient).
//	    WithIndex(idx).
//	    WithBlobStore(blobs)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// Liveness answers on /healthz, readiness on /readyz; readiness returns 503
// while any hard dependency is unreachable.
//
// # OpenTelemetry
//
// InitOTel installs the global tracer and meter providers:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//	    Enabled:     true,
//	    Endpoint:    "otel-collector:4317",
//	    ServiceName: "registry",
//	    Insecure:    true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Shutdown
//
// One ShutdownManager owns the drain order: API server first, then every
// registered hook concurrently under a shared deadline:
//
//	sm := observability.NewShutdownManager(logger, httpServer, 30*time.Second)
//	sm.RegisterShutdownFunc(func(ctx context.Context) error { return healthServer.Shutdown(ctx) })
//	err := sm.WaitForShutdown()
//
// # Related packages
//
//   - pkg/config: loads the REGISTRY_LOG_* / REGISTRY_OTEL_* settings
//   - pkg/api: attaches request ids and the HTTP metrics middleware
//   - pkg/dbkit, pkg/blobstore: record cache and storage telemetry
package observability
