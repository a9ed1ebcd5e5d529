package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cratery/registry/pkg/api"
	"github.com/cratery/registry/pkg/auth"
	"github.com/cratery/registry/pkg/blobstore"
	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/depanalysis"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/notify"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/publish"
	"github.com/cratery/registry/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting registry server")
	logger.Infof("Storage type: %s", cfg.Storage.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:     cfg.Observability.OTelEnabled,
		Endpoint:    cfg.Observability.OTelEndpoint,
		ServiceName: cfg.Observability.OTelServiceName,
		Insecure:    cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		// Tracing is best-effort; the registry runs without it.
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
	}

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)

	db, err := dbkit.Open(dbkit.Config{
		Path:         filepath.Join(cfg.Web.DataDir, "registry.db"),
		QueryTimeout: cfg.Storage.Timeout,
		CacheEnabled: cfg.Observability.CacheEnabled,
		RedisURL:     cfg.Observability.CacheRedisURL,
		L1Size:       cfg.Observability.CacheL1Size,
	}, metrics)
	if err != nil {
		log.Fatalf("Failed to open metadata database: %v", err)
	}
	defer db.Close()
	logger.Info("Metadata database ready")

	blobs, err := blobstore.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}

	sshKey := cfg.Index.GitRemoteSSHKeyFile
	if sshKey != "" && !filepath.IsAbs(sshKey) {
		sshKey = filepath.Join(cfg.Web.DataDir, "keys", sshKey)
	}
	idx, err := index.NewStore(index.Config{
		Root:                filepath.Join(cfg.Web.DataDir, "index"),
		GitUserName:         cfg.Index.GitUserName,
		GitUserEmail:        cfg.Index.GitUserEmail,
		Remote:              cfg.Index.GitRemote,
		RemoteSSHKey:        sshKey,
		PushChanges:         cfg.Index.GitRemotePush,
		DownloadURLTemplate: cfg.Web.PublicURI + "/api/v1/crates",
		APIURL:              cfg.Web.PublicURI,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to open index store: %v", err)
	}
	go idx.Run(ctx)

	// Startup integrity sweep (§4.4): the index must cover every version
	// row before traffic is accepted.
	if repaired, err := reconcileIndex(ctx, db, idx); err != nil {
		log.Fatalf("Index integrity sweep failed: %v", err)
	} else if repaired > 0 {
		logger.Infof("Index integrity sweep repaired %d entries", repaired)
	}

	var gitsmart *index.GitSmart
	if cfg.Index.ProtocolGit {
		gitsmart, err = index.NewGitSmart(idx)
		if err != nil {
			log.Fatalf("Failed to initialize git-smart serving: %v", err)
		}
	}

	sessions, err := auth.NewSessionManager([]byte(cfg.Web.CookieSecret), true)
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	kernel := auth.NewKernel(db.Users, db.Tokens, sessions)
	oauth, err := auth.NewOAuth2Provider(cfg.OAuth, db.Users, sessions)
	if err != nil {
		log.Fatalf("Failed to initialize OAuth provider: %v", err)
	}

	dispatcher := worker.NewDispatcher(db, blobs, worker.DefaultConfig(), logger, metrics)
	if err := dispatcher.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore job queue: %v", err)
	}
	go dispatcher.Run(ctx)

	knownRegistries := map[string]bool{cfg.Index.SelfLocalName: true}
	for _, ext := range cfg.External {
		knownRegistries[ext.Name] = true
	}
	pipelineCfg := publish.DefaultConfig()
	pipelineCfg.BodyLimit = cfg.Web.BodyLimit
	pipelineCfg.KnownRegistries = knownRegistries
	pipeline := publish.NewPipeline(db, blobs, idx, dispatcher, pipelineCfg, logger, metrics)

	notifier := notify.NewNotifier(notify.Config{
		NotifyOutdated: cfg.Deps.NotifyOutdated,
		NotifyCVEs:     cfg.Deps.NotifyCVEs,
	}, notify.NewSMTPSender(cfg.Email), logger)
	go notifier.Run(ctx)

	feed := depanalysis.NewHTTPVulnFeed(cfg.Deps.VulnFeedURL, cfg.Deps.StaleRegistry, logger)
	analyzer := depanalysis.NewAnalyzer(depanalysis.Config{
		CheckPeriod:   cfg.Deps.CheckPeriod,
		StaleAnalysis: cfg.Deps.StaleAnalysis,
		StaleRegistry: cfg.Deps.StaleRegistry,
		LocalName:     cfg.Index.SelfLocalName,
	}, db, idx, cfg.External, feed, notifier, logger)
	if cfg.Deps.Enabled {
		go func() {
			if err := analyzer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Dependency analyzer stopped")
			}
		}()
	} else {
		logger.Info("In-process dependency analyzer disabled")
	}

	server := api.NewServer(cfg, logger, metrics, db, blobs, kernel, sessions, oauth,
		pipeline, idx, gitsmart, dispatcher, analyzer)

	var handler http.Handler = server.Handler()
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "registry-api",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("OpenTelemetry HTTP instrumentation enabled")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Web.ListenIP, cfg.Web.ListenPort),
		Handler:      handler,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
	}

	healthChecker := observability.NewHealthChecker(db.Conn(), nil).
		WithIndex(idx).
		WithBlobStore(blobs)
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, promRegistry)
		logger.Info("Metrics endpoint enabled at /metrics")
	}
	healthServer := &http.Server{
		Addr:         ":" + cfg.Web.HealthPort,
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("Starting health/metrics server on port %s", cfg.Web.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	shutdownManager := observability.NewShutdownManager(logger, httpServer, cfg.Web.ShutdownTimeout)
	shutdownManager.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return nil
	})
	shutdownManager.RegisterShutdownFunc(func(ctx context.Context) error {
		logger.Info("Shutting down health server")
		return healthServer.Shutdown(ctx)
	})
	if otelProviders != nil {
		shutdownManager.RegisterShutdownFunc(func(ctx context.Context) error {
			logger.Info("Shutting down OpenTelemetry")
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	go func() {
		logger.Infof("Starting registry API server on %s:%s", cfg.Web.ListenIP, cfg.Web.ListenPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	logger.Info("Server started successfully, waiting for shutdown signal")
	if err := shutdownManager.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
		os.Exit(1)
	}
	logger.Info("Server shutdown complete")
}

// reconcileIndex rebuilds missing index lines from the version table's
// stored manifests.
func reconcileIndex(ctx context.Context, db *dbkit.DB, idx *index.Store) (int, error) {
	refs, err := db.Versions.ListAllRefs(ctx)
	if err != nil {
		return 0, err
	}
	expected := make([]index.VersionMeta, 0, len(refs))
	for _, ref := range refs {
		var meta index.VersionMeta
		if err := json.Unmarshal([]byte(ref.Manifest), &meta); err != nil {
			return 0, fmt.Errorf("stored manifest for %s@%s: %w", ref.PackageName, ref.Version, err)
		}
		meta.Yanked = ref.Yanked
		expected = append(expected, meta)
	}
	return idx.Reconcile(ctx, expected)
}
