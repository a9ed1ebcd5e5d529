// registry-analyzer runs the dependency analyzer (C8) out of process, for
// deployments that set REGISTRY_DEPS_ENABLED=false on the main server and
// prefer the periodic sweep on its own lifecycle. It shares DATA_DIR with
// the server: the SQLite database in WAL mode and the index tree are both
// multi-process readable.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/depanalysis"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/notify"
	"github.com/cratery/registry/pkg/observability"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting dependency analyzer")
	logger.Infof("Check period: %s", cfg.Deps.CheckPeriod)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	db, err := dbkit.Open(dbkit.Config{
		Path:         filepath.Join(cfg.Web.DataDir, "registry.db"),
		QueryTimeout: cfg.Storage.Timeout,
	}, metrics)
	if err != nil {
		log.Fatalf("Failed to open metadata database: %v", err)
	}
	defer db.Close()

	idx, err := index.NewStore(index.Config{
		Root:                filepath.Join(cfg.Web.DataDir, "index"),
		GitUserName:         cfg.Index.GitUserName,
		GitUserEmail:        cfg.Index.GitUserEmail,
		DownloadURLTemplate: cfg.Web.PublicURI + "/api/v1/crates",
		APIURL:              cfg.Web.PublicURI,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to open index store: %v", err)
	}

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

	// One immediate sweep on startup, then the cron cadence.
	if err := analyzer.Sweep(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Initial dependency sweep failed")
	}
	if err := analyzer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Analyzer stopped")
		os.Exit(1)
	}
	logger.Info("Analyzer shutdown complete")
}
