// Package api is the public HTTP surface (C10): the Cargo-compatible
// registry endpoints, the admin endpoints and event streams, and the
// worker WebSocket attach point. Handlers authenticate via the auth
// kernel, authorize, delegate to the owning component, and map component
// errors onto the §7 status taxonomy.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cratery/registry/pkg/auth"
	"github.com/cratery/registry/pkg/blobstore"
	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/depanalysis"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/publish"
	"github.com/cratery/registry/pkg/worker"
)

// Server wires the HTTP routes to the registry's components.
type Server struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	db         *dbkit.DB
	blobs      blobstore.Store
	kernel     *auth.Kernel
	sessions   *auth.SessionManager
	oauth      *auth.OAuth2Provider
	audit      *auth.AuditLogger
	pipeline   *publish.Pipeline
	idx        *index.Store
	gitsmart   *index.GitSmart
	dispatcher *worker.Dispatcher
	analyzer   *depanalysis.Analyzer

	router *mux.Router
}

// NewServer assembles the router. gitsmart may be nil, in which case the
// git smart-HTTP routes are not registered and 404. The other collaborators
// are used unconditionally: db must be non-nil, and /login and
// /oauth/callback are always registered and call into oauth.
func NewServer(
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
	db *dbkit.DB,
	blobs blobstore.Store,
	kernel *auth.Kernel,
	sessions *auth.SessionManager,
	oauth *auth.OAuth2Provider,
	pipeline *publish.Pipeline,
	idx *index.Store,
	gitsmart *index.GitSmart,
	dispatcher *worker.Dispatcher,
	analyzer *depanalysis.Analyzer,
) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		db:         db,
		blobs:      blobs,
		kernel:     kernel,
		sessions:   sessions,
		oauth:      oauth,
		audit:      auth.NewAuditLogger(db.Audit),
		pipeline:   pipeline,
		idx:        idx,
		gitsmart:   gitsmart,
		dispatcher: dispatcher,
		analyzer:   analyzer,
		router:     mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the fully middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	return requestID(observability.HTTPMetricsMiddleware(s.metrics)(s.router))
}

func (s *Server) setupRoutes() {
	r := s.router

	// Session endpoints (browser flow).
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodGet)
	r.HandleFunc("/oauth/callback", s.handleOAuthCallback).Methods(http.MethodGet)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	// Cargo API.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/me", s.requireAuth(s.handleMe)).Methods(http.MethodGet)
	api.HandleFunc("/me/tokens", s.requireAuth(s.handleListMyTokens)).Methods(http.MethodGet)
	api.HandleFunc("/me/tokens", s.requireAuth(s.handleCreateMyToken)).Methods(http.MethodPost)
	api.HandleFunc("/me/tokens/{id}", s.requireAuth(s.handleRevokeMyToken)).Methods(http.MethodDelete)

	api.HandleFunc("/crates/new", s.requireAuth(s.handlePublish)).Methods(http.MethodPut)
	api.HandleFunc("/crates", s.requireAuth(s.handleSearch)).Methods(http.MethodGet)
	api.HandleFunc("/crates/{name}/{version}/download", s.requireAuth(s.handleDownload)).Methods(http.MethodGet)
	api.HandleFunc("/crates/{name}/{version}/yank", s.requireAuth(s.handleYank)).Methods(http.MethodDelete)
	api.HandleFunc("/crates/{name}/{version}/unyank", s.requireAuth(s.handleUnyank)).Methods(http.MethodPut)
	// Registered before DELETE /crates/{name}/{version}, which would
	// otherwise take "owners" as a version.
	api.HandleFunc("/crates/{name}/owners", s.requireAuth(s.handleRemoveOwners)).Methods(http.MethodDelete)
	api.HandleFunc("/crates/{name}/{version}", s.requireAdmin(s.handleRemoveVersion)).Methods(http.MethodDelete)
	api.HandleFunc("/crates/{name}/{version}/docs", s.requireAuth(s.handleRegenDocs)).Methods(http.MethodPost)
	api.HandleFunc("/crates/{name}/{version}/deps", s.requireAuth(s.handleAnalyzeDeps)).Methods(http.MethodGet)
	api.HandleFunc("/crates/{name}/owners", s.requireAuth(s.handleListOwners)).Methods(http.MethodGet)
	api.HandleFunc("/crates/{name}/owners", s.requireAuth(s.handleAddOwners)).Methods(http.MethodPut)

	// Admin.
	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.HandleFunc("/workers", s.requireAdmin(s.handleListWorkers)).Methods(http.MethodGet)
	admin.HandleFunc("/workers/connect", s.handleWorkerConnect).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/docgen", s.requireAdmin(s.handleListJobs)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/docgen/{id}/log", s.requireAuth(s.handleJobLog)).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/docgen/{id}/cancel", s.requireAuth(s.handleCancelJob)).Methods(http.MethodPost)
	admin.HandleFunc("/orphans", s.requireAdmin(s.handleListOrphans)).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.requireAdmin(s.handleListUsers)).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/deactivate", s.requireAdmin(s.handleDeactivateUser)).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/roles", s.requireAdmin(s.handleSetRoles)).Methods(http.MethodPut)
	admin.HandleFunc("/tokens", s.requireAdmin(s.handleListGlobalTokens)).Methods(http.MethodGet)
	admin.HandleFunc("/tokens", s.requireAdmin(s.handleCreateGlobalToken)).Methods(http.MethodPost)
	admin.HandleFunc("/tokens/{id}", s.requireAdmin(s.handleRevokeGlobalToken)).Methods(http.MethodDelete)

	// Index views.
	if s.cfg.Index.ProtocolGit && s.gitsmart != nil {
		r.HandleFunc("/info/refs", s.requireAuth(s.handleInfoRefs)).Methods(http.MethodGet)
		r.HandleFunc("/git-upload-pack", s.requireAuth(s.handleUploadPack)).Methods(http.MethodPost)
	}
	if s.cfg.Index.ProtocolSparse {
		r.HandleFunc("/config.json", s.requireAuth(s.handleIndexConfig)).Methods(http.MethodGet)
		// The sparse shard layout ({1,2}/{name}, 3/{c}/{name},
		// {ab}/{cd}/{name}) is matched last so API routes win.
		r.PathPrefix("/").HandlerFunc(s.requireAuth(s.handleSparseFile)).Methods(http.MethodGet)
	}
}
