// Package dbkit is the registry's metadata database: an embedded SQLite
// store holding users, tokens, packages, versions, doc-gen jobs and the
// orphan ledger, optionally fronted by an L1 in-process cache and an L2
// Redis cache that are both invalidated synchronously on write.
package dbkit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cratery/registry/pkg/observability"
)

// Config configures the metadata database and its optional cache tiers.
type Config struct {
	// Path is the filesystem path to the SQLite database file, typically
	// <DATA_DIR>/registry.db.
	Path string

	// QueryTimeout bounds every individual query issued through this
	// package; exceeding it surfaces as regerrors.KindStorageUnavailable.
	QueryTimeout time.Duration

	CacheEnabled bool
	RedisURL     string
	L1Size       int
}

func DefaultConfig() Config {
	return Config{
		Path:         "registry.db",
		QueryTimeout: 3 * time.Second,
		L1Size:       4096,
	}
}

// DB wraps the SQLite connection and the repositories built on top of it.
type DB struct {
	conn *sql.DB
	cfg  Config

	Users    *UserRepo
	Tokens   *TokenRepo
	Packages *PackageRepo
	Versions *VersionRepo
	Docs     *DocsRepo
	Jobs     *JobRepo
	Orphans  *OrphanRepo
	Audit    *AuditRepo

	metrics *observability.Metrics
}

// Open opens (and if necessary creates and migrates) the SQLite database at
// cfg.Path and wires up every repository.
func Open(cfg Config, metrics *observability.Metrics) (*DB, error) {
	conn, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows only one writer; a single shared connection avoids
	// SQLITE_BUSY storms under the per-crate-name write pattern.
	conn.SetMaxOpenConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cache := newCacheLayer(cfg)

	db := &DB{conn: conn, cfg: cfg, metrics: metrics}
	db.Users = &UserRepo{db: db, cache: cache}
	db.Tokens = &TokenRepo{db: db, cache: cache}
	db.Packages = &PackageRepo{db: db, cache: cache}
	db.Versions = &VersionRepo{db: db, cache: cache}
	db.Docs = &DocsRepo{db: db}
	db.Jobs = &JobRepo{db: db}
	db.Orphans = &OrphanRepo{db: db}
	db.Audit = &AuditRepo{db: db}
	return db, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Ping satisfies observability.Pinger.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()
	return d.conn.PingContext(ctx)
}

// Conn exposes the raw *sql.DB, primarily so the process can hand it to
// observability.NewHealthChecker.
func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.QueryTimeout)
}

// BeginTx starts a transaction bound by the configured query timeout.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, context.Context, context.CancelFunc, error) {
	tctx, cancel := d.withTimeout(ctx)
	tx, err := d.conn.BeginTx(tctx, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return tx, tctx, cancel, nil
}

func migrate(conn *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT,
	email TEXT,
	roles TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	oauth_subject TEXT,
	created_at DATETIME NOT NULL,
	last_login_at DATETIME
);

CREATE TABLE IF NOT EXISTS tokens (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER REFERENCES users(id),
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	digest TEXT NOT NULL,
	can_write INTEGER NOT NULL DEFAULT 0,
	can_admin INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_used_at DATETIME,
	revoked_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);

CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	lower_name TEXT NOT NULL UNIQUE,
	description TEXT,
	doc_targets TEXT NOT NULL DEFAULT '',
	native_targets TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '',
	is_deprecated INTEGER NOT NULL DEFAULT 0,
	can_overwrite INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS package_owners (
	package_id INTEGER NOT NULL REFERENCES packages(id),
	user_id INTEGER NOT NULL REFERENCES users(id),
	added_at DATETIME NOT NULL,
	PRIMARY KEY (package_id, user_id)
);

CREATE TABLE IF NOT EXISTS package_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL REFERENCES packages(id),
	version TEXT NOT NULL,
	checksum TEXT NOT NULL,
	yanked INTEGER NOT NULL DEFAULT 0,
	manifest TEXT NOT NULL,
	description TEXT,
	downloads_total INTEGER NOT NULL DEFAULT 0,
	download_histogram BLOB,
	published_by INTEGER REFERENCES users(id),
	published_at DATETIME NOT NULL,
	deps_last_check DATETIME,
	deps_has_outdated INTEGER NOT NULL DEFAULT 0,
	deps_has_cves INTEGER NOT NULL DEFAULT 0,
	UNIQUE(package_id, version)
);
CREATE INDEX IF NOT EXISTS idx_versions_package ON package_versions(package_id);

CREATE TABLE IF NOT EXISTS package_version_docs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id INTEGER NOT NULL REFERENCES package_versions(id),
	target TEXT NOT NULL,
	is_attempted INTEGER NOT NULL DEFAULT 0,
	is_present INTEGER NOT NULL DEFAULT 0,
	blob_key TEXT NOT NULL DEFAULT '',
	built_at DATETIME,
	UNIQUE(version_id, target)
);

CREATE TABLE IF NOT EXISTS docgen_jobs (
	id TEXT PRIMARY KEY,
	version_id INTEGER NOT NULL REFERENCES package_versions(id),
	target TEXT NOT NULL,
	use_native INTEGER NOT NULL DEFAULT 0,
	capabilities TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT,
	trigger_user_id INTEGER,
	trigger_kind TEXT NOT NULL DEFAULT 'analyzer',
	queued_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME,
	last_heartbeat_at DATETIME,
	attempts INTEGER NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_docgen_jobs_state ON docgen_jobs(state, priority DESC, queued_at);

CREATE TABLE IF NOT EXISTS docgen_job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES docgen_jobs(id),
	seq INTEGER NOT NULL,
	line TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(job_id, seq)
);

CREATE TABLE IF NOT EXISTS orphans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	reference TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT,
	ip_address TEXT,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`
	_, err := conn.Exec(schema)
	return err
}
