package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cratery/registry/pkg/auth"
	"github.com/cratery/registry/pkg/blobstore"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

// IndexWriter is the slice of the index store the pipeline needs.
type IndexWriter interface {
	AddVersion(ctx context.Context, meta index.VersionMeta) error
	Yank(ctx context.Context, name, vers string, yanked bool) error
	RemoveVersion(ctx context.Context, name, vers string) error
	RemovePackage(ctx context.Context, name string) error
}

// JobEnqueuer accepts doc-gen jobs produced by a successful publish. The
// dispatcher's implementation may refuse with KindQueueFull under
// backpressure (§4.6).
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *dbkit.DocGenJob) error
}

// Config tunes the pipeline.
type Config struct {
	BodyLimit            int64
	MaxConcurrentPerUser int64

	// KnownRegistries is the set of dependency registry names the manifest
	// validator accepts, beyond the implicit local registry.
	KnownRegistries map[string]bool

	// DetachedTimeout bounds the non-cancellable tail of the pipeline
	// (steps past blob persist run detached from the request context, §5).
	DetachedTimeout time.Duration

	// CompensationRetries is how many times each compensation action is
	// attempted before the residue is recorded as an orphan.
	CompensationRetries int
}

func DefaultConfig() Config {
	return Config{
		BodyLimit:            10 << 20,
		MaxConcurrentPerUser: 4,
		DetachedTimeout:      60 * time.Second,
		CompensationRetries:  3,
	}
}

// Result is what a successful publish reports back to Cargo.
type Result struct {
	Name     string
	Version  string
	Checksum string
	// Replayed marks an idempotent no-op: the identical tarball was already
	// published.
	Replayed bool
	Warnings []string
}

// Pipeline is the publication pipeline (C5).
type Pipeline struct {
	db      *dbkit.DB
	blobs   blobstore.Store
	index   IndexWriter
	jobs    JobEnqueuer
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	limiter *userLimiter
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(db *dbkit.DB, blobs blobstore.Store, idx IndexWriter, jobs JobEnqueuer, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.MaxConcurrentPerUser <= 0 {
		cfg.MaxConcurrentPerUser = 4
	}
	if cfg.CompensationRetries <= 0 {
		cfg.CompensationRetries = 3
	}
	if cfg.DetachedTimeout <= 0 {
		cfg.DetachedTimeout = 60 * time.Second
	}
	return &Pipeline{
		db: db, blobs: blobs, index: idx, jobs: jobs, cfg: cfg,
		logger: logger, metrics: metrics,
		limiter: newUserLimiter(cfg.MaxConcurrentPerUser),
	}
}

// compensation is one undo action registered by a completed pipeline step.
type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Publish drives the full §4.5 pipeline for one upload.
func (p *Pipeline) Publish(ctx context.Context, principal *auth.Principal, body io.Reader) (*Result, error) {
	start := time.Now()
	res, err := p.publish(ctx, principal, body)
	status := "success"
	if err != nil {
		status = "error"
		if e, ok := regerrors.As(err); ok {
			p.metrics.PublishErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
		} else {
			p.metrics.PublishErrorsTotal.WithLabelValues(string(regerrors.KindInternal)).Inc()
		}
	}
	p.metrics.PublishTotal.WithLabelValues(status).Inc()
	p.metrics.PublishDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return res, err
}

func (p *Pipeline) publish(ctx context.Context, principal *auth.Principal, body io.Reader) (*Result, error) {
	if principal == nil || principal.User == nil {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "no credential presented")
	}
	user := principal.User

	if !p.limiter.acquire(user.ID) {
		return nil, regerrors.New(regerrors.KindQueueFull,
			fmt.Sprintf("more than %d concurrent publications", p.cfg.MaxConcurrentPerUser))
	}
	defer p.limiter.release(user.ID)

	// Steps 1-4 are request-scoped and freely cancellable.
	parsed, err := ParseBody(body, p.cfg.BodyLimit)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(parsed.ManifestJSON, p.cfg.KnownRegistries)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(parsed.Tarball)
	checksum := hex.EncodeToString(sum[:])

	pkg, existing, err := p.preflight(ctx, principal, manifest, checksum)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Checksum == checksum {
		// Identical replay: accepted as a no-op returning the prior result.
		return &Result{Name: manifest.Name, Version: manifest.Vers, Checksum: checksum, Replayed: true}, nil
	}

	info, err := InspectTarball(parsed.Tarball, manifest.Name, manifest.Vers)
	if err != nil {
		return nil, err
	}
	description := manifest.Description
	if description == "" {
		description = info.Description
	}

	// Steps 5-8 are non-cancellable (§5): a dropped connection past this
	// point must not orphan a half-committed publish.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DetachedTimeout)
	defer cancel()
	return p.persist(dctx, user, pkg, existing, manifest, checksum, description, parsed.Tarball, info.Readme)
}

// preflight implements §4.5 step 3, returning the package row (nil when
// this publish creates it) and the existing version row (nil when new).
func (p *Pipeline) preflight(ctx context.Context, principal *auth.Principal, m *Manifest, checksum string) (*dbkit.Package, *dbkit.PackageVersion, error) {
	pkg, err := p.db.Packages.GetByName(ctx, m.Name)
	if err != nil {
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			// New package: any writable principal may claim the name.
			if !principalCanWrite(principal) {
				return nil, nil, regerrors.New(regerrors.KindForbidden, "token cannot publish")
			}
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if pkg.Name != m.Name {
		return nil, nil, regerrors.New(regerrors.KindConflict,
			fmt.Sprintf("crate name %q collides with existing crate %q", m.Name, pkg.Name)).
			WithCode(regerrors.CodeNameCollision)
	}

	ok, err := auth.MayPublish(principal, func(userID int64) (bool, error) {
		return p.db.Packages.IsOwner(ctx, pkg.ID, userID)
	})
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, regerrors.New(regerrors.KindForbidden,
			fmt.Sprintf("not an owner of %q", pkg.Name))
	}

	existing, err := p.db.Versions.Get(ctx, pkg.ID, m.Vers)
	if err != nil {
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			return pkg, nil, nil
		}
		return nil, nil, err
	}

	if existing.Checksum == checksum {
		return pkg, existing, nil
	}
	if !pkg.CanOverwrite {
		return nil, nil, regerrors.New(regerrors.KindConflict,
			fmt.Sprintf("%s@%s already exists", m.Name, m.Vers)).
			WithCode(regerrors.CodeVersionExists)
	}
	if !auth.MayAdmin(principal) {
		return nil, nil, regerrors.New(regerrors.KindForbidden,
			"republishing an existing version requires admin")
	}
	return pkg, existing, nil
}

func principalCanWrite(p *auth.Principal) bool {
	if p.Token == nil {
		return true
	}
	return p.Token.CanWrite
}

func (p *Pipeline) persist(ctx context.Context, user *dbkit.User, pkg *dbkit.Package, existing *dbkit.PackageVersion, m *Manifest, checksum, description string, tarball, readme []byte) (*Result, error) {
	var undo []compensation
	fail := func(step string, err error) (*Result, error) {
		p.compensate(undo, step)
		return nil, err
	}

	// Step 5: blob.
	crateKey := fmt.Sprintf("crates/%s/%s", m.Name, m.Vers)
	if err := p.blobs.Put(ctx, crateKey, tarball); err != nil {
		// Abort without DB mutation; nothing to compensate yet.
		return nil, err
	}
	if existing == nil {
		undo = append(undo, compensation{name: "blob " + crateKey, fn: func(ctx context.Context) error {
			return p.blobs.Delete(ctx, crateKey)
		}})
	}
	if len(readme) > 0 {
		// README snapshots are advisory; a failed write is a warning, not a
		// failed publish.
		readmeKey := fmt.Sprintf("readmes/%s/%s", m.Name, m.Vers)
		if err := p.blobs.Put(ctx, readmeKey, readme); err != nil {
			p.logger.WithError(err).WithField("key", readmeKey).Warn("readme snapshot failed")
		}
	}

	// Step 6: metadata rows.
	meta := m.IndexMeta(checksum)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fail("marshal index meta", regerrors.Wrap(regerrors.KindInternal, "marshal index meta", err))
	}

	if pkg == nil {
		created, err := p.db.Packages.Create(ctx, m.Name, description, "", "", "", user.ID)
		if err != nil {
			return fail("create package", err)
		}
		pkg = created
		undo = append(undo, compensation{name: "package row " + m.Name, fn: func(ctx context.Context) error {
			return p.db.Packages.Delete(ctx, created.ID)
		}})
	}

	var versionID int64
	if existing == nil {
		v, err := p.db.Versions.Create(ctx, &dbkit.PackageVersion{
			PackageID:   pkg.ID,
			Version:     m.Vers,
			Checksum:    checksum,
			Manifest:    string(metaJSON),
			Description: description,
			PublishedBy: user.ID,
		})
		if err != nil {
			return fail("create version", err)
		}
		versionID = v.ID
		undo = append(undo, compensation{name: fmt.Sprintf("version row %s@%s", m.Name, m.Vers), fn: func(ctx context.Context) error {
			return p.db.Versions.Delete(ctx, v.ID)
		}})
	} else {
		if err := p.db.Versions.Overwrite(ctx, pkg.ID, m.Vers, checksum, string(metaJSON), description, user.ID); err != nil {
			return fail("overwrite version", err)
		}
		versionID = existing.ID
	}

	targets := dbkit.TargetList(pkg.DocTargets)
	for _, target := range targets {
		if err := p.db.Docs.EnsureRow(ctx, versionID, target); err != nil {
			return fail("create docs rows", err)
		}
	}

	// Step 7: index commit.
	if err := p.index.AddVersion(ctx, meta); err != nil {
		return fail("index commit", err)
	}
	if existing == nil {
		undo = append(undo, compensation{name: fmt.Sprintf("index line %s@%s", m.Name, m.Vers), fn: func(ctx context.Context) error {
			return p.index.RemoveVersion(ctx, m.Name, m.Vers)
		}})
	}

	// Step 8: doc-gen jobs, one per declared (target, useNative).
	native := map[string]bool{}
	for _, t := range dbkit.TargetList(pkg.NativeTargets) {
		native[t] = true
	}
	var warnings []string
	for _, target := range targets {
		job := &dbkit.DocGenJob{
			ID:            uuid.NewString(),
			VersionID:     versionID,
			Target:        target,
			UseNative:     native[target],
			Capabilities:  pkg.Capabilities,
			TriggerUserID: user.ID,
			TriggerKind:   dbkit.TriggerPublish,
		}
		if err := p.jobs.Enqueue(ctx, job); err != nil {
			return fail("enqueue jobs", err)
		}
		jobID := job.ID
		undo = append(undo, compensation{name: "job " + jobID, fn: func(ctx context.Context) error {
			return p.db.Jobs.Delete(ctx, jobID)
		}})
	}
	if len(targets) == 0 {
		warnings = append(warnings, "no documentation targets declared; no doc build queued")
	}

	p.logger.WithFields(map[string]interface{}{
		"crate":    m.Name,
		"version":  m.Vers,
		"checksum": checksum,
		"user_id":  user.ID,
	}).Info("crate published")

	return &Result{Name: m.Name, Version: m.Vers, Checksum: checksum, Warnings: warnings}, nil
}

// compensate runs the undo list in reverse with bounded retries, recording
// residue that refuses to clean up in the orphans table (§7).
func (p *Pipeline) compensate(undo []compensation, failedStep string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DetachedTimeout)
	defer cancel()

	for i := len(undo) - 1; i >= 0; i-- {
		c := undo[i]
		var err error
		for attempt := 0; attempt < p.cfg.CompensationRetries; attempt++ {
			if err = c.fn(ctx); err == nil {
				break
			}
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
		if err != nil {
			p.logger.WithError(err).WithField("residue", c.name).
				Error("publish compensation failed, recording orphan")
			kind, ref, _ := strings.Cut(c.name, " ")
			if oerr := p.db.Orphans.Record(ctx, kind, ref,
				fmt.Sprintf("compensation after failed step %q: %v", failedStep, err)); oerr != nil {
				p.logger.WithError(oerr).Error("orphan record failed")
			}
		}
	}
}

// SetYanked flips the yanked flag (§4.5): DB first, then the index, which
// readers treat as authoritative for resolution.
func (p *Pipeline) SetYanked(ctx context.Context, principal *auth.Principal, name, vers string, yanked bool) error {
	pkg, err := p.db.Packages.GetByName(ctx, name)
	if err != nil {
		return err
	}
	ok, err := auth.MayPublish(principal, func(userID int64) (bool, error) {
		return p.db.Packages.IsOwner(ctx, pkg.ID, userID)
	})
	if err != nil {
		return err
	}
	if !ok {
		return regerrors.New(regerrors.KindForbidden, fmt.Sprintf("not an owner of %q", name))
	}

	if err := p.db.Versions.SetYanked(ctx, pkg.ID, vers, yanked); err != nil {
		return err
	}
	if err := p.index.Yank(ctx, name, vers, yanked); err != nil {
		// Roll the DB flag back so the two views don't diverge.
		if rerr := p.db.Versions.SetYanked(ctx, pkg.ID, vers, !yanked); rerr != nil {
			p.logger.WithError(rerr).Error("yank rollback failed")
			p.db.Orphans.Record(ctx, "yank", fmt.Sprintf("%s@%s", name, vers),
				fmt.Sprintf("index yank failed and DB rollback failed: %v", err))
		}
		return err
	}
	return nil
}

// RemoveVersion is the admin-only hard deletion (§3 lifecycle): blob,
// index line and DB rows all go, docs rows cascading.
func (p *Pipeline) RemoveVersion(ctx context.Context, principal *auth.Principal, name, vers string) error {
	if !auth.MayAdmin(principal) {
		return regerrors.New(regerrors.KindForbidden, "version deletion requires admin")
	}
	pkg, err := p.db.Packages.GetByName(ctx, name)
	if err != nil {
		return err
	}
	v, err := p.db.Versions.Get(ctx, pkg.ID, vers)
	if err != nil {
		return err
	}

	if err := p.db.Versions.Delete(ctx, v.ID); err != nil {
		return err
	}
	if err := p.index.RemoveVersion(ctx, name, vers); err != nil {
		if e, ok := regerrors.As(err); !ok || e.Kind != regerrors.KindNotFound {
			p.db.Orphans.Record(ctx, "index", fmt.Sprintf("%s@%s", name, vers),
				fmt.Sprintf("index removal failed after DB deletion: %v", err))
		}
	}
	crateKey := fmt.Sprintf("crates/%s/%s", name, vers)
	if err := p.blobs.Delete(ctx, crateKey); err != nil {
		p.db.Orphans.Record(ctx, "blob", crateKey,
			fmt.Sprintf("blob removal failed after DB deletion: %v", err))
	}

	remaining, err := p.db.Versions.ListByPackage(ctx, pkg.ID)
	if err == nil && len(remaining) == 0 {
		if err := p.db.Packages.Delete(ctx, pkg.ID); err != nil {
			p.logger.WithError(err).WithField("crate", name).Warn("empty package cleanup failed")
		}
		if err := p.index.RemovePackage(ctx, name); err != nil {
			if e, ok := regerrors.As(err); !ok || e.Kind != regerrors.KindNotFound {
				p.logger.WithError(err).WithField("crate", name).Warn("index package cleanup failed")
			}
		}
	}
	return nil
}
