// Package depanalysis is the dependency analyzer (C8): a periodic,
// bounded-concurrency crawl over the hosted fleet's latest versions,
// resolving semver requirements against the local registry and mirrored
// external indices, intersecting the transitive closure with the
// vulnerability feed, and notifying owners on new findings.
package depanalysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/notify"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

// analysisConcurrency is the sweep's semaphore width (§4.8).
const analysisConcurrency = 4

// onDemandTimeout is the request-scoped deadline for inline analyses.
const onDemandTimeout = 30 * time.Second

// IndexReader is the analyzer's view of the local index store: manifests
// come from index lines, never from tarballs (§4.8 step 1).
type IndexReader interface {
	Versions(ctx context.Context, name string) ([]index.VersionMeta, error)
}

// Notifier is the slice of C9 the analyzer uses.
type Notifier interface {
	Notify(kind notify.EventKind, n notify.Notification) bool
}

// Config tunes the analyzer.
type Config struct {
	// CheckPeriod is a cron expression (robfig syntax, e.g. "@every 15m")
	// driving the periodic sweep.
	CheckPeriod string
	// StaleAnalysis is how old an audit may get before the sweep redoes it.
	StaleAnalysis time.Duration
	// StaleRegistry is the external index / vulnerability feed cache TTL.
	StaleRegistry time.Duration
	// LocalName is this registry's own name in dependency registry fields.
	LocalName string
}

// Report is one version's analysis outcome.
type Report struct {
	HasOutdated bool
	HasCVEs     bool
	// Outdated lists direct dependencies with a newer release available.
	Outdated []string
	// Findings lists advisories hit anywhere in the transitive closure.
	Findings []Finding
}

// Finding ties an advisory to the graph node it affects.
type Finding struct {
	Crate    string
	Version  string
	Advisory Advisory
}

// Analyzer drives the periodic and on-demand dependency audits.
type Analyzer struct {
	cfg      Config
	db       *dbkit.DB
	local    IndexReader
	upstream *upstreamCache
	feed     VulnFeed
	notifier Notifier
	logger   *observability.Logger
	sem      *semaphore.Weighted
}

// NewAnalyzer wires the analyzer. externals configures which upstream
// registries dependency sources may refer to.
func NewAnalyzer(cfg Config, db *dbkit.DB, local IndexReader, externals []config.ExternalRegistry, feed VulnFeed, notifier Notifier, logger *observability.Logger) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		db:       db,
		local:    local,
		upstream: newUpstreamCache(externals, cfg.StaleRegistry),
		feed:     feed,
		notifier: notifier,
		logger:   logger,
		sem:      semaphore.NewWeighted(analysisConcurrency),
	}
}

// Run schedules the periodic sweep and blocks until ctx is done.
func (a *Analyzer) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(a.cfg.CheckPeriod, func() {
		if err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("dependency sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule dependency sweep %q: %w", a.cfg.CheckPeriod, err)
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// Sweep analyzes every stale candidate version, at most
// analysisConcurrency at a time.
func (a *Analyzer) Sweep(ctx context.Context) error {
	candidates, err := a.candidates(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, cand := range candidates {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		cand := cand
		go func() {
			defer wg.Done()
			defer a.sem.Release(1)
			defer observability.RecoverPanic(a.logger, "dependency analysis")
			if _, err := a.analyze(ctx, cand.pkg, cand.version); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).WithFields(map[string]interface{}{
					"crate": cand.pkg.Name, "version": cand.version.Version,
				}).Warn("analysis failed")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

type candidate struct {
	pkg     *dbkit.Package
	version *dbkit.PackageVersion
}

// candidates selects, per package and per major, the latest non-yanked
// version whose audit is older than StaleAnalysis (§4.8).
func (a *Analyzer) candidates(ctx context.Context) ([]candidate, error) {
	packages, err := a.db.Packages.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []candidate
	cutoff := time.Now().Add(-a.cfg.StaleAnalysis)
	for _, pkg := range packages {
		versions, err := a.db.Versions.ListByPackage(ctx, pkg.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range latestPerMajor(versions) {
			if v.DepsLastCheck == nil || v.DepsLastCheck.Before(cutoff) {
				out = append(out, candidate{pkg: pkg, version: v})
			}
		}
	}
	return out, nil
}

// latestPerMajor keeps, for each major version line, the highest
// non-yanked release.
func latestPerMajor(versions []*dbkit.PackageVersion) []*dbkit.PackageVersion {
	best := map[int64]*dbkit.PackageVersion{}
	parsed := map[int64]*semver.Version{}
	for _, v := range versions {
		if v.Yanked {
			continue
		}
		sv, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		major := sv.Major()
		if cur, ok := parsed[major]; !ok || sv.GreaterThan(cur) {
			best[major] = v
			parsed[major] = sv
		}
	}
	out := make([]*dbkit.PackageVersion, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// AnalyzeOnDemand runs one version inline with the request-scoped
// deadline, bypassing the staleness check (§4.8).
func (a *Analyzer) AnalyzeOnDemand(ctx context.Context, name, version string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, onDemandTimeout)
	defer cancel()

	pkg, err := a.db.Packages.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	v, err := a.db.Versions.Get(ctx, pkg.ID, version)
	if err != nil {
		return nil, err
	}
	return a.analyze(ctx, pkg, v)
}

func (a *Analyzer) analyze(ctx context.Context, pkg *dbkit.Package, v *dbkit.PackageVersion) (*Report, error) {
	meta, err := a.metaFor(ctx, "", pkg.Name, v.Version)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	// Direct dependencies: outdated check (§4.8 step 3).
	for _, dep := range meta.Deps {
		source := a.depSource(dep)
		resolved, latest, err := a.resolve(ctx, source, depCrateName(dep), dep.Req)
		if err != nil {
			a.logger.WithError(err).WithFields(map[string]interface{}{
				"crate": pkg.Name, "dep": dep.Name,
			}).Warn("dependency resolution failed")
			continue
		}
		if resolved == nil {
			continue
		}
		if latest != nil && resolved.LessThan(latest) {
			report.HasOutdated = true
			report.Outdated = append(report.Outdated,
				fmt.Sprintf("%s: %s -> %s", depCrateName(dep), resolved, latest))
		}
	}

	// Transitive closure + advisory intersection (§4.8 step 4).
	visited := map[nodeKey]bool{}
	if err := a.walk(ctx, "", pkg.Name, v.Version, visited, report); err != nil {
		return nil, err
	}

	// Persist and notify on false -> true flips (§4.8 step 5).
	if err := a.db.Versions.SetDependencyAudit(ctx, v.ID, report.HasOutdated, report.HasCVEs); err != nil {
		return nil, err
	}
	a.maybeNotify(ctx, pkg, v, report)
	return report, nil
}

func (a *Analyzer) maybeNotify(ctx context.Context, pkg *dbkit.Package, v *dbkit.PackageVersion, report *Report) {
	newOutdated := report.HasOutdated && !v.DepsHasOutdated
	newCVEs := report.HasCVEs && !v.DepsHasCVEs
	if !newOutdated && !newCVEs {
		return
	}

	owners, err := a.db.Packages.Owners(ctx, pkg.ID)
	if err != nil {
		a.logger.WithError(err).WithField("crate", pkg.Name).Warn("owner lookup for notification failed")
		return
	}
	emails := make([]string, 0, len(owners))
	for _, o := range owners {
		if o.IsActive && o.Email != "" {
			emails = append(emails, o.Email)
		}
	}

	if newOutdated {
		a.notifier.Notify(notify.EventOutdated, notify.Notification{
			Owners:  emails,
			Subject: fmt.Sprintf("[registry] %s %s has outdated dependencies", pkg.Name, v.Version),
			Body: fmt.Sprintf("The following direct dependencies of %s %s have newer releases:\n\n%s\n",
				pkg.Name, v.Version, strings.Join(report.Outdated, "\n")),
		})
	}
	if newCVEs {
		var lines []string
		for _, f := range report.Findings {
			lines = append(lines, fmt.Sprintf("%s %s: %s (%s)", f.Crate, f.Version, f.Advisory.ID, f.Advisory.Severity))
		}
		a.notifier.Notify(notify.EventCVE, notify.Notification{
			Owners:  emails,
			Subject: fmt.Sprintf("[registry] %s %s depends on vulnerable crates", pkg.Name, v.Version),
			Body: fmt.Sprintf("The dependency graph of %s %s includes published advisories:\n\n%s\n",
				pkg.Name, v.Version, strings.Join(lines, "\n")),
		})
	}
}

// nodeKey identifies one closure node: never node identity, always
// (name, resolved version, source registry) so cyclic graphs terminate
// (§9).
type nodeKey struct {
	name    string
	version string
	source  string
}

// walk visits (name, version, source) and recurses over its resolved
// dependencies, intersecting each node with the advisory feed.
func (a *Analyzer) walk(ctx context.Context, source, name, version string, visited map[nodeKey]bool, report *Report) error {
	key := nodeKey{name: name, version: version, source: source}
	if visited[key] {
		return nil
	}
	visited[key] = true

	sv, err := semver.NewVersion(version)
	if err != nil {
		return nil
	}
	hits, err := a.feed.Match(ctx, name, sv)
	if err != nil {
		a.logger.WithError(err).WithField("crate", name).Warn("advisory lookup failed")
	}
	for _, adv := range hits {
		report.HasCVEs = true
		report.Findings = append(report.Findings, Finding{Crate: name, Version: version, Advisory: adv})
	}

	meta, err := a.metaFor(ctx, source, name, version)
	if err != nil {
		// Leaves hosted elsewhere may be unresolvable; the analysis is
		// best-effort beyond the direct edge.
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			return nil
		}
		return err
	}

	for _, dep := range meta.Deps {
		if dep.Kind == "dev" {
			// Dev-dependencies of dependencies never ship.
			continue
		}
		depSrc := a.depSource(dep)
		resolved, _, err := a.resolve(ctx, depSrc, depCrateName(dep), dep.Req)
		if err != nil || resolved == nil {
			continue
		}
		if err := a.walk(ctx, depSrc, depCrateName(dep), resolved.String(), visited, report); err != nil {
			return err
		}
	}
	return nil
}

// metaFor finds the index line for (name, version) in the given source
// registry ("" = local).
func (a *Analyzer) metaFor(ctx context.Context, source, name, version string) (*index.VersionMeta, error) {
	metas, err := a.versionsFor(ctx, source, name)
	if err != nil {
		return nil, err
	}
	for i := range metas {
		if metas[i].Vers == version {
			return &metas[i], nil
		}
	}
	return nil, regerrors.New(regerrors.KindNotFound,
		fmt.Sprintf("%s@%s not found in %s", name, version, sourceLabel(source)))
}

func (a *Analyzer) versionsFor(ctx context.Context, source, name string) ([]index.VersionMeta, error) {
	if source == "" {
		return a.local.Versions(ctx, name)
	}
	return a.upstream.Versions(ctx, source, name)
}

// resolve returns (highest non-yanked version satisfying req, highest
// non-yanked version overall) for name in source.
func (a *Analyzer) resolve(ctx context.Context, source, name, req string) (*semver.Version, *semver.Version, error) {
	metas, err := a.versionsFor(ctx, source, name)
	if err != nil {
		return nil, nil, err
	}
	constraint, err := semver.NewConstraint(normalizeReq(req))
	if err != nil {
		return nil, nil, regerrors.Wrap(regerrors.KindInvalid,
			fmt.Sprintf("requirement %q", req), err)
	}

	var best, latest *semver.Version
	for _, m := range metas {
		if m.Yanked {
			continue
		}
		sv, err := semver.NewVersion(m.Vers)
		if err != nil {
			continue
		}
		if latest == nil || sv.GreaterThan(latest) {
			latest = sv
		}
		if constraint.Check(sv) && (best == nil || sv.GreaterThan(best)) {
			best = sv
		}
	}
	return best, latest, nil
}

// normalizeReq maps Cargo's bare requirement ("1.0") to caret semantics,
// mirroring how Cargo itself interprets it.
func normalizeReq(req string) string {
	req = strings.TrimSpace(req)
	if req == "" || req == "*" {
		return "*"
	}
	if c := req[0]; c >= '0' && c <= '9' {
		return "^" + req
	}
	return req
}

// depSource maps a dependency's registry field to an analyzer source: an
// absent registry, or this registry's own configured name, resolves from
// C2/C4; anything else goes through the upstream cache.
func (a *Analyzer) depSource(dep index.Dependency) string {
	if dep.Registry == nil || *dep.Registry == "" || *dep.Registry == a.cfg.LocalName {
		return ""
	}
	return *dep.Registry
}

// depCrateName honors renamed dependencies: package is the real crate.
func depCrateName(dep index.Dependency) string {
	if dep.Package != nil && *dep.Package != "" {
		return *dep.Package
	}
	return dep.Name
}

func sourceLabel(source string) string {
	if source == "" {
		return "local index"
	}
	return source
}
