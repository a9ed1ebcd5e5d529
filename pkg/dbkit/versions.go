package dbkit

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cratery/registry/pkg/regerrors"
)

const histogramDays = 365

// VersionRepo persists PackageVersion rows.
type VersionRepo struct {
	db    *DB
	cache *cacheLayer
}

// Create inserts a new version row. canOverwrite callers (republishing an
// existing natural key) should call Overwrite instead.
func (r *VersionRepo) Create(ctx context.Context, v *PackageVersion) (*PackageVersion, error) {
	ctx, span := tracer.Start(ctx, "Versions.Create", trace.WithAttributes(
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.table", "package_versions"),
		attribute.String("version.number", v.Version),
	))
	defer span.End()

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	v.PublishedAt = time.Now()
	res, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO package_versions
			(package_id, version, checksum, manifest, description, published_by, published_at, download_histogram)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.PackageID, v.Version, v.Checksum, v.Manifest, v.Description, v.PublishedBy, v.PublishedAt, make([]byte, histogramDays*4))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		if isUniqueViolation(err) {
			return nil, regerrors.New(regerrors.KindConflict, fmt.Sprintf("version %s already exists", v.Version)).WithCode(regerrors.CodeVersionExists)
		}
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "create version", err)
	}
	id, _ := res.LastInsertId()
	v.ID = id
	return v, nil
}

// Overwrite rewrites the manifest/checksum of an existing natural key in
// place, used only when the package's canOverwrite flag permits republish.
func (r *VersionRepo) Overwrite(ctx context.Context, packageID int64, version, checksum, manifest, description string, publishedBy int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE package_versions
		SET checksum = ?, manifest = ?, description = ?, published_by = ?, published_at = ?
		WHERE package_id = ? AND version = ?
	`, checksum, manifest, description, publishedBy, time.Now(), packageID, version)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "overwrite version", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return regerrors.New(regerrors.KindNotFound, "version not found")
	}
	return nil
}

const versionColumns = `id, package_id, version, checksum, yanked, manifest, description, downloads_total,
	       download_histogram, published_by, published_at, deps_last_check, deps_has_outdated, deps_has_cves`

func scanVersion(row scanner) (*PackageVersion, error) {
	v := &PackageVersion{}
	var description sql.NullString
	var depsLastCheck sql.NullTime
	err := row.Scan(&v.ID, &v.PackageID, &v.Version, &v.Checksum, &v.Yanked, &v.Manifest, &description,
		&v.DownloadsTotal, &v.DownloadHistogram, &v.PublishedBy, &v.PublishedAt,
		&depsLastCheck, &v.DepsHasOutdated, &v.DepsHasCVEs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, regerrors.New(regerrors.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan version", err)
	}
	v.Description = description.String
	if depsLastCheck.Valid {
		t := depsLastCheck.Time
		v.DepsLastCheck = &t
	}
	return v, nil
}

func (r *VersionRepo) Get(ctx context.Context, packageID int64, version string) (*PackageVersion, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	v, err := scanVersion(r.db.conn.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM package_versions WHERE package_id = ? AND version = ?
	`, packageID, version))
	if err != nil {
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			return nil, regerrors.New(regerrors.KindNotFound, "version not found")
		}
		return nil, err
	}
	return v, nil
}

func (r *VersionRepo) ListByPackage(ctx context.Context, packageID int64) ([]*PackageVersion, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM package_versions WHERE package_id = ? ORDER BY published_at
	`, packageID)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list versions", err)
	}
	defer rows.Close()

	var out []*PackageVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListAllForAnalysis returns every non-yanked version across all packages,
// used by the dependency analyzer's periodic sweep (§8).
func (r *VersionRepo) ListAllForAnalysis(ctx context.Context) ([]*PackageVersion, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM package_versions WHERE yanked = 0
	`)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list versions for analysis", err)
	}
	defer rows.Close()

	var out []*PackageVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetDependencyAudit records the analyzer's verdict for a version: whether
// any direct dependency has a newer release or a known CVE.
func (r *VersionRepo) SetDependencyAudit(ctx context.Context, versionID int64, hasOutdated, hasCVEs bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE package_versions SET deps_last_check = ?, deps_has_outdated = ?, deps_has_cves = ? WHERE id = ?
	`, time.Now(), hasOutdated, hasCVEs, versionID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "set dependency audit", err)
	}
	return nil
}

func (r *VersionRepo) SetYanked(ctx context.Context, packageID int64, version string, yanked bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE package_versions SET yanked = ? WHERE package_id = ? AND version = ?
	`, yanked, packageID, version)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "set yanked", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return regerrors.New(regerrors.KindNotFound, "version not found")
	}
	return nil
}

// RecordDownload increments the rolling total and today's slot in the
// 365-slot histogram. Older slots are not cleared as days roll forward; see
// bumpHistogram for how a slot accumulates across years.
func (r *VersionRepo) RecordDownload(ctx context.Context, versionID int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	var blob []byte
	var publishedAt time.Time
	if err := tx.QueryRowContext(ctx, `
		SELECT download_histogram, published_at FROM package_versions WHERE id = ?
	`, versionID).Scan(&blob, &publishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return regerrors.New(regerrors.KindNotFound, "version not found")
		}
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "read histogram", err)
	}

	blob = bumpHistogram(blob, publishedAt, time.Now())

	if _, err := tx.ExecContext(ctx, `
		UPDATE package_versions SET downloads_total = downloads_total + 1, download_histogram = ? WHERE id = ?
	`, blob, versionID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "write histogram", err)
	}
	if err := tx.Commit(); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "commit", err)
	}
	return nil
}

// bumpHistogram treats blob as a 365-slot little-endian uint32 ring where
// slot 0 is the day the version was published, and increments the slot for
// `now`. Past the first wrap a slot aggregates same-day-of-ring downloads
// across years, which keeps the invariant total >= sum(bins).
func bumpHistogram(blob []byte, published, now time.Time) []byte {
	if len(blob) != histogramDays*4 {
		blob = make([]byte, histogramDays*4)
	}
	days := int(now.Sub(published).Hours() / 24)
	if days < 0 {
		days = 0
	}
	slot := days % histogramDays
	v := binary.LittleEndian.Uint32(blob[slot*4 : slot*4+4])
	binary.LittleEndian.PutUint32(blob[slot*4:slot*4+4], v+1)
	return blob
}
