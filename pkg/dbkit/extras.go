package dbkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// This file holds the cross-component queries that don't belong to any one
// repository's core CRUD surface: the index sweep, the dependency
// analyzer's fleet scan, and the publication pipeline's compensation path.

// VersionRef joins a version row to its package name so components keyed
// by (name, version) don't each re-derive the join.
type VersionRef struct {
	VersionID   int64
	PackageID   int64
	PackageName string
	Version     string
	Yanked      bool
	Manifest    string
	Checksum    string
}

// GetRef resolves a version id to its (package name, version) natural key.
func (r *VersionRepo) GetRef(ctx context.Context, versionID int64) (*VersionRef, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	ref := &VersionRef{}
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT v.id, v.package_id, p.name, v.version, v.yanked, v.manifest, v.checksum
		FROM package_versions v JOIN packages p ON p.id = v.package_id
		WHERE v.id = ?
	`, versionID).Scan(&ref.VersionID, &ref.PackageID, &ref.PackageName, &ref.Version, &ref.Yanked, &ref.Manifest, &ref.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, regerrors.New(regerrors.KindNotFound, "version not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "get version ref", err)
	}
	return ref, nil
}

// ListAllRefs returns every version row joined with its package name, in
// publish order, for the startup index sweep and the analyzer's scan.
func (r *VersionRepo) ListAllRefs(ctx context.Context) ([]*VersionRef, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT v.id, v.package_id, p.name, v.version, v.yanked, v.manifest, v.checksum
		FROM package_versions v JOIN packages p ON p.id = v.package_id
		ORDER BY v.published_at
	`)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list version refs", err)
	}
	defer rows.Close()

	var out []*VersionRef
	for rows.Next() {
		ref := &VersionRef{}
		if err := rows.Scan(&ref.VersionID, &ref.PackageID, &ref.PackageName, &ref.Version, &ref.Yanked, &ref.Manifest, &ref.Checksum); err != nil {
			return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan version ref", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ListAll returns every package, for the analyzer and admin surfaces.
func (r *PackageRepo) ListAll(ctx context.Context) ([]*Package, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY lower_name`)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list packages", err)
	}
	defer rows.Close()

	var out []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetByID looks a package up by its surrogate key.
func (r *PackageRepo) GetByID(ctx context.Context, id int64) (*Package, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	return scanPackage(r.db.conn.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
}

// Delete hard-deletes a package and its owner links. Callers must have
// already removed its versions; a remaining version fails the referential
// check.
func (r *PackageRepo) Delete(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	var lower string
	if err := tx.QueryRowContext(ctx, `SELECT lower_name FROM packages WHERE id = ?`, id).Scan(&lower); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "read package name", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM package_versions WHERE package_id = ?`, id).Scan(&count); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "count versions", err)
	}
	if count > 0 {
		return regerrors.New(regerrors.KindConflict, fmt.Sprintf("package still has %d versions", count))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_owners WHERE package_id = ?`, id); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete owners", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete package", err)
	}
	if err := tx.Commit(); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "commit", err)
	}
	if lower != "" {
		r.cache.invalidate(ctx, packageCacheKey(lower))
	}
	return nil
}

// Delete hard-deletes a version and cascades its docs rows and job logs.
func (r *VersionRepo) Delete(ctx context.Context, versionID int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM docgen_job_logs WHERE job_id IN (SELECT id FROM docgen_jobs WHERE version_id = ?)
	`, versionID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete job logs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM docgen_jobs WHERE version_id = ?`, versionID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete jobs", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_version_docs WHERE version_id = ?`, versionID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete docs rows", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_versions WHERE id = ?`, versionID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete version", err)
	}
	if err := tx.Commit(); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "commit", err)
	}
	return nil
}

// EnsureRow inserts the empty (never attempted) docs row for a declared
// target, per §4.5 step 6; a pre-existing row is left untouched.
func (r *DocsRepo) EnsureRow(ctx context.Context, versionID int64, target string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO package_version_docs (version_id, target, is_attempted, is_present, blob_key)
		VALUES (?, ?, 0, 0, '')
		ON CONFLICT(version_id, target) DO NOTHING
	`, versionID, target)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "ensure docs row", err)
	}
	return nil
}

// Delete removes a job record, used only by publish compensation when a
// later pipeline step failed after jobs were enqueued.
func (r *JobRepo) Delete(ctx context.Context, jobID string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if _, err := r.db.conn.ExecContext(ctx, `DELETE FROM docgen_job_logs WHERE job_id = ?`, jobID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete job logs", err)
	}
	if _, err := r.db.conn.ExecContext(ctx, `DELETE FROM docgen_jobs WHERE id = ?`, jobID); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "delete job", err)
	}
	return nil
}

// ListRecent returns the most recently queued jobs for the admin surface.
func (r *JobRepo) ListRecent(ctx context.Context, limit int) ([]*DocGenJob, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM docgen_jobs ORDER BY queued_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list recent jobs", err)
	}
	defer rows.Close()

	var out []*DocGenJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountQueued returns the current queue depth, for dispatch backpressure.
func (r *JobRepo) CountQueued(ctx context.Context) (int, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var n int
	if err := r.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM docgen_jobs WHERE state = ?
	`, string(DocGenQueued)).Scan(&n); err != nil {
		return 0, regerrors.Wrap(regerrors.KindStorageUnavailable, "count queued", err)
	}
	return n, nil
}

// MarkAssigned records a dispatcher's decision to hand jobID to workerID,
// bumping the attempt counter. Unlike NextQueued it assigns a specific job
// chosen by the dispatcher's target/capability matching.
func (r *JobRepo) MarkAssigned(ctx context.Context, jobID, workerID string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE docgen_jobs SET state = ?, worker_id = ?, last_heartbeat_at = ?, attempts = attempts + 1
		WHERE id = ?
	`, string(DocGenAssigned), workerID, now, jobID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "mark assigned", err)
	}
	return nil
}

// MarkRunning records the worker's Accepted message: Assigned -> Running
// with startedOn stamped now (§4.7).
func (r *JobRepo) MarkRunning(ctx context.Context, jobID string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE docgen_jobs SET state = ?, started_at = ? WHERE id = ? AND state = ?
	`, string(DocGenRunning), time.Now(), jobID, string(DocGenAssigned))
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "mark running", err)
	}
	return nil
}

// AppendOutput appends chunk to the job's accumulated output column.
func (r *JobRepo) AppendOutput(ctx context.Context, jobID, chunk string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE docgen_jobs SET output = output || ? WHERE id = ?
	`, chunk, jobID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "append output", err)
	}
	return nil
}

// ListByState returns jobs in a given state, oldest first, used by the
// dispatcher to restore its in-memory queue after a restart.
func (r *JobRepo) ListByState(ctx context.Context, state DocGenJobState) ([]*DocGenJob, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM docgen_jobs WHERE state = ? ORDER BY queued_at
	`, string(state))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list jobs by state", err)
	}
	defer rows.Close()

	var out []*DocGenJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
