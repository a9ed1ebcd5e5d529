package dbkit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// DocsRepo persists PackageVersionDocs rows, one per (version, target). An
// absent row means the target has never been queued for a doc build (§3).
type DocsRepo struct {
	db *DB
}

// MarkAttempted records that a doc build for (versionID, target) has been
// queued, before the worker's outcome is known.
func (r *DocsRepo) MarkAttempted(ctx context.Context, versionID int64, target string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO package_version_docs (version_id, target, is_attempted, is_present, blob_key)
		VALUES (?, ?, 1, 0, '')
		ON CONFLICT(version_id, target) DO UPDATE SET is_attempted = 1
	`, versionID, target)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "mark docs attempted", err)
	}
	return nil
}

// MarkBuilt records a doc build's outcome. present is false when the worker
// ran but the target produced no documentable output (e.g. no native
// toolchain available); blobKey is ignored in that case.
func (r *DocsRepo) MarkBuilt(ctx context.Context, versionID int64, target, blobKey string, present bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO package_version_docs (version_id, target, is_attempted, is_present, blob_key, built_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(version_id, target) DO UPDATE SET
			is_attempted = 1, is_present = excluded.is_present, blob_key = excluded.blob_key, built_at = excluded.built_at
	`, versionID, target, present, blobKey, time.Now())
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "mark docs built", err)
	}
	return nil
}

func (r *DocsRepo) Get(ctx context.Context, versionID int64, target string) (*PackageVersionDocs, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	d := &PackageVersionDocs{}
	var builtAt sql.NullTime
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT id, version_id, target, is_attempted, is_present, blob_key, built_at
		FROM package_version_docs WHERE version_id = ? AND target = ?
	`, versionID, target).Scan(&d.ID, &d.VersionID, &d.Target, &d.IsAttempted, &d.IsPresent, &d.BlobKey, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, regerrors.New(regerrors.KindNotFound, "docs not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "get docs", err)
	}
	if builtAt.Valid {
		t := builtAt.Time
		d.BuiltAt = &t
	}
	return d, nil
}

// ListByVersion returns every target row recorded for a version.
func (r *DocsRepo) ListByVersion(ctx context.Context, versionID int64) ([]*PackageVersionDocs, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, version_id, target, is_attempted, is_present, blob_key, built_at
		FROM package_version_docs WHERE version_id = ?
	`, versionID)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list docs", err)
	}
	defer rows.Close()

	var out []*PackageVersionDocs
	for rows.Next() {
		d := &PackageVersionDocs{}
		var builtAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.VersionID, &d.Target, &d.IsAttempted, &d.IsPresent, &d.BlobKey, &builtAt); err != nil {
			return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan docs", err)
		}
		if builtAt.Valid {
			t := builtAt.Time
			d.BuiltAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
