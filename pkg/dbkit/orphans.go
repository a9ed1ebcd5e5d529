package dbkit

import (
	"context"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// OrphanRepo persists records of residual publish-pipeline failures: blobs
// or index entries that may have survived a rolled-back publication.
type OrphanRepo struct {
	db *DB
}

func (r *OrphanRepo) Record(ctx context.Context, kind, reference, reason string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO orphans (kind, reference, reason, created_at) VALUES (?, ?, ?, ?)
	`, kind, reference, reason, time.Now())
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "record orphan", err)
	}
	return nil
}

func (r *OrphanRepo) ListUnresolved(ctx context.Context) ([]*Orphan, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, kind, reference, reason, created_at, resolved_at FROM orphans WHERE resolved_at IS NULL
	`)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list orphans", err)
	}
	defer rows.Close()

	var out []*Orphan
	for rows.Next() {
		o := &Orphan{}
		var resolved *time.Time
		if err := rows.Scan(&o.ID, &o.Kind, &o.Reference, &o.Reason, &o.CreatedAt, &resolved); err != nil {
			return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan orphan", err)
		}
		o.ResolvedAt = resolved
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *OrphanRepo) Resolve(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `UPDATE orphans SET resolved_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "resolve orphan", err)
	}
	return nil
}
