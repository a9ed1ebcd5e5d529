package dbkit

import (
	"context"
	"database/sql"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// AuditRepo persists AuditLogEntry rows: auth success/failure, publishes,
// owner changes, admin actions.
type AuditRepo struct {
	db *DB
}

func (r *AuditRepo) Record(ctx context.Context, e *AuditLogEntry) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	e.CreatedAt = time.Now()
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, resource_type, resource_id, ip_address, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.IPAddress, e.Status, e.CreatedAt)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "record audit entry", err)
	}
	return nil
}

// ListRecent returns the most recent audit entries, newest first.
func (r *AuditRepo) ListRecent(ctx context.Context, limit int) ([]*AuditLogEntry, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, user_id, action, resource_type, resource_id, ip_address, status, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list audit entries", err)
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		e := &AuditLogEntry{}
		var userID sql.NullInt64
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.ResourceType, &e.ResourceID, &e.IPAddress, &e.Status, &e.CreatedAt); err != nil {
			return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan audit entry", err)
		}
		if userID.Valid {
			v := userID.Int64
			e.UserID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
