package dbkit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cratery/registry/pkg/regerrors"
)

var tracer = otel.Tracer("registry/dbkit")

// UserRepo persists User rows.
type UserRepo struct {
	db    *DB
	cache *cacheLayer
}

const userColumns = `id, username, display_name, email, roles, is_active, oauth_subject, created_at, last_login_at`

// Upsert creates the user on first OAuth login or updates LastLoginAt and
// profile fields on subsequent ones, keyed by username. The very first user
// ever created is implicitly granted the admin role (§3).
func (r *UserRepo) Upsert(ctx context.Context, username, displayName, email, subject string) (*User, error) {
	ctx, span := tracer.Start(ctx, "Users.Upsert", trace.WithAttributes(
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.table", "users"),
	))
	defer span.End()

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "count users", err)
	}
	roles := ""
	if count == 0 {
		roles = "admin"
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (username, display_name, email, roles, is_active, oauth_subject, created_at, last_login_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET last_login_at = excluded.last_login_at, email = excluded.email, display_name = excluded.display_name
	`, username, displayName, email, roles, subject, now, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "upsert user", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "commit", err)
	}
	return r.GetByUsername(ctx, username)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	u := &User{}
	var lastLogin sql.NullTime
	var email, subject, displayName sql.NullString
	err := row.Scan(&u.ID, &u.Username, &displayName, &email, &u.Roles, &u.IsActive, &subject, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, regerrors.New(regerrors.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan user", err)
	}
	u.DisplayName = displayName.String
	u.Email = email.String
	u.OAuthSubject = subject.String
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	u, err := scanUser(r.db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			return nil, regerrors.New(regerrors.KindNotFound, fmt.Sprintf("user %q not found", username))
		}
		return nil, err
	}
	return u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	return scanUser(r.db.conn.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// ListAll returns every user, newest first, for the admin user-management API.
func (r *UserRepo) ListAll(ctx context.Context) ([]*User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list users", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Deactivate flips IsActive false. Deactivated users retain ownership
// records but can no longer authenticate (§3).
func (r *UserRepo) Deactivate(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, `UPDATE users SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "deactivate user", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return regerrors.New(regerrors.KindNotFound, "user not found")
	}
	return nil
}

// SetRoles overwrites a user's role set, used by the admin API to grant or
// revoke the admin role.
func (r *UserRepo) SetRoles(ctx context.Context, id int64, roles string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, `UPDATE users SET roles = ? WHERE id = ?`, roles, id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "set roles", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return regerrors.New(regerrors.KindNotFound, "user not found")
	}
	return nil
}
