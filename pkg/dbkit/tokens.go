package dbkit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cratery/registry/pkg/regerrors"
)

// TokenRepo persists Token rows. Digest is always a bcrypt hash; the
// plaintext credential never reaches this package.
type TokenRepo struct {
	db    *DB
	cache *cacheLayer
}

func (r *TokenRepo) Create(ctx context.Context, t *Token) (*Token, error) {
	ctx, span := tracer.Start(ctx, "Tokens.Create", trace.WithAttributes(
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.table", "tokens"),
	))
	defer span.End()

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	t.CreatedAt = time.Now()
	res, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO tokens (user_id, kind, name, digest, can_write, can_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.UserID, string(t.Kind), t.Name, t.Digest, t.CanWrite, t.CanAdmin, t.CreatedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create token failed")
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "create token", err)
	}
	id, _ := res.LastInsertId()
	t.ID = id
	return t, nil
}

// ListActiveGlobal returns every non-revoked global read-only token. Digests
// are bcrypt hashes and cannot be matched by equality, so the caller in
// pkg/auth compares the presented secret against each candidate.
func (r *TokenRepo) ListActiveGlobal(ctx context.Context) ([]*Token, error) {
	return r.listActiveByKind(ctx, TokenKindGlobalReadOnly)
}

func (r *TokenRepo) ListActiveForUser(ctx context.Context, userID int64) ([]*Token, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, user_id, kind, name, digest, can_write, can_admin, created_at, last_used_at, revoked_at
		FROM tokens WHERE user_id = ? AND revoked_at IS NULL
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list tokens", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (r *TokenRepo) listActiveByKind(ctx context.Context, kind TokenKind) ([]*Token, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT id, user_id, kind, name, digest, can_write, can_admin, created_at, last_used_at, revoked_at
		FROM tokens WHERE kind = ? AND revoked_at IS NULL
	`, string(kind))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list tokens", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func scanTokens(rows *sql.Rows) ([]*Token, error) {
	var out []*Token
	for rows.Next() {
		t := &Token{}
		var kind string
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &t.Name, &t.Digest, &t.CanWrite, &t.CanAdmin, &t.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan token", err)
		}
		t.Kind = TokenKind(kind)
		if lastUsed.Valid {
			v := lastUsed.Time
			t.LastUsedAt = &v
		}
		if revoked.Valid {
			v := revoked.Time
			t.RevokedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TokenRepo) TouchLastUsed(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	_, err := r.db.conn.ExecContext(ctx, `UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "touch token", err)
	}
	return nil
}

func (r *TokenRepo) Revoke(ctx context.Context, id int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	res, err := r.db.conn.ExecContext(ctx, `UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now(), id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "revoke token", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return regerrors.New(regerrors.KindNotFound, "token not found or already revoked")
	}
	return nil
}

var errTokenNotFound = errors.New("token not found")
