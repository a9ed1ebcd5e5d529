package dbkit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cratery/registry/pkg/regerrors"
)

// PackageRepo persists Package rows and their owner set.
type PackageRepo struct {
	db    *DB
	cache *cacheLayer
}

const packageColumns = `id, name, lower_name, description, doc_targets, native_targets, capabilities, is_deprecated, can_overwrite, created_at`

func scanPackage(row scanner) (*Package, error) {
	p := &Package{}
	err := row.Scan(&p.ID, &p.Name, &p.LowerName, &p.Description, &p.DocTargets, &p.NativeTargets,
		&p.Capabilities, &p.IsDeprecated, &p.CanOverwrite, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, regerrors.New(regerrors.KindNotFound, "package not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan package", err)
	}
	return p, nil
}

// Create registers a new package name. The unique index on lower_name is
// what actually enforces case-insensitive collision; a SQLite constraint
// violation is translated to regerrors.CodeNameCollision. docTargets,
// nativeTargets and capabilities are ordered comma-separated lists declared
// by the publisher's manifest.
func (r *PackageRepo) Create(ctx context.Context, name, description, docTargets, nativeTargets, capabilities string, ownerID int64) (*Package, error) {
	ctx, span := tracer.Start(ctx, "Packages.Create", trace.WithAttributes(
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.table", "packages"),
		attribute.String("package.name", name),
	))
	defer span.End()

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	lower := strings.ToLower(name)
	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO packages (name, lower_name, description, doc_targets, native_targets, capabilities, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, name, lower, description, docTargets, nativeTargets, capabilities, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		if isUniqueViolation(err) {
			return nil, regerrors.New(regerrors.KindConflict, fmt.Sprintf("package %q already exists", name)).WithCode(regerrors.CodeNameCollision)
		}
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "create package", err)
	}
	id, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO package_owners (package_id, user_id, added_at) VALUES (?, ?, ?)
	`, id, ownerID, now); err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "add initial owner", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "commit", err)
	}
	return &Package{
		ID: id, Name: name, LowerName: lower, Description: description,
		DocTargets: docTargets, NativeTargets: nativeTargets, Capabilities: capabilities,
		CreatedAt: now,
	}, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func packageCacheKey(lower string) string { return "pkg:" + lower }

// GetByName looks up a package case-insensitively, through the L1/L2
// cache when enabled.
func (r *PackageRepo) GetByName(ctx context.Context, name string) (*Package, error) {
	lower := strings.ToLower(name)
	if cached, ok := r.cache.get(ctx, packageCacheKey(lower)); ok {
		p := &Package{}
		if err := json.Unmarshal([]byte(cached), p); err == nil {
			return p, nil
		}
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	p, err := scanPackage(r.db.conn.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE lower_name = ?`, lower))
	if err != nil {
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			return nil, regerrors.New(regerrors.KindNotFound, fmt.Sprintf("package %q not found", name))
		}
		return nil, err
	}
	if encoded, err := json.Marshal(p); err == nil {
		r.cache.set(ctx, packageCacheKey(lower), string(encoded))
	}
	return p, nil
}

// invalidateByID clears the cache entry for a package addressed by id, for
// the mutators that don't already hold the name.
func (r *PackageRepo) invalidateByID(ctx context.Context, id int64) {
	var lower string
	if err := r.db.conn.QueryRowContext(ctx, `SELECT lower_name FROM packages WHERE id = ?`, id).Scan(&lower); err == nil {
		r.cache.invalidate(ctx, packageCacheKey(lower))
	}
}

// SetDeprecated flips the admin-managed isDeprecated flag.
func (r *PackageRepo) SetDeprecated(ctx context.Context, id int64, deprecated bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	_, err := r.db.conn.ExecContext(ctx, `UPDATE packages SET is_deprecated = ? WHERE id = ?`, deprecated, id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "set deprecated", err)
	}
	r.invalidateByID(ctx, id)
	return nil
}

// SetTargets replaces the declared doc/native target lists and capability
// tags, the per-package knobs the doc-build dispatcher matches on.
func (r *PackageRepo) SetTargets(ctx context.Context, id int64, docTargets, nativeTargets, capabilities string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE packages SET doc_targets = ?, native_targets = ?, capabilities = ? WHERE id = ?
	`, docTargets, nativeTargets, capabilities, id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "set targets", err)
	}
	r.invalidateByID(ctx, id)
	return nil
}

// SetCanOverwrite flips whether republishing an existing version is allowed.
// Per §4.5 step 3, flipping this to true is itself an admin-only action.
func (r *PackageRepo) SetCanOverwrite(ctx context.Context, id int64, allow bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	_, err := r.db.conn.ExecContext(ctx, `UPDATE packages SET can_overwrite = ? WHERE id = ?`, allow, id)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "set can_overwrite", err)
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *PackageRepo) Owners(ctx context.Context, packageID int64) ([]*User, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT u.`+userColumns+`
		FROM package_owners po JOIN users u ON u.id = po.user_id
		WHERE po.package_id = ?
	`, packageID)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list owners", err)
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

func (r *PackageRepo) IsOwner(ctx context.Context, packageID, userID int64) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var one int
	err := r.db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM package_owners WHERE package_id = ? AND user_id = ?
	`, packageID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, regerrors.Wrap(regerrors.KindStorageUnavailable, "check owner", err)
	}
	return true, nil
}

func (r *PackageRepo) AddOwner(ctx context.Context, packageID, userID int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO package_owners (package_id, user_id, added_at) VALUES (?, ?, ?)
	`, packageID, userID, time.Now())
	if err != nil {
		if isUniqueViolation(err) {
			return regerrors.New(regerrors.KindConflict, "user is already an owner").WithCode(regerrors.CodeOwnerAlreadyPresent)
		}
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "add owner", err)
	}
	return nil
}

func (r *PackageRepo) RemoveOwner(ctx context.Context, packageID, userID int64) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, `
		DELETE FROM package_owners WHERE package_id = ? AND user_id = ?
	`, packageID, userID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "remove owner", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return regerrors.New(regerrors.KindNotFound, "user is not an owner")
	}
	return nil
}

// Search does a case-insensitive substring match over name and description,
// ranked by total downloads across all versions.
func (r *PackageRepo) Search(ctx context.Context, q string, limit int) ([]*Package, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT p.id, p.name, p.lower_name, p.description, p.doc_targets, p.native_targets,
		       p.capabilities, p.is_deprecated, p.can_overwrite, p.created_at
		FROM packages p
		WHERE p.lower_name LIKE ? OR LOWER(p.description) LIKE ?
		ORDER BY (SELECT COALESCE(SUM(downloads_total), 0) FROM package_versions WHERE package_id = p.id) DESC
		LIMIT ?
	`, "%"+strings.ToLower(q)+"%", "%"+strings.ToLower(q)+"%", limit)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "search packages", err)
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
