package auth

import (
	"time"

	"github.com/cratery/registry/pkg/dbkit"
)

// Principal is the resolved identity behind an authenticated request,
// carrying either a cookie session's user or a token, never both.
type Principal struct {
	User  *dbkit.User
	Token *dbkit.Token // nil for cookie-session principals
}

// FromToken reports whether this principal authenticated via a bearer/basic
// token rather than a browser session cookie.
func (p *Principal) FromToken() bool { return p.Token != nil }

// canWrite reports whether the principal may mutate state. Cookie sessions
// always can; token principals only if the token was issued with canWrite.
func (p *Principal) canWrite() bool {
	if p.Token == nil {
		return true
	}
	return p.Token.CanWrite
}

// canAdmin mirrors canWrite for admin-only operations.
func (p *Principal) canAdmin() bool {
	if p.Token == nil {
		return true
	}
	return p.Token.CanAdmin
}

// OwnerChecker resolves whether a user owns a given package, letting the
// RBAC predicates stay independent of pkg/dbkit's package repository.
type OwnerChecker func(userID int64) (bool, error)

// MayReadIndex permits any authenticated principal.
func MayReadIndex(p *Principal) bool {
	return p != nil && p.User != nil
}

// MayPublish permits a principal that owns the package (or is admin) and,
// for token principals, carries canWrite.
func MayPublish(p *Principal, isOwner OwnerChecker) (bool, error) {
	if p == nil || p.User == nil || !p.canWrite() {
		return false, nil
	}
	if p.User.IsAdmin() {
		return true, nil
	}
	return isOwner(p.User.ID)
}

// MayAdmin permits a principal with the admin role and, for token
// principals, carrying canAdmin.
func MayAdmin(p *Principal) bool {
	return p != nil && p.User != nil && p.User.IsAdmin() && p.canAdmin()
}

// MayManageOwners permits a principal that owns the package (or is admin)
// and, for token principals, carries canAdmin.
func MayManageOwners(p *Principal, isOwner OwnerChecker) (bool, error) {
	if p == nil || p.User == nil || !p.canAdmin() {
		return false, nil
	}
	if p.User.IsAdmin() {
		return true, nil
	}
	return isOwner(p.User.ID)
}

// Session is the payload sealed inside the session cookie.
type Session struct {
	UserID   int64     `json:"user_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Expired reports whether the session has exceeded its sliding TTL measured
// from IssuedAt, which SessionManager.Refresh advances on every
// cookie-authenticated API request.
func (s Session) Expired(ttl time.Duration) bool {
	return time.Since(s.IssuedAt) > ttl
}
