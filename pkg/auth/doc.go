// Package auth implements the registry's authentication kernel: cookie
// sessions issued after an OAuth2 login, and bearer/basic API tokens
// presented by Cargo itself, plus the RBAC predicates built on top of them.
//
// # Overview
//
// Two credential forms coexist. A browser login produces an AEAD-sealed
// session cookie carrying {user_id, issued_at} with a sliding 30-day TTL
// (session.go). Cargo's publish/yank/download requests instead carry
// Authorization: Basic login:secret (resolved against a user's own tokens)
// or Authorization: Bearer secret (resolved against the global read-only
// tokens) — see token.go's Kernel.Authenticate.
//
// # Token issuance
//
//	plaintext, tok, err := kernel.IssueUserToken(ctx, user, "laptop", true, false)
//	// plaintext is shown to the caller exactly once; only its bcrypt digest
//	// is ever persisted (dbkit.Token.Digest).
//
// # Authorization predicates
//
// MayReadIndex, MayPublish, MayAdmin, and MayManageOwners take a *Principal
// and, where package ownership matters, an OwnerChecker callback so this
// package never needs to import the package repository directly.
//
// # OAuth2 login
//
// oauth.go drives the authorization-code flow: InitiateLogin redirects with
// a random CSRF state nonce (not HMAC-signed) mirrored in a short-lived
// cookie; HandleCallback compares the two, exchanges the
// code, fetches userinfo, extracts email/name via configured JSON paths,
// and upserts the dbkit.User row before sealing the session cookie.
//
// # Audit logging
//
// audit.go's AuditLogger writes through dbkit.AuditRepo; callers attribute
// each entry to the resolved *Principal when one exists.
package auth
