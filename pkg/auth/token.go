package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/regerrors"
)

// TokenPrefix identifies registry credentials in logs and UIs.
const TokenPrefix = "reg_"

// tokenSecretBytes is the amount of entropy in a generated token's secret
// portion (32 bytes = 256 bits).
const tokenSecretBytes = 32

// Kernel resolves principals from cookie sessions and bearer/basic tokens.
type Kernel struct {
	users    *dbkit.UserRepo
	tokens   *dbkit.TokenRepo
	sessions *SessionManager
}

// NewKernel builds an auth kernel over the metadata database's user and
// token repositories.
func NewKernel(users *dbkit.UserRepo, tokens *dbkit.TokenRepo, sessions *SessionManager) *Kernel {
	return &Kernel{users: users, tokens: tokens, sessions: sessions}
}

// GenerateToken creates a new credential: plaintext is returned exactly
// once to the caller, digest is what gets persisted.
func GenerateToken() (plaintext, digest string, err error) {
	raw := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate token entropy: %w", err)
	}
	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return plaintext, string(hash), nil
}

// verify does a constant-time-safe bcrypt comparison of plaintext against
// digest, returning true on an exact match.
func verify(digest, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}

// Authenticate resolves a principal from r: first a session cookie, then an
// Authorization header (Basic login:secret against a user's tokens, or
// Bearer secret against the global read-only tokens). Returns
// regerrors.KindUnauthenticated if no credential resolves.
func (k *Kernel) Authenticate(r *http.Request) (*Principal, error) {
	if sess, err := k.sessions.Open(r); err == nil {
		user, err := k.users.GetByID(r.Context(), sess.UserID)
		if err != nil {
			return nil, regerrors.New(regerrors.KindUnauthenticated, "session user no longer exists")
		}
		if !user.IsActive {
			return nil, regerrors.New(regerrors.KindUnauthenticated, "user deactivated")
		}
		return &Principal{User: user}, nil
	}

	if login, secret, ok := r.BasicAuth(); ok {
		return k.authenticateUserToken(r.Context(), login, secret)
	}
	if bearer := bearerToken(r); bearer != "" {
		return k.authenticateGlobalToken(r.Context(), bearer)
	}
	return nil, regerrors.New(regerrors.KindUnauthenticated, "no credential presented")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func (k *Kernel) authenticateUserToken(ctx context.Context, login, secret string) (*Principal, error) {
	user, err := k.users.GetByUsername(ctx, login)
	if err != nil {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "invalid credentials")
	}
	if !user.IsActive {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "user deactivated")
	}

	candidates, err := k.tokens.ListActiveForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if t.Kind != dbkit.TokenKindUser {
			continue
		}
		if verify(t.Digest, secret) {
			k.tokens.TouchLastUsed(ctx, t.ID)
			return &Principal{User: user, Token: t}, nil
		}
	}
	return nil, regerrors.New(regerrors.KindUnauthenticated, "invalid credentials")
}

func (k *Kernel) authenticateGlobalToken(ctx context.Context, secret string) (*Principal, error) {
	candidates, err := k.tokens.ListActiveGlobal(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		if verify(t.Digest, secret) {
			k.tokens.TouchLastUsed(ctx, t.ID)
			user, err := k.users.GetByID(ctx, t.UserID)
			if err != nil {
				return nil, regerrors.New(regerrors.KindUnauthenticated, "invalid credentials")
			}
			return &Principal{User: user, Token: t}, nil
		}
	}
	return nil, regerrors.New(regerrors.KindUnauthenticated, "invalid credentials")
}

// IssueUserToken creates and persists a user-scoped token, returning the
// plaintext exactly once. canWrite/canAdmin are clamped to the user's own
// effective roles so a non-admin can never mint an admin-capable token.
func (k *Kernel) IssueUserToken(ctx context.Context, user *dbkit.User, name string, canWrite, canAdmin bool) (plaintext string, token *dbkit.Token, err error) {
	if canAdmin && !user.IsAdmin() {
		canAdmin = false
	}
	plaintext, digest, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}
	t := &dbkit.Token{
		UserID:   user.ID,
		Kind:     dbkit.TokenKindUser,
		Name:     name,
		Digest:   digest,
		CanWrite: canWrite,
		CanAdmin: canAdmin,
	}
	t, err = k.tokens.Create(ctx, t)
	if err != nil {
		return "", nil, err
	}
	return plaintext, t, nil
}

// IssueGlobalReadOnlyToken creates a global read-only token owned by an
// admin-designated service account, for CI systems needing index/download
// access without per-user credentials.
func (k *Kernel) IssueGlobalReadOnlyToken(ctx context.Context, owner *dbkit.User, name string) (plaintext string, token *dbkit.Token, err error) {
	plaintext, digest, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}
	t := &dbkit.Token{
		UserID: owner.ID,
		Kind:   dbkit.TokenKindGlobalReadOnly,
		Name:   name,
		Digest: digest,
	}
	t, err = k.tokens.Create(ctx, t)
	if err != nil {
		return "", nil, err
	}
	return plaintext, t, nil
}

// RevokeToken revokes a token the caller is authorized to manage. Callers
// must check ownership before invoking this.
func (k *Kernel) RevokeToken(ctx context.Context, tokenID int64) error {
	return k.tokens.Revoke(ctx, tokenID)
}

// constantTimeEqual is exposed for OAuth's CSRF state comparison, which
// must not leak timing information about a partial match.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// randomNonce returns a URL-safe random string suitable for a CSRF state
// nonce, base32-encoded to stay readable in redirect query strings.
func randomNonce(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)), nil
}
