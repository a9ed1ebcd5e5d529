package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// SessionCookieName is the cookie holding the sealed session payload.
const SessionCookieName = "registry_session"

// SessionTTL is the sliding session lifetime (§4.3).
const SessionTTL = 30 * 24 * time.Hour

// SessionManager seals and opens session cookies with AES-GCM, keyed by a
// configured 64-byte secret (only the first 32 bytes key AES-256; the rest
// gives headroom for future key rotation without a cookie format change).
type SessionManager struct {
	aead   cipher.AEAD
	secure bool
}

// NewSessionManager builds a manager from a >=32-byte secret. secure
// controls the cookie's Secure flag and should be true outside local dev.
func NewSessionManager(secret []byte, secure bool) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	block, err := aes.NewCipher(secret[:32])
	if err != nil {
		return nil, fmt.Errorf("build aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	return &SessionManager{aead: aead, secure: secure}, nil
}

// Seal encodes sess as JSON, seals it, and sets it on w as SessionCookieName.
func (m *SessionManager) Seal(w http.ResponseWriter, sess Session) error {
	plain, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, plain, nil)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     "/",
		MaxAge:   int(SessionTTL.Seconds()),
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie, used on logout.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Open reads and verifies the session cookie from r, returning
// regerrors.KindUnauthenticated if absent, malformed, or expired.
func (m *SessionManager) Open(r *http.Request) (Session, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return Session{}, regerrors.New(regerrors.KindUnauthenticated, "no session cookie")
	}

	sealed, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return Session{}, regerrors.Wrap(regerrors.KindUnauthenticated, "malformed session cookie", err)
	}
	nonceSize := m.aead.NonceSize()
	if len(sealed) < nonceSize {
		return Session{}, regerrors.New(regerrors.KindUnauthenticated, "malformed session cookie")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plain, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Session{}, regerrors.Wrap(regerrors.KindUnauthenticated, "invalid session cookie", err)
	}

	var sess Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return Session{}, regerrors.Wrap(regerrors.KindUnauthenticated, "corrupt session payload", err)
	}
	if sess.Expired(SessionTTL) {
		return Session{}, regerrors.New(regerrors.KindUnauthenticated, "session expired")
	}
	return sess, nil
}

// Refresh re-seals the session with IssuedAt advanced to now, implementing
// the sliding TTL; the API's requireAuth middleware calls it after every
// successful cookie authentication.
func (m *SessionManager) Refresh(w http.ResponseWriter, sess Session) error {
	sess.IssuedAt = time.Now()
	return m.Seal(w, sess)
}
