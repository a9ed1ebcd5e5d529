package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	secret := strings.Repeat("x", 64)
	m, err := NewSessionManager([]byte(secret), false)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	return m
}

func TestSessionManager_SealOpenRoundTrip(t *testing.T) {
	m := newTestSessionManager(t)
	rec := httptest.NewRecorder()

	want := Session{UserID: 42, IssuedAt: time.Now()}
	if err := m.Seal(rec, want); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	got, err := m.Open(req)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.UserID != want.UserID {
		t.Errorf("UserID = %v, want %v", got.UserID, want.UserID)
	}
}

func TestSessionManager_OpenMissingCookie(t *testing.T) {
	m := newTestSessionManager(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := m.Open(req); err == nil {
		t.Error("Open() error = nil, want error for missing cookie")
	}
}

func TestSessionManager_OpenTamperedCookie(t *testing.T) {
	m := newTestSessionManager(t)
	rec := httptest.NewRecorder()
	if err := m.Seal(rec, Session{UserID: 1, IssuedAt: time.Now()}); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	cookies := rec.Result().Cookies()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	tampered := *cookies[0]
	tampered.Value = tampered.Value + "x"
	req.AddCookie(&tampered)

	if _, err := m.Open(req); err == nil {
		t.Error("Open() error = nil, want error for tampered cookie")
	}
}

func TestSessionManager_OpenExpired(t *testing.T) {
	m := newTestSessionManager(t)
	rec := httptest.NewRecorder()
	stale := Session{UserID: 1, IssuedAt: time.Now().Add(-31 * 24 * time.Hour)}
	if err := m.Seal(rec, stale); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	if _, err := m.Open(req); err == nil {
		t.Error("Open() error = nil, want error for expired session")
	}
}

func TestSessionManager_Clear(t *testing.T) {
	m := newTestSessionManager(t)
	rec := httptest.NewRecorder()
	m.Clear(rec)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("Clear() cookies = %+v, want one cookie with negative MaxAge", cookies)
	}
}

func TestNewSessionManager_RejectsShortSecret(t *testing.T) {
	if _, err := NewSessionManager([]byte("too-short"), false); err == nil {
		t.Error("NewSessionManager() error = nil, want error for short secret")
	}
}
