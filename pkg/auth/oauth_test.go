package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/dbkit"
)

// fakeProvider stands in for a real OAuth2 authorization server: it issues
// a fixed code, accepts any token exchange, and serves a canned userinfo
// document under configured JSON paths.
func newFakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fake-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub": "provider-subject-1",
			"profile": map[string]any{
				"email": "alice@example.com",
				"name":  "Alice Example",
			},
		})
	})
	return httptest.NewServer(mux)
}

func newTestProvider(t *testing.T) (*OAuth2Provider, *dbkit.DB, *httptest.Server) {
	t.Helper()
	srv := newFakeProvider(t)
	t.Cleanup(srv.Close)

	db, err := dbkit.Open(dbkit.Config{Path: ":memory:", QueryTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("dbkit.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := newTestSessionManager(t)
	p, err := NewOAuth2Provider(config.OAuthConfig{
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		AuthURL:       srv.URL + "/authorize",
		TokenURL:      srv.URL + "/token",
		UserInfoURL:   srv.URL + "/userinfo",
		RedirectURL:   "http://registry.example/callback",
		Scopes:        []string{"openid", "email"},
		EmailJSONPath: "profile.email",
		NameJSONPath:  "profile.name",
	}, db.Users, sessions)
	if err != nil {
		t.Fatalf("NewOAuth2Provider() error = %v", err)
	}
	return p, db, srv
}

func TestOAuth2Provider_InitiateLoginSetsStateCookie(t *testing.T) {
	p, _, _ := newTestProvider(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	if err := p.InitiateLogin(rec, req); err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if loc.Query().Get("state") == "" {
		t.Error("redirect missing state param")
	}

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("oauth state cookie not set")
	}
	if stateCookie.Value != loc.Query().Get("state") {
		t.Error("state cookie does not match redirect state param")
	}
}

func TestOAuth2Provider_HandleCallback(t *testing.T) {
	p, db, _ := newTestProvider(t)

	loginRec := httptest.NewRecorder()
	loginReq := httptest.NewRequest(http.MethodGet, "/login", nil)
	if err := p.InitiateLogin(loginRec, loginReq); err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}
	var stateCookie *http.Cookie
	for _, c := range loginRec.Result().Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	state := stateCookie.Value

	callbackReq := httptest.NewRequest(http.MethodGet, "/callback?code=fake-code&state="+state, nil)
	callbackReq.AddCookie(stateCookie)
	callbackRec := httptest.NewRecorder()

	user, err := p.HandleCallback(callbackRec, callbackReq)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("user.Email = %q, want alice@example.com", user.Email)
	}
	if !user.IsAdmin() {
		t.Error("first oauth user should be implicitly admin")
	}

	found := false
	for _, c := range callbackRec.Result().Cookies() {
		if c.Name == SessionCookieName {
			found = true
		}
	}
	if !found {
		t.Error("HandleCallback() did not set session cookie")
	}

	persisted, err := db.Users.GetByUsername(callbackReq.Context(), "alice")
	if err != nil {
		t.Fatalf("GetByUsername() error = %v", err)
	}
	if persisted.OAuthSubject != "provider-subject-1" {
		t.Errorf("OAuthSubject = %q, want provider-subject-1", persisted.OAuthSubject)
	}
}

func TestOAuth2Provider_HandleCallbackRejectsStateMismatch(t *testing.T) {
	p, _, _ := newTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=fake-code&state=wrong", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "expected"})
	rec := httptest.NewRecorder()

	if _, err := p.HandleCallback(rec, req); err == nil {
		t.Error("HandleCallback() error = nil, want error for state mismatch")
	}
}

func TestOAuth2Provider_HandleCallbackRejectsMissingCode(t *testing.T) {
	p, _, _ := newTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/callback?state=s", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s"})
	rec := httptest.NewRecorder()

	if _, err := p.HandleCallback(rec, req); err == nil {
		t.Error("HandleCallback() error = nil, want error for missing code")
	}
}
