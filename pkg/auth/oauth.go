package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/regerrors"
)

// oauthStateCookie carries the CSRF nonce between InitiateLogin and
// HandleCallback; it is short-lived and not the session cookie.
const oauthStateCookie = "registry_oauth_state"

// OAuth2Provider drives the authorization-code login flow: redirect to the
// provider, exchange the code, fetch userinfo, upsert the local User row.
type OAuth2Provider struct {
	oauth2Config  *oauth2.Config
	userInfoURL   string
	emailJSONPath string
	nameJSONPath  string
	users         *dbkit.UserRepo
	sessions      *SessionManager
}

// NewOAuth2Provider builds a provider from configuration.
func NewOAuth2Provider(cfg config.OAuthConfig, users *dbkit.UserRepo, sessions *SessionManager) (*OAuth2Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth config incomplete")
	}
	return &OAuth2Provider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL:   cfg.UserInfoURL,
		emailJSONPath: cfg.EmailJSONPath,
		nameJSONPath:  cfg.NameJSONPath,
		users:         users,
		sessions:      sessions,
	}, nil
}

// InitiateLogin redirects the browser to the provider's authorization
// endpoint, carrying an opaque CSRF state nonce stashed in a short-lived
// cookie for HandleCallback to verify.
func (p *OAuth2Provider) InitiateLogin(w http.ResponseWriter, r *http.Request) error {
	state, err := randomNonce(20)
	if err != nil {
		return fmt.Errorf("generate csrf state: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   p.sessions.secure,
	})
	http.Redirect(w, r, p.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusFound)
	return nil
}

// HandleCallback verifies state, exchanges code for a token, fetches
// userinfo, upserts the User row, and sets the session cookie. Any failure
// returns regerrors.KindUnauthenticated per §4.3.
func (p *OAuth2Provider) HandleCallback(w http.ResponseWriter, r *http.Request) (*dbkit.User, error) {
	wantState, err := r.Cookie(oauthStateCookie)
	if err != nil {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "missing oauth state cookie")
	}
	gotState := r.URL.Query().Get("state")
	if gotState == "" || !constantTimeEqual(gotState, wantState.Value) {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "oauth state mismatch")
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "missing authorization code")
	}

	ctx := r.Context()
	tok, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUnauthenticated, "exchange authorization code", err)
	}

	userInfo, err := p.fetchUserInfo(ctx, tok)
	if err != nil {
		return nil, err
	}

	email := jsonPathString(userInfo, p.emailJSONPath)
	name := jsonPathString(userInfo, p.nameJSONPath)
	if email == "" {
		return nil, regerrors.New(regerrors.KindUnauthenticated, "oauth userinfo missing email")
	}

	subject, _ := userInfo["sub"].(string)
	username := email
	if at := strings.IndexByte(username, '@'); at > 0 {
		username = username[:at]
	}

	user, err := p.users.Upsert(ctx, username, name, email, subject)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUnauthenticated, "persist oauth user", err)
	}

	if err := p.sessions.Seal(w, Session{UserID: user.ID, IssuedAt: time.Now()}); err != nil {
		return nil, regerrors.Wrap(regerrors.KindUnauthenticated, "seal session cookie", err)
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})
	return user, nil
}

func (p *OAuth2Provider) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	client := p.oauth2Config.Client(ctx, tok)
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUnauthenticated, "fetch userinfo", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, regerrors.New(regerrors.KindUnauthenticated, fmt.Sprintf("userinfo request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var userInfo map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, regerrors.Wrap(regerrors.KindUnauthenticated, "decode userinfo", err)
	}
	return userInfo, nil
}

// jsonPathString resolves a dotted JSON path ("profile.email") against a
// decoded userinfo map, returning "" if any segment is absent or not a
// string leaf.
func jsonPathString(data map[string]any, path string) string {
	if path == "" {
		return ""
	}
	segments := strings.Split(path, ".")
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[seg]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}
