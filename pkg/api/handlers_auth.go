package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/regerrors"
)

// handleLogin starts the OAuth2 authorization-code flow (§4.3).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.InitiateLogin(w, r); err != nil {
		writeError(w, r, s.logger, err)
	}
}

// handleOAuthCallback finishes the flow: state check, code exchange,
// userinfo fetch, user upsert, session cookie.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	user, err := s.oauth.HandleCallback(w, r)
	s.audit.LogFromRequest(r, nil, "login", "user", r.URL.Query().Get("state"), err)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id": user.ID, "username": user.Username,
	}).Info("oauth login")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	writeData(w, http.StatusOK, nil)
}

type meView struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Roles       string `json:"roles"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := principalFrom(r.Context()).User
	writeData(w, http.StatusOK, meView{
		ID: u.ID, Login: u.Username, DisplayName: u.DisplayName, Email: u.Email, Roles: u.Roles,
	})
}

// tokenView never carries the digest (§8: digests never appear in
// responses).
type tokenView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	CanWrite bool   `json:"can_write"`
	CanAdmin bool   `json:"can_admin"`
	// Secret is present exactly once, on the creation response.
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleListMyTokens(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	tokens, err := s.db.Tokens.ListActiveForUser(r.Context(), principal.User.ID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{ID: t.ID, Name: t.Name, CanWrite: t.CanWrite, CanAdmin: t.CanAdmin})
	}
	writeData(w, http.StatusOK, views)
}

type createTokenRequest struct {
	Name     string `json:"name"`
	CanWrite bool   `json:"can_write"`
	CanAdmin bool   `json:"can_admin"`
}

func (s *Server) handleCreateMyToken(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindInvalid, "token name required"))
		return
	}

	plaintext, token, err := s.kernel.IssueUserToken(r.Context(), principal.User, req.Name, req.CanWrite, req.CanAdmin)
	s.audit.LogFromRequest(r, principal, "token_create", "token", req.Name, err)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, tokenView{
		ID: token.ID, Name: token.Name, CanWrite: token.CanWrite, CanAdmin: token.CanAdmin,
		Secret: plaintext,
	})
}

func (s *Server) handleRevokeMyToken(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindInvalid, "bad token id"))
		return
	}

	tokens, err := s.db.Tokens.ListActiveForUser(r.Context(), principal.User.ID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	owned := false
	for _, t := range tokens {
		if t.ID == id && t.Kind == dbkit.TokenKindUser {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindNotFound, "token not found"))
		return
	}

	if err := s.kernel.RevokeToken(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.audit.LogFromRequest(r, principal, "token_revoke", "token", mux.Vars(r)["id"], nil)
	writeData(w, http.StatusOK, nil)
}
