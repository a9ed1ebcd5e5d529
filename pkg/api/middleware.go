package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/cratery/registry/pkg/auth"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

type principalKey struct{}

// principalFrom returns the authenticated principal stashed by
// requireAuth, or nil on unauthenticated routes.
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return p
}

// requestID tags every request with an id for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// requireAuth resolves a principal (§4.3) and rejects the request with 401
// when none presents. Every registry and admin route sits behind it; the
// sparse index is authenticated too (§4.4).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.kernel.Authenticate(r)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		ctx = observability.WithUserID(ctx, principal.User.Username)
		if !principal.FromToken() && s.sessions != nil {
			// Sliding session TTL: re-seal the cookie on every authenticated request.
			s.sessions.Refresh(w, auth.Session{UserID: principal.User.ID})
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// requireAdmin layers the may_admin predicate over requireAuth.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !auth.MayAdmin(principalFrom(r.Context())) {
			writeError(w, r, s.logger, regerrors.New(regerrors.KindForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
