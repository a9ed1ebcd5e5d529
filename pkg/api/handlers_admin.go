package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cratery/registry/pkg/auth"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/regerrors"
	"github.com/cratery/registry/pkg/worker"
)

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.dispatcher.Snapshot())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// Workers are machine peers authenticated by token, not browsers; the
	// origin check does not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWorkerConnect upgrades a worker's channel (§6.2). The connection
// authenticates with a global token.
func (s *Server) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	principal, err := s.kernel.Authenticate(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if principal.Token == nil || principal.Token.Kind != dbkit.TokenKindGlobalReadOnly {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindForbidden,
			"worker channel requires a global token"))
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.logger.WithError(err).Warn("worker upgrade failed")
		return
	}
	if err := s.dispatcher.ServeConn(r.Context(), ws); err != nil && r.Context().Err() == nil {
		s.logger.WithError(err).Info("worker channel closed")
	}
}

type jobView struct {
	ID        string     `json:"id"`
	VersionID int64      `json:"version_id"`
	Target    string     `json:"target"`
	UseNative bool       `json:"use_native"`
	State     string     `json:"state"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Attempts  int        `json:"attempts"`
	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.db.Jobs.ListRecent(r.Context(), 200)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID: j.ID, VersionID: j.VersionID, Target: j.Target, UseNative: j.UseNative,
			State: string(j.State), WorkerID: j.WorkerID, Attempts: j.Attempts,
			QueuedAt: j.QueuedAt, StartedAt: j.StartedAt, Finished: j.FinishedAt, Error: j.Error,
		})
	}
	writeData(w, http.StatusOK, views)
}

// mayTouchJob allows admins and owners of the job's package.
func (s *Server) mayTouchJob(r *http.Request, job *dbkit.DocGenJob) (bool, error) {
	principal := principalFrom(r.Context())
	if auth.MayAdmin(principal) {
		return true, nil
	}
	ref, err := s.db.Versions.GetRef(r.Context(), job.VersionID)
	if err != nil {
		return false, err
	}
	return s.db.Packages.IsOwner(r.Context(), ref.PackageID, principal.User.ID)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.db.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	ok, err := s.mayTouchJob(r, job)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if !ok {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindForbidden, "not allowed to cancel this job"))
		return
	}
	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.audit.LogFromRequest(r, principalFrom(r.Context()), "job_cancel", "job", id, nil)
	writeData(w, http.StatusOK, nil)
}

// handleJobLog streams a job's build log as server-sent events of
// {seq, chunk}. A reconnect with Last-Event-ID resumes from the DB-stored
// log before going live (§6.1).
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.db.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	ok, err := s.mayTouchJob(r, job)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if !ok {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindForbidden, "not allowed to read this job"))
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindInternal, "streaming unsupported"))
		return
	}

	var afterSeq int64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		afterSeq, _ = strconv.ParseInt(last, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replay so nothing published in between is lost;
	// duplicates are filtered by sequence below.
	events, cancel := s.dispatcher.Logs().Subscribe(id)
	defer cancel()

	lastSent := afterSeq
	send := func(ev worker.LogEvent) {
		if ev.Seq <= lastSent {
			return
		}
		payload, _ := json.Marshal(ev)
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, payload)
		flusher.Flush()
		lastSent = ev.Seq
	}

	lines, seqs, err := s.db.Jobs.LogsSince(r.Context(), id, afterSeq)
	if err != nil {
		return
	}
	for i := range lines {
		send(worker.LogEvent{Seq: seqs[i], Chunk: lines[i]})
	}

	terminal := func(state dbkit.DocGenJobState) bool {
		return state == dbkit.DocGenSucceeded || state == dbkit.DocGenFailed || state == dbkit.DocGenCancelled
	}
	if terminal(job.State) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", job.State)
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			send(ev)
		case <-ticker.C:
			j, err := s.db.Jobs.Get(r.Context(), id)
			if err != nil {
				return
			}
			if terminal(j.State) {
				// Drain anything persisted after our last event, then close.
				if lines, seqs, err := s.db.Jobs.LogsSince(r.Context(), id, lastSent); err == nil {
					for i := range lines {
						send(worker.LogEvent{Seq: seqs[i], Chunk: lines[i]})
					}
				}
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", j.State)
				flusher.Flush()
				return
			}
		}
	}
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.db.Orphans.ListUnresolved(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, orphans)
}

type userView struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Roles       string `json:"roles"`
	IsActive    bool   `json:"is_active"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.db.Users.ListAll(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{
			ID: u.ID, Login: u.Username, DisplayName: u.DisplayName,
			Email: u.Email, Roles: u.Roles, IsActive: u.IsActive,
		})
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) userIDFromPath(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, regerrors.New(regerrors.KindInvalid, "bad user id")
	}
	return id, nil
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := s.userIDFromPath(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	principal := principalFrom(r.Context())
	if principal.User.ID == id {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindConflict, "cannot deactivate yourself"))
		return
	}
	if err := s.db.Users.Deactivate(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.audit.LogFromRequest(r, principal, "user_deactivate", "user", mux.Vars(r)["id"], nil)
	writeData(w, http.StatusOK, nil)
}

type setRolesRequest struct {
	Roles string `json:"roles"`
}

func (s *Server) handleSetRoles(w http.ResponseWriter, r *http.Request) {
	id, err := s.userIDFromPath(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	var req setRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, s.logger, regerrors.Wrap(regerrors.KindInvalid, "malformed roles body", err))
		return
	}
	if err := s.db.Users.SetRoles(r.Context(), id, req.Roles); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.audit.LogFromRequest(r, principalFrom(r.Context()), "user_roles", "user", mux.Vars(r)["id"], nil)
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleListGlobalTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.db.Tokens.ListActiveGlobal(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{ID: t.ID, Name: t.Name})
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleCreateGlobalToken(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindInvalid, "token name required"))
		return
	}
	plaintext, token, err := s.kernel.IssueGlobalReadOnlyToken(r.Context(), principal.User, req.Name)
	s.audit.LogFromRequest(r, principal, "global_token_create", "token", req.Name, err)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, tokenView{ID: token.ID, Name: token.Name, Secret: plaintext})
}

func (s *Server) handleRevokeGlobalToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindInvalid, "bad token id"))
		return
	}
	if err := s.kernel.RevokeToken(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.audit.LogFromRequest(r, principalFrom(r.Context()), "global_token_revoke", "token", mux.Vars(r)["id"], nil)
	writeData(w, http.StatusOK, nil)
}
