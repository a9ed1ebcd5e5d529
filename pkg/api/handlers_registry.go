package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cratery/registry/pkg/auth"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/regerrors"
)

// handleIndexConfig serves the sparse index root config.
func (s *Server) handleIndexConfig(w http.ResponseWriter, r *http.Request) {
	body, err := s.idx.RootConfigBytes()
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleSparseFile maps the request path to an index file. The crate name
// is the last segment; the rest must be its canonical shard path, which
// stops traversal games before they reach the filesystem.
func (s *Server) handleSparseFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.Trim(r.URL.Path, "/")
	name := rel[strings.LastIndex(rel, "/")+1:]
	if name == "" || filepath.ToSlash(index.ShardPath(name)) != rel {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindNotFound, "not an index path"))
		return
	}

	body, etag, err := s.idx.CrateFile(r.Context(), name)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Trim(match, `"`) == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Content-Type", "text/plain")
	w.Write(body)
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	if err := s.gitsmart.InfoRefs(w, r); err != nil {
		writeError(w, r, s.logger, err)
	}
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	if err := s.gitsmart.UploadPack(w, r); err != nil {
		writeError(w, r, s.logger, err)
	}
}

// publishResponse mirrors crates.io's answer shape.
type publishResponse struct {
	Warnings struct {
		InvalidCategories []string `json:"invalid_categories"`
		InvalidBadges     []string `json:"invalid_badges"`
		Other             []string `json:"other"`
	} `json:"warnings"`
}

// handlePublish is PUT /api/v1/crates/new (§4.5).
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	// The framing adds two 4-byte lengths on top of the payload budget.
	body := http.MaxBytesReader(w, r.Body, s.cfg.Web.BodyLimit+8)
	res, err := s.pipeline.Publish(r.Context(), principal, body)
	s.audit.LogFromRequest(r, principal, "publish", "crate", r.URL.Path, err)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	resp := publishResponse{}
	resp.Warnings.Other = res.Warnings
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleYank(w http.ResponseWriter, r *http.Request) {
	s.setYanked(w, r, true)
}

func (s *Server) handleUnyank(w http.ResponseWriter, r *http.Request) {
	s.setYanked(w, r, false)
}

func (s *Server) setYanked(w http.ResponseWriter, r *http.Request, yanked bool) {
	vars := mux.Vars(r)
	principal := principalFrom(r.Context())
	err := s.pipeline.SetYanked(r.Context(), principal, vars["name"], vars["version"], yanked)
	s.audit.LogFromRequest(r, principal, fmt.Sprintf("yank=%v", yanked), "crate", vars["name"]+"@"+vars["version"], err)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	principal := principalFrom(r.Context())
	err := s.pipeline.RemoveVersion(r.Context(), principal, vars["name"], vars["version"])
	s.audit.LogFromRequest(r, principal, "remove_version", "crate", vars["name"]+"@"+vars["version"], err)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// handleDownload streams the crate tarball and bumps the download counter
// and histogram.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, version := vars["name"], vars["version"]

	pkg, err := s.db.Packages.GetByName(r.Context(), name)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	v, err := s.db.Versions.Get(r.Context(), pkg.ID, version)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	blob, err := s.blobs.Get(r.Context(), fmt.Sprintf("crates/%s/%s", pkg.Name, version))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	// Counter updates are best-effort; a failed bump must not fail the
	// download.
	if err := s.db.Versions.RecordDownload(r.Context(), v.ID); err != nil {
		s.logger.WithError(err).WithField("crate", name).Warn("download count update failed")
	}

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.crate"`, pkg.Name, version))
	w.Write(blob)
}

type searchResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Deprecated  bool   `json:"deprecated"`
}

// handleSearch is GET /api/v1/crates?q=… — substring match over names.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindInvalid, "missing query parameter q"))
		return
	}
	packages, err := s.db.Packages.Search(r.Context(), q, 50)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	results := make([]searchResult, 0, len(packages))
	for _, p := range packages {
		results = append(results, searchResult{Name: p.Name, Description: p.Description, Deprecated: p.IsDeprecated})
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"crates": results,
		"meta":   map[string]int{"total": len(results)},
	})
}

type ownerView struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.db.Packages.GetByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	owners, err := s.db.Packages.Owners(r.Context(), pkg.ID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	views := make([]ownerView, 0, len(owners))
	for _, o := range owners {
		views = append(views, ownerView{ID: o.ID, Login: o.Username, Name: o.DisplayName})
	}
	writeData(w, http.StatusOK, map[string]interface{}{"users": views})
}

type ownersRequest struct {
	Users []string `json:"users"`
}

func (s *Server) handleAddOwners(w http.ResponseWriter, r *http.Request) {
	s.mutateOwners(w, r, func(pkgID, userID int64) error {
		return s.db.Packages.AddOwner(r.Context(), pkgID, userID)
	})
}

func (s *Server) handleRemoveOwners(w http.ResponseWriter, r *http.Request) {
	s.mutateOwners(w, r, func(pkgID, userID int64) error {
		owners, err := s.db.Packages.Owners(r.Context(), pkgID)
		if err != nil {
			return err
		}
		if len(owners) <= 1 {
			// The last owner goes only together with the package (§3).
			return regerrors.New(regerrors.KindConflict, "cannot remove the last owner")
		}
		return s.db.Packages.RemoveOwner(r.Context(), pkgID, userID)
	})
}

func (s *Server) mutateOwners(w http.ResponseWriter, r *http.Request, op func(pkgID, userID int64) error) {
	name := mux.Vars(r)["name"]
	principal := principalFrom(r.Context())

	pkg, err := s.db.Packages.GetByName(r.Context(), name)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	ok, err := auth.MayManageOwners(principal, func(userID int64) (bool, error) {
		return s.db.Packages.IsOwner(r.Context(), pkg.ID, userID)
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if !ok {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindForbidden,
			fmt.Sprintf("not allowed to manage owners of %q", name)))
		return
	}

	var req ownersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, s.logger, regerrors.Wrap(regerrors.KindInvalid, "malformed owners body", err))
		return
	}
	for _, login := range req.Users {
		user, err := s.db.Users.GetByUsername(r.Context(), login)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		if err := op(pkg.ID, user.ID); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
	}
	s.audit.LogFromRequest(r, principal, "owners_change", "crate", name, nil)
	writeData(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRegenDocs re-enqueues doc builds for a version at user priority;
// user-triggered jobs bypass queue backpressure (§4.6).
func (s *Server) handleRegenDocs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	principal := principalFrom(r.Context())

	pkg, err := s.db.Packages.GetByName(r.Context(), vars["name"])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	ok, err := auth.MayPublish(principal, func(userID int64) (bool, error) {
		return s.db.Packages.IsOwner(r.Context(), pkg.ID, userID)
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if !ok {
		writeError(w, r, s.logger, regerrors.New(regerrors.KindForbidden,
			fmt.Sprintf("not an owner of %q", pkg.Name)))
		return
	}
	v, err := s.db.Versions.Get(r.Context(), pkg.ID, vars["version"])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	native := map[string]bool{}
	for _, t := range dbkit.TargetList(pkg.NativeTargets) {
		native[t] = true
	}
	var jobIDs []string
	for _, target := range dbkit.TargetList(pkg.DocTargets) {
		job := &dbkit.DocGenJob{
			ID:            uuid.NewString(),
			VersionID:     v.ID,
			Target:        target,
			UseNative:     native[target],
			Capabilities:  pkg.Capabilities,
			TriggerUserID: principal.User.ID,
			TriggerKind:   dbkit.TriggerUser,
		}
		if err := s.dispatcher.Enqueue(r.Context(), job); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}
	writeData(w, http.StatusAccepted, map[string]interface{}{"jobs": jobIDs})
}

// handleAnalyzeDeps runs the on-demand dependency audit inline (§4.8).
func (s *Server) handleAnalyzeDeps(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := s.analyzer.AnalyzeOnDemand(r.Context(), vars["name"], vars["version"])
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, report)
}
