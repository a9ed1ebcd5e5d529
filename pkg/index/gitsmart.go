package index

import (
	"fmt"
	"net/http"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitserver "github.com/go-git/go-git/v5/plumbing/transport/server"

	"github.com/cratery/registry/pkg/regerrors"
)

// GitSmart serves the index repository read-only over the git smart-HTTP
// protocol: GET /info/refs?service=git-upload-pack and
// POST /git-upload-pack. Receive-pack is never advertised; the index has
// exactly one writer and it is not git.
type GitSmart struct {
	store    *Store
	endpoint *transport.Endpoint
	server   transport.Transport
}

// storeLoader resolves every endpoint to the index repository's storage,
// sidestepping the filesystem loader's path mapping.
type storeLoader struct {
	store *Store
}

func (l storeLoader) Load(*transport.Endpoint) (storer.Storer, error) {
	return l.store.repo.Storer, nil
}

// NewGitSmart wraps store for smart-HTTP serving.
func NewGitSmart(store *Store) (*GitSmart, error) {
	ep, err := transport.NewEndpoint("/")
	if err != nil {
		return nil, fmt.Errorf("build git endpoint: %w", err)
	}
	return &GitSmart{
		store:    store,
		endpoint: ep,
		server:   gitserver.NewServer(storeLoader{store: store}),
	}, nil
}

// InfoRefs handles GET /info/refs. Only the upload-pack service is served;
// anything else is a 403 per the git http-protocol document.
func (g *GitSmart) InfoRefs(w http.ResponseWriter, r *http.Request) error {
	if r.URL.Query().Get("service") != "git-upload-pack" {
		return regerrors.New(regerrors.KindForbidden, "only git-upload-pack is supported")
	}

	sess, err := g.server.NewUploadPackSession(g.endpoint, nil)
	if err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "open upload-pack session", err)
	}
	defer sess.Close()

	refs, err := sess.AdvertisedReferencesContext(r.Context())
	if err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "advertise refs", err)
	}
	refs.Prefix = [][]byte{[]byte("# service=git-upload-pack"), pktline.Flush}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	if err := refs.Encode(w); err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "encode refs", err)
	}
	return nil
}

// UploadPack handles POST /git-upload-pack.
func (g *GitSmart) UploadPack(w http.ResponseWriter, r *http.Request) error {
	req := packp.NewUploadPackRequest()
	if err := req.Decode(r.Body); err != nil {
		return regerrors.Wrap(regerrors.KindInvalid, "decode upload-pack request", err)
	}

	sess, err := g.server.NewUploadPackSession(g.endpoint, nil)
	if err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "open upload-pack session", err)
	}
	defer sess.Close()

	resp, err := sess.UploadPack(r.Context(), req)
	if err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "upload-pack", err)
	}
	defer resp.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := resp.Encode(w); err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "encode upload-pack response", err)
	}
	return nil
}
