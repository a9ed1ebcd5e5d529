package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

// lockShards is the size of the per-crate-name mutex table. Writes to two
// names that hash to the same shard serialize against each other, which is
// acceptable for a single-writer index.
const lockShards = 64

// Config configures the index store.
type Config struct {
	// Root is the directory holding the index tree and its git repository,
	// typically <DATA_DIR>/index.
	Root string

	GitUserName  string
	GitUserEmail string

	// Remote, when non-empty, is an SSH URL the index is mirrored to after
	// every commit when PushChanges is set. Push failures never fail the
	// mutation; the reconciler retries them in the background.
	Remote        string
	RemoteSSHKey  string
	PushChanges   bool

	// DownloadURLTemplate is the dl field of config.json, e.g.
	// "https://registry.example.com/api/v1/crates". APIURL is the api field.
	DownloadURLTemplate string
	APIURL              string
}

// RootConfig is the body of the sparse index's /config.json.
type RootConfig struct {
	DL           string `json:"dl"`
	API          string `json:"api"`
	AuthRequired bool   `json:"auth-required"`
}

// Store is the git-backed sparse index (C4). All mutations hold the
// per-name lock for the file edit and the repository lock only for the
// commit itself.
type Store struct {
	cfg    Config
	repo   *git.Repository
	logger *observability.Logger

	nameLocks [lockShards]sync.Mutex
	gitMu     sync.Mutex

	reconciler *pushReconciler
}

// NewStore opens (or initializes) the index repository under cfg.Root,
// writes config.json if absent, and builds the push reconciler; Run starts
// it when a mirror remote is configured with PushChanges.
func NewStore(cfg Config, logger *observability.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create index root: %w", err)
	}

	repo, err := git.PlainOpen(cfg.Root)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(cfg.Root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open index repository: %w", err)
	}

	s := &Store{cfg: cfg, repo: repo, logger: logger}

	if cfg.Remote != "" {
		if _, err := repo.Remote("origin"); err == git.ErrRemoteNotFound {
			_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
				Name: "origin",
				URLs: []string{cfg.Remote},
			})
		}
		if err != nil && err != git.ErrRemoteExists {
			return nil, fmt.Errorf("configure index remote: %w", err)
		}
	}
	s.reconciler = newPushReconciler(s, logger)

	if err := s.ensureRootConfig(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureRootConfig() error {
	path := filepath.Join(s.cfg.Root, "config.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	body, err := json.Marshal(RootConfig{
		DL:           s.cfg.DownloadURLTemplate,
		API:          s.cfg.APIURL,
		AuthRequired: true,
	})
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	if err := atomicWrite(path, append(body, '\n')); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	return s.commit("Initialize index", "config.json")
}

// ShardPath returns the relative path of name's index file per the Cargo
// sparse layout: 1/{name}, 2/{name}, 3/{first}/{name}, then
// {first-two}/{next-two}/{name}.
func ShardPath(name string) string {
	lower := strings.ToLower(name)
	switch len(lower) {
	case 0:
		return ""
	case 1:
		return filepath.Join("1", lower)
	case 2:
		return filepath.Join("2", lower)
	case 3:
		return filepath.Join("3", lower[:1], lower)
	default:
		return filepath.Join(lower[:2], lower[2:4], lower)
	}
}

func (s *Store) lockFor(name string) *sync.Mutex {
	var h uint32
	for _, c := range []byte(strings.ToLower(name)) {
		h = h*31 + uint32(c)
	}
	return &s.nameLocks[h%lockShards]
}

// RootConfigBytes returns the raw config.json body for GET /config.json.
func (s *Store) RootConfigBytes() ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.cfg.Root, "config.json"))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindIndexUnavailable, "read config.json", err)
	}
	return b, nil
}

// CrateFile returns the raw newline-delimited JSON index file for name,
// plus an ETag derived from the git blob id of its exact content.
func (s *Store) CrateFile(ctx context.Context, name string) ([]byte, string, error) {
	rel := ShardPath(name)
	if rel == "" {
		return nil, "", regerrors.New(regerrors.KindNotFound, "crate not found")
	}
	b, err := os.ReadFile(filepath.Join(s.cfg.Root, rel))
	if os.IsNotExist(err) {
		return nil, "", regerrors.New(regerrors.KindNotFound, fmt.Sprintf("crate %q not in index", name))
	}
	if err != nil {
		return nil, "", regerrors.Wrap(regerrors.KindIndexUnavailable, "read index file", err)
	}
	etag := plumbing.ComputeHash(plumbing.BlobObject, b).String()
	return b, etag, nil
}

// Versions parses the index file for name into its per-version lines.
func (s *Store) Versions(ctx context.Context, name string) ([]VersionMeta, error) {
	raw, _, err := s.CrateFile(ctx, name)
	if err != nil {
		return nil, err
	}
	return parseLines(raw)
}

func parseLines(raw []byte) ([]VersionMeta, error) {
	var out []VersionMeta
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m VersionMeta
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, regerrors.Wrap(regerrors.KindIndexUnavailable, "parse index line", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func renderLines(metas []VersionMeta) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range metas {
		line, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal index line: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// AddVersion appends meta to its crate's file (or rewrites the line in
// place when the same version is republished under canOverwrite) and
// commits "Update {name}".
func (s *Store) AddVersion(ctx context.Context, meta VersionMeta) error {
	mu := s.lockFor(meta.Name)
	mu.Lock()
	defer mu.Unlock()

	rel := ShardPath(meta.Name)
	metas, err := s.readForEdit(rel)
	if err != nil {
		return err
	}

	replaced := false
	for i := range metas {
		if metas[i].Vers == meta.Vers {
			metas[i] = meta
			replaced = true
			break
		}
	}
	if !replaced {
		metas = append(metas, meta)
	}

	if err := s.writeAndCommit(rel, metas, fmt.Sprintf("Update %s", meta.Name)); err != nil {
		return err
	}
	return nil
}

// Yank flips the yanked flag of one version line and commits
// "Yank {name}@{vers}" (or "Unyank" when clearing).
func (s *Store) Yank(ctx context.Context, name, vers string, yanked bool) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	rel := ShardPath(name)
	metas, err := s.readForEdit(rel)
	if err != nil {
		return err
	}

	found := false
	for i := range metas {
		if metas[i].Vers == vers {
			metas[i].Yanked = yanked
			found = true
			break
		}
	}
	if !found {
		return regerrors.New(regerrors.KindNotFound, fmt.Sprintf("%s@%s not in index", name, vers))
	}

	verb := "Yank"
	if !yanked {
		verb = "Unyank"
	}
	return s.writeAndCommit(rel, metas, fmt.Sprintf("%s %s@%s", verb, name, vers))
}

// RemoveVersion deletes one version line; the file itself is removed when
// its last line goes.
func (s *Store) RemoveVersion(ctx context.Context, name, vers string) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	rel := ShardPath(name)
	metas, err := s.readForEdit(rel)
	if err != nil {
		return err
	}

	kept := metas[:0]
	found := false
	for _, m := range metas {
		if m.Vers == vers {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return regerrors.New(regerrors.KindNotFound, fmt.Sprintf("%s@%s not in index", name, vers))
	}
	if len(kept) == 0 {
		return s.removeAndCommit(rel, fmt.Sprintf("Remove %s@%s", name, vers))
	}
	return s.writeAndCommit(rel, kept, fmt.Sprintf("Remove %s@%s", name, vers))
}

// RemovePackage deletes the whole index file for name.
func (s *Store) RemovePackage(ctx context.Context, name string) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	rel := ShardPath(name)
	if _, err := os.Stat(filepath.Join(s.cfg.Root, rel)); os.IsNotExist(err) {
		return regerrors.New(regerrors.KindNotFound, fmt.Sprintf("crate %q not in index", name))
	}
	return s.removeAndCommit(rel, fmt.Sprintf("Remove %s", name))
}

func (s *Store) readForEdit(rel string) ([]VersionMeta, error) {
	raw, err := os.ReadFile(filepath.Join(s.cfg.Root, rel))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindIndexUnavailable, "read index file", err)
	}
	return parseLines(raw)
}

func (s *Store) writeAndCommit(rel string, metas []VersionMeta, message string) error {
	body, err := renderLines(metas)
	if err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "render index file", err)
	}
	abs := filepath.Join(s.cfg.Root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "create shard dir", err)
	}
	if err := atomicWrite(abs, body); err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "write index file", err)
	}
	if err := s.commit(message, rel); err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "commit index change", err)
	}
	s.requestPush()
	return nil
}

func (s *Store) removeAndCommit(rel, message string) error {
	if err := os.Remove(filepath.Join(s.cfg.Root, rel)); err != nil && !os.IsNotExist(err) {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "remove index file", err)
	}
	if err := s.commit(message, rel); err != nil {
		return regerrors.Wrap(regerrors.KindIndexUnavailable, "commit index removal", err)
	}
	s.requestPush()
	return nil
}

func (s *Store) commit(message, rel string) error {
	s.gitMu.Lock()
	defer s.gitMu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := wt.Add(rel); err != nil {
		return fmt.Errorf("stage %s: %w", rel, err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.cfg.GitUserName,
			Email: s.cfg.GitUserEmail,
			When:  time.Now(),
		},
	})
	if err != nil && err != git.ErrEmptyCommit {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// requestPush hands the just-committed state to the reconciler. It never
// blocks and never fails the mutation that triggered it.
func (s *Store) requestPush() {
	if s.cfg.Remote == "" || !s.cfg.PushChanges {
		return
	}
	s.reconciler.request()
}

// push performs one synchronous push attempt; only the reconciler calls it.
func (s *Store) push(ctx context.Context) error {
	s.gitMu.Lock()
	defer s.gitMu.Unlock()

	opts := &git.PushOptions{RemoteName: "origin"}
	if s.cfg.RemoteSSHKey != "" {
		auth, err := gitssh.NewPublicKeysFromFile("git", s.cfg.RemoteSSHKey, "")
		if err != nil {
			return fmt.Errorf("load ssh key: %w", err)
		}
		opts.Auth = auth
	}
	err := s.repo.PushContext(ctx, opts)
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return err
}

// Run starts the background push reconciler; it returns when ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.cfg.Remote == "" || !s.cfg.PushChanges {
		<-ctx.Done()
		return
	}
	s.reconciler.run(ctx)
}

// Ping satisfies observability.Pinger: the index is healthy when its git
// repository resolves HEAD (an empty repo with no commits is still healthy).
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.repo.Head()
	if err == plumbing.ErrReferenceNotFound {
		return nil
	}
	return err
}

// Root returns the index directory, for the git-smart handlers.
func (s *Store) Root() string { return s.cfg.Root }

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
