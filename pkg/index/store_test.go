package index

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{
		Root:                t.TempDir(),
		GitUserName:         "registry",
		GitUserEmail:        "registry@localhost",
		DownloadURLTemplate: "http://localhost:8080/api/v1/crates",
		APIURL:              "http://localhost:8080",
	}, observability.NewLogger(observability.ErrorLevel, io.Discard))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func meta(name, vers string) VersionMeta {
	return VersionMeta{
		Name:     name,
		Vers:     vers,
		Deps:     []Dependency{},
		Cksum:    "c0ffee",
		Features: map[string][]string{},
		V:        2,
	}
}

func TestShardPath(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a", filepath.Join("1", "a")},
		{"ab", filepath.Join("2", "ab")},
		{"abc", filepath.Join("3", "a", "abc")},
		{"serde", filepath.Join("se", "rd", "serde")},
		{"Foo", filepath.Join("3", "f", "foo")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShardPath(tt.name); got != tt.want {
				t.Errorf("ShardPath(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestStore_AddVersionAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("foo", "0.1.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	if err := s.AddVersion(ctx, meta("foo", "0.2.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}

	raw, etag, err := s.CrateFile(ctx, "foo")
	if err != nil {
		t.Fatalf("CrateFile() error = %v", err)
	}
	if etag == "" {
		t.Error("CrateFile() returned empty etag")
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("index file has %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"vers":"0.1.0"`) || !strings.Contains(lines[1], `"vers":"0.2.0"`) {
		t.Errorf("lines out of publish order: %v", lines)
	}
}

func TestStore_AddVersionRewritesExistingLine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("foo", "0.1.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	m := meta("foo", "0.1.0")
	m.Cksum = "deadbeef"
	if err := s.AddVersion(ctx, m); err != nil {
		t.Fatalf("AddVersion() republish error = %v", err)
	}

	versions, err := s.Versions(ctx, "foo")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("got %d lines after overwrite, want 1", len(versions))
	}
	if versions[0].Cksum != "deadbeef" {
		t.Errorf("Cksum = %q, want rewritten checksum", versions[0].Cksum)
	}
}

func TestStore_YankRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("baz", "1.0.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	before, _, err := s.CrateFile(ctx, "baz")
	if err != nil {
		t.Fatalf("CrateFile() error = %v", err)
	}

	if err := s.Yank(ctx, "baz", "1.0.0", true); err != nil {
		t.Fatalf("Yank() error = %v", err)
	}
	versions, _ := s.Versions(ctx, "baz")
	if !versions[0].Yanked {
		t.Fatal("version not yanked after Yank(true)")
	}

	if err := s.Yank(ctx, "baz", "1.0.0", false); err != nil {
		t.Fatalf("Yank(false) error = %v", err)
	}
	after, _, err := s.CrateFile(ctx, "baz")
	if err != nil {
		t.Fatalf("CrateFile() error = %v", err)
	}
	if string(before) != string(after) {
		t.Errorf("yank+unyank changed file content:\n before %s\n after  %s", before, after)
	}
}

func TestStore_YankMissingVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("baz", "1.0.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	err := s.Yank(ctx, "baz", "9.9.9", true)
	e, ok := regerrors.As(err)
	if !ok || e.Kind != regerrors.KindNotFound {
		t.Fatalf("Yank() error = %v, want KindNotFound", err)
	}
}

func TestStore_RemoveVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("foo", "0.1.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	if err := s.AddVersion(ctx, meta("foo", "0.2.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}

	if err := s.RemoveVersion(ctx, "foo", "0.1.0"); err != nil {
		t.Fatalf("RemoveVersion() error = %v", err)
	}
	versions, err := s.Versions(ctx, "foo")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 1 || versions[0].Vers != "0.2.0" {
		t.Errorf("Versions() = %+v, want only 0.2.0", versions)
	}

	// Removing the last version removes the file entirely.
	if err := s.RemoveVersion(ctx, "foo", "0.2.0"); err != nil {
		t.Fatalf("RemoveVersion() error = %v", err)
	}
	_, _, err = s.CrateFile(ctx, "foo")
	e, ok := regerrors.As(err)
	if !ok || e.Kind != regerrors.KindNotFound {
		t.Fatalf("CrateFile() after last removal error = %v, want KindNotFound", err)
	}
}

func TestStore_RemovePackage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("gone", "1.0.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	if err := s.RemovePackage(ctx, "gone"); err != nil {
		t.Fatalf("RemovePackage() error = %v", err)
	}
	_, _, err := s.CrateFile(ctx, "gone")
	e, ok := regerrors.As(err)
	if !ok || e.Kind != regerrors.KindNotFound {
		t.Fatalf("CrateFile() error = %v, want KindNotFound", err)
	}
}

func TestStore_CrateFileETagTracksContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("foo", "0.1.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	_, etag1, _ := s.CrateFile(ctx, "foo")

	if err := s.AddVersion(ctx, meta("foo", "0.2.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	_, etag2, _ := s.CrateFile(ctx, "foo")

	if etag1 == etag2 {
		t.Error("etag did not change with content")
	}
}

func TestStore_Reconcile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVersion(ctx, meta("kept", "1.0.0")); err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}

	missing := meta("lost", "2.0.0")
	drifted := meta("kept", "1.0.0")
	drifted.Yanked = true

	repaired, err := s.Reconcile(ctx, []VersionMeta{drifted, missing})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if repaired != 2 {
		t.Errorf("Reconcile() repaired = %d, want 2", repaired)
	}

	kept, _ := s.Versions(ctx, "kept")
	if !kept[0].Yanked {
		t.Error("yanked flag not repaired")
	}
	lost, err := s.Versions(ctx, "lost")
	if err != nil || len(lost) != 1 {
		t.Errorf("missing line not re-added: %v %v", lost, err)
	}

	// A second sweep over consistent state is a no-op.
	repaired, err = s.Reconcile(ctx, []VersionMeta{drifted, missing})
	if err != nil || repaired != 0 {
		t.Errorf("second Reconcile() = %d, %v, want 0, nil", repaired, err)
	}
}

func TestStore_RootConfig(t *testing.T) {
	s := newTestStore(t)
	b, err := s.RootConfigBytes()
	if err != nil {
		t.Fatalf("RootConfigBytes() error = %v", err)
	}
	if !strings.Contains(string(b), `"dl":"http://localhost:8080/api/v1/crates"`) {
		t.Errorf("config.json missing dl field: %s", b)
	}
}
