package dbkit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{
		Path:         filepath.Join(t.TempDir(), "registry.db"),
		QueryTimeout: 5 * time.Second,
	}, observability.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUserRepo_FirstUserIsAdmin(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	alice, err := db.Users.Upsert(ctx, "alice", "Alice", "alice@example.com", "sub-1")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if alice.ID != 1 || !alice.IsAdmin() {
		t.Errorf("first user = id %d roles %q, want id 1 admin", alice.ID, alice.Roles)
	}

	bob, err := db.Users.Upsert(ctx, "bob", "Bob", "bob@example.com", "sub-2")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if bob.IsAdmin() {
		t.Error("second user should not be admin")
	}

	// Re-login updates profile, not roles.
	again, err := db.Users.Upsert(ctx, "alice", "Alice A.", "alice@example.com", "sub-1")
	if err != nil {
		t.Fatalf("re-Upsert() error = %v", err)
	}
	if again.ID != alice.ID || !again.IsAdmin() || again.DisplayName != "Alice A." {
		t.Errorf("re-login user = %+v", again)
	}
}

func TestPackageRepo_CaseInsensitiveUnique(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user, _ := db.Users.Upsert(ctx, "alice", "Alice", "alice@example.com", "s")
	if _, err := db.Packages.Create(ctx, "Foo", "", "", "", "", user.ID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := db.Packages.Create(ctx, "foo", "", "", "", "", user.ID)
	e, ok := regerrors.As(err)
	if !ok || e.Code != regerrors.CodeNameCollision {
		t.Fatalf("Create() error = %v, want NameCollision", err)
	}

	// Lookup is case-insensitive and preserves original casing.
	p, err := db.Packages.GetByName(ctx, "FOO")
	if err != nil || p.Name != "Foo" {
		t.Errorf("GetByName() = %+v, %v", p, err)
	}
}

func TestVersionRepo_DownloadHistogram(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user, _ := db.Users.Upsert(ctx, "alice", "Alice", "a@b", "s")
	pkg, _ := db.Packages.Create(ctx, "foo", "", "", "", "", user.ID)
	v, err := db.Versions.Create(ctx, &PackageVersion{
		PackageID: pkg.ID, Version: "1.0.0", Checksum: "c0ffee", Manifest: "{}", PublishedBy: user.ID,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := db.Versions.RecordDownload(ctx, v.ID); err != nil {
			t.Fatalf("RecordDownload() error = %v", err)
		}
	}

	got, _ := db.Versions.Get(ctx, pkg.ID, "1.0.0")
	if got.DownloadsTotal != 3 {
		t.Errorf("DownloadsTotal = %d, want 3", got.DownloadsTotal)
	}
	if len(got.DownloadHistogram) != histogramDays*4 {
		t.Fatalf("histogram length = %d", len(got.DownloadHistogram))
	}
	// The §8 invariant: total >= sum over bins.
	var binSum uint64
	for i := 0; i < histogramDays; i++ {
		binSum += uint64(uint32(got.DownloadHistogram[i*4]) |
			uint32(got.DownloadHistogram[i*4+1])<<8 |
			uint32(got.DownloadHistogram[i*4+2])<<16 |
			uint32(got.DownloadHistogram[i*4+3])<<24)
	}
	if uint64(got.DownloadsTotal) < binSum {
		t.Errorf("total %d < bin sum %d", got.DownloadsTotal, binSum)
	}
	if binSum != 3 {
		t.Errorf("bin sum = %d, want 3 (same-day downloads share a slot)", binSum)
	}
}

func TestBumpHistogramRotation(t *testing.T) {
	published := time.Now().Add(-400 * 24 * time.Hour)

	blob := bumpHistogram(nil, published, published.Add(24*time.Hour))
	// Day 1 and day 366 share slot 1 in a 365-slot ring.
	blob = bumpHistogram(blob, published, published.Add(366*24*time.Hour))

	slot1 := uint32(blob[4]) | uint32(blob[5])<<8 | uint32(blob[6])<<16 | uint32(blob[7])<<24
	if slot1 != 2 {
		t.Errorf("slot 1 = %d, want 2 (ring wrap)", slot1)
	}
}

func TestVersionRepo_YankAndGetRef(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user, _ := db.Users.Upsert(ctx, "alice", "Alice", "a@b", "s")
	pkg, _ := db.Packages.Create(ctx, "foo", "", "", "", "", user.ID)
	v, _ := db.Versions.Create(ctx, &PackageVersion{
		PackageID: pkg.ID, Version: "1.0.0", Checksum: "c0ffee", Manifest: "{}", PublishedBy: user.ID,
	})

	if err := db.Versions.SetYanked(ctx, pkg.ID, "1.0.0", true); err != nil {
		t.Fatalf("SetYanked() error = %v", err)
	}
	ref, err := db.Versions.GetRef(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetRef() error = %v", err)
	}
	if ref.PackageName != "foo" || ref.Version != "1.0.0" || !ref.Yanked {
		t.Errorf("ref = %+v", ref)
	}

	err = db.Versions.SetYanked(ctx, pkg.ID, "9.9.9", true)
	if e, ok := regerrors.As(err); !ok || e.Kind != regerrors.KindNotFound {
		t.Errorf("SetYanked(missing) = %v, want KindNotFound", err)
	}
}

func TestJobRepo_LogSequencing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user, _ := db.Users.Upsert(ctx, "alice", "Alice", "a@b", "s")
	pkg, _ := db.Packages.Create(ctx, "foo", "", "", "", "", user.ID)
	v, _ := db.Versions.Create(ctx, &PackageVersion{
		PackageID: pkg.ID, Version: "1.0.0", Checksum: "c", Manifest: "{}", PublishedBy: user.ID,
	})
	job := &DocGenJob{ID: "j1", VersionID: v.ID, Target: "t", TriggerKind: TriggerPublish}
	if err := db.Jobs.Create(ctx, job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i, line := range []string{"one", "two", "three"} {
		seq, err := db.Jobs.AppendLog(ctx, "j1", line)
		if err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}

	lines, seqs, err := db.Jobs.LogsSince(ctx, "j1", 1)
	if err != nil {
		t.Fatalf("LogsSince() error = %v", err)
	}
	if len(lines) != 2 || lines[0] != "two" || seqs[1] != 3 {
		t.Errorf("LogsSince() = %v, %v", lines, seqs)
	}
}

func TestJobRepo_RequeueBudget(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user, _ := db.Users.Upsert(ctx, "alice", "Alice", "a@b", "s")
	pkg, _ := db.Packages.Create(ctx, "foo", "", "", "", "", user.ID)
	v, _ := db.Versions.Create(ctx, &PackageVersion{
		PackageID: pkg.ID, Version: "1.0.0", Checksum: "c", Manifest: "{}", PublishedBy: user.ID,
	})
	job := &DocGenJob{ID: "j1", VersionID: v.ID, Target: "t", TriggerKind: TriggerPublish}
	db.Jobs.Create(ctx, job)

	for attempt := 1; attempt <= 3; attempt++ {
		if err := db.Jobs.MarkAssigned(ctx, "j1", "w1"); err != nil {
			t.Fatalf("MarkAssigned() error = %v", err)
		}
		if err := db.Jobs.Requeue(ctx, "j1", 3); err != nil {
			t.Fatalf("Requeue() error = %v", err)
		}
	}

	j, _ := db.Jobs.Get(ctx, "j1")
	if j.State != DocGenFailed || j.Error != "NoViableWorker" {
		t.Errorf("job = %s/%q, want Failed/NoViableWorker", j.State, j.Error)
	}
}

func TestOrphanRepo_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Orphans.Record(ctx, "blob", "crates/foo/1.0.0", "compensation failed"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	orphans, err := db.Orphans.ListUnresolved(ctx)
	if err != nil || len(orphans) != 1 {
		t.Fatalf("ListUnresolved() = %v, %v", orphans, err)
	}
	if err := db.Orphans.Resolve(ctx, orphans[0].ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	orphans, _ = db.Orphans.ListUnresolved(ctx)
	if len(orphans) != 0 {
		t.Errorf("unresolved after Resolve() = %v", orphans)
	}
}
