package worker

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cratery/registry/pkg/blobstore"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []Envelope
	closed bool
}

func (c *fakeConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentTypes() []MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MessageType, len(c.sent))
	for i, e := range c.sent {
		out[i] = e.Type
	}
	return out
}

func (c *fakeConn) lastSpec(t *testing.T) JobSpec {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == MsgExecuteJob {
			var spec JobSpec
			if err := json.Unmarshal(c.sent[i].Payload, &spec); err != nil {
				t.Fatalf("unmarshal spec: %v", err)
			}
			return spec
		}
	}
	t.Fatal("no execute_job sent")
	return JobSpec{}
}

type dispatcherFixture struct {
	db        *dbkit.DB
	blobs     blobstore.Store
	d         *Dispatcher
	versionID int64
}

func newDispatcherFixture(t *testing.T, cfg Config) *dispatcherFixture {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	db, err := dbkit.Open(dbkit.Config{
		Path:         filepath.Join(t.TempDir(), "registry.db"),
		QueryTimeout: 5 * time.Second,
	}, metrics)
	if err != nil {
		t.Fatalf("dbkit.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.NewFilesystemStore(t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}

	ctx := context.Background()
	user, err := db.Users.Upsert(ctx, "alice", "Alice", "alice@example.com", "sub-1")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	pkg, err := db.Packages.Create(ctx, "foo", "", "x86_64-unknown-linux-gnu", "", "", user.ID)
	if err != nil {
		t.Fatalf("Packages.Create() error = %v", err)
	}
	v, err := db.Versions.Create(ctx, &dbkit.PackageVersion{
		PackageID: pkg.ID, Version: "0.1.0", Checksum: "c0ffee",
		Manifest: "{}", PublishedBy: user.ID,
	})
	if err != nil {
		t.Fatalf("Versions.Create() error = %v", err)
	}

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return &dispatcherFixture{
		db: db, blobs: blobs, versionID: v.ID,
		d: NewDispatcher(db, blobs, cfg, logger, metrics),
	}
}

func (f *dispatcherFixture) enqueue(t *testing.T, id, target string, trigger dbkit.TriggerKind) *dbkit.DocGenJob {
	t.Helper()
	job := &dbkit.DocGenJob{
		ID: id, VersionID: f.versionID, Target: target, TriggerKind: trigger,
	}
	if err := f.d.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue(%s) error = %v", id, err)
	}
	return job
}

func (f *dispatcherFixture) jobState(t *testing.T, id string) dbkit.DocGenJobState {
	t.Helper()
	j, err := f.db.Jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Jobs.Get(%s) error = %v", id, err)
	}
	return j.State
}

func TestDispatcher_AssignsByTarget(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	w1 := &fakeConn{}
	w2 := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", HostTriple: "x86_64-unknown-linux-gnu",
		Targets: []string{"x86_64-unknown-linux-gnu"}}, w1)
	f.d.Register(Descriptor{ID: "w2", HostTriple: "aarch64-apple-darwin",
		Targets: []string{"wasm32-unknown-unknown"}}, w2)

	f.enqueue(t, "j-linux", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.enqueue(t, "j-wasm", "wasm32-unknown-unknown", dbkit.TriggerPublish)

	f.d.dispatch(ctx)

	if spec := w1.lastSpec(t); spec.JobID != "j-linux" || spec.CrateName != "foo" {
		t.Errorf("w1 spec = %+v", spec)
	}
	if spec := w2.lastSpec(t); spec.JobID != "j-wasm" {
		t.Errorf("w2 spec = %+v", spec)
	}
	if got := f.jobState(t, "j-linux"); got != dbkit.DocGenAssigned {
		t.Errorf("j-linux state = %s", got)
	}
	// No job assigned twice: each conn saw exactly one execute.
	if len(w1.sentTypes()) != 1 || len(w2.sentTypes()) != 1 {
		t.Errorf("sends = %v / %v", w1.sentTypes(), w2.sentTypes())
	}
}

func TestDispatcher_CapabilityGate(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	conn := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", HostTriple: "x86_64-unknown-linux-gnu",
		Targets: []string{"x86_64-unknown-linux-gnu"}, Capabilities: []string{"linux"}}, conn)

	job := &dbkit.DocGenJob{
		ID: "j1", VersionID: f.versionID, Target: "x86_64-unknown-linux-gnu",
		TriggerKind: dbkit.TriggerPublish, Capabilities: "linux,gpu",
	}
	if err := f.d.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	f.d.dispatch(ctx)

	if n := len(conn.sentTypes()); n != 0 {
		t.Errorf("capability-mismatched job dispatched: %v", conn.sentTypes())
	}
	if got := f.jobState(t, "j1"); got != dbkit.DocGenQueued {
		t.Errorf("state = %s, want Queued", got)
	}
}

func TestDispatcher_NativeFallbackToHostTriple(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	// Worker installed no extra targets but its host triple matches a
	// non-native job.
	conn := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", HostTriple: "x86_64-unknown-linux-gnu"}, conn)

	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.d.dispatch(ctx)
	if spec := conn.lastSpec(t); spec.JobID != "j1" {
		t.Errorf("spec = %+v", spec)
	}

	// A native job must not take the host-triple shortcut.
	native := &dbkit.DocGenJob{
		ID: "j2", VersionID: f.versionID, Target: "x86_64-unknown-linux-gnu",
		UseNative: true, TriggerKind: dbkit.TriggerPublish,
	}
	if err := f.d.Enqueue(ctx, native); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	f.d.dispatch(ctx)
	if got := f.jobState(t, "j2"); got != dbkit.DocGenQueued {
		t.Errorf("native job state = %s, want Queued (worker busy and lacks target)", got)
	}
}

func TestDispatcher_JobLifecycle(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	conn := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", HostTriple: "x86_64-unknown-linux-gnu",
		Targets: []string{"x86_64-unknown-linux-gnu"}}, conn)
	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.d.dispatch(ctx)

	mustHandle := func(typ MessageType, payload interface{}) {
		t.Helper()
		env, err := NewEnvelope(typ, payload)
		if err != nil {
			t.Fatalf("NewEnvelope() error = %v", err)
		}
		if err := f.d.HandleMessage(ctx, "w1", env); err != nil {
			t.Fatalf("HandleMessage(%s) error = %v", typ, err)
		}
	}

	mustHandle(MsgAccepted, Accepted{JobID: "j1"})
	if got := f.jobState(t, "j1"); got != dbkit.DocGenRunning {
		t.Fatalf("state after accept = %s", got)
	}

	events, cancel := f.d.Logs().Subscribe("j1")
	defer cancel()
	mustHandle(MsgLogChunk, LogChunk{JobID: "j1", Chunk: "documenting foo\n"})
	select {
	case ev := <-events:
		if ev.Seq != 1 || ev.Chunk != "documenting foo\n" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no log event broadcast")
	}

	mustHandle(MsgFinished, Finished{JobID: "j1", Success: true, Archive: []byte("tar bytes")})
	if got := f.jobState(t, "j1"); got != dbkit.DocGenSucceeded {
		t.Fatalf("terminal state = %s", got)
	}

	archive, err := f.blobs.Get(ctx, "docs/foo/0.1.0/x86_64-unknown-linux-gnu/site.tar")
	if err != nil || string(archive) != "tar bytes" {
		t.Errorf("doc archive = %q, %v", archive, err)
	}
	docs, err := f.db.Docs.Get(ctx, f.versionID, "x86_64-unknown-linux-gnu")
	if err != nil || !docs.IsAttempted || !docs.IsPresent {
		t.Errorf("docs row = %+v, %v", docs, err)
	}

	// Worker is available again.
	f.enqueue(t, "j2", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.d.dispatch(ctx)
	if spec := conn.lastSpec(t); spec.JobID != "j2" {
		t.Errorf("worker not released: %+v", spec)
	}
}

func TestDispatcher_FailedBuildMarksAttemptedNotPresent(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	conn := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", Targets: []string{"x86_64-unknown-linux-gnu"}}, conn)
	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.d.dispatch(ctx)

	env, _ := NewEnvelope(MsgFinished, Finished{JobID: "j1", Success: false, Error: "rustdoc exited 1"})
	if err := f.d.HandleMessage(ctx, "w1", env); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if got := f.jobState(t, "j1"); got != dbkit.DocGenFailed {
		t.Errorf("state = %s", got)
	}
	docs, err := f.db.Docs.Get(ctx, f.versionID, "x86_64-unknown-linux-gnu")
	if err != nil || !docs.IsAttempted || docs.IsPresent {
		t.Errorf("docs row = %+v, %v", docs, err)
	}
}

func TestDispatcher_CancelQueued(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	if err := f.d.Cancel(ctx, "j1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := f.jobState(t, "j1"); got != dbkit.DocGenCancelled {
		t.Errorf("state = %s", got)
	}

	// Terminal jobs refuse further cancellation.
	err := f.d.Cancel(ctx, "j1")
	if e, ok := regerrors.As(err); !ok || e.Kind != regerrors.KindConflict {
		t.Errorf("second Cancel() = %v, want KindConflict", err)
	}
}

func TestDispatcher_CancelRunning(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	conn := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", Targets: []string{"x86_64-unknown-linux-gnu"}}, conn)
	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.d.dispatch(ctx)
	env, _ := NewEnvelope(MsgAccepted, Accepted{JobID: "j1"})
	f.d.HandleMessage(ctx, "w1", env)

	if err := f.d.Cancel(ctx, "j1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	types := conn.sentTypes()
	if types[len(types)-1] != MsgCancelJob {
		t.Fatalf("sends = %v, want trailing cancel_job", types)
	}
	// Still Running until the worker's Finished arrives (§4.7).
	if got := f.jobState(t, "j1"); got != dbkit.DocGenRunning {
		t.Errorf("state = %s, want Running", got)
	}

	fin, _ := NewEnvelope(MsgFinished, Finished{JobID: "j1", Success: false, Error: "cancelled"})
	f.d.HandleMessage(ctx, "w1", fin)
	if got := f.jobState(t, "j1"); got != dbkit.DocGenCancelled {
		t.Errorf("terminal state = %s, want Cancelled", got)
	}
}

func TestDispatcher_LostWorkerRequeuesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatWindow = 10 * time.Millisecond
	f := newDispatcherFixture(t, cfg)
	ctx := context.Background()

	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)

	for attempt := 0; attempt < 3; attempt++ {
		conn := &fakeConn{}
		f.d.Register(Descriptor{ID: "w1", Targets: []string{"x86_64-unknown-linux-gnu"}}, conn)
		f.d.dispatch(ctx)
		if got := f.jobState(t, "j1"); got != dbkit.DocGenAssigned {
			t.Fatalf("attempt %d state = %s, want Assigned", attempt, got)
		}
		time.Sleep(20 * time.Millisecond)
		f.d.reapLost(ctx)
	}

	j, err := f.db.Jobs.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if j.State != dbkit.DocGenFailed || j.Error != "NoViableWorker" {
		t.Errorf("job = state %s error %q, want Failed/NoViableWorker", j.State, j.Error)
	}
}

func TestDispatcher_Backpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWater = 1
	f := newDispatcherFixture(t, cfg)
	ctx := context.Background()

	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)

	err := f.d.Enqueue(ctx, &dbkit.DocGenJob{
		ID: "j2", VersionID: f.versionID, Target: "x86_64-unknown-linux-gnu",
		TriggerKind: dbkit.TriggerAnalyzer,
	})
	if e, ok := regerrors.As(err); !ok || e.Kind != regerrors.KindQueueFull {
		t.Fatalf("analyzer Enqueue() = %v, want KindQueueFull", err)
	}

	// User-triggered regeneration always enqueues.
	if err := f.d.Enqueue(ctx, &dbkit.DocGenJob{
		ID: "j3", VersionID: f.versionID, Target: "x86_64-unknown-linux-gnu",
		TriggerKind: dbkit.TriggerUser,
	}); err != nil {
		t.Fatalf("user Enqueue() error = %v", err)
	}
}

func TestDispatcher_RestoreRequeuesInFlight(t *testing.T) {
	f := newDispatcherFixture(t, DefaultConfig())
	ctx := context.Background()

	conn := &fakeConn{}
	f.d.Register(Descriptor{ID: "w1", Targets: []string{"x86_64-unknown-linux-gnu"}}, conn)
	f.enqueue(t, "j1", "x86_64-unknown-linux-gnu", dbkit.TriggerPublish)
	f.d.dispatch(ctx)
	if got := f.jobState(t, "j1"); got != dbkit.DocGenAssigned {
		t.Fatalf("state = %s", got)
	}

	// A fresh dispatcher over the same DB simulates a restart.
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	d2 := NewDispatcher(f.db, f.blobs, DefaultConfig(), logger, metrics)
	if err := d2.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := f.jobState(t, "j1"); got != dbkit.DocGenQueued {
		t.Errorf("state after restore = %s, want Queued", got)
	}

	conn2 := &fakeConn{}
	d2.Register(Descriptor{ID: "w2", Targets: []string{"x86_64-unknown-linux-gnu"}}, conn2)
	d2.dispatch(ctx)
	if spec := conn2.lastSpec(t); spec.JobID != "j1" {
		t.Errorf("restored job not dispatched: %+v", spec)
	}
}
