package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cratery/registry/pkg/blobstore"
	"github.com/cratery/registry/pkg/dbkit"
	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

// Conn is the dispatcher's view of one worker's duplex channel. The
// WebSocket implementation lives in conn.go; tests substitute fakes.
type Conn interface {
	Send(env Envelope) error
	Close() error
}

// Config tunes the dispatcher.
type Config struct {
	// HeartbeatWindow is how long a worker may stay silent before it is
	// considered lost and its job re-queued (§4.6 step 4).
	HeartbeatWindow time.Duration
	// MaxAttempts is the assignment budget before a job fails with
	// NoViableWorker.
	MaxAttempts int
	// HighWater is the queue length beyond which publish- and
	// analyzer-triggered enqueues are refused; user-triggered regen always
	// enqueues.
	HighWater int
	// Tick is the dispatch loop's timer period.
	Tick time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatWindow: 30 * time.Second,
		MaxAttempts:     3,
		HighWater:       1024,
		Tick:            time.Second,
	}
}

// WorkerInfo is the admin surface's snapshot of one connected worker.
type WorkerInfo struct {
	Descriptor    Descriptor `json:"descriptor"`
	State         string     `json:"state"`
	JobID         string     `json:"job_id,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

type entry struct {
	desc          Descriptor
	conn          Conn
	jobID         string // non-empty while Busy
	lastHeartbeat time.Time
}

// Dispatcher owns the worker pool and the job queue (C6) and drives the
// job state machine from worker messages (C7). All shared state lives
// behind one mutex; database writes and worker sends happen outside it.
// The Run loop is the sole drainer of the queue.
type Dispatcher struct {
	cfg     Config
	db      *dbkit.DB
	blobs   blobstore.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	logs    *Broadcaster

	mu        sync.Mutex
	workers   map[string]*entry
	queue     *jobQueue
	cancelled map[string]bool
	wake      chan struct{}
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(db *dbkit.DB, blobs blobstore.Store, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 30 * time.Second
	}
	return &Dispatcher{
		cfg: cfg, db: db, blobs: blobs, logger: logger, metrics: metrics,
		logs:      NewBroadcaster(),
		workers:   make(map[string]*entry),
		queue:     newJobQueue(),
		cancelled: make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Logs exposes the log fanout for SSE handlers.
func (d *Dispatcher) Logs() *Broadcaster { return d.logs }

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Restore reloads persisted queue state after a restart: Queued jobs go
// back on the heap; Assigned/Running jobs lost their worker with the
// process and are re-queued (or failed if out of attempts).
func (d *Dispatcher) Restore(ctx context.Context) error {
	for _, state := range []dbkit.DocGenJobState{dbkit.DocGenAssigned, dbkit.DocGenRunning} {
		stale, err := d.db.Jobs.ListByState(ctx, state)
		if err != nil {
			return err
		}
		for _, j := range stale {
			if err := d.db.Jobs.Requeue(ctx, j.ID, d.cfg.MaxAttempts); err != nil {
				return err
			}
		}
	}

	queued, err := d.db.Jobs.ListByState(ctx, dbkit.DocGenQueued)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, j := range queued {
		d.queue.Push(j)
	}
	depth := d.queue.Len()
	d.mu.Unlock()
	d.metrics.QueueDepth.Set(float64(depth))
	d.poke()
	return nil
}

// Enqueue persists job and queues it for dispatch. Backpressure (§4.6):
// over the high-water mark only user-triggered jobs are accepted.
func (d *Dispatcher) Enqueue(ctx context.Context, job *dbkit.DocGenJob) error {
	d.mu.Lock()
	depth := d.queue.Len()
	d.mu.Unlock()
	if d.cfg.HighWater > 0 && depth >= d.cfg.HighWater && job.TriggerKind != dbkit.TriggerUser {
		return regerrors.New(regerrors.KindQueueFull,
			fmt.Sprintf("doc-gen queue at %d jobs", depth))
	}

	if err := d.db.Jobs.Create(ctx, job); err != nil {
		return err
	}

	d.mu.Lock()
	d.queue.Push(job)
	depth = d.queue.Len()
	d.mu.Unlock()
	d.metrics.QueueDepth.Set(float64(depth))
	d.poke()
	return nil
}

// Register adds a connected worker to the pool. A reconnect under the same
// id replaces the previous channel.
func (d *Dispatcher) Register(desc Descriptor, conn Conn) error {
	if desc.ID == "" {
		return regerrors.New(regerrors.KindInvalid, "worker descriptor has no id")
	}
	d.mu.Lock()
	if old, ok := d.workers[desc.ID]; ok {
		old.conn.Close()
	}
	d.workers[desc.ID] = &entry{desc: desc, conn: conn, lastHeartbeat: time.Now()}
	n := len(d.workers)
	d.mu.Unlock()

	d.metrics.WorkersConnected.Set(float64(n))
	d.logger.WithFields(map[string]interface{}{
		"worker": desc.ID, "name": desc.Name, "targets": desc.Targets,
	}).Info("worker registered")
	d.poke()
	return nil
}

// Deregister removes a worker (connection closed); its in-flight job is
// re-queued.
func (d *Dispatcher) Deregister(ctx context.Context, workerID string) {
	d.mu.Lock()
	e, ok := d.workers[workerID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.workers, workerID)
	jobID := e.jobID
	n := len(d.workers)
	d.mu.Unlock()

	d.metrics.WorkersConnected.Set(float64(n))
	if jobID != "" {
		d.requeue(ctx, jobID)
	}
	d.logger.WithField("worker", workerID).Info("worker disconnected")
}

// Snapshot lists the connected workers for the admin endpoint.
func (d *Dispatcher) Snapshot() []WorkerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]WorkerInfo, 0, len(d.workers))
	for _, e := range d.workers {
		info := WorkerInfo{Descriptor: e.desc, State: "available", LastHeartbeat: e.lastHeartbeat}
		if e.jobID != "" {
			info.State = "busy"
			info.JobID = e.jobID
		}
		out = append(out, info)
	}
	return out
}

// Run is the dispatch loop (§4.6): a single goroutine woken by worker
// transitions, enqueues and a timer tick.
func (d *Dispatcher) Run(ctx context.Context) {
	defer observability.RecoverPanic(d.logger, "docgen dispatcher")

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
			d.reapLost(ctx)
		}
		d.dispatch(ctx)
	}
}

type assignment struct {
	worker *entry
	job    *dbkit.DocGenJob
	spec   JobSpec
}

// dispatch matches available workers to queued jobs and sends ExecuteJob.
func (d *Dispatcher) dispatch(ctx context.Context) {
	for {
		a := d.pickAssignment()
		if a == nil {
			return
		}

		ref, err := d.db.Versions.GetRef(ctx, a.job.VersionID)
		if err != nil {
			// The version vanished under the job (admin deletion); fail it
			// and free the worker.
			d.logger.WithError(err).WithField("job", a.job.ID).Warn("job references missing version")
			d.db.Jobs.Transition(ctx, a.job.ID, dbkit.DocGenFailed, "version no longer exists")
			d.release(a.worker.desc.ID, a.job.ID)
			continue
		}
		a.spec = JobSpec{
			JobID:        a.job.ID,
			CrateName:    ref.PackageName,
			Version:      ref.Version,
			Target:       a.job.Target,
			UseNative:    a.job.UseNative,
			Capabilities: dbkit.TargetList(a.job.Capabilities),
		}

		if err := d.db.Jobs.MarkAssigned(ctx, a.job.ID, a.worker.desc.ID); err != nil {
			d.logger.WithError(err).WithField("job", a.job.ID).Error("persist assignment failed")
			d.unassign(ctx, a)
			return
		}
		env, err := NewEnvelope(MsgExecuteJob, a.spec)
		if err == nil {
			err = a.worker.conn.Send(env)
		}
		if err != nil {
			d.logger.WithError(err).WithFields(map[string]interface{}{
				"job": a.job.ID, "worker": a.worker.desc.ID,
			}).Warn("execute send failed, dropping worker")
			d.Deregister(ctx, a.worker.desc.ID)
			return
		}
	}
}

// pickAssignment finds one (available worker, matching job) pair and marks
// the pair busy under the lock; persistence and the send happen outside it.
func (d *Dispatcher) pickAssignment() *assignment {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.workers {
		if e.jobID != "" {
			continue
		}
		worker := e
		spread := len(d.workers) > 1
		job := d.queue.TakeMatching(func(j *dbkit.DocGenJob) bool {
			if spread && j.WorkerID == worker.desc.ID {
				// Spread retries across the pool; with a single worker the
				// rule would starve the job instead.
				return false
			}
			if !worker.desc.HasCapabilities(dbkit.TargetList(j.Capabilities)) {
				return false
			}
			if worker.desc.HasTarget(j.Target) {
				return true
			}
			return !j.UseNative && j.Target == worker.desc.HostTriple
		})
		if job == nil {
			continue
		}

		e.jobID = job.ID
		job.WorkerID = worker.desc.ID
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
		return &assignment{worker: e, job: job}
	}
	return nil
}

// release frees a worker slot without touching the queue.
func (d *Dispatcher) release(workerID, jobID string) {
	d.mu.Lock()
	if e, ok := d.workers[workerID]; ok && e.jobID == jobID {
		e.jobID = ""
	}
	d.mu.Unlock()
}

func (d *Dispatcher) unassign(ctx context.Context, a *assignment) {
	d.mu.Lock()
	if e, ok := d.workers[a.worker.desc.ID]; ok && e.jobID == a.job.ID {
		e.jobID = ""
	}
	d.queue.Push(a.job)
	d.mu.Unlock()
	d.poke()
}

// reapLost marks workers silent beyond the heartbeat window as lost and
// re-queues their jobs.
func (d *Dispatcher) reapLost(ctx context.Context) {
	cutoff := time.Now().Add(-d.cfg.HeartbeatWindow)

	d.mu.Lock()
	var lost []*entry
	for id, e := range d.workers {
		if e.lastHeartbeat.Before(cutoff) {
			lost = append(lost, e)
			delete(d.workers, id)
		}
	}
	n := len(d.workers)
	d.mu.Unlock()

	if len(lost) == 0 {
		return
	}
	d.metrics.WorkersConnected.Set(float64(n))
	for _, e := range lost {
		d.logger.WithField("worker", e.desc.ID).Warn("worker heartbeat lost")
		e.conn.Close()
		if e.jobID != "" {
			d.requeue(ctx, e.jobID)
		}
	}
}

// requeue sends a job back through the DB's attempt accounting and, when
// it survives, back onto the in-memory queue.
func (d *Dispatcher) requeue(ctx context.Context, jobID string) {
	// Requeue clears worker_id; keep the last assignee so pickAssignment can
	// steer the retry to a different worker.
	var prevWorker string
	if prev, err := d.db.Jobs.Get(ctx, jobID); err == nil {
		prevWorker = prev.WorkerID
	}
	if err := d.db.Jobs.Requeue(ctx, jobID, d.cfg.MaxAttempts); err != nil {
		d.logger.WithError(err).WithField("job", jobID).Error("requeue failed")
		return
	}
	job, err := d.db.Jobs.Get(ctx, jobID)
	if err != nil {
		d.logger.WithError(err).WithField("job", jobID).Error("reload after requeue failed")
		return
	}
	if job.State == dbkit.DocGenQueued {
		job.WorkerID = prevWorker
		d.mu.Lock()
		d.queue.Push(job)
		d.mu.Unlock()
		d.poke()
	} else if job.State == dbkit.DocGenFailed {
		// Terminal without a worker outcome: the docs row still records the
		// attempt.
		if err := d.db.Docs.MarkAttempted(ctx, job.VersionID, job.Target); err != nil {
			d.logger.WithError(err).WithField("job", job.ID).Error("docs row update failed")
		}
		d.metrics.DocGenJobsTotal.WithLabelValues(job.Target, string(job.State)).Inc()
	}
}

// Cancel implements §4.7 cancellation: Queued jobs terminate immediately;
// Assigned/Running jobs get a CancelJob message and terminate through the
// worker's Finished.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.db.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.State {
	case dbkit.DocGenQueued:
		d.mu.Lock()
		d.queue.Remove(jobID)
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
		d.mu.Unlock()
		if err := d.db.Docs.MarkAttempted(ctx, job.VersionID, job.Target); err != nil {
			d.logger.WithError(err).WithField("job", jobID).Error("docs row update failed")
		}
		return d.db.Jobs.Transition(ctx, jobID, dbkit.DocGenCancelled, "")
	case dbkit.DocGenAssigned, dbkit.DocGenRunning:
		d.mu.Lock()
		d.cancelled[jobID] = true
		var conn Conn
		for _, e := range d.workers {
			if e.jobID == jobID {
				conn = e.conn
				break
			}
		}
		d.mu.Unlock()
		if conn != nil {
			if env, err := NewEnvelope(MsgCancelJob, CancelJob{JobID: jobID}); err == nil {
				conn.Send(env)
			}
		}
		return nil
	default:
		return regerrors.New(regerrors.KindConflict,
			fmt.Sprintf("job already terminal (%s)", job.State))
	}
}

// HandleMessage processes one worker frame. It is called from each
// connection's read loop.
func (d *Dispatcher) HandleMessage(ctx context.Context, workerID string, env Envelope) error {
	d.touch(workerID)

	switch env.Type {
	case MsgAccepted:
		var msg Accepted
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return regerrors.Wrap(regerrors.KindInvalid, "accepted payload", err)
		}
		return d.db.Jobs.MarkRunning(ctx, msg.JobID)

	case MsgLogChunk:
		var msg LogChunk
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return regerrors.Wrap(regerrors.KindInvalid, "log_chunk payload", err)
		}
		if err := d.db.Jobs.AppendOutput(ctx, msg.JobID, msg.Chunk); err != nil {
			return err
		}
		seq, err := d.db.Jobs.AppendLog(ctx, msg.JobID, msg.Chunk)
		if err != nil {
			return err
		}
		d.logs.Publish(msg.JobID, LogEvent{Seq: seq, Chunk: msg.Chunk})
		return nil

	case MsgFinished:
		var msg Finished
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return regerrors.Wrap(regerrors.KindInvalid, "finished payload", err)
		}
		return d.finish(ctx, workerID, msg)

	case MsgHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return regerrors.Wrap(regerrors.KindInvalid, "heartbeat payload", err)
		}
		if msg.JobID != "" {
			return d.db.Jobs.Heartbeat(ctx, msg.JobID)
		}
		return nil

	default:
		return regerrors.New(regerrors.KindInvalid, fmt.Sprintf("unexpected message %q", env.Type))
	}
}

func (d *Dispatcher) touch(workerID string) {
	d.mu.Lock()
	if e, ok := d.workers[workerID]; ok {
		e.lastHeartbeat = time.Now()
	}
	d.mu.Unlock()
}

// finish drives Running -> terminal: archive ingestion, docs row update,
// job transition, worker release (§4.7).
func (d *Dispatcher) finish(ctx context.Context, workerID string, msg Finished) error {
	job, err := d.db.Jobs.Get(ctx, msg.JobID)
	if err != nil {
		return err
	}

	present := false
	if msg.Success && len(msg.Archive) > 0 {
		ref, err := d.db.Versions.GetRef(ctx, job.VersionID)
		if err == nil {
			key := fmt.Sprintf("docs/%s/%s/%s/site.tar", ref.PackageName, ref.Version, job.Target)
			if err := d.blobs.Put(ctx, key, msg.Archive); err != nil {
				d.logger.WithError(err).WithField("key", key).Error("doc archive store failed")
				msg.Success = false
				msg.Error = "archive store failed"
			} else {
				present = true
				if err := d.db.Docs.MarkBuilt(ctx, job.VersionID, job.Target, key, true); err != nil {
					return err
				}
			}
		}
	}
	if !present {
		if err := d.db.Docs.MarkBuilt(ctx, job.VersionID, job.Target, "", false); err != nil {
			d.logger.WithError(err).WithField("job", job.ID).Error("docs row update failed")
		}
	}

	d.mu.Lock()
	wasCancelled := d.cancelled[job.ID]
	delete(d.cancelled, job.ID)
	if e, ok := d.workers[workerID]; ok && e.jobID == job.ID {
		e.jobID = ""
	}
	d.mu.Unlock()

	state := dbkit.DocGenSucceeded
	switch {
	case wasCancelled:
		state = dbkit.DocGenCancelled
	case !msg.Success:
		state = dbkit.DocGenFailed
	}
	if err := d.db.Jobs.Transition(ctx, job.ID, state, msg.Error); err != nil {
		return err
	}

	d.metrics.DocGenJobsTotal.WithLabelValues(job.Target, string(state)).Inc()
	if job.StartedAt != nil {
		d.metrics.DocGenJobDuration.WithLabelValues(job.Target).Observe(time.Since(*job.StartedAt).Seconds())
	}
	d.logger.WithFields(map[string]interface{}{
		"job": job.ID, "state": string(state), "worker": workerID,
	}).Info("doc-gen job finished")
	d.poke()
	return nil
}
