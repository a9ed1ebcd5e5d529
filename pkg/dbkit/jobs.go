package dbkit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cratery/registry/pkg/regerrors"
)

// JobRepo persists DocGenJob rows and their append-only log lines.
type JobRepo struct {
	db *DB
}

const jobColumns = `id, version_id, target, use_native, capabilities, state, priority, worker_id,
	       trigger_user_id, trigger_kind, queued_at, started_at, finished_at, last_heartbeat_at, attempts, output, error`

func scanJob(row scanner) (*DocGenJob, error) {
	j := &DocGenJob{}
	var worker sql.NullString
	var started, finished, heartbeat sql.NullTime
	var triggerUserID sql.NullInt64
	var triggerKind string
	var state string
	var errMsg sql.NullString
	err := row.Scan(&j.ID, &j.VersionID, &j.Target, &j.UseNative, &j.Capabilities, &state, &j.Priority, &worker,
		&triggerUserID, &triggerKind, &j.QueuedAt, &started, &finished, &heartbeat, &j.Attempts, &j.Output, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, regerrors.New(regerrors.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan job", err)
	}
	j.State = DocGenJobState(state)
	j.TriggerKind = TriggerKind(triggerKind)
	j.WorkerID = worker.String
	j.Error = errMsg.String
	if triggerUserID.Valid {
		j.TriggerUserID = triggerUserID.Int64
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		j.LastHeartbeatAt = &t
	}
	return j, nil
}

func (r *JobRepo) Create(ctx context.Context, j *DocGenJob) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	j.QueuedAt = time.Now()
	j.State = DocGenQueued
	j.Priority = j.TriggerKind.Priority()
	var triggerUserID *int64
	if j.TriggerUserID != 0 {
		triggerUserID = &j.TriggerUserID
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO docgen_jobs (id, version_id, target, use_native, capabilities, state, priority, trigger_user_id, trigger_kind, queued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, j.ID, j.VersionID, j.Target, j.UseNative, j.Capabilities, string(j.State), j.Priority, triggerUserID, string(j.TriggerKind), j.QueuedAt)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "create job", err)
	}
	return nil
}

func (r *JobRepo) Heartbeat(ctx context.Context, jobID string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	_, err := r.db.conn.ExecContext(ctx, `UPDATE docgen_jobs SET last_heartbeat_at = ? WHERE id = ?`, time.Now(), jobID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "heartbeat", err)
	}
	return nil
}

func (r *JobRepo) Transition(ctx context.Context, jobID string, state DocGenJobState, errMsg string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var finishedAt *time.Time
	if state == DocGenSucceeded || state == DocGenFailed || state == DocGenCancelled {
		t := time.Now()
		finishedAt = &t
	}
	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE docgen_jobs SET state = ?, error = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?
	`, string(state), errMsg, finishedAt, jobID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "transition job", err)
	}
	return nil
}

// Requeue sends an assigned/running job back to Queued for retry, unless it
// has already exhausted its attempt budget, in which case it is failed.
func (r *JobRepo) Requeue(ctx context.Context, jobID string, maxAttempts int) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var attempts int
	if err := r.db.conn.QueryRowContext(ctx, `SELECT attempts FROM docgen_jobs WHERE id = ?`, jobID).Scan(&attempts); err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "read attempts", err)
	}
	if attempts >= maxAttempts {
		return r.Transition(ctx, jobID, DocGenFailed, "NoViableWorker")
	}
	_, err := r.db.conn.ExecContext(ctx, `
		UPDATE docgen_jobs SET state = ?, worker_id = NULL WHERE id = ?
	`, string(DocGenQueued), jobID)
	if err != nil {
		return regerrors.Wrap(regerrors.KindStorageUnavailable, "requeue job", err)
	}
	return nil
}

// LostHeartbeats returns jobs whose worker has not heartbeat within window.
func (r *JobRepo) LostHeartbeats(ctx context.Context, window time.Duration) ([]*DocGenJob, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM docgen_jobs WHERE state IN (?, ?) AND last_heartbeat_at < ?
	`, string(DocGenAssigned), string(DocGenRunning), time.Now().Add(-window))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list lost jobs", err)
	}
	defer rows.Close()

	var out []*DocGenJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*DocGenJob, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	j, err := scanJob(r.db.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM docgen_jobs WHERE id = ?`, jobID))
	if err != nil {
		if e, ok := regerrors.As(err); ok && e.Kind == regerrors.KindNotFound {
			return nil, regerrors.New(regerrors.KindNotFound, "job not found")
		}
		return nil, err
	}
	return j, nil
}

// AppendLog appends one line of a job's build log, assigning it the next
// sequence number so SSE consumers can resume from Last-Event-ID.
func (r *JobRepo) AppendLog(ctx context.Context, jobID string, line string) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var maxSeq sql.NullInt64
	if err := r.db.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM docgen_job_logs WHERE job_id = ?`, jobID).Scan(&maxSeq); err != nil {
		return 0, regerrors.Wrap(regerrors.KindStorageUnavailable, "read max seq", err)
	}
	seq := maxSeq.Int64 + 1
	if _, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO docgen_job_logs (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)
	`, jobID, seq, line, time.Now()); err != nil {
		return 0, regerrors.Wrap(regerrors.KindStorageUnavailable, "append log", err)
	}
	return seq, nil
}

// LogsSince returns every log line with seq > afterSeq, for SSE resume.
func (r *JobRepo) LogsSince(ctx context.Context, jobID string, afterSeq int64) ([]string, []int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT seq, line FROM docgen_job_logs WHERE job_id = ? AND seq > ? ORDER BY seq
	`, jobID, afterSeq)
	if err != nil {
		return nil, nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "list logs", err)
	}
	defer rows.Close()

	var lines []string
	var seqs []int64
	for rows.Next() {
		var seq int64
		var line string
		if err := rows.Scan(&seq, &line); err != nil {
			return nil, nil, regerrors.Wrap(regerrors.KindStorageUnavailable, "scan log", err)
		}
		lines = append(lines, line)
		seqs = append(seqs, seq)
	}
	return lines, seqs, rows.Err()
}
