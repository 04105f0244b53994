// Package queue is the durable job queue: lease-based claims, bounded retries
// with backoff, and dead-letter handoff when the budget runs out.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleetflow/internal/deadletter"
	"fleetflow/internal/domain"
	"fleetflow/internal/fleet"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrTerminal  = errors.New("job is in a terminal state")
	ErrCancelled = errors.New("job was cancelled")
	ErrNotHolder = errors.New("robot does not hold this job")
)

const claimScanLimit = 100

type Queue struct {
	db     *sql.DB
	ledger *ledger.Ledger
	dlq    *deadletter.Manager
}

func New(db *sql.DB, l *ledger.Ledger, dlq *deadletter.Manager) *Queue {
	return &Queue{db: db, ledger: l, dlq: dlq}
}

// Submit validates and enqueues a job. Policy violations come back as
// RuleError naming the rejecting rule.
func (q *Queue) Submit(ctx context.Context, job domain.Job) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := q.SubmitTx(ctx, tx, job)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// SubmitTx enqueues within the caller's transaction, so a dead-letter requeue
// commits the replacement job and the item transition together.
func (q *Queue) SubmitTx(ctx context.Context, tx *sql.Tx, job domain.Job) (string, error) {
	if job.WorkflowID == "" {
		return "", domain.Reject("unknown workflow", "workflow reference is required")
	}
	if job.Priority == 0 {
		job.Priority = 5
	}
	if job.Priority < domain.PriorityMin || job.Priority > domain.PriorityMax {
		return "", domain.Reject("priority out of range", "%d not in [%d,%d]", job.Priority, domain.PriorityMin, domain.PriorityMax)
	}
	if job.Mode == "" {
		job.Mode = domain.ModeLocalNetwork
	}
	if job.Mode != domain.ModeLocalNetwork && job.Mode != domain.ModeInternet {
		return "", domain.Reject("invalid execution mode", "%q", job.Mode)
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.TimeoutSecs <= 0 {
		job.TimeoutSecs = 60
	}
	id := job.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}

	if job.TargetRobotID != nil {
		var status string
		row := tx.QueryRowContext(ctx, `SELECT status FROM robots WHERE id=?`, *job.TargetRobotID)
		if err := row.Scan(&status); err == sql.ErrNoRows {
			return "", domain.Reject("unknown robot", "%s", *job.TargetRobotID)
		} else if err != nil {
			return "", err
		}
	}

	now := store.FormatTime(time.Now())
	var target any
	if job.TargetRobotID != nil {
		target = *job.TargetRobotID
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, workflow_id, target_robot_id, status, priority, mode, capabilities, payload,
                  retry_count, max_retries, timeout_secs, next_attempt_at, created_at, updated_at)
VALUES (?,?,?,'queued',?,?,?,?,0,?,?,?,?,?)`,
		id, job.WorkflowID, target, job.Priority, job.Mode,
		store.JSONStrings(job.Capabilities), job.Payload,
		job.MaxRetries, job.TimeoutSecs, now, now, now)
	if err != nil {
		return "", err
	}
	if _, err := q.ledger.AppendTx(ctx, tx, "job.submit", "api", "job", id, map[string]string{
		"workflow": job.WorkflowID, "priority": fmt.Sprint(job.Priority), "mode": job.Mode,
	}); err != nil {
		return "", err
	}
	log.Info().Str("job_id", id).Str("workflow", job.WorkflowID).Int("priority", job.Priority).Msg("job submitted")
	return id, nil
}

// Claim hands the oldest, highest-priority eligible job to the robot. The
// decisive transition is a conditional UPDATE checked by RowsAffected, so two
// concurrent claims on the same job cannot both win. At most one job per call.
func (q *Queue) Claim(ctx context.Context, robotID string, modes []string) (*domain.Job, error) {
	if len(modes) == 0 {
		modes = []string{domain.ModeLocalNetwork, domain.ModeInternet}
	}
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		robotStatus, caps string
		maxJobs, current  int
	)
	row := tx.QueryRowContext(ctx, `SELECT status, capabilities, max_jobs, current_jobs FROM robots WHERE id=?`, robotID)
	if err := row.Scan(&robotStatus, &caps, &maxJobs, &current); err == sql.ErrNoRows {
		return nil, fleet.ErrUnknownRobot
	} else if err != nil {
		return nil, err
	}
	if robotStatus != domain.RobotOnline || current >= maxJobs {
		return nil, nil // nothing for a robot that cannot take work
	}
	robotCaps := store.ParseStrings(caps)

	modeSet := "("
	args := []any{store.FormatTime(now)}
	for i, m := range modes {
		if i > 0 {
			modeSet += ","
		}
		modeSet += "?"
		args = append(args, m)
	}
	modeSet += ")"
	args = append(args, robotID, claimScanLimit)

	rows, err := tx.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status IN ('pending','queued') AND next_attempt_at <= ?
  AND mode IN `+modeSet+`
  AND (target_robot_id IS NULL OR target_robot_id = ?)
ORDER BY priority DESC, created_at ASC
LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	var candidates []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range candidates {
		if !fleet.HasCapabilities(robotCaps, job.Capabilities) {
			continue
		}
		lease := now.Add(time.Duration(job.TimeoutSecs) * time.Second)
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='claimed', robot_id=?, claimed_at=?, lease_expires_at=?, updated_at=?
WHERE id=? AND status IN ('pending','queued')`,
			robotID, store.FormatTime(now), store.FormatTime(lease), store.FormatTime(now), job.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // someone else won the CAS
		}

		res, err = tx.ExecContext(ctx, `
UPDATE robots SET current_jobs = current_jobs + 1,
       status = CASE WHEN current_jobs + 1 >= max_jobs THEN 'busy' ELSE status END,
       updated_at = ?
WHERE id=? AND current_jobs < max_jobs`, store.FormatTime(now), robotID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil // capacity disappeared; whole tx rolls back
		}

		if _, err := q.ledger.AppendTx(ctx, tx, "job.claim", robotID, "job", job.ID,
			map[string]string{"robot_id": robotID}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		job.Status = domain.JobClaimed
		job.RobotID = &robotID
		claimedAt := now
		job.ClaimedAt = &claimedAt
		job.LeaseExpires = &lease
		log.Info().Str("job_id", job.ID).Str("robot_id", robotID).Msg("job claimed")
		return &job, nil
	}
	return nil, nil
}

// Start marks a claimed job running.
func (q *Queue) Start(ctx context.Context, jobID, robotID string) error {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lease, err := q.leaseFor(ctx, tx, jobID)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='running', started_at=?, lease_expires_at=?, updated_at=?
WHERE id=? AND robot_id=? AND status='claimed'`,
		store.FormatTime(now), store.FormatTime(now.Add(lease)), store.FormatTime(now), jobID, robotID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.holderError(ctx, tx, jobID, robotID)
	}
	if _, err := q.ledger.AppendTx(ctx, tx, "job.start", robotID, "job", jobID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Progress records completion percentage and refreshes the lease; reporting
// progress counts as a lease extension.
func (q *Queue) Progress(ctx context.Context, jobID, robotID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	lease, err := q.leaseFor(ctx, tx, jobID)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET progress=?, lease_expires_at=?, updated_at=?
WHERE id=? AND robot_id=? AND status IN ('claimed','running')`,
		pct, store.FormatTime(now.Add(lease)), store.FormatTime(now), jobID, robotID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.holderError(ctx, tx, jobID, robotID)
	}
	return tx.Commit()
}

// ExtendLease refreshes the visibility timeout for a long-running job. A
// robot extending a cancelled job learns about the cancellation here.
func (q *Queue) ExtendLease(ctx context.Context, jobID, robotID string) (time.Time, error) {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()
	lease, err := q.leaseFor(ctx, tx, jobID)
	if err != nil {
		return time.Time{}, err
	}
	deadline := now.Add(lease)
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET lease_expires_at=?, updated_at=?
WHERE id=? AND robot_id=? AND status IN ('claimed','running')`,
		store.FormatTime(deadline), store.FormatTime(now), jobID, robotID)
	if err != nil {
		return time.Time{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, q.holderError(ctx, tx, jobID, robotID)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, err
	}
	return deadline, nil
}

// Complete records a terminal success and releases the robot's capacity slot.
// A cancelled job stays cancelled: the orchestrator-side status is
// authoritative once set.
func (q *Queue) Complete(ctx context.Context, jobID, robotID string, result []byte) error {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='completed', result=?, progress=100, completed_at=?, lease_expires_at=NULL, updated_at=?
WHERE id=? AND robot_id=? AND status IN ('claimed','running')`,
		result, store.FormatTime(now), store.FormatTime(now), jobID, robotID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.holderError(ctx, tx, jobID, robotID)
	}
	if err := q.releaseSlot(ctx, tx, robotID, now); err != nil {
		return err
	}
	if _, err := q.ledger.AppendTx(ctx, tx, "job.complete", robotID, "job", jobID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Str("job_id", jobID).Str("robot_id", robotID).Msg("job completed")
	return nil
}

// Fail either requeues with backoff or, when the retry budget is exhausted,
// hands the job to the dead-letter queue in the same transaction.
func (q *Queue) Fail(ctx context.Context, jobID, robotID, errMsg string) error {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobClaimed && job.Status != domain.JobRunning {
		return q.holderError(ctx, tx, jobID, robotID)
	}
	if job.RobotID == nil || *job.RobotID != robotID {
		return ErrNotHolder
	}

	if err := q.releaseSlot(ctx, tx, robotID, now); err != nil {
		return err
	}
	if err := q.retireOrRequeue(ctx, tx, job, errMsg, "execution", domain.JobFailed, now); err != nil {
		return err
	}
	return tx.Commit()
}

// Cancel is legal from any non-terminal state. Cancellation of a running job
// is cooperative: the holding robot finds out on its next lease extension.
func (q *Queue) Cancel(ctx context.Context, jobID, actor string) error {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrTerminal
	}
	res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='cancelled', completed_at=?, lease_expires_at=NULL, updated_at=?
WHERE id=? AND status IN ('pending','queued','claimed','running')`,
		store.FormatTime(now), store.FormatTime(now), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminal
	}
	if job.RobotID != nil && (job.Status == domain.JobClaimed || job.Status == domain.JobRunning) {
		if err := q.releaseSlot(ctx, tx, *job.RobotID, now); err != nil {
			return err
		}
	}
	if _, err := q.ledger.AppendTx(ctx, tx, "job.cancel", actor, "job", jobID,
		map[string]string{"from": job.Status}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReclaimExpired returns jobs whose lease lapsed to the queue, or times them
// out into the DLQ when the retry budget is spent. Safe to run repeatedly.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id FROM jobs
WHERE status IN ('claimed','running') AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		store.FormatTime(now))
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		if err := q.reclaimOne(ctx, id, "lease expired", "timeout", now); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// ReleaseRobotJobs abandons every claim held by a robot, typically after the
// stale sweep took it offline.
func (q *Queue) ReleaseRobotJobs(ctx context.Context, robotID string, now time.Time) (int, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id FROM jobs WHERE robot_id=? AND status IN ('claimed','running')`, robotID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		if err := q.reclaimOne(ctx, id, "robot offline", "robot-lost", now); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (q *Queue) reclaimOne(ctx context.Context, jobID, reason, category string, now time.Time) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if job.Status != domain.JobClaimed && job.Status != domain.JobRunning {
		return nil // already resolved elsewhere
	}
	if err := q.retireOrRequeue(ctx, tx, job, reason, category, domain.JobTimeout, now); err != nil {
		return err
	}
	// The holder loses the job, so its capacity slot comes back. The sweep
	// path zeroes the counter first; the > 0 guard in releaseSlot keeps the
	// double release harmless.
	if job.RobotID != nil {
		if err := q.releaseSlot(ctx, tx, *job.RobotID, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// retireOrRequeue applies the retry policy to a job that lost its holder:
// back to queued with backoff while budget remains, otherwise to the DLQ with
// the given terminal status. Runs inside the caller's transaction.
func (q *Queue) retireOrRequeue(ctx context.Context, tx *sql.Tx, job domain.Job, reason, category, terminal string, now time.Time) error {
	if job.RetryCount >= job.MaxRetries {
		_, err := tx.ExecContext(ctx, `
UPDATE jobs SET status=?, error=?, robot_id=NULL, lease_expires_at=NULL, completed_at=?, updated_at=?
WHERE id=?`, terminal, reason, store.FormatTime(now), store.FormatTime(now), job.ID)
		if err != nil {
			return err
		}
		if _, err := q.dlq.MoveTx(ctx, tx, job, reason, category); err != nil {
			return err
		}
		_, err = q.ledger.AppendTx(ctx, tx, "job."+terminal, "system", "job", job.ID,
			map[string]string{"reason": reason, "retries": fmt.Sprint(job.RetryCount)})
		return err
	}

	delay := backoffExp(job.RetryCount + 1)
	_, err := tx.ExecContext(ctx, `
UPDATE jobs SET status='queued', retry_count=retry_count+1, error=?, robot_id=NULL,
       lease_expires_at=NULL, next_attempt_at=?, updated_at=?
WHERE id=?`, reason, store.FormatTime(now.Add(delay)), store.FormatTime(now), job.ID)
	if err != nil {
		return err
	}
	_, err = q.ledger.AppendTx(ctx, tx, "job.requeue", "system", "job", job.ID,
		map[string]string{"reason": reason, "retry": fmt.Sprint(job.RetryCount + 1)})
	return err
}

func (q *Queue) releaseSlot(ctx context.Context, tx *sql.Tx, robotID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
UPDATE robots SET current_jobs = CASE WHEN current_jobs > 0 THEN current_jobs - 1 ELSE 0 END,
       status = CASE WHEN status='busy' THEN 'online' ELSE status END,
       updated_at = ?
WHERE id=?`, store.FormatTime(now), robotID)
	return err
}

// holderError translates a failed conditional update into the most useful
// error for the reporting robot.
func (q *Queue) holderError(ctx context.Context, tx *sql.Tx, jobID, robotID string) error {
	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobCancelled {
		return ErrCancelled
	}
	if job.Terminal() {
		return ErrTerminal
	}
	if job.RobotID == nil || *job.RobotID != robotID {
		return ErrNotHolder
	}
	return ErrTerminal
}

func (q *Queue) leaseFor(ctx context.Context, tx *sql.Tx, jobID string) (time.Duration, error) {
	var secs int
	row := tx.QueryRowContext(ctx, `SELECT timeout_secs FROM jobs WHERE id=?`, jobID)
	if err := row.Scan(&secs); err == sql.ErrNoRows {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func (q *Queue) Get(ctx context.Context, jobID string) (domain.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	return job, err
}

func (q *Queue) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus feeds the metrics endpoint.
func (q *Queue) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// backoffExp: 1,2,4,8,... seconds, capped at 60.
func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 6 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1)
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}

const jobColumns = `id, workflow_id, robot_id, target_robot_id, status, priority, mode, capabilities,
payload, result, error, progress, retry_count, max_retries, timeout_secs,
next_attempt_at, lease_expires_at, created_at, claimed_at, started_at, completed_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	return job, err
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                                domain.Job
		robotID, targetID                  sql.NullString
		caps                               string
		nextAttempt, created, updated      string
		lease, claimed, started, completed sql.NullString
	)
	err := row.Scan(&job.ID, &job.WorkflowID, &robotID, &targetID, &job.Status, &job.Priority,
		&job.Mode, &caps, &job.Payload, &job.Result, &job.Error, &job.Progress,
		&job.RetryCount, &job.MaxRetries, &job.TimeoutSecs,
		&nextAttempt, &lease, &created, &claimed, &started, &completed, &updated)
	if err != nil {
		return domain.Job{}, err
	}
	if robotID.Valid {
		job.RobotID = &robotID.String
	}
	if targetID.Valid {
		job.TargetRobotID = &targetID.String
	}
	job.Capabilities = store.ParseStrings(caps)
	job.NextAttemptAt = store.ParseTime(nextAttempt)
	job.CreatedAt = store.ParseTime(created)
	job.UpdatedAt = store.ParseTime(updated)
	job.LeaseExpires = store.ParseNullTime(lease)
	job.ClaimedAt = store.ParseNullTime(claimed)
	job.StartedAt = store.ParseNullTime(started)
	job.CompletedAt = store.ParseNullTime(completed)
	return job, nil
}
