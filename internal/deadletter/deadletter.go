// Package deadletter holds jobs that exhausted their retry budget until an
// operator requeues or discards them.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleetflow/internal/domain"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

var (
	ErrNotFound   = errors.New("dead-letter item not found")
	ErrNotPending = errors.New("dead-letter item is not pending or reviewing")
)

// Submitter re-enqueues a job seeded from a captured snapshot, inside the
// caller's transaction so the item transition and the new job commit together.
// Wired to the job queue at startup; an interface here keeps the dependency
// one-way.
type Submitter interface {
	SubmitTx(ctx context.Context, tx *sql.Tx, job domain.Job) (string, error)
}

type Manager struct {
	db     *sql.DB
	ledger *ledger.Ledger
	submit Submitter
}

func NewManager(db *sql.DB, l *ledger.Ledger) *Manager {
	return &Manager{db: db, ledger: l}
}

func (m *Manager) Bind(s Submitter) { m.submit = s }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MoveTx files a job into the DLQ inside the caller's transaction. It is
// idempotent on the original job id: a second call returns the existing item.
func (m *Manager) MoveTx(ctx context.Context, q execer, job domain.Job, reason, category string) (string, error) {
	var existing string
	row := q.QueryRowContext(ctx, `SELECT id FROM dead_letters WHERE job_id=?`, job.ID)
	if err := row.Scan(&existing); err == nil {
		return existing, nil
	} else if err != sql.ErrNoRows {
		return "", err
	}

	id := "dlq_" + uuid.NewString()
	var robotID any
	if job.RobotID != nil {
		robotID = *job.RobotID
	}
	if category == "" {
		category = "unknown"
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO dead_letters (id, job_id, workflow_id, robot_id, reason, category, payload, status, created_at)
VALUES (?,?,?,?,?,?,?,'pending',?)`,
		id, job.ID, job.WorkflowID, robotID, reason, category, job.Payload, store.FormatTime(time.Now()))
	if err != nil {
		return "", err
	}
	if _, err := m.ledger.AppendTx(ctx, q, "dlq.move", "system", "deadletter", id,
		map[string]string{"job_id": job.ID, "reason": reason, "category": category}); err != nil {
		return "", err
	}
	log.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("job moved to dead-letter queue")
	return id, nil
}

// Requeue creates a fresh job from the captured snapshot. Legal only from
// pending or reviewing.
func (m *Manager) Requeue(ctx context.Context, itemID, operator string) (string, error) {
	item, err := m.Get(ctx, itemID)
	if err != nil {
		return "", err
	}
	if item.Status != domain.DLQPending && item.Status != domain.DLQReviewing {
		return "", ErrNotPending
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var job domain.Job
	row := tx.QueryRowContext(ctx, `
SELECT workflow_id, priority, mode, capabilities, max_retries, timeout_secs FROM jobs WHERE id=?`, item.JobID)
	var caps string
	if err := row.Scan(&job.WorkflowID, &job.Priority, &job.Mode, &caps, &job.MaxRetries, &job.TimeoutSecs); err != nil {
		return "", err
	}
	job.Capabilities = store.ParseStrings(caps)
	job.Payload = item.Payload

	// Flip the item before submitting: if anything below fails the whole
	// transaction rolls back, so a requeued item always points at a live job
	// and a pending item never has one.
	res, err := tx.ExecContext(ctx, `
UPDATE dead_letters SET status='requeued', resolved_at=?, resolved_by=? WHERE id=? AND status IN ('pending','reviewing')`,
		store.FormatTime(time.Now()), operator, itemID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotPending
	}

	newID, err := m.submit.SubmitTx(ctx, tx, job)
	if err != nil {
		return "", err
	}
	if _, err := m.ledger.AppendTx(ctx, tx, "dlq.requeue", operator, "deadletter", itemID,
		map[string]string{"new_job_id": newID}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newID, nil
}

// Discard is terminal.
func (m *Manager) Discard(ctx context.Context, itemID, operator string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
UPDATE dead_letters SET status='discarded', resolved_at=?, resolved_by=? WHERE id=? AND status IN ('pending','reviewing')`,
		store.FormatTime(time.Now()), operator, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	if _, err := m.ledger.AppendTx(ctx, tx, "dlq.discard", operator, "deadletter", itemID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Review flips an item to reviewing so requeue/discard decisions are visible.
func (m *Manager) Review(ctx context.Context, itemID, operator string) error {
	res, err := m.db.ExecContext(ctx, `
UPDATE dead_letters SET status='reviewing' WHERE id=? AND status='pending'`, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, itemID string) (domain.DeadLetterItem, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT id, job_id, workflow_id, robot_id, reason, category, payload, status, created_at, resolved_at, resolved_by
FROM dead_letters WHERE id=?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return domain.DeadLetterItem{}, ErrNotFound
	}
	return item, err
}

// Filter narrows List; zero values match everything.
type Filter struct {
	WorkflowID string
	RobotID    string
	Category   string
	Status     string
}

func (m *Manager) List(ctx context.Context, f Filter) ([]domain.DeadLetterItem, error) {
	query := `
SELECT id, job_id, workflow_id, robot_id, reason, category, payload, status, created_at, resolved_at, resolved_by
FROM dead_letters WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += " AND workflow_id=?"
		args = append(args, f.WorkflowID)
	}
	if f.RobotID != "" {
		query += " AND robot_id=?"
		args = append(args, f.RobotID)
	}
	if f.Category != "" {
		query += " AND category=?"
		args = append(args, f.Category)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeadLetterItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Stats is a derived, read-only view for operator triage.
type Stats struct {
	PendingItems  int            `json:"pending_items"`
	ItemsLast24h  int            `json:"items_last_24h"`
	TopCategories map[string]int `json:"top_categories"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	row := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE status='pending'`)
	if err := row.Scan(&s.PendingItems); err != nil {
		return s, err
	}
	cutoff := store.FormatTime(time.Now().Add(-24 * time.Hour))
	row = m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE created_at >= ?`, cutoff)
	if err := row.Scan(&s.ItemsLast24h); err != nil {
		return s, err
	}
	rows, err := m.db.QueryContext(ctx, `
SELECT category, COUNT(*) FROM dead_letters GROUP BY category ORDER BY COUNT(*) DESC LIMIT 10`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	s.TopCategories = map[string]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return s, err
		}
		s.TopCategories[cat] = n
	}
	return s, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanItem(row rowScanner) (domain.DeadLetterItem, error) {
	var (
		item              domain.DeadLetterItem
		robotID           sql.NullString
		created, resolved sql.NullString
	)
	err := row.Scan(&item.ID, &item.JobID, &item.WorkflowID, &robotID, &item.Reason,
		&item.Category, &item.Payload, &item.Status, &created, &resolved, &item.ResolvedBy)
	if err != nil {
		return domain.DeadLetterItem{}, err
	}
	if robotID.Valid {
		item.RobotID = &robotID.String
	}
	if t := store.ParseNullTime(created); t != nil {
		item.CreatedAt = *t
	}
	item.ResolvedAt = store.ParseNullTime(resolved)
	return item, nil
}
