package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"fleetflow/internal/domain"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

var (
	ErrNotFound       = errors.New("schedule not found")
	ErrSelfDependency = errors.New("schedule cannot depend on itself")
	ErrCycle          = errors.New("dependency would create a cycle")
	ErrDuplicateEdge  = errors.New("dependency already exists")
)

type Store struct {
	db     *sql.DB
	ledger *ledger.Ledger
}

func NewStore(db *sql.DB, l *ledger.Ledger) *Store {
	return &Store{db: db, ledger: l}
}

const scheduleColumns = `id, name, workflow_id, trigger_type, cron_expr, interval_secs, fixed_time, timezone,
calendar_id, allow_outside_hours, priority, mode, capabilities, payload, max_retries, timeout_secs,
status, wait_for_all, sla_max_duration_secs, sla_max_start_delay_secs, sla_success_rate, sla_consecutive_limit,
rl_max_executions, rl_window_secs, rl_queue_overflow, next_run, last_run,
run_count, success_count, failure_count, consecutive_failures, sla_status, created_at, updated_at`

func (s *Store) Create(ctx context.Context, sch domain.Schedule, actor string) (string, error) {
	if err := ValidateTrigger(sch); err != nil {
		return "", err
	}
	if sch.Priority == 0 {
		sch.Priority = 5
	}
	if sch.Priority < domain.PriorityMin || sch.Priority > domain.PriorityMax {
		return "", domain.Reject("priority out of range", "%d", sch.Priority)
	}
	if sch.Mode == "" {
		sch.Mode = domain.ModeLocalNetwork
	}
	if sch.MaxRetries == 0 {
		sch.MaxRetries = 3
	}
	if sch.TimeoutSecs <= 0 {
		sch.TimeoutSecs = 60
	}
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if sch.Status == "" {
		sch.Status = domain.ScheduleActive
	}
	if sch.NextRun.IsZero() {
		next, err := NextRun(sch, time.Now())
		if err != nil {
			return "", err
		}
		sch.NextRun = next
	}
	id := sch.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := store.FormatTime(time.Now())
	var calID, fixed any
	if sch.CalendarID != nil {
		calID = *sch.CalendarID
	}
	if sch.FixedTime != nil {
		fixed = store.FormatTime(*sch.FixedTime)
	}
	slaArgs := slaColumns(sch.SLA)
	rlArgs := rateLimitColumns(sch.RateLimit)

	_, err = tx.ExecContext(ctx, `
INSERT INTO schedules (id, name, workflow_id, trigger_type, cron_expr, interval_secs, fixed_time, timezone,
  calendar_id, allow_outside_hours, priority, mode, capabilities, payload, max_retries, timeout_secs,
  status, wait_for_all, sla_max_duration_secs, sla_max_start_delay_secs, sla_success_rate, sla_consecutive_limit,
  rl_max_executions, rl_window_secs, rl_queue_overflow, next_run, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, sch.Name, sch.WorkflowID, sch.TriggerType, sch.CronExpr, sch.IntervalSecs, fixed, sch.Timezone,
		calID, boolInt(sch.AllowOutsideHours), sch.Priority, sch.Mode,
		store.JSONStrings(sch.Capabilities), sch.Payload, sch.MaxRetries, sch.TimeoutSecs,
		sch.Status, boolInt(sch.WaitForAll),
		slaArgs[0], slaArgs[1], slaArgs[2], slaArgs[3],
		rlArgs[0], rlArgs[1], rlArgs[2],
		store.FormatTime(sch.NextRun), now, now)
	if err != nil {
		return "", err
	}
	if _, err := s.ledger.AppendTx(ctx, tx, "schedule.create", actor, "schedule", id,
		map[string]string{"name": sch.Name, "workflow": sch.WorkflowID, "trigger": sch.TriggerType}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Update replaces the mutable definition fields; run statistics are untouched.
func (s *Store) Update(ctx context.Context, sch domain.Schedule, actor string) error {
	if err := ValidateTrigger(sch); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var calID, fixed any
	if sch.CalendarID != nil {
		calID = *sch.CalendarID
	}
	if sch.FixedTime != nil {
		fixed = store.FormatTime(*sch.FixedTime)
	}
	slaArgs := slaColumns(sch.SLA)
	rlArgs := rateLimitColumns(sch.RateLimit)

	res, err := tx.ExecContext(ctx, `
UPDATE schedules SET name=?, workflow_id=?, trigger_type=?, cron_expr=?, interval_secs=?, fixed_time=?,
  timezone=?, calendar_id=?, allow_outside_hours=?, priority=?, mode=?, capabilities=?, payload=?,
  max_retries=?, timeout_secs=?, wait_for_all=?,
  sla_max_duration_secs=?, sla_max_start_delay_secs=?, sla_success_rate=?, sla_consecutive_limit=?,
  rl_max_executions=?, rl_window_secs=?, rl_queue_overflow=?, next_run=?, updated_at=?
WHERE id=?`,
		sch.Name, sch.WorkflowID, sch.TriggerType, sch.CronExpr, sch.IntervalSecs, fixed,
		sch.Timezone, calID, boolInt(sch.AllowOutsideHours), sch.Priority, sch.Mode,
		store.JSONStrings(sch.Capabilities), sch.Payload,
		sch.MaxRetries, sch.TimeoutSecs, boolInt(sch.WaitForAll),
		slaArgs[0], slaArgs[1], slaArgs[2], slaArgs[3],
		rlArgs[0], rlArgs[1], rlArgs[2],
		store.FormatTime(sch.NextRun), store.FormatTime(time.Now()), sch.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.ledger.AppendTx(ctx, tx, "schedule.update", actor, "schedule", sch.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetStatus pauses or resumes. Resuming recomputes next_run so a long pause
// does not trigger a burst of catch-up firings.
func (s *Store) SetStatus(ctx context.Context, id, status, actor string) error {
	if status != domain.ScheduleActive && status != domain.SchedulePaused {
		return domain.Reject("invalid schedule status", "%q", status)
	}
	sch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	next := sch.NextRun
	if status == domain.ScheduleActive {
		if n, err := NextRun(sch, time.Now()); err == nil && !n.IsZero() {
			next = n
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `UPDATE schedules SET status=?, next_run=?, updated_at=? WHERE id=?`,
		status, store.FormatTime(next), store.FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if _, err := s.ledger.AppendTx(ctx, tx, "schedule."+status, actor, "schedule", id, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, ErrNotFound
	}
	return sch, err
}

func (s *Store) List(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *Store) Due(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+` FROM schedules WHERE status='active' AND next_run <= ? ORDER BY next_run`,
		store.FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// MarkFired records the execution and advances the schedule in one step.
func (s *Store) MarkFired(ctx context.Context, scheduleID, jobID string, firedAt, nextRun time.Time, pause bool) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	execID := "exe_" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO schedule_executions (id, schedule_id, job_id, status, fired_at) VALUES (?,?,?,'pending',?)`,
		execID, scheduleID, jobID, store.FormatTime(firedAt))
	if err != nil {
		return "", err
	}
	status := domain.ScheduleActive
	if pause {
		status = domain.SchedulePaused
	}
	_, err = tx.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, run_count=run_count+1, status=?, updated_at=? WHERE id=?`,
		store.FormatTime(firedAt), store.FormatTime(nextRun), status, store.FormatTime(firedAt), scheduleID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return execID, nil
}

// MarkSkipped records a firing that was consumed without a job (rate limit
// overflow with queueing disabled) and advances next_run.
func (s *Store) MarkSkipped(ctx context.Context, scheduleID, detail string, firedAt, nextRun time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO schedule_executions (id, schedule_id, status, detail, fired_at, resolved_at)
VALUES (?,?,'skipped',?,?,?)`,
		"exe_"+uuid.NewString(), scheduleID, detail, store.FormatTime(firedAt), store.FormatTime(firedAt))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE schedules SET next_run=?, updated_at=? WHERE id=?`,
		store.FormatTime(nextRun), store.FormatTime(firedAt), scheduleID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AddDependency inserts a DAG edge after self-reference, duplicate and cycle
// checks.
func (s *Store) AddDependency(ctx context.Context, dep domain.Dependency, actor string) error {
	if dep.ScheduleID == dep.DependsOnID {
		return ErrSelfDependency
	}
	if dep.TimeoutSecs <= 0 {
		dep.TimeoutSecs = 86400
	}
	if _, err := s.Get(ctx, dep.ScheduleID); err != nil {
		return err
	}
	if _, err := s.Get(ctx, dep.DependsOnID); err != nil {
		return err
	}

	edges, err := s.allEdges(ctx)
	if err != nil {
		return err
	}
	for _, e := range edges[dep.ScheduleID] {
		if e == dep.DependsOnID {
			return ErrDuplicateEdge
		}
	}
	// Adding schedule->dependsOn creates a cycle iff schedule is reachable
	// from dependsOn.
	if reachable(edges, dep.DependsOnID, dep.ScheduleID) {
		return ErrCycle
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO schedule_dependencies (schedule_id, depends_on_id, require_success, timeout_secs)
VALUES (?,?,?,?)`,
		dep.ScheduleID, dep.DependsOnID, boolInt(dep.RequireSuccess), dep.TimeoutSecs)
	if err != nil {
		return err
	}
	if _, err := s.ledger.AppendTx(ctx, tx, "schedule.dependency", actor, "schedule", dep.ScheduleID,
		map[string]string{"depends_on": dep.DependsOnID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Dependencies(ctx context.Context, scheduleID string) ([]domain.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT schedule_id, depends_on_id, require_success, timeout_secs
FROM schedule_dependencies WHERE schedule_id=?`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		var req int
		if err := rows.Scan(&d.ScheduleID, &d.DependsOnID, &req, &d.TimeoutSecs); err != nil {
			return nil, err
		}
		d.RequireSuccess = req != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) allEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT schedule_id, depends_on_id FROM schedule_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

func reachable(edges map[string][]string, from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return false
}

// HasQualifyingCompletion reports whether the dependency target completed
// acceptably within the window ending at now.
func (s *Store) HasQualifyingCompletion(ctx context.Context, dep domain.Dependency, now time.Time) (bool, error) {
	since := store.FormatTime(now.Add(-time.Duration(dep.TimeoutSecs) * time.Second))
	statuses := "('success')"
	if !dep.RequireSuccess {
		statuses = "('success','failure')"
	}
	var n int
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM schedule_executions
WHERE schedule_id=? AND status IN `+statuses+` AND resolved_at >= ?`, dep.DependsOnID, since)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// FiredInWindow counts non-skipped firings since the window start.
func (s *Store) FiredInWindow(ctx context.Context, scheduleID string, since time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM schedule_executions
WHERE schedule_id=? AND status != 'skipped' AND fired_at >= ?`, scheduleID, store.FormatTime(since))
	err := row.Scan(&n)
	return n, err
}

// PendingExecutions lists executions whose job outcome has not been folded
// into the schedule statistics yet.
func (s *Store) PendingExecutions(ctx context.Context) ([]domain.ScheduleExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, schedule_id, job_id, status, detail, fired_at, resolved_at
FROM schedule_executions WHERE status='pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduleExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Executions(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, schedule_id, job_id, status, detail, fired_at, resolved_at
FROM schedule_executions WHERE schedule_id=? ORDER BY fired_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduleExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveExecution folds a terminal job outcome into the execution record and
// the schedule's rolling statistics, then refreshes the SLA status.
func (s *Store) ResolveExecution(ctx context.Context, execID, status, detail, slaStatus, scheduleID string, success bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
UPDATE schedule_executions SET status=?, detail=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, detail, store.FormatTime(now), execID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // resolved concurrently
	}
	if success {
		_, err = tx.ExecContext(ctx, `
UPDATE schedules SET success_count=success_count+1, consecutive_failures=0, sla_status=?, updated_at=? WHERE id=?`,
			slaStatus, store.FormatTime(now), scheduleID)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE schedules SET failure_count=failure_count+1, consecutive_failures=consecutive_failures+1, sla_status=?, updated_at=? WHERE id=?`,
			slaStatus, store.FormatTime(now), scheduleID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetSLAStatus(ctx context.Context, scheduleID, slaStatus string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET sla_status=? WHERE id=?`, slaStatus, scheduleID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func slaColumns(c *domain.SLAConfig) [4]any {
	if c == nil {
		return [4]any{nil, nil, nil, nil}
	}
	return [4]any{c.MaxDurationSecs, c.MaxStartDelaySecs, c.SuccessRateThreshold, c.ConsecutiveFailureLimit}
}

func rateLimitColumns(c *domain.RateLimitConfig) [3]any {
	if c == nil {
		return [3]any{nil, nil, 0}
	}
	return [3]any{c.MaxExecutions, c.WindowSecs, boolInt(c.QueueOverflow)}
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		sch                        domain.Schedule
		fixed, calID, lastRun      sql.NullString
		caps                       string
		allowOutside, waitForAll   int
		slaDur, slaDelay, slaLimit sql.NullInt64
		slaRate                    sql.NullFloat64
		rlMax, rlWindow            sql.NullInt64
		rlOverflow                 int
		nextRun, created, updated  string
	)
	err := row.Scan(&sch.ID, &sch.Name, &sch.WorkflowID, &sch.TriggerType, &sch.CronExpr,
		&sch.IntervalSecs, &fixed, &sch.Timezone, &calID, &allowOutside,
		&sch.Priority, &sch.Mode, &caps, &sch.Payload, &sch.MaxRetries, &sch.TimeoutSecs,
		&sch.Status, &waitForAll, &slaDur, &slaDelay, &slaRate, &slaLimit,
		&rlMax, &rlWindow, &rlOverflow, &nextRun, &lastRun,
		&sch.RunCount, &sch.SuccessCount, &sch.FailureCount, &sch.ConsecutiveFailures,
		&sch.SLAStatus, &created, &updated)
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.AllowOutsideHours = allowOutside != 0
	sch.WaitForAll = waitForAll != 0
	sch.Capabilities = store.ParseStrings(caps)
	if calID.Valid {
		sch.CalendarID = &calID.String
	}
	sch.FixedTime = store.ParseNullTime(fixed)
	sch.NextRun = store.ParseTime(nextRun)
	sch.LastRun = store.ParseNullTime(lastRun)
	sch.CreatedAt = store.ParseTime(created)
	sch.UpdatedAt = store.ParseTime(updated)
	if slaLimit.Valid || slaRate.Valid || slaDur.Valid || slaDelay.Valid {
		sch.SLA = &domain.SLAConfig{
			MaxDurationSecs:         int(slaDur.Int64),
			MaxStartDelaySecs:       int(slaDelay.Int64),
			SuccessRateThreshold:    slaRate.Float64,
			ConsecutiveFailureLimit: int(slaLimit.Int64),
		}
	}
	if rlMax.Valid {
		sch.RateLimit = &domain.RateLimitConfig{
			MaxExecutions: int(rlMax.Int64),
			WindowSecs:    int(rlWindow.Int64),
			QueueOverflow: rlOverflow != 0,
		}
	}
	return sch, nil
}

func scanExecution(row rowScanner) (domain.ScheduleExecution, error) {
	var (
		e        domain.ScheduleExecution
		fired    string
		resolved sql.NullString
	)
	err := row.Scan(&e.ID, &e.ScheduleID, &e.JobID, &e.Status, &e.Detail, &fired, &resolved)
	if err != nil {
		return domain.ScheduleExecution{}, err
	}
	e.FiredAt = store.ParseTime(fired)
	e.ResolvedAt = store.ParseNullTime(resolved)
	return e, nil
}

// Calendar persistence lives with the scheduler; calendars only matter to
// firing decisions.

func (s *Store) CreateCalendar(ctx context.Context, cal domain.BusinessCalendar, actor string) (string, error) {
	if cal.Name == "" {
		return "", domain.Reject("calendar name required", "")
	}
	if cal.Timezone == "" {
		cal.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cal.Timezone); err != nil {
		return "", domain.Reject("invalid timezone", "%q", cal.Timezone)
	}
	id := cal.ID
	if id == "" {
		id = "cal_" + uuid.NewString()
	}
	hours, err := json.Marshal(cal.WorkingHours)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO calendars (id, name, timezone, working_hours, holidays, non_working_dates, created_at)
VALUES (?,?,?,?,?,?,?)`,
		id, cal.Name, cal.Timezone, string(hours),
		store.JSONStrings(cal.Holidays), store.JSONStrings(cal.NonWorkingDates),
		store.FormatTime(time.Now()))
	if err != nil {
		return "", err
	}
	if _, err := s.ledger.AppendTx(ctx, tx, "calendar.create", actor, "calendar", id,
		map[string]string{"name": cal.Name}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetCalendar(ctx context.Context, id string) (domain.BusinessCalendar, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, timezone, working_hours, holidays, non_working_dates, created_at FROM calendars WHERE id=?`, id)
	var (
		cal                      domain.BusinessCalendar
		hours, holidays, nonWork string
		created                  string
	)
	err := row.Scan(&cal.ID, &cal.Name, &cal.Timezone, &hours, &holidays, &nonWork, &created)
	if err == sql.ErrNoRows {
		return domain.BusinessCalendar{}, ErrNotFound
	}
	if err != nil {
		return domain.BusinessCalendar{}, err
	}
	if err := json.Unmarshal([]byte(hours), &cal.WorkingHours); err != nil {
		return domain.BusinessCalendar{}, err
	}
	cal.Holidays = store.ParseStrings(holidays)
	cal.NonWorkingDates = store.ParseStrings(nonWork)
	cal.CreatedAt = store.ParseTime(created)
	return cal, nil
}

func (s *Store) AddBlackout(ctx context.Context, b domain.BlackoutPeriod, actor string) (string, error) {
	if b.Name == "" {
		return "", domain.Reject("blackout name required", "")
	}
	if !b.EndsAt.After(b.StartsAt) {
		return "", domain.Reject("invalid blackout range", "end must be after start")
	}
	switch b.Recurrence {
	case domain.RecurNone, domain.RecurDaily, domain.RecurWeekly:
	default:
		return "", domain.Reject("invalid recurrence", "%q", b.Recurrence)
	}
	if _, err := s.GetCalendar(ctx, b.CalendarID); err != nil {
		return "", err
	}
	id := b.ID
	if id == "" {
		id = "blk_" + uuid.NewString()
	}
	var wf any
	if b.WorkflowID != nil {
		wf = *b.WorkflowID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO blackout_periods (id, calendar_id, name, starts_at, ends_at, recurrence, workflow_id)
VALUES (?,?,?,?,?,?,?)`,
		id, b.CalendarID, b.Name, store.FormatTime(b.StartsAt), store.FormatTime(b.EndsAt), b.Recurrence, wf)
	if err != nil {
		return "", err
	}
	if _, err := s.ledger.AppendTx(ctx, tx, "calendar.blackout", actor, "calendar", b.CalendarID,
		map[string]string{"name": b.Name}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Blackouts(ctx context.Context, calendarID string) ([]domain.BlackoutPeriod, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, calendar_id, name, starts_at, ends_at, recurrence, workflow_id
FROM blackout_periods WHERE calendar_id=?`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BlackoutPeriod
	for rows.Next() {
		var (
			b            domain.BlackoutPeriod
			starts, ends string
			wf           sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.CalendarID, &b.Name, &starts, &ends, &b.Recurrence, &wf); err != nil {
			return nil, err
		}
		b.StartsAt = store.ParseTime(starts)
		b.EndsAt = store.ParseTime(ends)
		if wf.Valid {
			b.WorkflowID = &wf.String
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
