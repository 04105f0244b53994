package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Open opens the orchestrator database. SQLite has a single writer, so the
// pool is capped at one connection; every state transition then runs as a
// serialized transaction, which is what gives per-entity atomicity.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// TimeLayout is how every timestamp column is stored: UTC, sortable as text,
// accepted by sqlite's datetime functions.
const TimeLayout = "2006-01-02 15:04:05.999999999"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func ParseTime(s string) time.Time {
	if t, err := time.ParseInLocation(TimeLayout, s, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// ParseNullTime turns a nullable timestamp column into *time.Time.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := ParseTime(s.String)
	return &t
}

// JSONStrings serializes a string slice for a TEXT column.
func JSONStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ParseStrings is the inverse of JSONStrings.
func ParseStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS robots (
  id TEXT PRIMARY KEY,
  hostname TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('offline','online','busy','error','maintenance','retired')) DEFAULT 'offline',
  capabilities TEXT NOT NULL DEFAULT '[]',
  tags TEXT NOT NULL DEFAULT '[]',
  max_jobs INTEGER NOT NULL DEFAULT 1,
  current_jobs INTEGER NOT NULL DEFAULT 0,
  last_heartbeat DATETIME,
  last_seen DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_robots_hostname ON robots(hostname) WHERE status != 'retired';
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  robot_id TEXT,
  target_robot_id TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','queued','claimed','running','completed','failed','cancelled','timeout')) DEFAULT 'queued',
  priority INTEGER NOT NULL DEFAULT 5,
  mode TEXT NOT NULL DEFAULT 'local-network',
  capabilities TEXT NOT NULL DEFAULT '[]',
  payload BLOB,
  result BLOB,
  error TEXT NOT NULL DEFAULT '',
  progress INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  timeout_secs INTEGER NOT NULL DEFAULT 60,
  next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  lease_expires_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  claimed_at DATETIME,
  started_at DATETIME,
  completed_at DATETIME,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs(status, next_attempt_at, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_robot ON jobs(robot_id, status);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  workflow_id TEXT NOT NULL,
  trigger_type TEXT NOT NULL CHECK(trigger_type IN ('cron','interval','fixed')),
  cron_expr TEXT NOT NULL DEFAULT '',
  interval_secs INTEGER NOT NULL DEFAULT 0,
  fixed_time DATETIME,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  calendar_id TEXT,
  allow_outside_hours INTEGER NOT NULL DEFAULT 0,
  priority INTEGER NOT NULL DEFAULT 5,
  mode TEXT NOT NULL DEFAULT 'local-network',
  capabilities TEXT NOT NULL DEFAULT '[]',
  payload BLOB,
  max_retries INTEGER NOT NULL DEFAULT 3,
  timeout_secs INTEGER NOT NULL DEFAULT 60,
  status TEXT NOT NULL CHECK(status IN ('active','paused')) DEFAULT 'active',
  wait_for_all INTEGER NOT NULL DEFAULT 1,
  sla_max_duration_secs INTEGER,
  sla_max_start_delay_secs INTEGER,
  sla_success_rate REAL,
  sla_consecutive_limit INTEGER,
  rl_max_executions INTEGER,
  rl_window_secs INTEGER,
  rl_queue_overflow INTEGER NOT NULL DEFAULT 0,
  next_run DATETIME NOT NULL,
  last_run DATETIME,
  run_count INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  sla_status TEXT NOT NULL DEFAULT 'healthy',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run);
CREATE TABLE IF NOT EXISTS schedule_dependencies (
  schedule_id TEXT NOT NULL,
  depends_on_id TEXT NOT NULL,
  require_success INTEGER NOT NULL DEFAULT 1,
  timeout_secs INTEGER NOT NULL DEFAULT 86400,
  PRIMARY KEY (schedule_id, depends_on_id),
  FOREIGN KEY(schedule_id) REFERENCES schedules(id),
  FOREIGN KEY(depends_on_id) REFERENCES schedules(id)
);
CREATE TABLE IF NOT EXISTS schedule_executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  job_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','success','failure','skipped')) DEFAULT 'pending',
  detail TEXT NOT NULL DEFAULT '',
  fired_at DATETIME NOT NULL,
  resolved_at DATETIME,
  FOREIGN KEY(schedule_id) REFERENCES schedules(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id, fired_at);
CREATE TABLE IF NOT EXISTS calendars (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  working_hours TEXT NOT NULL DEFAULT '{}',
  holidays TEXT NOT NULL DEFAULT '[]',
  non_working_dates TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS blackout_periods (
  id TEXT PRIMARY KEY,
  calendar_id TEXT NOT NULL,
  name TEXT NOT NULL,
  starts_at DATETIME NOT NULL,
  ends_at DATETIME NOT NULL,
  recurrence TEXT NOT NULL DEFAULT '' CHECK(recurrence IN ('','daily','weekly')),
  workflow_id TEXT,
  FOREIGN KEY(calendar_id) REFERENCES calendars(id)
);
CREATE TABLE IF NOT EXISTS dead_letters (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  workflow_id TEXT NOT NULL,
  robot_id TEXT,
  reason TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT 'unknown',
  payload BLOB,
  status TEXT NOT NULL CHECK(status IN ('pending','reviewing','requeued','discarded','resolved')) DEFAULT 'pending',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  resolved_at DATETIME,
  resolved_by TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_job ON dead_letters(job_id);
CREATE TABLE IF NOT EXISTS audit_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  ts DATETIME NOT NULL,
  action TEXT NOT NULL,
  actor TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  resource_id TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '{}',
  digest TEXT NOT NULL,
  prev_digest TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS merkle_roots (
  id TEXT PRIMARY KEY,
  start_seq INTEGER NOT NULL,
  end_seq INTEGER NOT NULL,
  root TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tokens (
  id TEXT PRIMARY KEY,
  identity TEXT NOT NULL,
  scopes TEXT NOT NULL DEFAULT '',
  issued_at DATETIME NOT NULL,
  expires_at DATETIME NOT NULL,
  revoked INTEGER NOT NULL DEFAULT 0,
  last_used_at DATETIME
);
`
	_, err := db.Exec(schema)
	return err
}
