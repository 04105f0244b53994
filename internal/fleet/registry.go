// Package fleet tracks robot identity, capacity and liveness. Robots are only
// ever declared dead by the absence of heartbeats, never by direct detection.
package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleetflow/internal/domain"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

var (
	ErrUnknownRobot = errors.New("unknown robot")
	ErrRetired      = errors.New("robot is retired")
)

type Registry struct {
	db     *sql.DB
	ledger *ledger.Ledger
}

func NewRegistry(db *sql.DB, l *ledger.Ledger) *Registry {
	return &Registry{db: db, ledger: l}
}

// Register creates a robot record. Hostname must be unique among non-retired
// robots; a duplicate is a policy violation, not a transient error.
func (r *Registry) Register(ctx context.Context, robot domain.Robot) (string, error) {
	if robot.Hostname == "" {
		return "", domain.Reject("hostname required", "")
	}
	if robot.MaxJobs <= 0 {
		robot.MaxJobs = 1
	}
	id := robot.ID
	if id == "" {
		id = "rbt_" + uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var existing string
	row := tx.QueryRowContext(ctx, `SELECT id FROM robots WHERE hostname=? AND status != 'retired'`, robot.Hostname)
	if err := row.Scan(&existing); err == nil {
		return "", domain.Reject("duplicate hostname", "%s is registered as %s", robot.Hostname, existing)
	} else if err != sql.ErrNoRows {
		return "", err
	}

	now := store.FormatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
INSERT INTO robots (id, hostname, status, capabilities, tags, max_jobs, current_jobs, created_at, updated_at)
VALUES (?,?,?,?,?,?,0,?,?)`,
		id, robot.Hostname, domain.RobotOffline,
		store.JSONStrings(robot.Capabilities), store.JSONStrings(robot.Tags),
		robot.MaxJobs, now, now)
	if err != nil {
		return "", err
	}
	if _, err := r.ledger.AppendTx(ctx, tx, "robot.register", "system", "robot", id,
		map[string]string{"hostname": robot.Hostname}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	log.Info().Str("robot_id", id).Str("hostname", robot.Hostname).Msg("robot registered")
	return id, nil
}

// HeartbeatAck tells the robot how it was understood.
type HeartbeatAck struct {
	Known      bool // false asks the robot to re-register
	Status     string
	ServerTime time.Time
}

// Heartbeat refreshes liveness and is the only path that moves a robot's
// status away from offline. Routine refreshes are not audited; transitions are.
func (r *Registry) Heartbeat(ctx context.Context, robotID, status string, jobCount int, metrics map[string]string) (HeartbeatAck, error) {
	switch status {
	case domain.RobotOnline, domain.RobotBusy, domain.RobotError, domain.RobotMaintenance:
	default:
		return HeartbeatAck{}, domain.Reject("invalid robot status", "%q", status)
	}

	now := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return HeartbeatAck{}, err
	}
	defer tx.Rollback()

	var prev string
	row := tx.QueryRowContext(ctx, `SELECT status FROM robots WHERE id=?`, robotID)
	if err := row.Scan(&prev); err == sql.ErrNoRows {
		return HeartbeatAck{Known: false, ServerTime: now}, nil
	} else if err != nil {
		return HeartbeatAck{}, err
	}
	if prev == domain.RobotRetired {
		return HeartbeatAck{}, ErrRetired
	}

	ts := store.FormatTime(now)
	_, err = tx.ExecContext(ctx, `
UPDATE robots SET status=?, last_heartbeat=?, last_seen=?, updated_at=? WHERE id=?`,
		status, ts, ts, ts, robotID)
	if err != nil {
		return HeartbeatAck{}, err
	}
	if prev != status {
		details := map[string]string{"from": prev, "to": status, "jobs": fmt.Sprint(jobCount)}
		for k, v := range metrics {
			details["metric."+k] = v
		}
		if _, err := r.ledger.AppendTx(ctx, tx, "robot.status", robotID, "robot", robotID, details); err != nil {
			return HeartbeatAck{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return HeartbeatAck{}, err
	}
	return HeartbeatAck{Known: true, Status: status, ServerTime: now}, nil
}

// SweepStale transitions online/busy robots with no heartbeat inside threshold
// to offline and zeroes their capacity claim. The swept ids are returned so the
// caller can release their in-flight jobs.
func (r *Registry) SweepStale(ctx context.Context, threshold time.Duration, now time.Time) ([]string, error) {
	cutoff := store.FormatTime(now.Add(-threshold))

	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM robots
WHERE status IN ('online','busy') AND (last_heartbeat IS NULL OR last_heartbeat < ?)`, cutoff)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var swept []string
	for _, id := range stale {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return swept, err
		}
		res, err := tx.ExecContext(ctx, `
UPDATE robots SET status='offline', current_jobs=0, updated_at=?
WHERE id=? AND status IN ('online','busy') AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
			store.FormatTime(now), id, cutoff)
		if err != nil {
			_ = tx.Rollback()
			return swept, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_ = tx.Rollback()
			continue // lost the race to a fresh heartbeat
		}
		if _, err := r.ledger.AppendTx(ctx, tx, "robot.stale", "sweeper", "robot", id,
			map[string]string{"to": "offline"}); err != nil {
			_ = tx.Rollback()
			return swept, err
		}
		if err := tx.Commit(); err != nil {
			return swept, err
		}
		swept = append(swept, id)
		log.Warn().Str("robot_id", id).Msg("robot marked offline after missed heartbeats")
	}
	return swept, nil
}

// SelectCandidates returns online robots with spare capacity whose capability
// set covers the requirement, least loaded first.
func (r *Registry) SelectCandidates(ctx context.Context, mode string, required []string) ([]domain.Robot, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, hostname, status, capabilities, tags, max_jobs, current_jobs, last_heartbeat, last_seen, created_at, updated_at
FROM robots WHERE status='online' AND current_jobs < max_jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		if !HasCapabilities(robot.Capabilities, required) {
			continue
		}
		out = append(out, robot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CurrentJobs < out[j].CurrentJobs })
	return out, nil
}

func (r *Registry) Get(ctx context.Context, id string) (domain.Robot, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, hostname, status, capabilities, tags, max_jobs, current_jobs, last_heartbeat, last_seen, created_at, updated_at
FROM robots WHERE id=?`, id)
	robot, err := scanRobot(row)
	if err == sql.ErrNoRows {
		return domain.Robot{}, ErrUnknownRobot
	}
	return robot, err
}

func (r *Registry) List(ctx context.Context) ([]domain.Robot, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, hostname, status, capabilities, tags, max_jobs, current_jobs, last_heartbeat, last_seen, created_at, updated_at
FROM robots WHERE status != 'retired' ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Robot
	for rows.Next() {
		robot, err := scanRobot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, robot)
	}
	return out, rows.Err()
}

// Retire soft-deletes: the record stays for history, the hostname frees up.
func (r *Registry) Retire(ctx context.Context, robotID, actor string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE robots SET status='retired', current_jobs=0, updated_at=? WHERE id=? AND status != 'retired'`,
		store.FormatTime(time.Now()), robotID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownRobot
	}
	if _, err := r.ledger.AppendTx(ctx, tx, "robot.retire", actor, "robot", robotID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// HasCapabilities reports whether have covers every entry of want.
func HasCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRobot(row rowScanner) (domain.Robot, error) {
	var (
		robot                      domain.Robot
		caps, tags                 string
		hb, seen, created, updated sql.NullString
	)
	err := row.Scan(&robot.ID, &robot.Hostname, &robot.Status, &caps, &tags,
		&robot.MaxJobs, &robot.CurrentJobs, &hb, &seen, &created, &updated)
	if err != nil {
		return domain.Robot{}, err
	}
	robot.Capabilities = store.ParseStrings(caps)
	robot.Tags = store.ParseStrings(tags)
	if t := store.ParseNullTime(hb); t != nil {
		robot.LastHeartbeat = *t
	}
	if t := store.ParseNullTime(seen); t != nil {
		robot.LastSeen = *t
	}
	if t := store.ParseNullTime(created); t != nil {
		robot.CreatedAt = *t
	}
	if t := store.ParseNullTime(updated); t != nil {
		robot.UpdatedAt = *t
	}
	return robot, nil
}
