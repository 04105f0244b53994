package fleet

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"fleetflow/internal/domain"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *sql.DB, *ledger.Ledger) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	l := ledger.New(db)
	return NewRegistry(db, l), db, l
}

func TestRegisterRejectsDuplicateHostname(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, domain.Robot{Hostname: "factory-01"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(ctx, domain.Robot{Hostname: "factory-01"}); err == nil {
		t.Fatal("duplicate hostname must be rejected")
	}
	var rule *domain.RuleError
	if _, err := r.Register(ctx, domain.Robot{Hostname: "factory-01"}); !errors.As(err, &rule) {
		t.Errorf("duplicate rejection should be a rule error, got %v", err)
	}

	// Retiring frees the hostname for a fresh registration.
	if err := r.Retire(ctx, id, "operator"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := r.Register(ctx, domain.Robot{Hostname: "factory-01"}); err != nil {
		t.Errorf("register after retire: %v", err)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, domain.Robot{Hostname: "factory-01"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	robot, _ := r.Get(ctx, id)
	if robot.Status != domain.RobotOffline {
		t.Errorf("fresh robot = %s, want offline", robot.Status)
	}

	ack, err := r.Heartbeat(ctx, id, domain.RobotOnline, 0, map[string]string{"cpu": "12"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ack.Known || ack.Status != domain.RobotOnline {
		t.Errorf("ack = %+v", ack)
	}
	robot, _ = r.Get(ctx, id)
	if robot.Status != domain.RobotOnline || robot.LastHeartbeat.IsZero() {
		t.Errorf("robot after heartbeat = %+v", robot)
	}

	if _, err := r.Heartbeat(ctx, id, "sleeping", 0, nil); err == nil {
		t.Error("invalid status must be rejected")
	}
}

func TestHeartbeatUnknownRobotAsksReregister(t *testing.T) {
	r, _, _ := testRegistry(t)
	ack, err := r.Heartbeat(context.Background(), "rbt_ghost", domain.RobotOnline, 0, nil)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ack.Known {
		t.Error("unknown robot must get Known=false, not an error")
	}
}

func TestHeartbeatRetiredRobot(t *testing.T) {
	r, _, _ := testRegistry(t)
	ctx := context.Background()
	id, _ := r.Register(ctx, domain.Robot{Hostname: "factory-01"})
	if err := r.Retire(ctx, id, "operator"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := r.Heartbeat(ctx, id, domain.RobotOnline, 0, nil); err != ErrRetired {
		t.Errorf("heartbeat on retired = %v, want ErrRetired", err)
	}
}

func TestStatusChangeAuditedOnce(t *testing.T) {
	r, _, l := testRegistry(t)
	ctx := context.Background()
	id, _ := r.Register(ctx, domain.Robot{Hostname: "factory-01"})

	before, _ := l.LatestSeq(ctx)
	r.Heartbeat(ctx, id, domain.RobotOnline, 0, nil) // offline -> online, audited
	r.Heartbeat(ctx, id, domain.RobotOnline, 0, nil) // routine refresh, not audited
	r.Heartbeat(ctx, id, domain.RobotOnline, 0, nil)
	after, _ := l.LatestSeq(ctx)

	if after-before != 1 {
		t.Errorf("heartbeats produced %d audit entries, want 1 for the transition", after-before)
	}
}

func TestSweepStale(t *testing.T) {
	r, db, _ := testRegistry(t)
	ctx := context.Background()

	stale, _ := r.Register(ctx, domain.Robot{Hostname: "stale-01"})
	fresh, _ := r.Register(ctx, domain.Robot{Hostname: "fresh-01"})
	r.Heartbeat(ctx, stale, domain.RobotOnline, 0, nil)
	r.Heartbeat(ctx, fresh, domain.RobotOnline, 0, nil)

	// Age the first robot's heartbeat past the threshold.
	old := store.FormatTime(time.Now().Add(-2 * time.Minute))
	if _, err := db.Exec(`UPDATE robots SET last_heartbeat=? WHERE id=?`, old, stale); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	swept, err := r.SweepStale(ctx, 30*time.Second, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0] != stale {
		t.Fatalf("swept = %v, want [%s]", swept, stale)
	}
	robot, _ := r.Get(ctx, stale)
	if robot.Status != domain.RobotOffline || robot.CurrentJobs != 0 {
		t.Errorf("swept robot = %s/%d, want offline/0", robot.Status, robot.CurrentJobs)
	}
	if robot, _ := r.Get(ctx, fresh); robot.Status != domain.RobotOnline {
		t.Errorf("fresh robot swept to %s", robot.Status)
	}

	// Idempotent: a second sweep finds nothing.
	swept, err = r.SweepStale(ctx, 30*time.Second, time.Now())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("second sweep = %v, want empty", swept)
	}

	// Heartbeat is the way back online.
	if _, err := r.Heartbeat(ctx, stale, domain.RobotOnline, 0, nil); err != nil {
		t.Fatalf("recovery heartbeat: %v", err)
	}
	if robot, _ := r.Get(ctx, stale); robot.Status != domain.RobotOnline {
		t.Errorf("robot after recovery = %s, want online", robot.Status)
	}
}

func TestSelectCandidates(t *testing.T) {
	r, db, _ := testRegistry(t)
	ctx := context.Background()

	loaded, _ := r.Register(ctx, domain.Robot{Hostname: "h1", Capabilities: []string{"shell", "gpu"}, MaxJobs: 4})
	idle, _ := r.Register(ctx, domain.Robot{Hostname: "h2", Capabilities: []string{"shell", "gpu"}, MaxJobs: 4})
	weak, _ := r.Register(ctx, domain.Robot{Hostname: "h3", Capabilities: []string{"shell"}, MaxJobs: 4})
	offline, _ := r.Register(ctx, domain.Robot{Hostname: "h4", Capabilities: []string{"shell", "gpu"}, MaxJobs: 4})
	_ = offline

	for _, id := range []string{loaded, idle, weak} {
		r.Heartbeat(ctx, id, domain.RobotOnline, 0, nil)
	}
	if _, err := db.Exec(`UPDATE robots SET current_jobs=2 WHERE id=?`, loaded); err != nil {
		t.Fatalf("load robot: %v", err)
	}

	got, err := r.SelectCandidates(ctx, domain.ModeLocalNetwork, []string{"gpu"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].ID != idle || got[1].ID != loaded {
		t.Errorf("order = [%s %s], want least-loaded first [%s %s]", got[0].ID, got[1].ID, idle, loaded)
	}
}

func TestHasCapabilities(t *testing.T) {
	if !HasCapabilities(nil, nil) {
		t.Error("empty requirement should always match")
	}
	if !HasCapabilities([]string{"shell", "gpu"}, []string{"gpu"}) {
		t.Error("superset should match")
	}
	if HasCapabilities([]string{"shell"}, []string{"gpu"}) {
		t.Error("missing capability should not match")
	}
}
