package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"fleetflow/internal/deadletter"
	"fleetflow/internal/domain"
	"fleetflow/internal/fleet"
	"fleetflow/internal/ledger"
	"fleetflow/internal/store"
)

type fixture struct {
	db     *sql.DB
	queue  *Queue
	fleet  *fleet.Registry
	dlq    *deadletter.Manager
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
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
	dlq := deadletter.NewManager(db, l)
	q := New(db, l, dlq)
	dlq.Bind(q)
	return &fixture{db: db, queue: q, fleet: fleet.NewRegistry(db, l), dlq: dlq, ledger: l}
}

// onlineRobot registers a robot and heartbeats it online.
func (f *fixture) onlineRobot(t *testing.T, hostname string, caps []string, maxJobs int) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.fleet.Register(ctx, domain.Robot{Hostname: hostname, Capabilities: caps, MaxJobs: maxJobs})
	if err != nil {
		t.Fatalf("register %s: %v", hostname, err)
	}
	if _, err := f.fleet.Heartbeat(ctx, id, domain.RobotOnline, 0, nil); err != nil {
		t.Fatalf("heartbeat %s: %v", hostname, err)
	}
	return id
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Submit(ctx, domain.Job{}); err == nil {
		t.Error("missing workflow must be rejected")
	}
	if _, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", Priority: 11}); err == nil {
		t.Error("priority 11 must be rejected")
	}
	if _, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", Mode: "carrier-pigeon"}); err == nil {
		t.Error("unknown mode must be rejected")
	}
	missing := "rbt_nope"
	if _, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", TargetRobotID: &missing}); err == nil {
		t.Error("unknown target robot must be rejected")
	}

	id, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobQueued || job.Priority != 5 || job.MaxRetries != 3 || job.TimeoutSecs != 60 {
		t.Errorf("defaults not applied: %+v", job)
	}
}

func TestClaimPriorityAndFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 10)

	low, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", Priority: 2})
	highOld, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", Priority: 9})
	highNew, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", Priority: 9})

	got1, err := f.queue.Claim(ctx, robot, nil)
	if err != nil || got1 == nil {
		t.Fatalf("claim 1: job=%v err=%v", got1, err)
	}
	if got1.ID != highOld {
		t.Errorf("first claim = %s, want oldest high-priority %s", got1.ID, highOld)
	}
	got2, _ := f.queue.Claim(ctx, robot, nil)
	if got2 == nil || got2.ID != highNew {
		t.Errorf("second claim = %v, want %s", got2, highNew)
	}
	got3, _ := f.queue.Claim(ctx, robot, nil)
	if got3 == nil || got3.ID != low {
		t.Errorf("third claim = %v, want %s", got3, low)
	}
}

func TestClaimRespectsCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", []string{"shell"}, 5)

	if _, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", Capabilities: []string{"gpu"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := f.queue.Claim(ctx, robot, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Errorf("robot without 'gpu' claimed job %s", job.ID)
	}
}

func TestClaimRespectsTargetRobot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.onlineRobot(t, "host-a", nil, 5)
	other := f.onlineRobot(t, "host-b", nil, 5)

	id, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", TargetRobotID: &target})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job, _ := f.queue.Claim(ctx, other, nil); job != nil {
		t.Errorf("non-target robot claimed %s", job.ID)
	}
	job, err := f.queue.Claim(ctx, target, nil)
	if err != nil || job == nil || job.ID != id {
		t.Fatalf("target claim = %v err=%v, want %s", job, err, id)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const robots = 8
	ids := make([]string, robots)
	for i := range ids {
		ids[i] = f.onlineRobot(t, "host-"+string(rune('a'+i)), nil, 1)
	}
	jobID, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var mu sync.Mutex
	var winners []string
	var wg sync.WaitGroup
	for _, robot := range ids {
		wg.Add(1)
		go func(robot string) {
			defer wg.Done()
			job, err := f.queue.Claim(ctx, robot, nil)
			if err != nil {
				t.Errorf("claim by %s: %v", robot, err)
				return
			}
			if job != nil {
				mu.Lock()
				winners = append(winners, robot)
				mu.Unlock()
			}
		}(robot)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("job claimed by %d robots, want exactly 1", len(winners))
	}
	job, _ := f.queue.Get(ctx, jobID)
	if job.RobotID == nil || *job.RobotID != winners[0] {
		t.Errorf("job holder = %v, want %s", job.RobotID, winners[0])
	}
}

func TestRobotCapacityBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 2)

	for i := 0; i < 3; i++ {
		if _, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if job, _ := f.queue.Claim(ctx, robot, nil); job == nil {
		t.Fatal("first claim should succeed")
	}
	if job, _ := f.queue.Claim(ctx, robot, nil); job == nil {
		t.Fatal("second claim should succeed")
	}
	// max_jobs reached, robot flipped to busy
	if job, _ := f.queue.Claim(ctx, robot, nil); job != nil {
		t.Errorf("claim beyond capacity handed out %s", job.ID)
	}
	rb, err := f.fleet.Get(ctx, robot)
	if err != nil {
		t.Fatalf("get robot: %v", err)
	}
	if rb.CurrentJobs != 2 || rb.Status != domain.RobotBusy {
		t.Errorf("robot = %s/%d jobs, want busy/2", rb.Status, rb.CurrentJobs)
	}
}

func TestCompleteReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 1)

	id, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	if job, _ := f.queue.Claim(ctx, robot, nil); job == nil {
		t.Fatal("claim failed")
	}
	if err := f.queue.Start(ctx, id, robot); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.queue.Progress(ctx, id, robot, 50); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := f.queue.Complete(ctx, id, robot, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	job, _ := f.queue.Get(ctx, id)
	if job.Status != domain.JobCompleted || job.Progress != 100 {
		t.Errorf("job = %s/%d%%, want completed/100%%", job.Status, job.Progress)
	}
	rb, _ := f.fleet.Get(ctx, robot)
	if rb.CurrentJobs != 0 || rb.Status != domain.RobotOnline {
		t.Errorf("robot = %s/%d jobs after completion, want online/0", rb.Status, rb.CurrentJobs)
	}

	// terminal states reject further reports
	if err := f.queue.Complete(ctx, id, robot, nil); err != ErrTerminal {
		t.Errorf("second complete = %v, want ErrTerminal", err)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 1)

	id, err := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", MaxRetries: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Burn through the retry budget: 2 requeues, then terminal failure.
	for attempt := 0; attempt < 3; attempt++ {
		// make the retry backoff visible to the claim query
		if _, err := f.db.Exec(`UPDATE jobs SET next_attempt_at=? WHERE id=?`,
			store.FormatTime(time.Now().Add(-time.Second)), id); err != nil {
			t.Fatalf("rewind next_attempt_at: %v", err)
		}
		job, err := f.queue.Claim(ctx, robot, nil)
		if err != nil || job == nil {
			t.Fatalf("attempt %d claim: job=%v err=%v", attempt, job, err)
		}
		if err := f.queue.Fail(ctx, id, robot, "boom"); err != nil {
			t.Fatalf("attempt %d fail: %v", attempt, err)
		}
	}

	job, _ := f.queue.Get(ctx, id)
	if job.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", job.RetryCount)
	}

	items, err := f.dlq.List(ctx, deadletter.Filter{WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("dead letters = %d, want exactly 1", len(items))
	}
	if items[0].JobID != id || items[0].Status != domain.DLQPending {
		t.Errorf("dead letter = %+v", items[0])
	}
}

func TestCancelIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 1)

	id, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	if job, _ := f.queue.Claim(ctx, robot, nil); job == nil {
		t.Fatal("claim failed")
	}
	if err := f.queue.Cancel(ctx, id, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The holding robot finds out on its next lease touch.
	if _, err := f.queue.ExtendLease(ctx, id, robot); err != ErrCancelled {
		t.Errorf("extend after cancel = %v, want ErrCancelled", err)
	}
	if err := f.queue.Complete(ctx, id, robot, nil); err != ErrCancelled {
		t.Errorf("complete after cancel = %v, want ErrCancelled", err)
	}
	job, _ := f.queue.Get(ctx, id)
	if job.Status != domain.JobCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if err := f.queue.Cancel(ctx, id, "operator"); err != ErrTerminal {
		t.Errorf("second cancel = %v, want ErrTerminal", err)
	}

	// The capacity slot was released at cancellation time.
	rb, _ := f.fleet.Get(ctx, robot)
	if rb.CurrentJobs != 0 {
		t.Errorf("current_jobs = %d after cancel, want 0", rb.CurrentJobs)
	}
}

func TestReclaimExpiredRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 1)

	id, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf", TimeoutSecs: 1})
	if job, _ := f.queue.Claim(ctx, robot, nil); job == nil {
		t.Fatal("claim failed")
	}

	n, err := f.queue.ReclaimExpired(ctx, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	job, _ := f.queue.Get(ctx, id)
	if job.Status != domain.JobQueued || job.RetryCount != 1 {
		t.Errorf("job = %s/retry %d, want queued/1", job.Status, job.RetryCount)
	}
	if job.RobotID != nil {
		t.Error("reclaimed job must not keep its holder")
	}

	// The holder's capacity slot is released, so a still-live robot can pick
	// the requeued job back up once the backoff elapses.
	rb, _ := f.fleet.Get(ctx, robot)
	if rb.CurrentJobs != 0 {
		t.Errorf("current_jobs = %d after lease reclaim, want 0", rb.CurrentJobs)
	}
	if _, err := f.db.Exec(`UPDATE jobs SET next_attempt_at=? WHERE id=?`,
		store.FormatTime(time.Now().Add(-time.Second)), id); err != nil {
		t.Fatalf("rewind next attempt: %v", err)
	}
	reclaimed, err := f.queue.Claim(ctx, robot, nil)
	if err != nil {
		t.Fatalf("claim after reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != id {
		t.Fatal("robot cannot claim the requeued job")
	}

	// A second sweep over the same instant finds nothing: the job is claimed
	// again with a fresh lease.
	n, err = f.queue.ReclaimExpired(ctx, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("reclaim again: %v", err)
	}
	if n != 0 {
		t.Errorf("second reclaim = %d, want 0", n)
	}
}

func TestReleaseRobotJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 2)

	a, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	b, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	f.queue.Claim(ctx, robot, nil)
	f.queue.Claim(ctx, robot, nil)

	n, err := f.queue.ReleaseRobotJobs(ctx, robot, time.Now())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 2 {
		t.Fatalf("released = %d, want 2", n)
	}
	for _, id := range []string{a, b} {
		job, _ := f.queue.Get(ctx, id)
		if job.Status != domain.JobQueued {
			t.Errorf("job %s = %s, want queued", id, job.Status)
		}
	}
}

func TestEveryTransitionIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	robot := f.onlineRobot(t, "host-a", nil, 1)

	id, _ := f.queue.Submit(ctx, domain.Job{WorkflowID: "wf"})
	f.queue.Claim(ctx, robot, nil)
	f.queue.Start(ctx, id, robot)
	f.queue.Complete(ctx, id, robot, nil)

	end, err := f.ledger.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	entries, err := f.ledger.Entries(ctx, 1, end)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	want := map[string]bool{"job.submit": false, "job.claim": false, "job.start": false, "job.complete": false}
	for _, e := range entries {
		if _, ok := want[e.Action]; ok {
			want[e.Action] = true
		}
	}
	for action, seen := range want {
		if !seen {
			t.Errorf("no audit entry for %s", action)
		}
	}
	ok, _, err := f.ledger.VerifyRange(ctx, 1, end)
	if err != nil || !ok {
		t.Errorf("audit chain broken after job lifecycle: ok=%v err=%v", ok, err)
	}
}

func TestBackoffExp(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second}, {1, time.Second}, {2, 2 * time.Second},
		{3, 4 * time.Second}, {6, 32 * time.Second}, {7, 60 * time.Second}, {100, 60 * time.Second},
	}
	for _, c := range cases {
		if got := backoffExp(c.attempts); got != c.want {
			t.Errorf("backoffExp(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}
