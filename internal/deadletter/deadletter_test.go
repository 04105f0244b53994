package deadletter

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

func testManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, ledger.New(db)), db
}

// fakeSubmitter records what Requeue hands back to the queue.
type fakeSubmitter struct {
	jobs []domain.Job
	err  error
}

func (f *fakeSubmitter) SubmitTx(ctx context.Context, tx *sql.Tx, job domain.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job_new", nil
}

// seedJob inserts a job row so Requeue can read the original parameters.
func seedJob(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	now := store.FormatTime(time.Now())
	_, err := db.Exec(`
INSERT INTO jobs (id, workflow_id, status, priority, mode, capabilities, payload, max_retries, timeout_secs,
                  next_attempt_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, "wf", domain.JobFailed, 7, domain.ModeInternet, `["shell"]`, []byte(`{"k":1}`), 2, 30, now, now, now)
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestMoveTxIsIdempotent(t *testing.T) {
	m, db := testManager(t)
	ctx := context.Background()
	seedJob(t, db, "job_1")
	job := domain.Job{ID: "job_1", WorkflowID: "wf", Payload: []byte(`{"k":1}`)}

	first, err := m.MoveTx(ctx, db, job, "boom", "execution")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	second, err := m.MoveTx(ctx, db, job, "boom again", "execution")
	if err != nil {
		t.Fatalf("second move: %v", err)
	}
	if first != second {
		t.Errorf("second move created %s, want existing %s", second, first)
	}

	items, err := m.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Reason != "boom" {
		t.Errorf("reason = %q, want the original", items[0].Reason)
	}
}

func TestRequeueRebuildsJobFromSnapshot(t *testing.T) {
	m, db := testManager(t)
	ctx := context.Background()
	sub := &fakeSubmitter{}
	m.Bind(sub)

	seedJob(t, db, "job_1")
	itemID, err := m.MoveTx(ctx, db, domain.Job{ID: "job_1", WorkflowID: "wf", Payload: []byte(`{"k":1}`)}, "boom", "execution")
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	newID, err := m.Requeue(ctx, itemID, "operator")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if newID != "job_new" {
		t.Errorf("new job id = %s", newID)
	}
	if len(sub.jobs) != 1 {
		t.Fatalf("submitted jobs = %d, want 1", len(sub.jobs))
	}
	got := sub.jobs[0]
	if got.WorkflowID != "wf" || got.Priority != 7 || got.Mode != domain.ModeInternet ||
		got.MaxRetries != 2 || got.TimeoutSecs != 30 {
		t.Errorf("requeued job lost original parameters: %+v", got)
	}
	if string(got.Payload) != `{"k":1}` {
		t.Errorf("payload = %s", got.Payload)
	}

	item, _ := m.Get(ctx, itemID)
	if item.Status != domain.DLQRequeued || item.ResolvedBy != "operator" || item.ResolvedAt == nil {
		t.Errorf("item after requeue = %+v", item)
	}

	// Requeue is not repeatable.
	if _, err := m.Requeue(ctx, itemID, "operator"); err != ErrNotPending {
		t.Errorf("second requeue = %v, want ErrNotPending", err)
	}
}

func TestRequeueRollsBackWhenSubmitFails(t *testing.T) {
	m, db := testManager(t)
	ctx := context.Background()
	sub := &fakeSubmitter{err: errors.New("queue unavailable")}
	m.Bind(sub)

	seedJob(t, db, "job_1")
	itemID, err := m.MoveTx(ctx, db, domain.Job{ID: "job_1", WorkflowID: "wf", Payload: []byte(`{"k":1}`)}, "boom", "execution")
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	if _, err := m.Requeue(ctx, itemID, "operator"); err == nil {
		t.Fatal("requeue should surface the submit failure")
	}
	// The item stays pending, so the operator can retry once the queue is back.
	item, err := m.Get(ctx, itemID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != domain.DLQPending || item.ResolvedAt != nil {
		t.Errorf("item after failed requeue = %+v, want untouched pending", item)
	}

	sub.err = nil
	newID, err := m.Requeue(ctx, itemID, "operator")
	if err != nil {
		t.Fatalf("retry requeue: %v", err)
	}
	if newID != "job_new" || len(sub.jobs) != 1 {
		t.Errorf("retry produced %s with %d submissions, want job_new with 1", newID, len(sub.jobs))
	}
}

func TestDiscardAndReview(t *testing.T) {
	m, db := testManager(t)
	ctx := context.Background()
	seedJob(t, db, "job_1")
	itemID, _ := m.MoveTx(ctx, db, domain.Job{ID: "job_1", WorkflowID: "wf"}, "boom", "execution")

	if err := m.Review(ctx, itemID, "operator"); err != nil {
		t.Fatalf("review: %v", err)
	}
	if item, _ := m.Get(ctx, itemID); item.Status != domain.DLQReviewing {
		t.Errorf("status = %s, want reviewing", item.Status)
	}
	if err := m.Discard(ctx, itemID, "operator"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if item, _ := m.Get(ctx, itemID); item.Status != domain.DLQDiscarded {
		t.Errorf("status = %s, want discarded", item.Status)
	}
	if err := m.Discard(ctx, itemID, "operator"); err != ErrNotPending {
		t.Errorf("second discard = %v, want ErrNotPending", err)
	}
	if err := m.Review(ctx, itemID, "operator"); err != ErrNotPending {
		t.Errorf("review after discard = %v, want ErrNotPending", err)
	}
}

func TestListFiltersAndStats(t *testing.T) {
	m, db := testManager(t)
	ctx := context.Background()

	rbt := "rbt_1"
	for i, job := range []domain.Job{
		{ID: "job_a", WorkflowID: "wf-1", RobotID: &rbt},
		{ID: "job_b", WorkflowID: "wf-1"},
		{ID: "job_c", WorkflowID: "wf-2"},
	} {
		seedJob(t, db, job.ID)
		category := "timeout"
		if i == 2 {
			category = "execution"
		}
		if _, err := m.MoveTx(ctx, db, job, "reason", category); err != nil {
			t.Fatalf("move %s: %v", job.ID, err)
		}
	}

	byWorkflow, _ := m.List(ctx, Filter{WorkflowID: "wf-1"})
	if len(byWorkflow) != 2 {
		t.Errorf("wf-1 items = %d, want 2", len(byWorkflow))
	}
	byRobot, _ := m.List(ctx, Filter{RobotID: rbt})
	if len(byRobot) != 1 {
		t.Errorf("robot items = %d, want 1", len(byRobot))
	}
	byCategory, _ := m.List(ctx, Filter{Category: "execution"})
	if len(byCategory) != 1 {
		t.Errorf("execution items = %d, want 1", len(byCategory))
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingItems != 3 || stats.ItemsLast24h != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TopCategories["timeout"] != 2 || stats.TopCategories["execution"] != 1 {
		t.Errorf("categories = %v", stats.TopCategories)
	}
}
