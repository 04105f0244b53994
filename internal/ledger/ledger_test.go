package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"fleetflow/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendChainsDigests(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()

	first, err := l.Append(ctx, "job.submit", "api", "job", "job_1", map[string]string{"workflow": "wf"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 {
		t.Errorf("first seq = %d, want 1", first.Seq)
	}
	if first.PrevDigest != GenesisDigest {
		t.Errorf("first prev digest = %s, want genesis", first.PrevDigest)
	}

	second, err := l.Append(ctx, "job.claim", "robot_1", "job", "job_1", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.PrevDigest != first.Digest {
		t.Errorf("second prev digest = %s, want %s", second.PrevDigest, first.Digest)
	}
	if second.Digest == first.Digest {
		t.Error("consecutive entries must not share a digest")
	}
}

func TestVerifyRange(t *testing.T) {
	db := testDB(t)
	l := New(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, "job.submit", "api", "job", "job_x", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ok, _, err := l.VerifyRange(ctx, 1, 5)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("untampered chain should verify")
	}

	// Flip a recorded action and check the break is pinpointed.
	if _, err := db.Exec(`UPDATE audit_log SET action='job.cancel' WHERE seq=3`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ok, firstInvalid, err := l.VerifyRange(ctx, 1, 5)
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if ok {
		t.Fatal("tampered chain must not verify")
	}
	if firstInvalid != 3 {
		t.Errorf("first invalid seq = %d, want 3", firstInvalid)
	}
}

func TestVerifyRangeDetectsDeletion(t *testing.T) {
	db := testDB(t)
	l := New(db)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, "robot.register", "api", "robot", "robot_1", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := db.Exec(`DELETE FROM audit_log WHERE seq=2`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, firstInvalid, err := l.VerifyRange(ctx, 1, 4)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("chain with a deleted entry must not verify")
	}
	if firstInvalid != 2 {
		t.Errorf("first invalid seq = %d, want 2", firstInvalid)
	}
}

func TestVerifyRangeDetectsTruncation(t *testing.T) {
	db := testDB(t)
	l := New(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, "job.submit", "api", "job", "job_z", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Asking for more entries than the log holds must not pass silently.
	ok, firstInvalid, err := l.VerifyRange(ctx, 1, 5)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("range beyond the tail must not verify")
	}
	if firstInvalid != 4 {
		t.Errorf("first invalid seq = %d, want 4", firstInvalid)
	}

	// Deleting the tail entries is the same defect seen from the other side.
	if _, err := db.Exec(`DELETE FROM audit_log WHERE seq=3`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	ok, firstInvalid, err = l.VerifyRange(ctx, 1, 3)
	if err != nil {
		t.Fatalf("verify after truncation: %v", err)
	}
	if ok {
		t.Fatal("truncated chain must not verify")
	}
	if firstInvalid != 3 {
		t.Errorf("first invalid seq = %d, want 3", firstInvalid)
	}
}

func TestComputeMerkleRoot(t *testing.T) {
	l := New(testDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ { // odd count exercises last-leaf duplication
		if _, err := l.Append(ctx, "job.submit", "api", "job", "job_y", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	root, err := l.ComputeMerkleRoot(ctx, 1, 3)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	if len(root.Root) != 64 {
		t.Errorf("root = %q, want 64 hex chars", root.Root)
	}

	again, err := l.ComputeMerkleRoot(ctx, 1, 3)
	if err != nil {
		t.Fatalf("merkle root again: %v", err)
	}
	if again.Root != root.Root {
		t.Error("merkle root over the same range must be deterministic")
	}

	sub, err := l.ComputeMerkleRoot(ctx, 1, 2)
	if err != nil {
		t.Fatalf("merkle sub-range: %v", err)
	}
	if sub.Root == root.Root {
		t.Error("different ranges should not share a root")
	}
}

func TestAppendTxRollsBackWithCaller(t *testing.T) {
	db := testDB(t)
	l := New(db)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := l.AppendTx(ctx, tx, "job.submit", "api", "job", "job_gone", nil); err != nil {
		t.Fatalf("append in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	seq, err := l.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if seq != 0 {
		t.Errorf("latest seq = %d after rollback, want 0", seq)
	}
}
