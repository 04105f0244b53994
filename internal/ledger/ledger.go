// Package ledger is the append-only, hash-chained audit log. Every other
// component records its state transitions here; an append failure aborts the
// transition that requested it.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetflow/internal/domain"
)

// GenesisDigest seeds the chain before the first entry.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

var ErrEmptyRange = errors.New("audit range is empty")

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger { return &Ledger{db: db} }

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append writes one entry in its own transaction.
func (l *Ledger) Append(ctx context.Context, action, actor, resourceType, resourceID string, details map[string]string) (domain.AuditEntry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	e, err := l.AppendTx(ctx, tx, action, actor, resourceType, resourceID, details)
	if err != nil {
		_ = tx.Rollback()
		return domain.AuditEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditEntry{}, err
	}
	return e, nil
}

// AppendTx writes one entry inside the caller's transaction, so a ledger
// failure rolls the triggering state change back with it.
func (l *Ledger) AppendTx(ctx context.Context, q execer, action, actor, resourceType, resourceID string, details map[string]string) (domain.AuditEntry, error) {
	var (
		prevSeq    sql.NullInt64
		prevDigest sql.NullString
	)
	row := q.QueryRowContext(ctx, `SELECT seq, digest FROM audit_log ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&prevSeq, &prevDigest); err != nil && err != sql.ErrNoRows {
		return domain.AuditEntry{}, fmt.Errorf("audit tail: %w", err)
	}
	prev := GenesisDigest
	if prevDigest.Valid {
		prev = prevDigest.String
	}
	seq := prevSeq.Int64 + 1

	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	digest := computeDigest(seq, ts, action, actor, resourceType, resourceID, string(detailsJSON), prev)

	_, err = q.ExecContext(ctx, `
INSERT INTO audit_log (seq, ts, action, actor, resource_type, resource_id, details, digest, prev_digest)
VALUES (?,?,?,?,?,?,?,?,?)`,
		seq, ts, action, actor, resourceType, resourceID, string(detailsJSON), digest, prev)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit append: %w", err)
	}

	t, _ := time.Parse(time.RFC3339Nano, ts)
	return domain.AuditEntry{
		Seq: seq, Timestamp: t, Action: action, Actor: actor,
		ResourceType: resourceType, ResourceID: resourceID,
		Details: details, Digest: digest, PrevDigest: prev,
	}, nil
}

func computeDigest(seq int64, ts, action, actor, resourceType, resourceID, detailsJSON, prev string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s", seq, ts, action, actor, resourceType, resourceID, detailsJSON, prev)
	return hex.EncodeToString(h.Sum(nil))
}

// Entries returns the inclusive sequence range, in order.
func (l *Ledger) Entries(ctx context.Context, start, end int64) ([]domain.AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT seq, ts, action, actor, resource_type, resource_id, details, digest, prev_digest
FROM audit_log WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e           domain.AuditEntry
			ts, details string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Action, &e.Actor, &e.ResourceType, &e.ResourceID, &details, &e.Digest, &e.PrevDigest); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestSeq returns the tail sequence number, 0 when the chain is empty.
func (l *Ledger) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	row := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_log`)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// VerifyRange recomputes digests and prev links across [start,end]. It returns
// ok=false and the sequence number of the first broken entry on a mismatch.
func (l *Ledger) VerifyRange(ctx context.Context, start, end int64) (bool, int64, error) {
	if start < 1 {
		start = 1
	}
	prev := GenesisDigest
	if start > 1 {
		row := l.db.QueryRowContext(ctx, `SELECT digest FROM audit_log WHERE seq = ?`, start-1)
		if err := row.Scan(&prev); err != nil {
			return false, start - 1, fmt.Errorf("predecessor missing: %w", err)
		}
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT seq, ts, action, actor, resource_type, resource_id, details, digest, prev_digest
FROM audit_log WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, start, end)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	expected := start
	for rows.Next() {
		var (
			seq                                                        int64
			ts, action, actor, rtype, rid, details, digest, prevStored string
		)
		if err := rows.Scan(&seq, &ts, &action, &actor, &rtype, &rid, &details, &digest, &prevStored); err != nil {
			return false, 0, err
		}
		if seq != expected {
			return false, expected, nil // gap in the chain
		}
		if prevStored != prev {
			return false, seq, nil
		}
		if computeDigest(seq, ts, action, actor, rtype, rid, details, prev) != digest {
			return false, seq, nil
		}
		prev = digest
		expected++
	}
	if err := rows.Err(); err != nil {
		return false, 0, err
	}
	if expected <= end {
		return false, expected, nil // chain shorter than the requested range
	}
	return true, 0, nil
}

// ComputeMerkleRoot builds a sha256 tree over the entry digests of [start,end]
// and persists the root for external attestation.
func (l *Ledger) ComputeMerkleRoot(ctx context.Context, start, end int64) (domain.MerkleRoot, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT digest FROM audit_log WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, start, end)
	if err != nil {
		return domain.MerkleRoot{}, err
	}
	defer rows.Close()

	var leaves [][]byte
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return domain.MerkleRoot{}, err
		}
		b, err := hex.DecodeString(digest)
		if err != nil {
			return domain.MerkleRoot{}, err
		}
		leaves = append(leaves, b)
	}
	if err := rows.Err(); err != nil {
		return domain.MerkleRoot{}, err
	}
	if len(leaves) == 0 {
		return domain.MerkleRoot{}, ErrEmptyRange
	}

	root := domain.MerkleRoot{
		ID:        "mkl_" + uuid.NewString(),
		StartSeq:  start,
		EndSeq:    end,
		Root:      hex.EncodeToString(merkleRoot(leaves)),
		CreatedAt: time.Now().UTC(),
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO merkle_roots (id, start_seq, end_seq, root, created_at) VALUES (?,?,?,?,?)`,
		root.ID, root.StartSeq, root.EndSeq, root.Root, root.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return domain.MerkleRoot{}, err
	}
	return root, nil
}

func merkleRoot(level [][]byte) []byte {
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, h[:])
		}
		level = next
	}
	return level[0]
}
