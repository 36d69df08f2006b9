package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS receipts (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    receipt_id      TEXT NOT NULL UNIQUE,
    task            TEXT NOT NULL,
    joules          REAL NOT NULL,
    delta           REAL NOT NULL,
    accepted        INTEGER NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    artifact_hash   TEXT NOT NULL DEFAULT '',
    base_state_hash TEXT NOT NULL DEFAULT '',
    ts              TEXT NOT NULL,
    prev_hash       TEXT NOT NULL,
    hash            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_task ON receipts(task);
CREATE INDEX IF NOT EXISTS idx_receipts_accepted ON receipts(accepted);
`

// Store is the SQLite-backed receipt ledger. It is the sole writer of the
// hash linkage: appends go through one mutex so the chain always reflects
// completion order.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens (or creates) the ledger database at dbPath and runs
// migrations.
func OpenStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	// WAL keeps chain verification reads cheap while the appender writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Append links r to the chain head, computes its hash, and persists it
// atomically. The caller provides every field except Seq, ReceiptID,
// PrevHash and Hash, which the ledger owns. Returns the stored receipt.
func (s *Store) Append(r Receipt) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.headHash()
	if err != nil {
		return nil, err
	}

	if r.ReceiptID == "" {
		r.ReceiptID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.PrevHash = prev
	r.Hash = r.ComputeHash()

	res, err := s.db.Exec(`
		INSERT INTO receipts (
			receipt_id, task, joules, delta, accepted, reason,
			artifact_hash, base_state_hash, ts, prev_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.Task, r.Joules, r.Delta, boolInt(r.Accepted), r.Reason,
		r.ArtifactHash, r.BaseStateHash, r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.PrevHash, r.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("append receipt: %w", err)
	}
	if r.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("append receipt seq: %w", err)
	}
	return &r, nil
}

// headHash returns the hash of the latest receipt, or GenesisHash for an
// empty ledger.
func (s *Store) headHash() (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM receipts ORDER BY seq DESC LIMIT 1").Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return hash, nil
}

// VerifyResult reports the outcome of a full-chain verification.
type VerifyResult struct {
	Valid bool

	// FirstBrokenSeq is the sequence number of the first receipt whose
	// stored hash does not match its recomputed content or whose prev link
	// does not match its predecessor. Everything after it is untrusted.
	FirstBrokenSeq int64

	// Checked is the number of receipts scanned.
	Checked int64
}

// VerifyChain recomputes every receipt hash in sequence and confirms the
// linkage. A single mismatch invalidates the suffix, by construction.
func (s *Store) VerifyChain() (*VerifyResult, error) {
	rows, err := s.db.Query(`
		SELECT seq, receipt_id, task, joules, delta, accepted, reason,
		       artifact_hash, base_state_hash, ts, prev_hash, hash
		FROM receipts ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("scan chain: %w", err)
	}
	defer rows.Close()

	result := &VerifyResult{Valid: true}
	expectedPrev := GenesisHash

	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result.Checked++

		if r.PrevHash != expectedPrev || r.ComputeHash() != r.Hash {
			result.Valid = false
			result.FirstBrokenSeq = r.Seq
			return result, rows.Err()
		}
		expectedPrev = r.Hash
	}
	return result, rows.Err()
}

// Filter narrows Query results. Zero values mean "no constraint".
type Filter struct {
	Task     string
	Accepted *bool
	Since    time.Time
	Until    time.Time
	Limit    int
	Newest   bool // newest-first ordering (listings); default oldest-first
}

// Query returns receipts matching the filter.
func (s *Store) Query(f Filter) ([]Receipt, error) {
	var (
		conds []string
		args  []any
	)
	if f.Task != "" {
		conds = append(conds, "task = ?")
		args = append(args, f.Task)
	}
	if f.Accepted != nil {
		conds = append(conds, "accepted = ?")
		args = append(args, boolInt(*f.Accepted))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	q := `SELECT seq, receipt_id, task, joules, delta, accepted, reason,
	             artifact_hash, base_state_hash, ts, prev_hash, hash
	      FROM receipts`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Newest {
		q += " ORDER BY seq DESC"
	} else {
		q += " ORDER BY seq ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, *r)
	}
	return receipts, rows.Err()
}

// Efficiency returns the rolling η for a task kind: accepted delta divided
// by joules spent, over the last window accepted receipts. ok is false when
// the kind has no accepted history yet.
func (s *Store) Efficiency(task string, window int) (eta float64, ok bool, err error) {
	if window <= 0 {
		window = 20
	}
	rows, err := s.db.Query(`
		SELECT delta, joules FROM receipts
		WHERE task = ? AND accepted = 1
		ORDER BY seq DESC LIMIT ?`, task, window)
	if err != nil {
		return 0, false, fmt.Errorf("query efficiency: %w", err)
	}
	defer rows.Close()

	var sumDelta, sumJoules float64
	for rows.Next() {
		var delta, joules float64
		if err := rows.Scan(&delta, &joules); err != nil {
			return 0, false, fmt.Errorf("scan efficiency row: %w", err)
		}
		sumDelta += delta
		sumJoules += joules
		ok = true
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if !ok || sumJoules <= 0 {
		return 0, false, nil
	}
	return sumDelta / sumJoules, true, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(rows rowScanner) (*Receipt, error) {
	var (
		r        Receipt
		accepted int
		ts       string
	)
	if err := rows.Scan(
		&r.Seq, &r.ReceiptID, &r.Task, &r.Joules, &r.Delta, &accepted, &r.Reason,
		&r.ArtifactHash, &r.BaseStateHash, &ts, &r.PrevHash, &r.Hash,
	); err != nil {
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	r.Accepted = accepted != 0
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse receipt timestamp %q: %w", ts, err)
	}
	r.Timestamp = t
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
