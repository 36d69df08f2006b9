// Package ledger persists one hash-chained receipt per completed attempt.
package ledger

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// GenesisHash anchors the chain: the first receipt links to 64 hex zeros.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Receipt is an immutable record of one completed attempt, accepted or
// rejected. Hash covers every other field including PrevHash, so altering
// any stored byte invalidates the record and everything after it.
type Receipt struct {
	Seq           int64     `json:"seq"`
	ReceiptID     string    `json:"receipt_id"`
	Task          string    `json:"task"`
	Joules        float64   `json:"joules"`
	Delta         float64   `json:"delta"`
	Accepted      bool      `json:"accepted"`
	Reason        string    `json:"reason,omitempty"`
	ArtifactHash  string    `json:"artifact_hash"`
	BaseStateHash string    `json:"base_state_hash"`
	Timestamp     time.Time `json:"timestamp"`
	PrevHash      string    `json:"prev_receipt_hash"`
	Hash          string    `json:"receipt_hash"`
}

// canonicalPayload serializes the hashed fields in fixed order. Two
// compliant implementations must produce byte-identical payloads for the
// same receipt, so the encoding is pinned: '\n'-separated fields, floats
// via strconv.FormatFloat(v, 'f', -1, 64), accepted as "1"/"0", timestamp
// as RFC3339Nano in UTC, no trailing newline.
func (r *Receipt) canonicalPayload() []byte {
	fields := []string{
		r.ReceiptID,
		r.Task,
		strconv.FormatFloat(r.Joules, 'f', -1, 64),
		strconv.FormatFloat(r.Delta, 'f', -1, 64),
		boolField(r.Accepted),
		r.Reason,
		r.ArtifactHash,
		r.BaseStateHash,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.PrevHash,
	}
	return []byte(strings.Join(fields, "\n"))
}

// ComputeHash returns the SHA3-256 digest of the canonical payload.
func (r *Receipt) ComputeHash() string {
	sum := sha3.Sum256(r.canonicalPayload())
	return hex.EncodeToString(sum[:])
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
