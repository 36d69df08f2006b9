// Package attempt drives one admitted task from budget reservation through
// execution, evaluation, and the accept/reject decision.
package attempt

import (
	"time"
)

// State tracks an attempt through its lifecycle. Accepted and Rejected are
// terminal; Canceled covers operator cancellation before evaluation, the
// only point where an attempt may end without a receipt.
type State string

const (
	StateReserved  State = "reserved"
	StateExecuting State = "executing"
	StateEvaluated State = "evaluated"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateCanceled  State = "canceled"
)

// Rejection reasons recorded on receipts. An accepted receipt carries "".
const (
	ReasonBelowThreshold    = "below_threshold"
	ReasonCapabilityFailure = "capability_failure"
	ReasonTimeout           = "timeout"
	ReasonMergeFailure      = "merge_failure"
)

// Task identifies the admitted work and its reservation cost.
type Task struct {
	Name          string
	ReserveJoules float64
}

// Attempt is the in-memory record of one admitted task. It exists only for
// the duration of the run; on completion it is converted to a receipt.
type Attempt struct {
	State          State
	Task           string
	JoulesReserved float64
	BaseLoss       float64
	NewLoss        float64
	Delta          float64
	AccuracyDelta  float64
	HasAccuracy    bool
	Accepted       bool
	Reason         string
	ArtifactRef    string
	ArtifactHash   string
	BaseStateHash  string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Thresholds are the acceptance rule's configuration.
type Thresholds struct {
	Delta    float64
	Accuracy float64
}

// decide applies the acceptance rule: accept when the loss improvement
// meets the delta threshold, or the measured accuracy gain meets the
// accuracy threshold.
func (t Thresholds) decide(delta float64, accDelta float64, hasAcc bool) bool {
	if delta >= t.Delta {
		return true
	}
	return hasAcc && accDelta >= t.Accuracy
}
