// Package capability defines the boundary to the external train/evaluate
// and merge machinery. The accounting core depends only on these
// interfaces; any training technology satisfying them is valid.
package capability

import (
	"context"
	"errors"
)

// ErrTrainingFailed wraps any failure of the external train/evaluate step.
var ErrTrainingFailed = errors.New("training capability failed")

// Report is the outcome of one train-and-evaluate run against the fixed
// holdout set.
type Report struct {
	BaseLoss float64 `json:"base_loss"`
	NewLoss  float64 `json:"new_loss"`

	// AccuracyBefore/After are optional; HasAccuracy marks them present.
	AccuracyBefore float64 `json:"accuracy_before"`
	AccuracyAfter  float64 `json:"accuracy_after"`
	HasAccuracy    bool    `json:"has_accuracy"`

	// ArtifactRef is an opaque handle to the candidate update (an adapter
	// directory, an index snapshot, ...). ArtifactHash is its digest.
	ArtifactRef  string `json:"artifact_ref"`
	ArtifactHash string `json:"artifact_hash"`
}

// Delta is the measured improvement: reference loss minus post-update loss.
func (r *Report) Delta() float64 {
	return r.BaseLoss - r.NewLoss
}

// AccuracyDelta returns the accuracy gain and whether it was measured.
func (r *Report) AccuracyDelta() (float64, bool) {
	if !r.HasAccuracy {
		return 0, false
	}
	return r.AccuracyAfter - r.AccuracyBefore, true
}

// Trainer runs one candidate update end to end and, on acceptance, commits
// it into the persistent base state.
type Trainer interface {
	// TrainEvaluate fits a candidate update for the task kind and measures
	// it against the fixed holdout evaluation set. It may run long; it must
	// honor ctx cancellation.
	TrainEvaluate(ctx context.Context, task string) (*Report, error)

	// Merge commits an accepted artifact into the base state and returns
	// the digest of the resulting state.
	Merge(ctx context.Context, artifactRef string) (baseStateHash string, err error)
}

// Discarder releases a staged artifact that was rejected and will never be
// merged. Trainers without on-disk staging need not implement it.
type Discarder interface {
	Discard(ctx context.Context, artifactRef string) error
}
