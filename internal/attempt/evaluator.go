package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Daniele-Cangi/CryoFlux/internal/capability"
	"github.com/Daniele-Cangi/CryoFlux/internal/ledger"
)

// Budget is the meter's withdrawal surface.
type Budget interface {
	Take(joules float64) error
}

// Recorder accepts completed attempts for durable, ordered persistence.
type Recorder interface {
	Enqueue(r ledger.Receipt)
}

// Evaluator runs admitted attempts against a training capability and
// records every terminal outcome.
type Evaluator struct {
	budget     Budget
	recorder   Recorder
	thresholds Thresholds
	timeout    time.Duration
	logFn      func(level, msg string)
}

// EvaluatorConfig wires an Evaluator.
type EvaluatorConfig struct {
	Budget     Budget
	Recorder   Recorder
	Thresholds Thresholds

	// Timeout bounds the external train/evaluate call. Zero means no bound.
	Timeout time.Duration

	// LogFn is an optional activity callback.
	LogFn func(level, msg string)
}

// NewEvaluator builds an evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	return &Evaluator{
		budget:     cfg.Budget,
		recorder:   cfg.Recorder,
		thresholds: cfg.Thresholds,
		timeout:    cfg.Timeout,
		logFn:      cfg.LogFn,
	}
}

// Run executes one attempt for task using trainer.
//
// The budget withdrawal is re-checked here even though the scheduler
// already looked: admission races against concurrent withdrawals, and the
// meter's Take is the point that closes them. A failed withdrawal returns
// meter's sentinel error and no attempt state is created.
//
// Spent joules are never refunded, whatever the outcome: energy already
// converted to heat cannot be un-spent, and refunding failures would buy
// failed attempts a second try at the same cost.
func (e *Evaluator) Run(ctx context.Context, task Task, trainer capability.Trainer) (*Attempt, error) {
	if err := e.budget.Take(task.ReserveJoules); err != nil {
		return nil, err
	}

	a := &Attempt{
		State:          StateReserved,
		Task:           task.Name,
		JoulesReserved: task.ReserveJoules,
		StartedAt:      time.Now().UTC(),
	}

	a.State = StateExecuting
	execCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	report, err := trainer.TrainEvaluate(execCtx, task.Name)
	if err != nil {
		if ctx.Err() != nil && execCtx.Err() != context.DeadlineExceeded {
			// Operator cancellation before evaluation: the attempt ends
			// without a receipt. After evaluation this path cannot be
			// reached; the outcome is always recorded.
			a.State = StateCanceled
			a.CompletedAt = time.Now().UTC()
			return a, ctx.Err()
		}

		reason := ReasonCapabilityFailure
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			reason = ReasonTimeout
		}
		e.reject(a, reason)
		e.log("warning", "attempt %s failed (%s): %v", task.Name, reason, err)
		return a, nil
	}

	a.State = StateEvaluated
	a.BaseLoss = report.BaseLoss
	a.NewLoss = report.NewLoss
	a.Delta = report.Delta()
	a.ArtifactRef = report.ArtifactRef
	a.ArtifactHash = report.ArtifactHash
	if accDelta, ok := report.AccuracyDelta(); ok {
		a.AccuracyDelta = accDelta
		a.HasAccuracy = true
	}

	if !e.thresholds.decide(a.Delta, a.AccuracyDelta, a.HasAccuracy) {
		e.discard(ctx, trainer, a.ArtifactRef)
		e.reject(a, ReasonBelowThreshold)
		e.log("info", "attempt %s rejected: Δ=%.4f below thresholds", task.Name, a.Delta)
		return a, nil
	}

	// Merge commits the artifact into base state. Merge failure must not
	// pass an uncommitted artifact off as accepted, so it records a
	// rejection with its own reason. The commit runs under its own
	// timeout; a hung merge must not pin the attempt open forever.
	mergeCtx := ctx
	if e.timeout > 0 {
		var mergeCancel context.CancelFunc
		mergeCtx, mergeCancel = context.WithTimeout(ctx, e.timeout)
		defer mergeCancel()
	}
	baseHash, err := trainer.Merge(mergeCtx, a.ArtifactRef)
	if err != nil {
		e.discard(ctx, trainer, a.ArtifactRef)
		e.reject(a, ReasonMergeFailure)
		e.log("error", "attempt %s merge failed: %v", task.Name, err)
		return a, nil
	}

	a.State = StateAccepted
	a.Accepted = true
	a.BaseStateHash = baseHash
	a.CompletedAt = time.Now().UTC()
	e.record(a)
	e.log("success", "attempt %s accepted: Δ=%.4f (%.1f J)", task.Name, a.Delta, a.JoulesReserved)
	return a, nil
}

// discard releases a staged artifact that will never be merged, for
// trainers that keep staged state on disk.
func (e *Evaluator) discard(ctx context.Context, trainer capability.Trainer, artifactRef string) {
	if artifactRef == "" {
		return
	}
	d, ok := trainer.(capability.Discarder)
	if !ok {
		return
	}
	if err := d.Discard(ctx, artifactRef); err != nil {
		e.log("warning", "discard artifact %s: %v", artifactRef, err)
	}
}

func (e *Evaluator) reject(a *Attempt, reason string) {
	a.State = StateRejected
	a.Accepted = false
	a.Reason = reason
	a.CompletedAt = time.Now().UTC()
	e.record(a)
}

// record converts a terminal attempt into a receipt. Rejections are
// receipts too: spent joules with no improvement must stay auditable or
// the accounting is not closed-loop.
func (e *Evaluator) record(a *Attempt) {
	e.recorder.Enqueue(ledger.Receipt{
		Task:          a.Task,
		Joules:        a.JoulesReserved,
		Delta:         a.Delta,
		Accepted:      a.Accepted,
		Reason:        a.Reason,
		ArtifactHash:  a.ArtifactHash,
		BaseStateHash: a.BaseStateHash,
		Timestamp:     a.CompletedAt,
	})
}

func (e *Evaluator) log(level, format string, args ...any) {
	if e.logFn != nil {
		e.logFn(level, fmt.Sprintf(format, args...))
	}
}
