package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Daniele-Cangi/CryoFlux/internal/capability"
	"github.com/Daniele-Cangi/CryoFlux/internal/ledger"
	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
)

// mockTrainer is a scripted capability for evaluator tests.
type mockTrainer struct {
	report     *capability.Report
	trainErr   error
	mergeErr   error
	blockFor   time.Duration
	mergeHangs bool

	mu        sync.Mutex
	merged    []string
	discarded []string
	trained   int
}

func (m *mockTrainer) TrainEvaluate(ctx context.Context, task string) (*capability.Report, error) {
	m.mu.Lock()
	m.trained++
	m.mu.Unlock()

	if m.blockFor > 0 {
		select {
		case <-time.After(m.blockFor):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", capability.ErrTrainingFailed, ctx.Err())
		}
	}
	if m.trainErr != nil {
		return nil, m.trainErr
	}
	return m.report, nil
}

func (m *mockTrainer) Merge(ctx context.Context, artifactRef string) (string, error) {
	if m.mergeHangs {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.mergeErr != nil {
		return "", m.mergeErr
	}
	m.mu.Lock()
	m.merged = append(m.merged, artifactRef)
	m.mu.Unlock()
	return "basestate-hash", nil
}

func (m *mockTrainer) Discard(ctx context.Context, artifactRef string) error {
	m.mu.Lock()
	m.discarded = append(m.discarded, artifactRef)
	m.mu.Unlock()
	return nil
}

func (m *mockTrainer) mergeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.merged)
}

func (m *mockTrainer) discardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.discarded)
}

// mockRecorder captures receipts synchronously.
type mockRecorder struct {
	mu       sync.Mutex
	receipts []ledger.Receipt
}

func (m *mockRecorder) Enqueue(r ledger.Receipt) {
	m.mu.Lock()
	m.receipts = append(m.receipts, r)
	m.mu.Unlock()
}

func (m *mockRecorder) last(t *testing.T) ledger.Receipt {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.receipts) == 0 {
		t.Fatal("no receipt recorded")
	}
	return m.receipts[len(m.receipts)-1]
}

// fixedBudget grants every take up to its balance.
type fixedBudget struct {
	mu      sync.Mutex
	balance float64
}

func (b *fixedBudget) Take(j float64) error {
	if j <= 0 {
		return meter.ErrInvalidWithdrawal
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balance < j {
		return meter.ErrInsufficientBudget
	}
	b.balance -= j
	return nil
}

func newEvaluator(budget Budget, rec Recorder, timeout time.Duration) *Evaluator {
	return NewEvaluator(EvaluatorConfig{
		Budget:     budget,
		Recorder:   rec,
		Thresholds: Thresholds{Delta: 0.002, Accuracy: 0.01},
		Timeout:    timeout,
	})
}

func TestRunAcceptsAboveDeltaThreshold(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{report: &capability.Report{
		BaseLoss:     0.6505,
		NewLoss:      0.6270,
		ArtifactRef:  "capsule-1",
		ArtifactHash: "aa11",
	}}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 0)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.State != StateAccepted || !a.Accepted {
		t.Fatalf("state = %v accepted = %v, want accepted", a.State, a.Accepted)
	}
	if d := a.Delta; d < 0.0234999 || d > 0.0235001 {
		t.Errorf("delta = %v, want 0.0235", d)
	}
	if trainer.mergeCount() != 1 {
		t.Errorf("merge called %d times, want 1", trainer.mergeCount())
	}
	if trainer.discardCount() != 0 {
		t.Error("accepted attempt must not discard its artifact")
	}

	r := rec.last(t)
	if !r.Accepted || r.Task != "lora_delta" || r.Joules != 120 {
		t.Errorf("receipt = %+v", r)
	}
	if r.BaseStateHash != "basestate-hash" {
		t.Errorf("receipt base state hash = %q", r.BaseStateHash)
	}
}

func TestRunAcceptsOnAccuracyAlone(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{report: &capability.Report{
		BaseLoss:       0.5,
		NewLoss:        0.4995, // Δ=0.0005, below 0.002
		AccuracyBefore: 0.70,
		AccuracyAfter:  0.72, // Δacc=0.02 ≥ 0.01
		HasAccuracy:    true,
		ArtifactRef:    "capsule-2",
	}}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 0)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.Accepted {
		t.Fatal("accuracy gain above threshold must accept")
	}
}

func TestRunRejectsBelowBothThresholds(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{report: &capability.Report{
		BaseLoss:       0.5,
		NewLoss:        0.4995, // Δ=0.0005
		AccuracyBefore: 0.70,
		AccuracyAfter:  0.703, // Δacc=0.003 < 0.01
		HasAccuracy:    true,
		ArtifactRef:    "capsule-3",
	}}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 0)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.State != StateRejected || a.Accepted {
		t.Fatalf("state = %v, want rejected", a.State)
	}
	if trainer.mergeCount() != 0 {
		t.Error("rejected attempt must never merge")
	}
	if trainer.discardCount() != 1 || trainer.discarded[0] != "capsule-3" {
		t.Errorf("discarded = %v, want the staged capsule-3", trainer.discarded)
	}

	r := rec.last(t)
	if r.Accepted {
		t.Error("receipt marked accepted for a rejection")
	}
	if r.Reason != ReasonBelowThreshold {
		t.Errorf("reason = %q, want %q", r.Reason, ReasonBelowThreshold)
	}
	if d := r.Delta; d < 0.0004999 || d > 0.0005001 {
		t.Errorf("rejected receipt delta = %v, want measured 0.0005", d)
	}
}

func TestRunInsufficientBudgetCreatesNoAttempt(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{report: &capability.Report{ArtifactRef: "x"}}
	ev := newEvaluator(&fixedBudget{balance: 10}, rec, 0)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if !errors.Is(err, meter.ErrInsufficientBudget) {
		t.Fatalf("err = %v, want ErrInsufficientBudget", err)
	}
	if a != nil {
		t.Error("attempt state created despite failed reservation")
	}
	if trainer.trained != 0 {
		t.Error("trainer invoked despite failed reservation")
	}
	if len(rec.receipts) != 0 {
		t.Error("receipt written for an attempt that never started")
	}
}

func TestRunCapabilityFailureRejectsWithoutRefund(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{trainErr: fmt.Errorf("%w: CUDA not available", capability.ErrTrainingFailed)}
	budget := &fixedBudget{balance: 200}
	ev := newEvaluator(budget, rec, 0)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.State != StateRejected {
		t.Fatalf("state = %v, want rejected", a.State)
	}

	r := rec.last(t)
	if r.Reason != ReasonCapabilityFailure {
		t.Errorf("reason = %q, want %q", r.Reason, ReasonCapabilityFailure)
	}
	if budget.balance != 80 {
		t.Errorf("balance = %v, want 80 (no refund)", budget.balance)
	}
}

func TestRunTimeoutRejectsWithTimeoutReason(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{
		blockFor: 5 * time.Second,
		report:   &capability.Report{ArtifactRef: "never"},
	}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 50*time.Millisecond)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.State != StateRejected {
		t.Fatalf("state = %v, want rejected", a.State)
	}
	if rec.last(t).Reason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", rec.last(t).Reason, ReasonTimeout)
	}
}

func TestRunCancelBeforeEvaluationLeavesNoReceipt(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{
		blockFor: 5 * time.Second,
		report:   &capability.Report{ArtifactRef: "never"},
	}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	a, err := ev.Run(ctx, Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if a.State != StateCanceled {
		t.Fatalf("state = %v, want canceled", a.State)
	}
	if len(rec.receipts) != 0 {
		t.Error("cancellation before evaluation must not write a receipt")
	}
}

func TestRunMergeFailureRecordsRejection(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{
		report:   &capability.Report{BaseLoss: 0.5, NewLoss: 0.4, ArtifactRef: "capsule-4"},
		mergeErr: errors.New("disk full"),
	}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 0)

	a, err := ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Accepted {
		t.Fatal("merge failure must not yield an accepted attempt")
	}
	if rec.last(t).Reason != ReasonMergeFailure {
		t.Errorf("reason = %q, want %q", rec.last(t).Reason, ReasonMergeFailure)
	}
	if trainer.discardCount() != 1 {
		t.Error("failed merge must discard the staged artifact")
	}
}

func TestRunHungMergeRejectsOnTimeout(t *testing.T) {
	rec := &mockRecorder{}
	trainer := &mockTrainer{
		report:     &capability.Report{BaseLoss: 0.5, NewLoss: 0.4, ArtifactRef: "capsule-5"},
		mergeHangs: true,
	}
	ev := newEvaluator(&fixedBudget{balance: 500}, rec, 50*time.Millisecond)

	done := make(chan struct{})
	var a *Attempt
	var runErr error
	go func() {
		defer close(done)
		a, runErr = ev.Run(context.Background(), Task{Name: "lora_delta", ReserveJoules: 120}, trainer)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hung merge blocked the attempt past its timeout")
	}
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if a.Accepted {
		t.Fatal("timed-out merge must not yield an accepted attempt")
	}
	if rec.last(t).Reason != ReasonMergeFailure {
		t.Errorf("reason = %q, want %q", rec.last(t).Reason, ReasonMergeFailure)
	}
}
