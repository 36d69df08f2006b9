// Package meter owns the joule budget: it integrates net power over time
// into a bucket and exposes atomic inspection and withdrawal.
package meter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Daniele-Cangi/CryoFlux/internal/telemetry"
)

var (
	// ErrInsufficientBudget signals a withdrawal larger than the bucket.
	// It is the normal waiting-state condition, not a caller bug.
	ErrInsufficientBudget = errors.New("insufficient joule budget")

	// ErrInvalidWithdrawal signals a non-positive or non-finite amount.
	ErrInvalidWithdrawal = errors.New("invalid withdrawal request")
)

// Snapshot is a read-only view of the meter at one instant.
type Snapshot struct {
	Timestamp      time.Time `json:"ts"`
	CPUWatts       float64   `json:"cpu_w"`
	GPUWatts       float64   `json:"gpu_w"`
	IdleCPUWatts   float64   `json:"idle_cpu_w"`
	IdleGPUWatts   float64   `json:"idle_gpu_w"`
	NetWatts       float64   `json:"net_w"`
	BucketJoules   float64   `json:"bucket_j"`
	BaselineLocked bool      `json:"baseline_locked"`
	Stale          bool      `json:"stale"`
}

// Meter accumulates net energy into a withdrawable bucket. The bucket and
// baseline are the only shared mutable state in the controller; every
// access goes through the mutex so credits and debits serialize.
type Meter struct {
	mu         sync.Mutex
	calibrator *Calibrator
	bucketJ    float64
	lastSample telemetry.PowerSample
	lastNetW   float64
	lastTS     time.Time
}

// New creates a meter whose baseline is learned by the given calibrator.
func New(calibrator *Calibrator) *Meter {
	return &Meter{calibrator: calibrator}
}

// Integrate credits net power × elapsed seconds into the bucket. Elapsed
// time is the caller-measured wall time since the previous sample, so
// cadence drift never corrupts the accounting. Net power is floor-clamped
// at zero per domain: idle dips never create debt.
func (m *Meter) Integrate(sample telemetry.PowerSample, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calibrator.Calibrate(sample)
	base := m.calibrator.Baseline()

	netW := max0(sample.CPUWatts-base.CPUWatts) + max0(sample.GPUWatts-base.GPUWatts)
	m.bucketJ += netW * elapsed.Seconds()

	m.lastSample = sample
	m.lastNetW = netW
	m.lastTS = sample.Timestamp
}

// Sample returns the current meter state. It never blocks the sampler for
// longer than one bucket update.
func (m *Meter) Sample() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.calibrator.Baseline()
	return Snapshot{
		Timestamp:      m.lastTS,
		CPUWatts:       m.lastSample.CPUWatts,
		GPUWatts:       m.lastSample.GPUWatts,
		IdleCPUWatts:   base.CPUWatts,
		IdleGPUWatts:   base.GPUWatts,
		NetWatts:       m.lastNetW,
		BucketJoules:   m.bucketJ,
		BaselineLocked: base.Locked,
		Stale:          m.lastSample.Stale,
	}
}

// Take atomically withdraws joules from the bucket. It either succeeds
// fully or fails with no state change; two concurrent callers can never
// jointly overdraw.
func (m *Meter) Take(joules float64) error {
	if joules <= 0 || math.IsNaN(joules) || math.IsInf(joules, 0) {
		return ErrInvalidWithdrawal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketJ < joules {
		return ErrInsufficientBudget
	}
	m.bucketJ -= joules
	return nil
}

// SamplerLoop drives sampling and integration at the configured cadence
// until the context is cancelled. Credit uses measured elapsed time, not
// the nominal period.
func (m *Meter) SamplerLoop(ctx context.Context, sampler *telemetry.Sampler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sample := sampler.Sample()
			m.Integrate(sample, now.Sub(last))
			last = now
		}
	}
}
