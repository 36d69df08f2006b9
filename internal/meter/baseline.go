package meter

import (
	"time"

	"github.com/Daniele-Cangi/CryoFlux/internal/telemetry"
)

// Baseline is the frozen idle power draw subtracted from gross readings.
// Once Locked is true the wattages never change again for the process
// lifetime; a baseline that kept adapting would chase the workload and
// under-attribute net power to the tasks causing it.
type Baseline struct {
	CPUWatts float64
	GPUWatts float64
	Locked   bool
}

// CalibratorConfig bounds the baseline learning window.
type CalibratorConfig struct {
	// SmoothingAlpha is the EMA factor applied to idle-looking samples.
	SmoothingAlpha float64

	// IdleLearnWatts excludes active-load samples: learning only happens
	// while raw net power stays below this level.
	IdleLearnWatts float64

	// Window is the wall-clock learning bound.
	Window time.Duration

	// MaxSamples is the sample-count learning bound. The first bound
	// reached freezes the baseline.
	MaxSamples int

	// InitialCPUWatts and InitialGPUWatts seed the estimate.
	InitialCPUWatts float64
	InitialGPUWatts float64
}

// Calibrator learns the idle baseline during a bounded window, then locks it.
type Calibrator struct {
	cfg      CalibratorConfig
	baseline Baseline
	started  time.Time
	samples  int
}

// NewCalibrator seeds the estimate and starts the learning window at the
// first calibration call.
func NewCalibrator(cfg CalibratorConfig) *Calibrator {
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha > 1 {
		cfg.SmoothingAlpha = 0.2
	}
	return &Calibrator{
		cfg: cfg,
		baseline: Baseline{
			CPUWatts: cfg.InitialCPUWatts,
			GPUWatts: cfg.InitialGPUWatts,
		},
	}
}

// Calibrate folds one sample into the estimate. After the window closes it
// is a no-op. Stale samples never feed the estimate.
func (c *Calibrator) Calibrate(sample telemetry.PowerSample) {
	if c.baseline.Locked {
		return
	}
	if c.started.IsZero() {
		c.started = sample.Timestamp
	}

	c.samples++
	if c.windowClosed(sample.Timestamp) {
		c.baseline.Locked = true
		return
	}
	if sample.Stale {
		return
	}

	netRaw := max0(sample.CPUWatts-c.baseline.CPUWatts) + max0(sample.GPUWatts-c.baseline.GPUWatts)
	if netRaw >= c.cfg.IdleLearnWatts {
		return
	}

	a := c.cfg.SmoothingAlpha
	c.baseline.CPUWatts = a*sample.CPUWatts + (1-a)*c.baseline.CPUWatts
	c.baseline.GPUWatts = a*sample.GPUWatts + (1-a)*c.baseline.GPUWatts
}

func (c *Calibrator) windowClosed(now time.Time) bool {
	if c.cfg.MaxSamples > 0 && c.samples > c.cfg.MaxSamples {
		return true
	}
	if c.cfg.Window > 0 && now.Sub(c.started) >= c.cfg.Window {
		return true
	}
	return false
}

// Baseline returns the current estimate (frozen once Locked).
func (c *Calibrator) Baseline() Baseline {
	return c.baseline
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
