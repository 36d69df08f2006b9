// Package telemetry produces gross power readings for the joule meter.
//
// CPU draw is estimated from utilization against a configured package TDP;
// GPU draw comes from nvidia-smi when present. A probe failure never stops
// the stream: the sampler falls back to the last good reading and marks the
// sample stale so consumers can discount it.
package telemetry

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// PowerSample is one instantaneous gross power reading.
type PowerSample struct {
	Timestamp time.Time
	CPUWatts  float64
	GPUWatts  float64

	// Stale is set when one or both probes failed and the wattage carried
	// over from the previous good reading.
	Stale bool
}

// probeFn returns an instantaneous wattage for one domain.
type probeFn func() (float64, error)

// Sampler polls the CPU and GPU probes and yields PowerSamples.
type Sampler struct {
	cpuProbe probeFn
	gpuProbe probeFn

	mu   sync.Mutex
	last PowerSample
}

// SamplerConfig holds the knobs for a Sampler.
type SamplerConfig struct {
	// CPUTDPWatts scales CPU utilization into an estimated wattage.
	CPUTDPWatts float64
}

// NewSampler builds a sampler using gopsutil for CPU utilization and
// nvidia-smi for GPU power. Hosts without an NVIDIA GPU report 0 W GPU.
func NewSampler(cfg SamplerConfig) *Sampler {
	tdp := cfg.CPUTDPWatts
	if tdp <= 0 {
		tdp = 65.0
	}

	var gpu probeFn
	if prober := detectGPUProber(); prober != nil {
		gpu = prober.PowerDraw
	} else {
		gpu = func() (float64, error) { return 0, nil }
	}

	return &Sampler{
		cpuProbe: cpuUtilizationProbe(tdp),
		gpuProbe: gpu,
	}
}

// newSamplerWithProbes is the injection point for tests.
func newSamplerWithProbes(cpuProbe, gpuProbe probeFn) *Sampler {
	return &Sampler{cpuProbe: cpuProbe, gpuProbe: gpuProbe}
}

// Sample reads both probes. On probe failure the affected wattage carries
// over from the last good sample and Stale is set.
func (s *Sampler) Sample() PowerSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := PowerSample{Timestamp: time.Now()}

	if w, err := s.cpuProbe(); err == nil {
		out.CPUWatts = w
	} else {
		out.CPUWatts = s.last.CPUWatts
		out.Stale = true
	}

	if w, err := s.gpuProbe(); err == nil {
		out.GPUWatts = w
	} else {
		out.GPUWatts = s.last.GPUWatts
		out.Stale = true
	}

	if !out.Stale {
		s.last = out
	}
	return out
}

// cpuUtilizationProbe estimates CPU draw as utilization × TDP.
func cpuUtilizationProbe(tdpWatts float64) probeFn {
	return func() (float64, error) {
		percentages, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil {
			return 0, err
		}
		if len(percentages) == 0 {
			return 0, errNoCPUReading
		}
		return percentages[0] / 100.0 * tdpWatts, nil
	}
}
