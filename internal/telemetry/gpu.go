package telemetry

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

var errNoCPUReading = errors.New("no cpu utilization reading")

// GPUProber reads instantaneous GPU board power.
type GPUProber interface {
	PowerDraw() (float64, error)
}

// detectGPUProber returns a prober for the current host, or nil when no
// supported GPU tooling is available.
func detectGPUProber() GPUProber {
	switch runtime.GOOS {
	case "linux":
		if _, err := exec.LookPath("nvidia-smi"); err == nil {
			return &nvidiaSmiProber{path: "nvidia-smi"}
		}
	case "windows":
		nvidiaSmiPath := `C:\Program Files\NVIDIA Corporation\NVSMI\nvidia-smi.exe`
		if _, err := os.Stat(nvidiaSmiPath); err == nil {
			return &nvidiaSmiProber{path: nvidiaSmiPath}
		}
		if _, err := exec.LookPath("nvidia-smi"); err == nil {
			return &nvidiaSmiProber{path: "nvidia-smi"}
		}
	}
	// macOS has no NVML; Metal exposes no power counter we can query.
	return nil
}

// nvidiaSmiProber queries board power draw via nvidia-smi.
type nvidiaSmiProber struct {
	path string
}

// PowerDraw sums power.draw across all GPUs, in watts.
func (p *nvidiaSmiProber) PowerDraw() (float64, error) {
	cmd := exec.Command(p.path, "--query-gpu=power.draw", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("query GPU power: %w", err)
	}
	return parsePowerDraw(string(output))
}

// parsePowerDraw parses nvidia-smi CSV output, one wattage per line.
// "[N/A]" lines (some laptop GPUs) count as zero rather than failing.
func parsePowerDraw(output string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	total := 0.0
	parsed := false
	for _, line := range lines {
		field := strings.TrimSpace(line)
		if field == "" || strings.Contains(field, "N/A") {
			continue
		}
		w, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return 0, fmt.Errorf("parse power.draw %q: %w", field, err)
		}
		total += w
		parsed = true
	}
	if !parsed && len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		return 0, errors.New("empty nvidia-smi output")
	}
	return total, nil
}
