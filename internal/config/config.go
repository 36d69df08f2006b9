// Package config loads and validates the cryoflux.yaml configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnergyConfig controls power sampling and the idle-baseline calibration.
type EnergyConfig struct {
	// SampleHz is the sampling/integration cadence in samples per second.
	SampleHz float64 `yaml:"sample_hz"`

	// CPUTDPWatts is the CPU package TDP used to estimate CPU draw from
	// utilization when no direct power counter is available.
	CPUTDPWatts float64 `yaml:"cpu_tdp_watts"`

	// SmoothingAlpha is the EMA factor for idle-baseline learning.
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`

	// IdleLearnWatts gates baseline learning: samples whose net power is
	// at or above this level look like active load and are excluded.
	IdleLearnWatts float64 `yaml:"idle_learn_watts"`

	// CalibrationSeconds bounds the baseline learning window by wall clock.
	CalibrationSeconds float64 `yaml:"calibration_seconds"`

	// CalibrationSamples bounds the learning window by sample count.
	// Whichever bound is reached first freezes the baseline.
	CalibrationSamples int `yaml:"calibration_samples"`
}

// AgentConfig controls the meter's HTTP surface.
type AgentConfig struct {
	Listen    string  `yaml:"listen"`
	TakeRPS   float64 `yaml:"take_rps"`
	TakeBurst int     `yaml:"take_burst"`
}

// TaskConfig describes one task kind in the catalogue.
type TaskConfig struct {
	Name          string  `yaml:"name"`
	MinJoules     float64 `yaml:"min_joules"`
	NominalJoules float64 `yaml:"nominal_joules"`

	// TrainCommand and MergeCommand delegate training/evaluation and
	// artifact commit to external programs. Empty means the built-in
	// capability for this task name is used (only index_refresh has one).
	TrainCommand []string `yaml:"train_command,omitempty"`
	MergeCommand []string `yaml:"merge_command,omitempty"`
}

// AcceptConfig holds the acceptance thresholds for evaluated attempts.
type AcceptConfig struct {
	DeltaThreshold    float64 `yaml:"delta_threshold"`
	AccuracyThreshold float64 `yaml:"accuracy_threshold"`
}

// SchedulerConfig controls the admission loop.
type SchedulerConfig struct {
	TickSeconds    float64 `yaml:"tick_seconds"`
	DefaultEta     float64 `yaml:"default_eta"`
	EtaWindow      int     `yaml:"eta_window"`
	AttemptTimeout float64 `yaml:"attempt_timeout_seconds"`
}

// LedgerConfig locates the receipt database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// IndexConfig configures the built-in index_refresh capability.
type IndexConfig struct {
	IncomingDir string `yaml:"incoming_dir"`
	IndexPath   string `yaml:"index_path"`
	MaxLines    int    `yaml:"max_lines"`
	TopK        int    `yaml:"top_k"`
}

// Config is the root of cryoflux.yaml.
type Config struct {
	Energy    EnergyConfig    `yaml:"energy"`
	Agent     AgentConfig     `yaml:"agent"`
	Tasks     []TaskConfig    `yaml:"tasks"`
	Accept    AcceptConfig    `yaml:"accept"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Index     IndexConfig     `yaml:"index"`
}

// Default returns a Config pre-filled with the stock catalogue and the
// calibration/acceptance values the controller ships with.
func Default() *Config {
	return &Config{
		Energy: EnergyConfig{
			SampleHz:           1.0,
			CPUTDPWatts:        65.0,
			SmoothingAlpha:     0.2,
			IdleLearnWatts:     5.0,
			CalibrationSeconds: 120.0,
			CalibrationSamples: 120,
		},
		Agent: AgentConfig{
			Listen:    "127.0.0.1:8787",
			TakeRPS:   10,
			TakeBurst: 20,
		},
		Tasks: []TaskConfig{
			{Name: "index_refresh", MinJoules: 20.0, NominalJoules: 40.0},
			{Name: "lora_delta", MinJoules: 120.0, NominalJoules: 160.0},
		},
		Accept: AcceptConfig{
			DeltaThreshold:    0.002,
			AccuracyThreshold: 0.01,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:    0.5,
			DefaultEta:     0.001,
			EtaWindow:      20,
			AttemptTimeout: 1800,
		},
		Ledger: LedgerConfig{
			Path: "./state/receipts.db",
		},
		Index: IndexConfig{
			IncomingDir: "./data/incoming",
			IndexPath:   "./state/index/novelty.idx",
			MaxLines:    1024,
			TopK:        512,
		},
	}
}

// Load reads path and merges it over the defaults. Zero or negative numeric
// fields in the file keep their default; the task catalogue replaces the
// default catalogue wholesale when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Default()
	mergePositive(&cfg.Energy.SampleHz, file.Energy.SampleHz)
	mergePositive(&cfg.Energy.CPUTDPWatts, file.Energy.CPUTDPWatts)
	mergePositive(&cfg.Energy.IdleLearnWatts, file.Energy.IdleLearnWatts)
	mergePositive(&cfg.Energy.CalibrationSeconds, file.Energy.CalibrationSeconds)
	if file.Energy.CalibrationSamples > 0 {
		cfg.Energy.CalibrationSamples = file.Energy.CalibrationSamples
	}
	// Alpha in (0..1] overrides; zero keeps the default.
	if file.Energy.SmoothingAlpha > 0 && file.Energy.SmoothingAlpha <= 1 {
		cfg.Energy.SmoothingAlpha = file.Energy.SmoothingAlpha
	}

	if file.Agent.Listen != "" {
		cfg.Agent.Listen = file.Agent.Listen
	}
	mergePositive(&cfg.Agent.TakeRPS, file.Agent.TakeRPS)
	if file.Agent.TakeBurst > 0 {
		cfg.Agent.TakeBurst = file.Agent.TakeBurst
	}

	if len(file.Tasks) > 0 {
		cfg.Tasks = file.Tasks
	}

	mergePositive(&cfg.Accept.DeltaThreshold, file.Accept.DeltaThreshold)
	mergePositive(&cfg.Accept.AccuracyThreshold, file.Accept.AccuracyThreshold)

	mergePositive(&cfg.Scheduler.TickSeconds, file.Scheduler.TickSeconds)
	mergePositive(&cfg.Scheduler.DefaultEta, file.Scheduler.DefaultEta)
	if file.Scheduler.EtaWindow > 0 {
		cfg.Scheduler.EtaWindow = file.Scheduler.EtaWindow
	}
	mergePositive(&cfg.Scheduler.AttemptTimeout, file.Scheduler.AttemptTimeout)

	if file.Ledger.Path != "" {
		cfg.Ledger.Path = file.Ledger.Path
	}

	if file.Index.IncomingDir != "" {
		cfg.Index.IncomingDir = file.Index.IncomingDir
	}
	if file.Index.IndexPath != "" {
		cfg.Index.IndexPath = file.Index.IndexPath
	}
	if file.Index.MaxLines > 0 {
		cfg.Index.MaxLines = file.Index.MaxLines
	}
	if file.Index.TopK > 0 {
		cfg.Index.TopK = file.Index.TopK
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if len(c.Tasks) == 0 {
		return fmt.Errorf("config: task catalogue is empty")
	}
	seen := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("config: task with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate task %q", t.Name)
		}
		seen[t.Name] = true
		if t.MinJoules <= 0 {
			return fmt.Errorf("config: task %q: min_joules must be positive", t.Name)
		}
	}
	return nil
}

// SampleInterval converts sample_hz into a ticker period.
func (c *Config) SampleInterval() time.Duration {
	hz := c.Energy.SampleHz
	if hz < 0.1 {
		hz = 0.1
	}
	return time.Duration(float64(time.Second) / hz)
}

// TickInterval converts tick_seconds into a ticker period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds * float64(time.Second))
}

// AttemptTimeout converts attempt_timeout_seconds into a duration.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Scheduler.AttemptTimeout * float64(time.Second))
}

// WriteDefault writes a starter config to path, creating parent directories.
// It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func mergePositive(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}
