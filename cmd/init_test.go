package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Daniele-Cangi/CryoFlux/internal/config"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cryoflux.yaml")

	prev := initOutput
	initOutput = path
	defer func() { initOutput = prev }()

	initCmd.Run(initCmd, nil)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if len(cfg.Tasks) == 0 {
		t.Error("generated config has an empty catalogue")
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	prev := cfgFile
	cfgFile = ""
	defer func() { cfgFile = prev }()

	t.Chdir(t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Energy.CPUTDPWatts != 65 {
		t.Errorf("tdp = %v, want default 65", cfg.Energy.CPUTDPWatts)
	}
}
