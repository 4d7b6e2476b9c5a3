package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"brainprep/pkg/volume"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Output.Folder != "./output" {
		t.Errorf("Default output folder: expected ./output, got %s", cfg.Output.Folder)
	}
	if cfg.Processing.NumWorkers < 1 {
		t.Error("Default worker count should be at least 1")
	}
	if cfg.Pipeline.Coregister || cfg.Pipeline.ToMNI || cfg.Pipeline.SkullStrip || cfg.Pipeline.Crop {
		t.Error("All pipeline stages should default to off")
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Missing config file should not be an error: %v", err)
	}
	if cfg.Output.Folder != "./output" {
		t.Error("Missing config file should yield defaults")
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
input:
  scans:
    T1w: /data/t1.nii.gz
    FLAIR: /data/flair.nii.gz
  label: /data/seg.nii.gz
  reference: T1w
output:
  folder: /tmp/out
  prefix: sub01_
pipeline:
  coregister: true
  toMNI: true
  skullStrip: true
  crop: true
processing:
  numWorkers: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Input.Scans["T1w"] != "/data/t1.nii.gz" {
		t.Errorf("Scan path not parsed: %v", cfg.Input.Scans)
	}
	if cfg.Input.Reference != "T1w" || cfg.Output.Prefix != "sub01_" {
		t.Error("Reference or prefix not parsed")
	}
	if !cfg.Pipeline.Coregister || !cfg.Pipeline.ToMNI || !cfg.Pipeline.SkullStrip || !cfg.Pipeline.Crop {
		t.Error("Pipeline toggles not parsed")
	}
	if cfg.Processing.NumWorkers != 2 {
		t.Errorf("Worker count: expected 2, got %d", cfg.Processing.NumWorkers)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid config should validate: %v", err)
	}

	params := cfg.Params()
	if !params.DoCoregistration || !params.ToMNI || !params.DoSkullStripping || !params.Crop {
		t.Error("Params conversion dropped pipeline toggles")
	}
	if params.Reference != "T1w" || params.Prefix != "sub01_" {
		t.Error("Params conversion dropped input/output settings")
	}
}

func TestValidate(t *testing.T) {
	t.Run("NoScans", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		var emptyErr *volume.EmptyInputError
		if !errors.As(err, &emptyErr) {
			t.Errorf("Expected EmptyInputError, got %v", err)
		}
	})

	t.Run("UnknownReference", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Input.Scans = map[string]string{"T1w": "/data/t1.nii.gz"}
		cfg.Input.Reference = "T2w"
		err := cfg.Validate()
		var refErr *volume.UnknownReferenceError
		if !errors.As(err, &refErr) {
			t.Fatalf("Expected UnknownReferenceError, got %v", err)
		}
		if refErr.Name != "T2w" {
			t.Errorf("Error should name the bad reference, got %q", refErr.Name)
		}
	})

	t.Run("EmptyOutputFolder", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Input.Scans = map[string]string{"T1w": "/data/t1.nii.gz"}
		cfg.Output.Folder = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Empty output folder should not validate")
		}
	})
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Input.Scans = map[string]string{"T1w": "/data/t1.nii.gz"}
	cfg.Pipeline.Crop = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if loaded.Input.Scans["T1w"] != "/data/t1.nii.gz" || !loaded.Pipeline.Crop {
		t.Error("Config did not round-trip through YAML")
	}
}
