// Package config provides configuration loading and management for brainprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"gopkg.in/yaml.v3"

	"brainprep/pkg/preprocess"
	"brainprep/pkg/volume"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// Scans maps modality names (e.g. T1w, FLAIR) to NIfTI file paths
		Scans map[string]string `yaml:"scans"`

		// Label is the optional path to a labelmap aligned to the reference
		Label string `yaml:"label"`

		// Reference names the modality used as registration target.
		// Empty selects the first modality in sorted order.
		Reference string `yaml:"reference"`
	} `yaml:"input"`

	// Output parameters
	Output struct {
		// Folder is the root of the stage output directories
		Folder string `yaml:"folder"`

		// Prefix is prepended to every output filename
		Prefix string `yaml:"prefix"`

		// SavePreviews writes mid-slice JPEG previews per stage
		SavePreviews bool `yaml:"savePreviews"`
	} `yaml:"output"`

	// Pipeline stage toggles
	Pipeline struct {
		// Coregister registers every modality onto the reference
		Coregister bool `yaml:"coregister"`

		// ToMNI aligns the stack to the MNI template space
		ToMNI bool `yaml:"toMNI"`

		// SkullStrip masks every volume with the reference brain mask
		SkullStrip bool `yaml:"skullStrip"`

		// Crop removes the shared zero padding
		Crop bool `yaml:"crop"`
	} `yaml:"pipeline"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds per-modality parallelism inside stages
		NumWorkers int `yaml:"numWorkers"`

		// TemplatePath is an optional MNI template image to register
		// against; empty uses the built-in template grid
		TemplatePath string `yaml:"templatePath"`
	} `yaml:"processing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Output.Folder = "./output"
	cfg.Processing.NumWorkers = runtime.NumCPU()

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration eagerly, before any stage runs.
func (c *Config) Validate() error {
	if len(c.Input.Scans) == 0 {
		return &volume.EmptyInputError{}
	}
	if c.Input.Reference != "" {
		if _, ok := c.Input.Scans[c.Input.Reference]; !ok {
			names := make([]string, 0, len(c.Input.Scans))
			for name := range c.Input.Scans {
				names = append(names, name)
			}
			sort.Strings(names)
			return &volume.UnknownReferenceError{Name: c.Input.Reference, Known: names}
		}
	}
	if c.Output.Folder == "" {
		return fmt.Errorf("output folder must not be empty")
	}
	return nil
}

// Params converts the configuration into pipeline parameters.
func (c *Config) Params() preprocess.Params {
	return preprocess.Params{
		Scans:            c.Input.Scans,
		LabelPath:        c.Input.Label,
		OutputFolder:     c.Output.Folder,
		Prefix:           c.Output.Prefix,
		Reference:        c.Input.Reference,
		DoCoregistration: c.Pipeline.Coregister,
		ToMNI:            c.Pipeline.ToMNI,
		DoSkullStripping: c.Pipeline.SkullStrip,
		Crop:             c.Pipeline.Crop,
		TemplatePath:     c.Processing.TemplatePath,
		NumWorkers:       c.Processing.NumWorkers,
		SavePreviews:     c.Output.SavePreviews,
	}
}
