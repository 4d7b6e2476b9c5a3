package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"brainprep/pkg/config"
	"brainprep/pkg/preprocess"
)

// scanFlags collects repeated -scan name=path arguments.
type scanFlags map[string]string

func (s scanFlags) String() string {
	parts := make([]string, 0, len(s))
	for name, path := range s {
		parts = append(parts, name+"="+path)
	}
	return strings.Join(parts, ",")
}

func (s scanFlags) Set(value string) error {
	name, path, ok := strings.Cut(value, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", value)
	}
	s[name] = path
	return nil
}

func main() {
	// Parse command line arguments
	scans := scanFlags{}
	flag.Var(scans, "scan", "Input scan as name=path (repeatable, e.g. -scan T1w=t1.nii.gz)")
	configPath := flag.String("config", "", "Optional YAML configuration file")
	labelPath := flag.String("label", "", "Optional labelmap path, aligned to the reference")
	reference := flag.String("reference", "", "Reference modality name (default: first in sorted order)")
	outputFolder := flag.String("output", "", "Root folder for stage outputs")
	prefix := flag.String("prefix", "", "Filename prefix for all outputs")
	coregister := flag.Bool("coregister", false, "Register every modality onto the reference")
	toMNI := flag.Bool("mni", false, "Align the stack to MNI template space")
	skullStrip := flag.Bool("skullstrip", false, "Skull strip using a mask from the reference")
	crop := flag.Bool("crop", false, "Crop the shared zero padding")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line flags override the configuration file.
	if len(scans) > 0 {
		cfg.Input.Scans = scans
	}
	if *labelPath != "" {
		cfg.Input.Label = *labelPath
	}
	if *reference != "" {
		cfg.Input.Reference = *reference
	}
	if *outputFolder != "" {
		cfg.Output.Folder = *outputFolder
	}
	if *prefix != "" {
		cfg.Output.Prefix = *prefix
	}
	if *coregister {
		cfg.Pipeline.Coregister = true
	}
	if *toMNI {
		cfg.Pipeline.ToMNI = true
	}
	if *skullStrip {
		cfg.Pipeline.SkullStrip = true
	}
	if *crop {
		cfg.Pipeline.Crop = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	proc := preprocess.New(cfg.Params())

	startTime := time.Now()
	if err := proc.Run(); err != nil {
		log.Fatalf("Preprocessing failed: %v", err)
	}

	fmt.Printf("Preprocessing completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Outputs written under: %s\n", cfg.Output.Folder)
}
