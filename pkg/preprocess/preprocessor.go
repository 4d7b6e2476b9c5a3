// Package preprocess sequences the preprocessing stages for one subject:
// coregistration, skull stripping and cropping, in that fixed order.
// Each stage is a pure function from VolumeSet to VolumeSet; the
// orchestrator owns the bookkeeping: which stages run, where their
// outputs land on disk, and how one stage's output becomes the next
// stage's input.
//
// Stage order is a design invariant. Skull stripping multiplies every
// modality by a single mask and therefore needs all volumes on one grid,
// which coregistration establishes. Cropping keys off the zero
// background that skull stripping produces, so it runs last.
package preprocess

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"

	"brainprep/pkg/registration"
	"brainprep/pkg/skullstrip"
	"brainprep/pkg/snapshot"
	"brainprep/pkg/volume"
)

// Stage output directory names under the output folder.
const (
	CoregistrationDir = "coregistration"
	SkullStrippingDir = "skullstripping"
	CroppingDir       = "cropping"
	previewDir        = "previews"
)

// Params holds the pipeline configuration for one run.
type Params struct {
	// Scans maps modality names to NIfTI file paths
	Scans map[string]string

	// LabelPath is the optional labelmap path, aligned to the reference
	LabelPath string

	// OutputFolder is the root of the stage output directories
	OutputFolder string

	// Prefix is prepended to every output filename
	Prefix string

	// Reference names the modality the others are aligned to.
	// Empty means the first modality in sorted order.
	Reference string

	// DoCoregistration registers every modality onto the reference
	DoCoregistration bool

	// ToMNI additionally aligns the whole stack to the MNI template grid
	ToMNI bool

	// DoSkullStripping masks every volume with a brain mask derived
	// from the reference
	DoSkullStripping bool

	// Crop removes the zero padding shared across the stack
	Crop bool

	// TemplatePath is an optional template image to register against
	// when ToMNI is set; without it the reference is centered into the
	// standard MNI grid
	TemplatePath string

	// NumWorkers bounds per-modality parallelism inside stages.
	// Zero means runtime.NumCPU().
	NumWorkers int

	// SavePreviews writes a mid-slice JPEG per volume after each stage
	SavePreviews bool
}

// Preprocessor runs the configured pipeline once. The registration and
// brain-extraction collaborators are exposed as fields so tests (or a
// heavier deployment) can substitute them.
type Preprocessor struct {
	params Params

	// Registrar estimates spatial transforms between volumes
	Registrar registration.Registrar

	// Extractor computes the brain mask from the reference volume
	Extractor skullstrip.Extractor
}

// New creates a Preprocessor with the default collaborators.
func New(params Params) *Preprocessor {
	if params.NumWorkers <= 0 {
		params.NumWorkers = runtime.NumCPU()
	}
	return &Preprocessor{
		params:    params,
		Registrar: registration.MomentRegistrar{},
		Extractor: skullstrip.OtsuExtractor{},
	}
}

// Validate checks the configuration without touching the filesystem
// beyond stat-ing inputs. It fails before any output directory is
// created, so a bad reference never leaves partial output behind.
func (p *Preprocessor) Validate() error {
	if len(p.params.Scans) == 0 {
		return &volume.EmptyInputError{}
	}
	if p.params.Reference != "" {
		if _, ok := p.params.Scans[p.params.Reference]; !ok {
			names := make([]string, 0, len(p.params.Scans))
			for name := range p.params.Scans {
				names = append(names, name)
			}
			sort.Strings(names)
			return &volume.UnknownReferenceError{Name: p.params.Reference, Known: names}
		}
	}
	return nil
}

// Run executes the configured stages in order, writing each executed
// stage's VolumeSet to its own directory before handing it onward. Any
// stage failure aborts the run; directories for stages not yet reached
// are never created.
func (p *Preprocessor) Run() error {
	if err := p.Validate(); err != nil {
		return err
	}

	set, err := volume.Load(p.params.Scans, p.params.LabelPath)
	if err != nil {
		return err
	}
	if p.params.Reference != "" {
		if err := set.SetReference(p.params.Reference); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"modalities": set.Names(),
		"reference":  set.Reference(),
		"label":      set.Label() != nil,
	}).Info("starting preprocessing")

	// Stage 1: coregistration. The stage also runs when both toggles
	// are off, degenerating to the identity move, so the coregistration
	// directory is always the first (and for a toggle-free run, final)
	// output location.
	opts := CoregisterOptions{
		Pairwise:   p.params.DoCoregistration,
		ToTemplate: p.params.ToMNI,
		Workers:    p.params.NumWorkers,
	}
	if p.params.ToMNI && p.params.TemplatePath != "" {
		tpl, err := volume.Read(p.params.TemplatePath, "template", volume.Intensity)
		if err != nil {
			return fmt.Errorf("loading template: %w", err)
		}
		opts.Template = tpl
	}

	set, err = p.Coregister(set, opts)
	if err != nil {
		return err
	}
	if err := p.writeStage(set, CoregistrationDir); err != nil {
		return err
	}

	// Stage 2: skull stripping. One mask from the reference, applied
	// to the whole stack.
	if p.params.DoSkullStripping {
		mask, err := p.Extractor.Mask(set.ReferenceVolume())
		if err != nil {
			return err
		}
		set, err = skullstrip.Apply(set, mask)
		if err != nil {
			return err
		}
		if err := p.writeStage(set, SkullStrippingDir); err != nil {
			return err
		}
	}

	// Stage 3: cropping.
	if p.params.Crop {
		set, err = p.Crop(set)
		if err != nil {
			return err
		}
		if err := p.writeStage(set, CroppingDir); err != nil {
			return err
		}
	}

	log.Info("preprocessing finished")
	return nil
}

// writeStage persists a stage's output set under its stage directory.
func (p *Preprocessor) writeStage(set *volume.VolumeSet, stage string) error {
	dir := filepath.Join(p.params.OutputFolder, stage)
	if err := set.Write(dir, p.params.Prefix); err != nil {
		return err
	}
	log.WithField("dir", dir).Info("stage output written")

	if p.params.SavePreviews {
		if err := snapshot.SaveMidSlices(set, filepath.Join(dir, previewDir)); err != nil {
			log.WithField("dir", dir).WithError(err).Warn("preview rendering failed")
		}
	}
	return nil
}
