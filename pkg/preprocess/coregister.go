package preprocess

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"brainprep/pkg/registration"
	"brainprep/pkg/resample"
	"brainprep/pkg/volume"
)

// CoregisterOptions selects how the coregistration stage moves volumes.
type CoregisterOptions struct {
	// Pairwise estimates a transform per non-reference modality onto
	// the reference. When false, inputs are assumed to be mutually
	// registered already and only the template alignment (if any) is
	// propagated.
	Pairwise bool

	// ToTemplate first aligns the reference itself to the standard
	// template grid, so the whole stack lands in template space.
	ToTemplate bool

	// Template is the template image to register against. When nil the
	// reference is centered into TemplateGrid instead.
	Template *volume.Volume

	// TemplateGrid is the target grid for template alignment. Zero
	// value means registration.MNIGrid().
	TemplateGrid volume.Grid

	// Workers bounds the per-modality resampling parallelism.
	// Values below 1 mean sequential.
	Workers int
}

// Coregister brings every volume of the set (and the labelmap) onto one
// shared grid. The reference moves first (to template space when
// requested); each remaining modality is then either registered onto the
// updated reference or carried along with the reference's transform.
// The labelmap always follows the reference's transform chain and is
// resampled nearest-neighbor.
//
// On any failure no output set is produced, so callers never observe a
// mixed-grid stack.
func (p *Preprocessor) Coregister(set *volume.VolumeSet, opts CoregisterOptions) (*volume.VolumeSet, error) {
	ref := set.ReferenceVolume()

	refTransform := registration.Identity()
	refTransform.Modality = ref.Name
	targetGrid := ref.Grid

	out := make(map[string]*volume.Volume, len(set.Names()))

	if opts.ToTemplate {
		grid := opts.TemplateGrid
		if grid.NumVoxels() == 0 {
			grid = registration.MNIGrid()
		}

		var err error
		if opts.Template != nil {
			refTransform, err = p.Registrar.Estimate(opts.Template, ref)
			grid = opts.Template.Grid
		} else {
			refTransform, err = registration.CenterAlign(ref, grid)
		}
		if err != nil {
			return nil, asRegistrationError(ref.Name, err)
		}
		targetGrid = grid

		warped, err := resample.ToGrid(ref, refTransform, targetGrid)
		if err != nil {
			return nil, asRegistrationError(ref.Name, err)
		}
		out[ref.Name] = warped

		log.WithFields(log.Fields{
			"reference": ref.Name,
			"grid":      fmt.Sprintf("%dx%dx%d", targetGrid.Nx, targetGrid.Ny, targetGrid.Nz),
		}).Info("reference aligned to template space")
	} else {
		out[ref.Name] = ref.Clone()
	}

	newRef := out[ref.Name]

	// The remaining modalities are independent once the reference
	// artifact exists, so they can be moved concurrently.
	others := make([]string, 0, len(set.Names())-1)
	for _, name := range set.Names() {
		if name != ref.Name {
			others = append(others, name)
		}
	}

	type result struct {
		name string
		vol  *volume.Volume
		err  error
	}
	resultChan := make(chan result)
	sem := make(chan struct{}, workerCount(opts.Workers))

	for _, name := range others {
		go func(name string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			vol, err := p.moveModality(set.Volume(name), newRef, refTransform, targetGrid, opts)
			resultChan <- result{name: name, vol: vol, err: err}
		}(name)
	}

	var firstErr error
	for range others {
		res := <-resultChan
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		out[res.name] = res.vol
	}
	if firstErr != nil {
		return nil, firstErr
	}

	var label *volume.Volume
	if set.Label() != nil {
		if opts.ToTemplate {
			// The labelmap shares the reference's geometry, so the
			// reference transform moves it; nearest-neighbor sampling
			// is enforced by its Label kind.
			var err error
			label, err = resample.ToGrid(set.Label(), refTransform, targetGrid)
			if err != nil {
				return nil, asRegistrationError(volume.LabelName, err)
			}
		} else {
			label = set.Label().Clone()
		}
	}

	return set.Derive(out, label)
}

// moveModality produces one non-reference modality on the target grid.
func (p *Preprocessor) moveModality(mov, ref *volume.Volume, refTransform registration.Transform, targetGrid volume.Grid, opts CoregisterOptions) (*volume.Volume, error) {
	switch {
	case opts.Pairwise:
		t, err := p.Registrar.Estimate(ref, mov)
		if err != nil {
			return nil, asRegistrationError(mov.Name, err)
		}
		warped, err := resample.ToGrid(mov, t, targetGrid)
		if err != nil {
			return nil, asRegistrationError(mov.Name, err)
		}
		log.WithFields(log.Fields{
			"modality":   mov.Name,
			"reference":  ref.Name,
			"similarity": registration.Similarity(ref, warped),
		}).Info("modality registered to reference")
		return warped, nil

	case opts.ToTemplate:
		// Inputs are already mutually registered: reuse the reference
		// transform instead of estimating a new one.
		warped, err := resample.ToGrid(mov, refTransform, targetGrid)
		if err != nil {
			return nil, asRegistrationError(mov.Name, err)
		}
		log.WithField("modality", mov.Name).Info("modality carried into template space")
		return warped, nil

	default:
		// Pass-through: already registered and no template move.
		return mov.Clone(), nil
	}
}

func workerCount(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// asRegistrationError tags err with the modality unless it already is a
// RegistrationError.
func asRegistrationError(modality string, err error) error {
	if _, ok := err.(*registration.RegistrationError); ok {
		return err
	}
	return &registration.RegistrationError{Modality: modality, Err: err}
}
