// Package skullstrip provides the brain-extraction collaborator. The
// default extractor thresholds the reference with Otsu's method, keeps
// the largest connected component and closes one-voxel gaps, producing a
// binary brain mask on the reference grid. The mask is computed once per
// run from the reference volume and applied multiplicatively to every
// other volume, so extraction cost is constant in the modality count.
package skullstrip

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"brainprep/pkg/volume"
)

// SkullStrippingError reports a failed extraction or mask application.
type SkullStrippingError struct {
	Err error
}

func (e *SkullStrippingError) Error() string {
	return fmt.Sprintf("skull stripping failed: %v", e.Err)
}

func (e *SkullStrippingError) Unwrap() error { return e.Err }

// Extractor computes a binary brain mask (values 0/1) in the geometry of
// the reference volume.
type Extractor interface {
	Mask(ref *volume.Volume) (*volume.Volume, error)
}

// OtsuExtractor is the default Extractor.
type OtsuExtractor struct{}

// Mask derives the brain mask from the reference volume.
func (OtsuExtractor) Mask(ref *volume.Volume) (*volume.Volume, error) {
	thr, ok := otsuThreshold(ref.Data)
	if !ok {
		return nil, &SkullStrippingError{Err: fmt.Errorf("reference %s has uniform intensity, no foreground to extract", ref.Name)}
	}

	fg := make([]bool, len(ref.Data))
	n := 0
	for i, v := range ref.Data {
		if v > thr {
			fg[i] = true
			n++
		}
	}
	if n == 0 {
		return nil, &SkullStrippingError{Err: fmt.Errorf("threshold %g leaves no foreground voxels", thr)}
	}

	keep := largestComponent(fg, ref.Grid)
	keep = dilate(keep, ref.Grid)
	keep = erode(keep, ref.Grid)

	log.WithFields(log.Fields{
		"reference": ref.Name,
		"threshold": thr,
	}).Debug("brain mask computed")

	mask := volume.New(ref.Name+"_mask", volume.Label, ref.Grid)
	for i, in := range keep {
		if in {
			mask.Data[i] = 1
		}
	}
	return mask, nil
}

// otsuThreshold picks the intensity threshold maximizing between-class
// variance over a 256-bin histogram. ok is false when the volume has no
// intensity spread.
func otsuThreshold(data []float64) (float64, bool) {
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return 0, false
	}

	const bins = 256
	hist := make([]float64, bins)
	scale := float64(bins-1) / (hi - lo)
	for _, v := range data {
		hist[int((v-lo)*scale)]++
	}

	total := float64(len(data))
	var sum float64
	for i, c := range hist {
		sum += float64(i) * c
	}

	var wb, sumB, best float64
	bestBin := 0
	for i := 0; i < bins; i++ {
		wb += hist[i]
		if wb == 0 {
			continue
		}
		wf := total - wb
		if wf == 0 {
			break
		}
		sumB += float64(i) * hist[i]
		mb := sumB / wb
		mf := (sum - sumB) / wf
		between := wb * wf * (mb - mf) * (mb - mf)
		if between > best {
			best = between
			bestBin = i
		}
	}
	return lo + float64(bestBin)/scale, true
}

// largestComponent keeps only the biggest 6-connected foreground
// component, discarding detached non-brain structures.
func largestComponent(fg []bool, g volume.Grid) []bool {
	labels := make([]int, len(fg))
	sizes := []int{0} // label 0 is background
	queue := make([]int, 0, 1024)

	next := 1
	for seed := range fg {
		if !fg[seed] || labels[seed] != 0 {
			continue
		}
		labels[seed] = next
		queue = append(queue[:0], seed)
		size := 0
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++

			x := idx % g.Nx
			y := (idx / g.Nx) % g.Ny
			z := idx / (g.Nx * g.Ny)
			for _, d := range [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
				nx, ny, nz := x+d[0], y+d[1], z+d[2]
				if nx < 0 || ny < 0 || nz < 0 || nx >= g.Nx || ny >= g.Ny || nz >= g.Nz {
					continue
				}
				ni := g.Index(nx, ny, nz)
				if fg[ni] && labels[ni] == 0 {
					labels[ni] = next
					queue = append(queue, ni)
				}
			}
		}
		sizes = append(sizes, size)
		next++
	}

	bestLabel, bestSize := 0, 0
	for lbl := 1; lbl < len(sizes); lbl++ {
		if sizes[lbl] > bestSize {
			bestSize = sizes[lbl]
			bestLabel = lbl
		}
	}

	out := make([]bool, len(fg))
	for i, lbl := range labels {
		out[i] = lbl == bestLabel && bestLabel != 0
	}
	return out
}

func dilate(in []bool, g volume.Grid) []bool {
	return morph(in, g, true)
}

func erode(in []bool, g volume.Grid) []bool {
	return morph(in, g, false)
}

// morph applies one step of 6-neighborhood dilation or erosion.
func morph(in []bool, g volume.Grid, grow bool) []bool {
	out := make([]bool, len(in))
	for z := 0; z < g.Nz; z++ {
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				idx := g.Index(x, y, z)
				hit := in[idx]
				if hit != grow {
					// A set voxel survives erosion only if all
					// neighbors are set; a clear voxel joins a
					// dilation only if any neighbor is set.
					all, any := true, false
					for _, d := range [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
						nx, ny, nz := x+d[0], y+d[1], z+d[2]
						v := false
						if nx >= 0 && ny >= 0 && nz >= 0 && nx < g.Nx && ny < g.Ny && nz < g.Nz {
							v = in[g.Index(nx, ny, nz)]
						}
						all = all && v
						any = any || v
					}
					if grow {
						hit = any
					} else {
						hit = all && in[idx]
					}
				}
				out[idx] = hit
			}
		}
	}
	return out
}

// Apply multiplies every volume of the set (and the labelmap, whose
// geometry already matches after coregistration) by the mask, zeroing
// everything outside the brain. All member grids must equal the mask
// grid; a mismatch means coregistration was skipped on unaligned inputs.
func Apply(set *volume.VolumeSet, mask *volume.Volume) (*volume.VolumeSet, error) {
	masked := make(map[string]*volume.Volume, len(set.Names()))
	for _, name := range set.Names() {
		v := set.Volume(name)
		if !v.Grid.Equal(mask.Grid) {
			return nil, &SkullStrippingError{
				Err: &volume.GridMismatchError{Modality: name, Want: mask.Grid, Got: v.Grid},
			}
		}
		masked[name] = maskVolume(v, mask)
	}

	var label *volume.Volume
	if set.Label() != nil {
		l := set.Label()
		if !l.Grid.Equal(mask.Grid) {
			return nil, &SkullStrippingError{
				Err: &volume.GridMismatchError{Modality: volume.LabelName, Want: mask.Grid, Got: l.Grid},
			}
		}
		label = maskVolume(l, mask)
	}

	return set.Derive(masked, label)
}

func maskVolume(v, mask *volume.Volume) *volume.Volume {
	out := v.Clone()
	out.Path = ""
	for i := range out.Data {
		if mask.Data[i] == 0 {
			out.Data[i] = 0
		}
	}
	return out
}
