package preprocess

import (
	log "github.com/sirupsen/logrus"

	"brainprep/pkg/volume"
)

// EmptyVolumeError reports that every volume of the set is entirely
// zero, leaving nothing to crop to.
type EmptyVolumeError struct{}

func (e *EmptyVolumeError) Error() string {
	return "all volumes are entirely zero, cannot determine a bounding box"
}

// BoundingBox is an axis-aligned voxel box with half-open upper bounds.
type BoundingBox struct {
	X0, X1 int
	Y0, Y1 int
	Z0, Z1 int
}

// Union returns the smallest box containing both boxes.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	min := func(a, b int) int {
		if a < b {
			return a
		}
		return b
	}
	max := func(a, b int) int {
		if a > b {
			return a
		}
		return b
	}
	return BoundingBox{
		X0: min(b.X0, o.X0), X1: max(b.X1, o.X1),
		Y0: min(b.Y0, o.Y0), Y1: max(b.Y1, o.Y1),
		Z0: min(b.Z0, o.Z0), Z1: max(b.Z1, o.Z1),
	}
}

// Shape returns the box dimensions in voxels.
func (b BoundingBox) Shape() (nx, ny, nz int) {
	return b.X1 - b.X0, b.Y1 - b.Y0, b.Z1 - b.Z0
}

// nonzeroBox computes the minimal box enclosing the volume's nonzero
// voxels. ok is false for an all-zero volume.
func nonzeroBox(v *volume.Volume) (BoundingBox, bool) {
	g := v.Grid
	box := BoundingBox{X0: g.Nx, Y0: g.Ny, Z0: g.Nz}
	found := false
	for z := 0; z < g.Nz; z++ {
		for y := 0; y < g.Ny; y++ {
			row := g.Index(0, y, z)
			for x := 0; x < g.Nx; x++ {
				if v.Data[row+x] == 0 {
					continue
				}
				found = true
				if x < box.X0 {
					box.X0 = x
				}
				if x+1 > box.X1 {
					box.X1 = x + 1
				}
				if y < box.Y0 {
					box.Y0 = y
				}
				if y+1 > box.Y1 {
					box.Y1 = y + 1
				}
				if z < box.Z0 {
					box.Z0 = z
				}
				if z+1 > box.Z1 {
					box.Z1 = z + 1
				}
			}
		}
	}
	return box, found
}

// Crop removes the zero padding shared by the whole stack: one box, the
// union of every volume's nonzero extent, is applied to every volume and
// the labelmap so the outputs stay in voxel correspondence. No nonzero
// voxel of any modality is cut.
//
// All members must share one grid or the box has no meaning; a mismatch
// means coregistration was skipped on unaligned inputs.
func (p *Preprocessor) Crop(set *volume.VolumeSet) (*volume.VolumeSet, error) {
	if err := set.CheckUniformGrid(); err != nil {
		return nil, err
	}

	var shared BoundingBox
	found := false
	for _, name := range set.Names() {
		box, ok := nonzeroBox(set.Volume(name))
		if !ok {
			continue
		}
		if !found {
			shared = box
			found = true
		} else {
			shared = shared.Union(box)
		}
	}
	if !found {
		return nil, &EmptyVolumeError{}
	}

	nx, ny, nz := shared.Shape()
	log.WithFields(log.Fields{
		"box":   shared,
		"shape": [3]int{nx, ny, nz},
	}).Info("cropping to shared bounding box")

	out := make(map[string]*volume.Volume, len(set.Names()))
	for _, name := range set.Names() {
		out[name] = cropVolume(set.Volume(name), shared)
	}
	var label *volume.Volume
	if set.Label() != nil {
		label = cropVolume(set.Label(), shared)
	}
	return set.Derive(out, label)
}

func cropVolume(v *volume.Volume, box BoundingBox) *volume.Volume {
	g := v.Grid
	nx, ny, nz := box.Shape()
	cropped := volume.Grid{
		Nx: nx, Ny: ny, Nz: nz,
		Dx: g.Dx, Dy: g.Dy, Dz: g.Dz,
		Ox: g.Ox + float64(box.X0)*g.Dx,
		Oy: g.Oy + float64(box.Y0)*g.Dy,
		Oz: g.Oz + float64(box.Z0)*g.Dz,
	}
	out := volume.New(v.Name, v.Kind, cropped)
	out.DoublePrecision = v.DoublePrecision
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			src := g.Index(box.X0, box.Y0+y, box.Z0+z)
			dst := cropped.Index(0, y, z)
			copy(out.Data[dst:dst+nx], v.Data[src:src+nx])
		}
	}
	return out
}
