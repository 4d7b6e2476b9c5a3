// Package resample maps volumes between voxel grids under a world-space
// affine. Intensity volumes are interpolated trilinearly; labelmaps are
// always sampled nearest-neighbor so no intermediate label values are
// invented, regardless of what the caller asks for.
package resample

import (
	"math"

	"brainprep/pkg/registration"
	"brainprep/pkg/volume"
)

// Interpolation selects the sampling kernel.
type Interpolation int

const (
	// Trilinear blends the eight surrounding voxels
	Trilinear Interpolation = iota

	// NearestNeighbor picks the closest voxel, preserving exact values
	NearestNeighbor
)

// kindInterpolation returns the kernel a volume of the given kind is
// allowed to use. Labelmaps are pinned to nearest-neighbor.
func kindInterpolation(kind volume.Kind, requested Interpolation) Interpolation {
	if kind == volume.Label {
		return NearestNeighbor
	}
	return requested
}

// ToGrid resamples v onto the target grid through the world affine t
// (v's world space onto the target's world space). Voxels that map
// outside v read as zero.
func ToGrid(v *volume.Volume, t registration.Transform, target volume.Grid) (*volume.Volume, error) {
	inv, err := t.Inverse()
	if err != nil {
		return nil, err
	}

	interp := kindInterpolation(v.Kind, Trilinear)
	out := volume.New(v.Name, v.Kind, target)
	out.DoublePrecision = v.DoublePrecision

	for z := 0; z < target.Nz; z++ {
		for y := 0; y < target.Ny; y++ {
			for x := 0; x < target.Nx; x++ {
				wx, wy, wz := target.World(x, y, z)
				sx, sy, sz := inv.Apply(wx, wy, wz)
				vx, vy, vz := v.Grid.Voxel(sx, sy, sz)

				var val float64
				if interp == NearestNeighbor {
					val = sampleNearest(v, vx, vy, vz)
				} else {
					val = sampleTrilinear(v, vx, vy, vz)
				}
				out.Data[target.Index(x, y, z)] = val
			}
		}
	}
	return out, nil
}

func sampleNearest(v *volume.Volume, x, y, z float64) float64 {
	return v.At(int(math.Round(x)), int(math.Round(y)), int(math.Round(z)))
}

func sampleTrilinear(v *volume.Volume, x, y, z float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var acc float64
	for dz := 0; dz <= 1; dz++ {
		wz := fz
		if dz == 0 {
			wz = 1 - fz
		}
		for dy := 0; dy <= 1; dy++ {
			wy := fy
			if dy == 0 {
				wy = 1 - fy
			}
			for dx := 0; dx <= 1; dx++ {
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				acc += w * v.At(x0+dx, y0+dy, z0+dz)
			}
		}
	}
	return acc
}
