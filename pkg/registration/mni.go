package registration

import (
	"gonum.org/v1/gonum/stat"

	"brainprep/pkg/volume"
)

// MNIGrid returns the voxel grid of the ICBM 2009c symmetric template:
// 193 x 229 x 193 voxels at 1 mm isotropic spacing, origin chosen so the
// anterior commissure sits near world (0,0,0).
func MNIGrid() volume.Grid {
	return volume.Grid{
		Nx: 193, Ny: 229, Nz: 193,
		Dx: 1, Dy: 1, Dz: 1,
		Ox: -96, Oy: -132, Oz: -78,
	}
}

// Similarity returns the Pearson correlation between two volumes on the
// same grid, used to log alignment quality after resampling. Volumes on
// different grids have no meaningful voxelwise correlation and score 0.
func Similarity(a, b *volume.Volume) float64 {
	if !a.Grid.Equal(b.Grid) || len(a.Data) == 0 {
		return 0
	}
	return stat.Correlation(a.Data, b.Data, nil)
}
