// Package registration provides the spatial alignment collaborator used
// by the preprocessing pipeline. Transform estimation is deliberately
// compact: an affine is derived from intensity moments (centroid plus
// per-axis spread), which is enough to bring same-subject brain scans
// onto a shared grid. The pipeline depends only on the Registrar
// interface, so a heavier method can be substituted without touching the
// stage logic.
package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"brainprep/pkg/volume"
)

// Transform is a 4x4 world-space affine mapping source coordinates onto
// target coordinates, tagged with the modality it was estimated for.
type Transform struct {
	// M is the homogeneous 4x4 affine matrix
	M *mat.Dense

	// Modality names the moving volume the transform was estimated for
	Modality string
}

// RegistrationError reports a failed transform estimation, tagged with
// the offending modality.
type RegistrationError struct {
	Modality string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed for %s: %v", e.Modality, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Registrar estimates a transform mapping the moving volume's world
// space onto the fixed volume's world space.
type Registrar interface {
	Estimate(fixed, moving *volume.Volume) (Transform, error)
}

// Identity returns the identity transform.
func Identity() Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Transform{M: m}
}

// Apply maps a world coordinate through the transform.
func (t Transform) Apply(wx, wy, wz float64) (float64, float64, float64) {
	return t.M.At(0, 0)*wx + t.M.At(0, 1)*wy + t.M.At(0, 2)*wz + t.M.At(0, 3),
		t.M.At(1, 0)*wx + t.M.At(1, 1)*wy + t.M.At(1, 2)*wz + t.M.At(1, 3),
		t.M.At(2, 0)*wx + t.M.At(2, 1)*wy + t.M.At(2, 2)*wz + t.M.At(2, 3)
}

// Compose returns the transform that applies u first, then t.
func (t Transform) Compose(u Transform) Transform {
	m := mat.NewDense(4, 4, nil)
	m.Mul(t.M, u.M)
	return Transform{M: m, Modality: u.Modality}
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.M); err != nil {
		return Transform{}, fmt.Errorf("singular transform for %s: %w", t.Modality, err)
	}
	return Transform{M: &inv, Modality: t.Modality}, nil
}

// moments holds the intensity-weighted first and second moments of a
// volume in world coordinates.
type moments struct {
	mass       float64
	cx, cy, cz float64
	sx, sy, sz float64
}

func computeMoments(v *volume.Volume) moments {
	var m moments
	g := v.Grid
	for z := 0; z < g.Nz; z++ {
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				w := v.Data[g.Index(x, y, z)]
				if w <= 0 {
					continue
				}
				wx, wy, wz := g.World(x, y, z)
				m.mass += w
				m.cx += w * wx
				m.cy += w * wy
				m.cz += w * wz
			}
		}
	}
	if m.mass == 0 {
		return m
	}
	m.cx /= m.mass
	m.cy /= m.mass
	m.cz /= m.mass

	var vx, vy, vz float64
	for z := 0; z < g.Nz; z++ {
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				w := v.Data[g.Index(x, y, z)]
				if w <= 0 {
					continue
				}
				wx, wy, wz := g.World(x, y, z)
				vx += w * (wx - m.cx) * (wx - m.cx)
				vy += w * (wy - m.cy) * (wy - m.cy)
				vz += w * (wz - m.cz) * (wz - m.cz)
			}
		}
	}
	m.sx = math.Sqrt(vx / m.mass)
	m.sy = math.Sqrt(vy / m.mass)
	m.sz = math.Sqrt(vz / m.mass)
	return m
}

// MomentRegistrar is the default Registrar. It aligns intensity
// centroids and matches the per-axis intensity spread, yielding a
// translation plus anisotropic scaling.
type MomentRegistrar struct{}

// Estimate computes the moving-to-fixed affine. Volumes with no positive
// intensity mass cannot be aligned and yield a RegistrationError.
func (MomentRegistrar) Estimate(fixed, moving *volume.Volume) (Transform, error) {
	mf := computeMoments(fixed)
	mm := computeMoments(moving)
	if mf.mass == 0 {
		return Transform{}, &RegistrationError{
			Modality: moving.Name,
			Err:      fmt.Errorf("fixed volume %s has no positive intensity", fixed.Name),
		}
	}
	if mm.mass == 0 {
		return Transform{}, &RegistrationError{
			Modality: moving.Name,
			Err:      fmt.Errorf("moving volume has no positive intensity"),
		}
	}

	scale := func(f, m float64) float64 {
		if m <= 0 || f <= 0 {
			return 1
		}
		return f / m
	}
	sx := scale(mf.sx, mm.sx)
	sy := scale(mf.sy, mm.sy)
	sz := scale(mf.sz, mm.sz)

	t := Identity()
	t.Modality = moving.Name
	t.M.Set(0, 0, sx)
	t.M.Set(1, 1, sy)
	t.M.Set(2, 2, sz)
	t.M.Set(0, 3, mf.cx-sx*mm.cx)
	t.M.Set(1, 3, mf.cy-sy*mm.cy)
	t.M.Set(2, 3, mf.cz-sz*mm.cz)
	return t, nil
}

// CenterAlign returns the translation that maps the moving volume's
// intensity centroid onto the center of the target grid. It is the
// fallback template alignment when no template image is available to
// register against.
func CenterAlign(moving *volume.Volume, target volume.Grid) (Transform, error) {
	m := computeMoments(moving)
	if m.mass == 0 {
		return Transform{}, &RegistrationError{
			Modality: moving.Name,
			Err:      fmt.Errorf("moving volume has no positive intensity"),
		}
	}
	tx, ty, tz := target.Center()
	t := Identity()
	t.Modality = moving.Name
	t.M.Set(0, 3, tx-m.cx)
	t.M.Set(1, 3, ty-m.cy)
	t.M.Set(2, 3, tz-m.cz)
	return t, nil
}
